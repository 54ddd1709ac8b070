package server

import (
	"context"
	"io"
	"slices"
	"sync"

	"github.com/xth/brynet/http"
	"github.com/xth/brynet/lib/ds/queue"

	"github.com/pkg/errors"
)

// DefaultSafeMethods lists the methods assumed safe to handle in
// parallel.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-9.2.1-3
func DefaultSafeMethods() []string {
	return []string{
		http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace,
	}
}

func (c *conn) safeMethods() []string {
	if c.opts.Pipeline.SafeMethods != nil {
		return c.opts.Pipeline.SafeMethods
	}
	return DefaultSafeMethods()
}

// servePipelined serves like [conn.serve] but overlaps the handling of
// consecutive safe requests. Responses are written back in request
// order, however the handlers finish.
func (c *conn) servePipelined(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	receiver := newPipelineReceiver(c)
	receiver.start(ctx, &wg)
	defer close(receiver.signal)

	// In-flight exchanges, oldest first. Each slot receives its result
	// exactly once.
	slots := queue.NewCircular[chan handled](c.opts.Pipeline.BufferLength)

	receiver.signal <- struct{}{} // Initial read.
	reading := true

	var (
		requests      = receiver.stream
		pendingUnsafe *http.Request
	)

	for {
		// The oldest in-flight exchange gates write order.
		var oldest chan handled
		if slot, err := slots.Peek(); err == nil {
			oldest = slot
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-receiver.errchan:
			switch {
			case errors.Is(err, context.Canceled),
				errors.Is(err, ErrIdleTimeoutExceeded),
				errors.Is(err, io.EOF):
				return err
			}

			// Answer what was accepted before the bad bytes, then send
			// the error response.
			// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-2.2-9
			for slots.Len() > 0 {
				slot, _ := slots.Dequeue()
				done, werr := c.writeBack(ctx, <-slot)
				if werr != nil {
					return werr
				}
				if done {
					return nil
				}
			}

			response := statusErrToResponse(toStatusError(err), true)
			if werr := c.writeResponse(ctx, response, "close", false); werr != nil {
				return errors.Wrap(werr, "writing response")
			}
			return nil

		case request := <-requests:
			reading = false

			if !slices.Contains(c.safeMethods(), request.Method) {
				if slots.Len() > 0 {
					// An unsafe request runs alone; what's in flight
					// drains first.
					pendingUnsafe = request
					requests = nil
					break
				}

				done, err := c.writeBack(ctx, c.handleOne(ctx, request))
				if err != nil {
					return err
				}
				if done {
					return nil
				}

				receiver.signal <- struct{}{}
				reading = true
				break
			}

			// Reads are gated on a free slot, so this cannot fail.
			slots.Enqueue(c.handleAsync(ctx, &wg, request))

			if slots.Len() < slots.Size() {
				receiver.signal <- struct{}{}
				reading = true
			}

		case h := <-oldest:
			slots.Dequeue()

			done, err := c.writeBack(ctx, h)
			if err != nil {
				return err
			}
			if done {
				return nil
			}

			if pendingUnsafe != nil && slots.Len() == 0 {
				request := pendingUnsafe
				pendingUnsafe = nil
				requests = receiver.stream

				done, err := c.writeBack(ctx, c.handleOne(ctx, request))
				if err != nil {
					return err
				}
				if done {
					return nil
				}
			}

			if !reading && requests != nil && slots.Len() < slots.Size() {
				receiver.signal <- struct{}{}
				reading = true
			}
		}
	}
}

// handled is one computed exchange, ready to write back.
type handled struct {
	response   *http.Response
	connHeader string
	headOnly   bool
	closing    bool
	err        error
}

func (c *conn) handleAsync(ctx context.Context, wg *sync.WaitGroup, request *http.Request) chan handled {
	slot := make(chan handled, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		slot <- c.handleOne(ctx, request)
	}()

	return slot
}

func (c *conn) handleOne(ctx context.Context, request *http.Request) handled {
	response, closing, err := c.respondTo(ctx, request)
	if err != nil || response == nil {
		return handled{err: err}
	}

	return handled{
		response:   response,
		connHeader: connectionHeader(request, closing),
		headOnly:   request.Method == http.MethodHead,
		closing:    closing,
	}
}

// writeBack sends one computed exchange down the wire. done reports
// that the connection is finished and serving should stop.
func (c *conn) writeBack(ctx context.Context, h handled) (done bool, err error) {
	if h.err != nil {
		return true, h.err
	}
	if h.response == nil {
		// Handler dropped the connection without answering.
		return true, nil
	}

	if err := c.writeResponse(ctx, h.response, h.connHeader, h.headOnly); err != nil {
		return true, errors.Wrap(err, "writing response")
	}

	return h.closing, nil
}

// pipelineReceiver pulls requests off the connection one at a time, on
// demand. Its channels are buffered so no send ever blocks: the serve
// loop keeps at most one read signaled, and the receiver parks at most
// one result.
type pipelineReceiver struct {
	conn *conn

	signal  chan struct{}
	stream  chan *http.Request
	errchan chan error
}

func newPipelineReceiver(c *conn) *pipelineReceiver {
	return &pipelineReceiver{
		conn:    c,
		signal:  make(chan struct{}, 1),
		stream:  make(chan *http.Request, 1),
		errchan: make(chan error, 1),
	}
}

func (pr *pipelineReceiver) start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for range pr.signal {
			request, err := pr.conn.readRequest(ctx)
			if err != nil {
				pr.errchan <- err
				return
			}

			pr.stream <- request
		}
	}()
}
