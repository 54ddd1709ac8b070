package server

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/xth/brynet/http"
	"github.com/xth/brynet/http/status"
	"github.com/xth/brynet/http/transfer"
	"github.com/xth/brynet/lib/ds/queue"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

const readBufSize = 4096

type conn struct {
	nc      net.Conn
	version http.Version

	parser  *http.RequestParser
	pending *queue.NaiveQueue[*http.Request]

	handle   HandleFunc
	transfer *transfer.CodingPipeliner
	clock    clock.Clock

	logger *slog.Logger

	opts Options

	// One read at a time is parked on nc; its result arrives on readC.
	readBuf []byte
	readC   chan readResult
	reading bool
	readErr error

	// A parse error is held back until the requests parsed before it
	// are served.
	parseErr error
}

type readResult struct {
	n   int
	err error
}

var ErrIdleTimeoutExceeded = errors.New("idle timeout exceeded")

var (
	errRequestTimeout = errors.New("request read timed out")
	errWriteTimeout   = errors.New("response write timed out")
)

func (c *conn) start(ctx context.Context) {
	defer func() {
		c.logger.Debug("closing connection")
		if err := c.nc.Close(); err != nil {
			c.logger.Error("error when closing connection", "error", err)
		}
	}()

	var err error
	if c.opts.Pipeline.BufferLength > 0 {
		err = c.servePipelined(ctx)
	} else {
		err = c.serve(ctx)
	}

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		// no-op.
	case errors.Is(err, ErrIdleTimeoutExceeded):
		c.logger.Info("idle timeout exceeded")
	case errors.Is(err, io.EOF):
		c.logger.Debug("peer closed the connection")
	default:
		c.logger.Error("unexpected error while serving", "error", err)
	}
}

func (c *conn) serve(ctx context.Context) error {
	for {
		request, err := c.readRequest(ctx)
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled),
				errors.Is(err, ErrIdleTimeoutExceeded),
				errors.Is(err, io.EOF):
				return err
			}

			// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-2.2-9
			response := statusErrToResponse(toStatusError(err), true)
			if werr := c.writeResponse(ctx, response, "close", false); werr != nil {
				return errors.Wrap(werr, "writing response")
			}
			return nil
		}

		response, closing, err := c.respondTo(ctx, request)
		if err != nil {
			return err
		}
		if response == nil {
			// Handler dropped the connection without answering.
			return nil
		}

		connHeader := connectionHeader(request, closing)
		headOnly := request.Method == http.MethodHead
		if err := c.writeResponse(ctx, response, connHeader, headOnly); err != nil {
			return errors.Wrap(err, "writing response")
		}

		if closing {
			return nil
		}
	}
}

func (c *conn) respondTo(ctx context.Context, request *http.Request) (*http.Response, bool, error) {
	// The message parser already undid a trailing chunked coding.
	te := request.Headers.TokenList("Transfer-Encoding")
	if codings := transfer.Remaining(te); len(codings) > 0 {
		body, err := c.transfer.DecodeAll(request.Body, codings)
		if err != nil {
			err = errors.Wrap(err, "undoing transfer codings")
			return statusErrToResponse(toStatusError(err), true), true, nil
		}
		request.Body = body
	}

	hctx := &HandleContext{
		ctx:        ctx,
		remoteAddr: c.nc.RemoteAddr(),
		version:    c.version,
		request:    request,
	}

	response, err := hctx.doHandle(c.handle)
	if err != nil {
		return nil, false, errors.Wrap(err, "unexpected error while handling request")
	}
	if response == nil {
		return nil, false, nil
	}

	closing := hctx.closeConn || !keepAlive(request, response)

	return response, closing, nil
}

// readRequest returns the next complete request. The wait for its first
// byte is bounded by the idle timeout, every read after that by the read
// timeout.
func (c *conn) readRequest(ctx context.Context) (*http.Request, error) {
	timeout, timeoutErr := c.opts.Serve.Timeout.IdleTimeout, ErrIdleTimeoutExceeded
	for {
		if request, ok := c.popPending(); ok {
			return request, nil
		}

		if c.parseErr != nil {
			return nil, c.parseErr
		}

		if err := c.advance(ctx, timeout, timeoutErr); err != nil {
			return nil, err
		}

		timeout, timeoutErr = c.opts.Serve.Timeout.ReadTimeout, errRequestTimeout
	}
}

// advance blocks for one read from the connection and feeds it to the
// parser.
func (c *conn) advance(ctx context.Context, timeout time.Duration, timeoutErr error) error {
	if c.readErr != nil {
		return errors.Wrap(c.readErr, "reading from connection")
	}

	c.armRead()

	var timeC <-chan time.Time
	if timeout > 0 {
		timer := c.clock.Timer(timeout)
		defer timer.Stop()
		timeC = timer.C
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timeC:
		return timeoutErr
	case res := <-c.readC:
		c.reading = false

		if res.n > 0 {
			events, perr := c.parser.Feed(c.readBuf[:res.n])
			c.collect(events)
			// The same segment may complete requests before breaking;
			// hold the error back until those are served.
			c.parseErr = perr
			c.readErr = res.err
			return nil
		}

		if res.err != nil {
			return errors.Wrap(res.err, "reading from connection")
		}
		return nil
	}
}

// armRead parks a read on the connection unless one is parked already.
// The result channel is buffered so an abandoned read never leaks its
// goroutine once the connection closes.
func (c *conn) armRead() {
	if c.reading {
		return
	}
	c.reading = true

	go func() {
		n, err := c.nc.Read(c.readBuf)
		c.readC <- readResult{n: n, err: err}
	}()
}

func (c *conn) collect(events []http.Event) {
	for _, ev := range events {
		if ev.Kind == http.EventEnd && ev.Request != nil {
			c.pending.Enqueue(ev.Request)
		}
	}
}

func (c *conn) popPending() (*http.Request, bool) {
	request, err := c.pending.Dequeue()
	if err != nil {
		return nil, false
	}
	return request, true
}

func (c *conn) writeResponse(ctx context.Context, response *http.Response, connHeader string, headOnly bool) error {
	response.Version = c.version
	if response.Headers == nil {
		response.Headers = http.NewHeaders(c.opts.Serve.Parser.Headers)
	}
	if response.ReasonPhrase == "" {
		response.ReasonPhrase = status.ReasonFor(response.StatusCode)
	}

	// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-6.6.1-6
	date := c.clock.Now().UTC().Format(http.TimeFormat)
	if err := response.Headers.Set("Date", date); err != nil {
		return errors.Wrap(err, "setting date header")
	}

	if connHeader != "" {
		if err := response.Headers.Set("Connection", connHeader); err != nil {
			return errors.Wrap(err, "setting connection header")
		}
	}

	wire, err := c.encodeResponse(response, headOnly)
	if err != nil {
		return err
	}

	return c.write(ctx, wire)
}

// encodeResponse serializes the response, deriving its framing. A response
// carrying a Transfer-Encoding gets its body wrapped in those codings;
// anything else is framed by Content-Length.
func (c *conn) encodeResponse(response *http.Response, headOnly bool) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	enc := http.NewResponseEncoder(buf, c.opts.Serve.Encode)

	head := *response
	head.Body = nil

	te := response.Headers.TokenList("Transfer-Encoding")

	switch {
	case response.StatusCode/100 == 1 || response.StatusCode == 204:
		// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-8.6-8
		response.Headers.Del("Content-Length")
		response.Headers.Del("Transfer-Encoding")
		if err := encodeAll(enc, head, nil); err != nil {
			return nil, err
		}

	case response.StatusCode == 304:
		// Content-Length, if set, describes the body that is not sent.
		if err := encodeAll(enc, head, nil); err != nil {
			return nil, err
		}

	case len(te) > 0:
		response.Headers.Del("Content-Length")

		bodyW, err := c.transfer.Encode(buf, transfer.ToCodings(te), trailerFields(response))
		if err != nil {
			// Could be [transfer.ErrUnsupportedCoding].
			return nil, errors.Wrap(err, "applying transfer codings to response")
		}

		if err := enc.Encode(head); err != nil {
			return nil, errors.Wrap(err, "encoding response head")
		}

		if !headOnly {
			if len(response.Body) > 0 {
				if _, err := bodyW.Write(response.Body); err != nil {
					return nil, errors.Wrap(err, "encoding response body")
				}
			}
			if err := bodyW.Close(); err != nil {
				return nil, errors.Wrap(err, "finishing response body")
			}
		}

	default:
		length := strconv.Itoa(len(response.Body))
		if err := response.Headers.Set("Content-Length", length); err != nil {
			return nil, errors.Wrap(err, "setting content length")
		}

		body := response.Body
		if headOnly {
			body = nil
		}
		if err := encodeAll(enc, head, body); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func encodeAll(enc *http.ResponseEncoder, head http.Response, body []byte) error {
	head.Body = body
	if err := enc.Encode(head); err != nil {
		return errors.Wrap(err, "encoding response")
	}
	return nil
}

func (c *conn) write(ctx context.Context, wire []byte) error {
	done := make(chan error, 1)
	go func() {
		_, err := c.nc.Write(wire)
		done <- err
	}()

	var timeC <-chan time.Time
	if timeout := c.opts.Serve.Timeout.WriteTimeout; timeout > 0 {
		timer := c.clock.Timer(timeout)
		defer timer.Stop()
		timeC = timer.C
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timeC:
		return errWriteTimeout
	case err := <-done:
		if err != nil {
			return errors.Wrap(err, "writing to connection")
		}
		return nil
	}
}

// connectionHeader picks the Connection header value to send on a
// response, or "" for none.
func connectionHeader(request *http.Request, closing bool) string {
	switch {
	case closing:
		return "close"
	case request.Version == (http.Version{1, 0}):
		// An HTTP/1.0 peer assumes closure unless told otherwise.
		return "keep-alive"
	}
	return ""
}

// keepAlive reports whether the connection can serve another exchange.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-9.3
func keepAlive(request *http.Request, response *http.Response) bool {
	if request.Headers.HasToken("Connection", "close") ||
		response.Headers.HasToken("Connection", "close") {
		return false
	}

	if request.Version == (http.Version{1, 0}) {
		return request.Headers.HasToken("Connection", "keep-alive")
	}

	return true
}

func trailerFields(response *http.Response) func() []http.Field {
	return func() []http.Field { return response.Trailers.Fields() }
}

// toStatusError converts an error hit while reading a request into the
// status the client should see for it.
func toStatusError(err error) status.Error {
	switch {
	case errors.Is(err, errRequestTimeout):
		return status.NewError(nil, status.RequestTimeout)
	case errors.Is(err, http.ErrStartLineTooLong):
		// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-3-4
		return status.NewError(err, status.URITooLong)
	case errors.Is(err, http.ErrFieldLineTooLong):
		return status.NewError(err, status.HeaderFieldsTooLarge)
	case errors.Is(err, http.ErrLengthRequired):
		return status.NewError(err, status.LengthRequired)
	case errors.Is(err, transfer.ErrUnsupportedCoding):
		// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.1-11
		return status.NewError(err, status.NotImplemented)
	}

	return status.NewError(err, status.BadRequest)
}

func statusErrToResponse(se status.Error, skipBody bool) *http.Response {
	response := &http.Response{
		StatusLine: http.StatusLine{
			Version:      http.V11,
			StatusCode:   se.Status.Code,
			ReasonPhrase: se.Status.ReasonPhrase,
		},
		Headers: http.NewHeaders(http.DefaultHeadersOptions),
	}

	if skipBody {
		return response
	}

	if cause := se.Cause(); cause != nil {
		response.Body = []byte(cause.Error())
	}

	return response
}
