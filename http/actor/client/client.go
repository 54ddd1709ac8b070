// Package client drives HTTP/1.1 exchanges over a single connection.
package client

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/xth/brynet/http"
	"github.com/xth/brynet/http/status"
	"github.com/xth/brynet/http/transfer"
	"github.com/xth/brynet/lib/ds/queue"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

const readBufSize = 4096

// Client owns one connection and serializes exchanges on it. The
// connection closes once keep-alive ends or an exchange fails; a closed
// client is done, dial again for a new one.
type Client struct {
	nc net.Conn

	mu     sync.Mutex
	closed bool

	parser  *http.ResponseParser
	pending *queue.NaiveQueue[*http.Response]

	// One read at a time is parked on nc; its result arrives on readC.
	readBuf []byte
	readC   chan readResult
	reading bool
	readErr error

	// A parse error is held back until the responses parsed before it
	// are delivered.
	parseErr error

	transfer *transfer.CodingPipeliner
	logger   *slog.Logger
	clock    clock.Clock

	opts Options
}

type readResult struct {
	n   int
	err error
}

var (
	ErrClosed          = errors.New("client connection is closed")
	ErrExchangeTimeout = errors.New("exchange timed out")
)

func New(nc net.Conn, logger *slog.Logger, clock clock.Clock, opts Options) *Client {
	return &Client{
		nc:       nc,
		parser:   http.NewResponseParser(opts.Receive.Parser),
		pending:  queue.NewNaive[*http.Response](0),
		readBuf:  make([]byte, readBufSize),
		readC:    make(chan readResult, 1),
		transfer: transfer.NewCodingPipeliner(opts.ExtraTransferCoders),
		logger:   logger.With("conn", nc.RemoteAddr()),
		clock:    clock,
		opts:     opts,
	}
}

// Do sends the request and blocks until its final response arrives.
// Interim responses are skipped.
//
// The request is normalized in place: an empty method, target, or
// version gets its default, and the framing headers are derived from the
// body.
func (c *Client) Do(ctx context.Context, request *http.Request) (*http.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	var timeC <-chan time.Time
	if timeout := c.opts.Timeout.ExchangeTimeout; timeout > 0 {
		timer := c.clock.Timer(timeout)
		defer timer.Stop()
		timeC = timer.C
	}

	if request.Method == http.MethodHead {
		// The response will advertise framing it doesn't send.
		c.parser.ExpectNoBody()
	}

	if err := c.writeRequest(ctx, timeC, request); err != nil {
		c.closeLocked()
		return nil, err
	}

	response, err := c.readResponse(ctx, timeC, request)
	if err != nil {
		c.closeLocked()
		return nil, err
	}

	if c.readErr != nil || !keepAlive(request, response) {
		c.closeLocked()
	}

	return response, nil
}

// Close closes the underlying connection. Closing twice is fine.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if err := c.nc.Close(); err != nil {
		return errors.Wrap(err, "closing connection")
	}
	return nil
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true

	if err := c.nc.Close(); err != nil {
		c.logger.Error("error when closing connection", "error", err)
	}
}

func (c *Client) writeRequest(ctx context.Context, timeC <-chan time.Time, request *http.Request) error {
	wire, err := c.encodeRequest(request)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.nc.Write(wire)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timeC:
		return ErrExchangeTimeout
	case err := <-done:
		if err != nil {
			return errors.Wrap(err, "writing request")
		}
		return nil
	}
}

// encodeRequest serializes the request, deriving its framing. A request
// carrying a Transfer-Encoding gets its body wrapped in those codings;
// anything else is framed by Content-Length when a body is present or
// the method usually sends one.
func (c *Client) encodeRequest(request *http.Request) ([]byte, error) {
	if request.Method == "" {
		request.Method = http.MethodGet
	}
	if request.Target == "" {
		request.Target = "/"
	}
	if request.Version == (http.Version{}) {
		request.Version = http.V11
	}
	if request.Headers == nil {
		request.Headers = http.NewHeaders(http.DefaultHeadersOptions)
	}

	buf := bytes.NewBuffer(nil)
	enc := http.NewRequestEncoder(buf, c.opts.Send.Encode)

	head := *request
	head.Body = nil

	te := request.Headers.TokenList("Transfer-Encoding")

	switch {
	case len(te) > 0:
		request.Headers.Del("Content-Length")

		bodyW, err := c.transfer.Encode(buf, transfer.ToCodings(te), trailerFields(request))
		if err != nil {
			// Could be [transfer.ErrUnsupportedCoding].
			return nil, errors.Wrap(err, "applying transfer codings to request")
		}

		if err := enc.Encode(head); err != nil {
			return nil, errors.Wrap(err, "encoding request head")
		}

		if len(request.Body) > 0 {
			if _, err := bodyW.Write(request.Body); err != nil {
				return nil, errors.Wrap(err, "encoding request body")
			}
		}
		if err := bodyW.Close(); err != nil {
			return nil, errors.Wrap(err, "finishing request body")
		}

	case len(request.Body) > 0 || methodExpectsBody(request.Method):
		length := strconv.Itoa(len(request.Body))
		if err := request.Headers.Set("Content-Length", length); err != nil {
			return nil, errors.Wrap(err, "setting content length")
		}

		head.Body = request.Body
		if err := enc.Encode(head); err != nil {
			return nil, errors.Wrap(err, "encoding request")
		}

	default:
		if err := enc.Encode(head); err != nil {
			return nil, errors.Wrap(err, "encoding request")
		}
	}

	return buf.Bytes(), nil
}

func (c *Client) readResponse(ctx context.Context, timeC <-chan time.Time, request *http.Request) (*http.Response, error) {
	for {
		if response, ok := c.popPending(); ok {
			if interim(response.StatusCode) {
				c.logger.Debug("skipping interim response", "status", response.StatusCode)
				if request.Method == http.MethodHead {
					// Re-arm for the real response.
					c.parser.ExpectNoBody()
				}
				continue
			}

			return c.finishResponse(response)
		}

		if c.parseErr != nil {
			return nil, errors.Wrap(c.parseErr, "parsing response")
		}

		if err := c.advance(ctx, timeC); err != nil {
			return nil, err
		}
	}
}

// advance blocks for one read from the connection and feeds it to the
// parser.
func (c *Client) advance(ctx context.Context, timeC <-chan time.Time) error {
	if c.readErr != nil {
		return c.finishStream()
	}

	c.armRead()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timeC:
		return ErrExchangeTimeout
	case res := <-c.readC:
		c.reading = false

		if res.n > 0 {
			events, perr := c.parser.Feed(c.readBuf[:res.n])
			c.collect(events)
			// The same segment may complete responses before breaking;
			// hold the error back until those are delivered.
			c.parseErr = perr
			c.readErr = res.err
			return nil
		}

		if res.err != nil {
			c.readErr = res.err
			return c.finishStream()
		}
		return nil
	}
}

// finishStream lets the parser settle once the peer stops sending. A
// body read until close is completed by this; anything else cut short is
// an error.
func (c *Client) finishStream() error {
	events, err := c.parser.Close()
	c.collect(events)
	if err != nil {
		return errors.Wrap(err, "reading response")
	}

	if c.pending.Len() == 0 {
		return errors.Wrap(c.readErr, "connection closed before response")
	}
	return nil
}

// armRead parks a read on the connection unless one is parked already.
// The result channel is buffered so an abandoned read never leaks its
// goroutine once the connection closes.
func (c *Client) armRead() {
	if c.reading {
		return
	}
	c.reading = true

	go func() {
		n, err := c.nc.Read(c.readBuf)
		c.readC <- readResult{n: n, err: err}
	}()
}

func (c *Client) collect(events []http.Event) {
	for _, ev := range events {
		if ev.Kind == http.EventEnd && ev.Response != nil {
			c.pending.Enqueue(ev.Response)
		}
	}
}

func (c *Client) popPending() (*http.Response, bool) {
	response, err := c.pending.Dequeue()
	if err != nil {
		return nil, false
	}
	return response, true
}

func (c *Client) finishResponse(response *http.Response) (*http.Response, error) {
	if !c.opts.Receive.UseReceivedReasonPhrase {
		// Overwrite the reason phrase with the default one.
		if st, ok := status.FromCode(response.StatusCode); ok {
			response.ReasonPhrase = st.ReasonPhrase
		}
	}

	// The message parser already undid a trailing chunked coding.
	te := response.Headers.TokenList("Transfer-Encoding")
	if codings := transfer.Remaining(te); len(codings) > 0 {
		body, err := c.transfer.DecodeAll(response.Body, codings)
		if err != nil {
			return nil, errors.Wrap(err, "undoing transfer codings")
		}
		response.Body = body
	}

	return response, nil
}

// interim reports whether the status is informational and another
// response follows. 101 is final: the connection leaves HTTP/1.1.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-15.2-2
func interim(code uint) bool {
	return code/100 == 1 && code != status.SwitchingProtocols.Code
}

// keepAlive reports whether the connection survives this exchange.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-9.3
func keepAlive(request *http.Request, response *http.Response) bool {
	if request.Headers.HasToken("Connection", "close") ||
		response.Headers.HasToken("Connection", "close") {
		return false
	}

	if response.StatusCode == status.SwitchingProtocols.Code {
		// The connection no longer speaks HTTP/1.1.
		return false
	}

	if response.Version == (http.Version{1, 0}) {
		return response.Headers.HasToken("Connection", "keep-alive")
	}

	return true
}

// methodExpectsBody lists the methods whose requests carry a
// Content-Length even when the body is empty.
func methodExpectsBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

func trailerFields(request *http.Request) func() []http.Field {
	return func() []http.Field { return request.Trailers.Fields() }
}
