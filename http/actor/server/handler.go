package server

import (
	"context"
	"net"

	"github.com/xth/brynet/http"
	"github.com/xth/brynet/http/status"

	"github.com/pkg/errors"
)

// HandleFunc produces the response for a single request. Returning nil is
// forbidden unless the handler decided to drop the connection through
// [HandleContext.Error].
type HandleFunc func(c *HandleContext, request *http.Request) *http.Response

// HandleContext carries per-exchange state into a [HandleFunc].
type HandleContext struct {
	ctx context.Context

	remoteAddr net.Addr
	version    http.Version

	request *http.Request

	closeConn bool

	// Should only be used inside this struct.
	_fatalError error
}

func (c *HandleContext) doHandle(handle HandleFunc) (res *http.Response, err error) {
	defer func() {
		if e := recover(); e != nil {
			err = errors.Errorf("handler panicked: %s", e)
		}
	}()

	response := handle(c, c.request)
	if c._fatalError != nil {
		return nil, c._fatalError
	}

	if response == nil && !c.closeConn {
		return nil, errors.New("nil response is forbidden")
	}

	return response, nil
}

func (c *HandleContext) Context() context.Context  { return c.ctx }
func (c *HandleContext) RemoteAddr() net.Addr      { return c.remoteAddr }
func (c *HandleContext) HTTPVersion() http.Version { return c.version }

// Error turns err into the response to send and marks the connection for
// closure. A [status.Error] picks its own status; anything else becomes
// an internal server error carrying the error text.
func (c *HandleContext) Error(err error) *http.Response {
	if err == nil {
		c._fatalError = errors.New("using Error() with nil error is forbidden")
		return nil
	}

	c.closeConn = true

	if statusErr := new(status.Error); errors.As(err, statusErr) {
		return statusErrToResponse(*statusErr, false)
	}

	return statusErrToResponse(
		status.NewError(err, status.InternalServerError),
		false,
	)
}
