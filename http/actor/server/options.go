package server

import (
	"time"

	"github.com/xth/brynet/http"
	"github.com/xth/brynet/http/transfer"
)

type Options struct {
	Serve    ServeOptions
	Pipeline PipelineOptions

	// ExtraTransferCoders registers transfer codings beyond chunked for
	// request and response bodies.
	ExtraTransferCoders []transfer.Coder
}

type ServeOptions struct {
	Parser http.ParserOptions
	Encode http.EncodeOptions

	Timeout TimeoutOptions
}

// PipelineOptions governs pipelined serving: responses for consecutive
// safe requests are computed in parallel and written back in request
// order.
type PipelineOptions struct {
	// BufferLength caps how many requests may be handled at once.
	// Zero disables pipelined serving entirely.
	BufferLength uint

	// SafeMethods lists the methods whose requests may be handled in
	// parallel; any other method runs alone. Nil means
	// [DefaultSafeMethods].
	SafeMethods []string
}

type TimeoutOptions struct {
	// IdleTimeout bounds the wait for the start of the next request.
	IdleTimeout time.Duration
	// ReadTimeout bounds each read while a request is in flight.
	ReadTimeout time.Duration
	// WriteTimeout bounds writing a response.
	WriteTimeout time.Duration
}

var DefaultOptions = Options{
	Serve: ServeOptions{
		Parser: http.DefaultParserOptions,
		Encode: http.DefaultEncodeOptions,
	},
}
