package client

import (
	"time"

	"github.com/xth/brynet/http"
	"github.com/xth/brynet/http/transfer"
)

type Options struct {
	Send    SendOptions
	Receive ReceiveOptions
	Timeout TimeoutOptions

	// ExtraTransferCoders registers transfer codings beyond chunked for
	// request and response bodies.
	ExtraTransferCoders []transfer.Coder
}

type SendOptions struct {
	Encode http.EncodeOptions
}

type ReceiveOptions struct {
	Parser http.ParserOptions

	// UseReceivedReasonPhrase uses the reason phrase from the response.
	// If false, the reason phrase will instead be filled with the default
	// value for the status code.
	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-4-9
	UseReceivedReasonPhrase bool
}

type TimeoutOptions struct {
	// ExchangeTimeout bounds a whole request-response exchange.
	ExchangeTimeout time.Duration
}

var DefaultOptions = Options{
	Send:    SendOptions{Encode: http.DefaultEncodeOptions},
	Receive: ReceiveOptions{Parser: http.DefaultParserOptions},
}
