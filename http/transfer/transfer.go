// Package transfer applies transfer codings to message body streams.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-7
package transfer

import (
	"bytes"
	"io"
	"strings"

	"github.com/xth/brynet/http"
	sliceutil "github.com/xth/brynet/lib/slice"

	"github.com/pkg/errors"
)

type Coding string

const (
	CodingChunked Coding = "chunked"
)

// ToCodings converts transfer coding tokens into their lowercase Coding
// form, the way coders are keyed.
func ToCodings(tokens []string) []Coding {
	if len(tokens) == 0 {
		return nil
	}

	return sliceutil.Map(tokens, func(token string) Coding {
		return Coding(strings.ToLower(token))
	})
}

// Remaining converts tokens like [ToCodings] but drops a final chunked
// coding, the one an incremental message parser undoes itself.
func Remaining(tokens []string) []Coding {
	if n := len(tokens); n > 0 && strings.EqualFold(tokens[n-1], string(CodingChunked)) {
		tokens = tokens[:n-1]
	}

	return ToCodings(tokens)
}

type Coder interface {
	Coding() Coding
	NewReader(r io.Reader) io.Reader
	NewWriter(w io.Writer) io.WriteCloser
}

type CodingPipeliner struct{ coders map[Coding]Coder }

func NewCodingPipeliner(customs []Coder) *CodingPipeliner {
	cp := &CodingPipeliner{}
	cp.coders = map[Coding]Coder{
		CodingChunked: NewChunkedCoder(),
	}

	for _, coder := range customs {
		cp.coders[coder.Coding()] = coder
	}

	return cp
}

var ErrUnsupportedCoding = errors.New("coding is unsupported")

// Decode stacks decoders for codings onto r, innermost coding first.
// onTrailer fires when a chunked coding finishes with trailer fields.
func (cp *CodingPipeliner) Decode(r io.Reader, codings []Coding, onTrailer func(f []http.Field)) (io.Reader, error) {
	for idx := len(codings) - 1; idx >= 0; idx-- {
		coding := codings[idx]
		coder, ok := cp.coders[coding]
		if !ok {
			return nil, ErrUnsupportedCoding
		}

		r = coder.NewReader(r)
		if coding == CodingChunked && onTrailer != nil {
			chunkedCoder := r.(*ChunkedReader)

			chunkedCoder.SetOnTrailerReceived(func(f []http.Field) {
				if len(f) == 0 {
					return
				}
				onTrailer(f)
			})
		}
	}

	return r, nil
}

// DecodeAll undoes codings over an already buffered body.
func (cp *CodingPipeliner) DecodeAll(body []byte, codings []Coding) ([]byte, error) {
	r, err := cp.Decode(bytes.NewReader(body), codings, nil)
	if err != nil {
		return nil, err
	}

	decoded, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "decoding body")
	}

	return decoded, nil
}

// Encode stacks encoders for codings onto w, innermost coding first.
// sendTrailers supplies trailer fields when a chunked coding closes.
func (cp *CodingPipeliner) Encode(w io.Writer, codings []Coding, sendTrailers func() []http.Field) (io.WriteCloser, error) {
	var out io.WriteCloser = nopWriteCloser{w}

	for idx := len(codings) - 1; idx >= 0; idx-- {
		coding := codings[idx]
		coder, ok := cp.coders[coding]
		if !ok {
			return nil, ErrUnsupportedCoding
		}

		out = coder.NewWriter(out)
		if coding == CodingChunked && sendTrailers != nil {
			chunkedCoder := out.(*ChunkedWriter)

			chunkedCoder.SetSendTrailers(sendTrailers)
		}
	}

	return out, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
