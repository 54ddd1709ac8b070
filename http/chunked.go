package http

import (
	"bytes"
	"math"
	"strconv"

	"github.com/xth/brynet/util/rule"

	"github.com/pkg/errors"
)

type chunkState uint8

const (
	chunkSize chunkState = iota + 1
	chunkData
	chunkDataCRLF
	chunkTrailers
)

// ChunkDecoder incrementally decodes chunked transfer coding framing.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-7.1
type ChunkDecoder struct {
	state     chunkState
	remaining uint64

	maxLineLength uint
	headersOpts   HeadersOptions

	extensions [][2]string
	trailers   *Headers
	done       bool
}

// NewChunkDecoder returns a decoder ready for the first chunk-size line.
// maxLineLength bounds size and trailer lines; 0 means no bound.
func NewChunkDecoder(maxLineLength uint, headersOpts HeadersOptions) *ChunkDecoder {
	return &ChunkDecoder{
		state:         chunkSize,
		maxLineLength: maxLineLength,
		headersOpts:   headersOpts,
	}
}

// Next makes one step of progress on b. It returns the payload bytes it
// uncovered (a subslice of b, valid only until b is reused), how many
// bytes of b it consumed, and whether the terminal chunk and trailer
// section are fully consumed. n == 0 with done == false means more input
// is needed; the caller keeps the unconsumed tail and calls again with
// more data appended.
func (cd *ChunkDecoder) Next(b []byte) (data []byte, n int, done bool, err error) {
	if cd.done {
		return nil, 0, true, nil
	}

	switch cd.state {
	case chunkSize:
		line, consumed, ok, err := cutLine(b, cd.maxLineLength)
		if err != nil {
			return nil, 0, false, errors.Wrap(ErrBadChunk, err.Error())
		}
		if !ok {
			return nil, 0, false, nil
		}

		size, exts, err := parseChunkSizeLine(line)
		if err != nil {
			return nil, 0, false, err
		}

		cd.extensions = exts
		if size == 0 {
			cd.state = chunkTrailers
			return nil, consumed, false, nil
		}

		cd.remaining = size
		cd.state = chunkData
		return nil, consumed, false, nil

	case chunkData:
		if len(b) == 0 {
			return nil, 0, false, nil
		}

		take := uint64(len(b))
		if take > cd.remaining {
			take = cd.remaining
		}

		cd.remaining -= take
		if cd.remaining == 0 {
			cd.state = chunkDataCRLF
		}
		return b[:take], int(take), false, nil

	case chunkDataCRLF:
		if len(b) == 0 {
			return nil, 0, false, nil
		}
		if b[0] != rule.CR {
			return nil, 0, false, errors.Wrap(ErrBadChunk, "missing CR after chunk data")
		}
		if len(b) < 2 {
			return nil, 0, false, nil
		}
		if b[1] != rule.LF {
			return nil, 0, false, errors.Wrap(ErrBadChunk, "missing LF after chunk data")
		}

		cd.state = chunkSize
		return nil, 2, false, nil

	case chunkTrailers:
		line, consumed, ok, err := cutLine(b, cd.maxLineLength)
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				return nil, 0, false, ErrFieldLineTooLong
			}
			return nil, 0, false, errors.Wrap(ErrBadChunk, err.Error())
		}
		if !ok {
			return nil, 0, false, nil
		}

		if len(line) == 0 {
			// Empty line ends the trailer section and the body.
			cd.done = true
			return nil, consumed, true, nil
		}

		field, err := ParseField(line)
		if err != nil {
			return nil, 0, false, errors.Wrap(ErrBadHeader, err.Error())
		}

		if cd.trailers == nil {
			cd.trailers = NewHeaders(cd.headersOpts)
		}
		cd.trailers.addParsed(field)
		return nil, consumed, false, nil
	}

	panic("BUG: unknown chunk decoder state")
}

// Done reports whether the terminal chunk has been fully consumed.
func (cd *ChunkDecoder) Done() bool { return cd.done }

// Trailers returns trailer fields received after the terminal chunk,
// or nil when there were none.
func (cd *ChunkDecoder) Trailers() *Headers { return cd.trailers }

// Extensions returns the extensions of the most recent chunk-size line.
func (cd *ChunkDecoder) Extensions() [][2]string { return cd.extensions }

// parseChunkSizeLine parses "size-hex [;name[=value]]...". Whitespace
// around the size and the extension parts is tolerated (BWS).
func parseChunkSizeLine(line []byte) (size uint64, exts [][2]string, err error) {
	parts := bytes.Split(line, []byte{';'})

	sizeRaw := bytes.TrimFunc(parts[0], func(r rune) bool {
		return r < 0x80 && rule.IsWhitespace(byte(r))
	})
	if len(sizeRaw) == 0 {
		return 0, nil, errors.Wrap(ErrBadChunk, "empty chunk size")
	}

	for _, c := range sizeRaw {
		digit, ok := unhex(c)
		if !ok {
			return 0, nil, errors.Wrap(ErrBadChunk, "chunk size is not valid hex")
		}
		if size > math.MaxUint64>>4 {
			return 0, nil, errors.Wrap(ErrBadChunk, "chunk size overflows")
		}
		size = size<<4 | uint64(digit)
	}

	for _, part := range parts[1:] {
		k, v, _ := bytes.Cut(part, []byte{'='})
		k = bytes.TrimFunc(k, func(r rune) bool {
			return r < 0x80 && rule.IsWhitespace(byte(r))
		})
		v = bytes.TrimFunc(v, func(r rune) bool {
			return r < 0x80 && rule.IsWhitespace(byte(r))
		})

		exts = append(exts, [2]string{
			string(k),
			string(rule.Unquote(v)),
		})
	}

	return size, exts, nil
}

func unhex(char byte) (byte, bool) {
	switch {
	case '0' <= char && char <= '9':
		return char - '0', true
	case 'a' <= char && char <= 'f':
		return char - 'a' + 10, true
	case 'A' <= char && char <= 'F':
		return char - 'A' + 10, true
	}

	return 0, false
}

// AppendChunk appends one chunk frame ("size-hex CRLF payload CRLF") to
// dst. Empty payloads append nothing: a zero sized chunk would read as
// the terminal one.
func AppendChunk(dst, p []byte) []byte {
	if len(p) == 0 {
		return dst
	}

	dst = strconv.AppendUint(dst, uint64(len(p)), 16)
	dst = append(dst, rule.CRLF...)
	dst = append(dst, p...)
	return append(dst, rule.CRLF...)
}

// AppendLastChunk appends the terminal frame: a zero size line, trailer
// fields if any, and the closing empty line.
func AppendLastChunk(dst []byte, trailers *Headers) []byte {
	dst = append(dst, '0')
	dst = append(dst, rule.CRLF...)

	if trailers != nil {
		for _, f := range trailers.fields {
			dst = append(dst, f.Text()...)
			dst = append(dst, rule.CRLF...)
		}
	}

	return append(dst, rule.CRLF...)
}
