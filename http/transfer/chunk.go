package transfer

import (
	"bufio"
	"bytes"
	"io"
	"strconv"

	"github.com/xth/brynet/http"
	"github.com/xth/brynet/util/rule"

	"github.com/pkg/errors"
)

const (
	// chunkLineLimit bounds chunk-size and trailer lines. It is kept
	// below readerBufSize so the limit fires before the buffer fills.
	chunkLineLimit = 4096
	readerBufSize  = 8192
)

type ChunkedCoder struct{}

func NewChunkedCoder() ChunkedCoder { return ChunkedCoder{} }

func (ChunkedCoder) Coding() Coding { return CodingChunked }

func (ChunkedCoder) NewReader(r io.Reader) io.Reader {
	return &ChunkedReader{
		br: bufio.NewReaderSize(r, readerBufSize),
		cd: http.NewChunkDecoder(chunkLineLimit, http.DefaultHeadersOptions),
	}
}

func (ChunkedCoder) NewWriter(w io.Writer) io.WriteCloser {
	return &ChunkedWriter{
		w:         w,
		headerBuf: bytes.NewBuffer(nil),
	}
}

// ChunkedReader converts a chunked message body into a plain byte
// stream. It reads io.EOF once the terminal chunk and trailer section
// are consumed; the underlying reader is left right after them.
type ChunkedReader struct {
	br *bufio.Reader
	cd *http.ChunkDecoder

	leftover  []byte
	onTrailer func(f []http.Field)
	notified  bool
	err       error
}

var _ io.Reader = (*ChunkedReader)(nil)

// SetOnTrailerReceived registers a callback fired once, right before the
// first io.EOF, with the trailer fields that followed the terminal chunk.
func (cr *ChunkedReader) SetOnTrailerReceived(f func(f []http.Field)) {
	cr.onTrailer = f
}

// LastExtensions returns the extensions of the most recently read
// chunk-size line.
func (cr *ChunkedReader) LastExtensions() [][2]string {
	return cr.cd.Extensions()
}

func (cr *ChunkedReader) Read(b []byte) (int, error) {
	if len(cr.leftover) > 0 {
		n := copy(b, cr.leftover)
		cr.leftover = cr.leftover[n:]
		return n, nil
	}

	if cr.err != nil {
		return 0, cr.err
	}

	for {
		if cr.cd.Done() {
			cr.notifyTrailers()
			return 0, io.EOF
		}

		window, _ := cr.br.Peek(cr.br.Buffered())

		data, n, _, err := cr.cd.Next(window)
		if err != nil {
			cr.err = err
			return 0, err
		}

		if len(data) > 0 {
			copied := copy(b, data)
			if copied < len(data) {
				// Keep what didn't fit; data aliases the peek window.
				cr.leftover = append(cr.leftover[:0], data[copied:]...)
			}
			cr.br.Discard(n)
			return copied, nil
		}

		cr.br.Discard(n)

		if n == 0 {
			// The buffered window holds no complete structure; block
			// until at least one more byte arrives.
			if err := cr.fill(); err != nil {
				cr.err = err
				return 0, err
			}
		}
	}
}

func (cr *ChunkedReader) fill() error {
	if _, err := cr.br.Peek(cr.br.Buffered() + 1); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return errors.Wrap(err, "reading chunk stream")
	}

	return nil
}

func (cr *ChunkedReader) notifyTrailers() {
	if cr.notified {
		return
	}
	cr.notified = true

	if cr.onTrailer == nil {
		return
	}

	var fields []http.Field
	if trailers := cr.cd.Trailers(); trailers != nil {
		fields = trailers.Fields()
	}
	cr.onTrailer(fields)
}

// ChunkedWriter frames written bytes as chunks. Close writes the
// terminal chunk and the trailer section; it does not close the
// underlying writer.
type ChunkedWriter struct {
	w         io.Writer
	headerBuf *bytes.Buffer

	extensions   [][2]string
	sendTrailers func() []http.Field
}

var _ io.WriteCloser = (*ChunkedWriter)(nil)

// SetExtensions sets extensions for the next chunk only.
func (cw *ChunkedWriter) SetExtensions(extensions [][2]string) {
	cw.extensions = extensions
}

// SetSendTrailers registers a callback asked for trailer fields when the
// writer closes.
func (cw *ChunkedWriter) SetSendTrailers(f func() []http.Field) {
	cw.sendTrailers = f
}

func (cw *ChunkedWriter) Write(p []byte) (n int, err error) {
	if len(p) == 0 {
		// A zero sized chunk would read as the terminal one.
		return 0, nil
	}

	extensions := cw.extensions
	cw.extensions = nil

	n, err = cw.encodeChunk(uint64(len(p)), extensions, p)
	if err != nil {
		return n, errors.Wrap(err, "encoding chunk")
	}

	return n, nil
}

func (cw *ChunkedWriter) Close() error {
	if _, err := cw.encodeChunk(0, cw.extensions, nil); err != nil {
		return errors.Wrap(err, "encoding chunk")
	}

	if err := cw.encodeTrailers(); err != nil {
		return errors.Wrap(err, "encoding trailers")
	}

	return nil
}

func (cw *ChunkedWriter) encodeChunk(size uint64, extensions [][2]string, data []byte) (n int, err error) {
	buf := cw.headerBuf
	buf.Reset()
	buf.Write([]byte(strconv.FormatUint(size, 16)))
	for _, ext := range extensions {
		buf.Write([]byte{';'})
		buf.Write([]byte(ext[0]))
		buf.Write([]byte{'='})
		buf.Write([]byte(ext[1]))
	}

	if err := writeLine(cw.w, buf.Bytes()); err != nil {
		return 0, errors.Wrap(err, "writing chunk header")
	}

	if size == 0 {
		// Last chunk. Only write the header.
		return 0, nil
	}

	n, err = cw.w.Write(data)
	if err != nil {
		return n, errors.Wrap(err, "writing data")
	}

	if _, err := cw.w.Write(rule.CRLF); err != nil {
		return n, errors.Wrap(err, "writing chunk delimiter")
	}

	return n, nil
}

func (cw *ChunkedWriter) encodeTrailers() error {
	if cw.sendTrailers != nil {
		for _, field := range cw.sendTrailers() {
			if err := writeLine(cw.w, field.Text()); err != nil {
				return errors.Wrap(err, "writing trailer")
			}
		}
	}

	if err := writeLine(cw.w, nil); err != nil {
		return errors.Wrap(err, "writing last trailer line")
	}

	return nil
}

func writeLine(w io.Writer, line []byte) error {
	if _, err := w.Write(line); err != nil {
		return errors.Wrap(err, "writing line")
	}

	if _, err := w.Write(rule.CRLF); err != nil {
		return errors.Wrap(err, "writing line terminator")
	}

	return nil
}
