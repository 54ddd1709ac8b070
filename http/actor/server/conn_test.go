package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xth/brynet/http"
	"github.com/xth/brynet/http/status"
	"github.com/xth/brynet/http/transfer"
	"github.com/xth/brynet/lib/ds/queue"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

type ServeTestSuite struct {
	suite.Suite

	ctx    context.Context
	client net.Conn

	conn *conn

	clock *clock.Mock
}

func TestServeTestSuite(t *testing.T) {
	suite.Run(t, new(ServeTestSuite))
}

func (s *ServeTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = clock.NewMock()

	serverSide, clientSide := net.Pipe()
	s.client = clientSide

	s.conn = &conn{
		nc:      serverSide,
		version: http.V11,
		parser:  http.NewRequestParser(http.DefaultParserOptions),
		pending: queue.NewNaive[*http.Request](0),
		handle: func(c *HandleContext, request *http.Request) *http.Response {
			return &http.Response{StatusLine: http.StatusLine{StatusCode: 200}}
		},
		transfer: transfer.NewCodingPipeliner(nil),
		clock:    s.clock,
		logger:   slog.New(slog.DiscardHandler),
		opts:     DefaultOptions,
		readBuf:  make([]byte, readBufSize),
		readC:    make(chan readResult, 1),
	}
}

func (s *ServeTestSuite) TearDownTest() {
	defer goleak.VerifyNone(s.T())

	_ = s.conn.nc.Close()
	_ = s.client.Close()
}

func (s *ServeTestSuite) TestServeOnce() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		_, err := s.client.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
		s.Require().NoError(err)

		res, err := http.ReadResponse(s.client, http.DefaultParserOptions)
		s.Require().NoError(err)

		s.Equal(http.V11, res.Version)
		s.Equal(uint(200), res.StatusCode)
		s.Equal("OK", res.ReasonPhrase)

		date, ok := res.Headers.Get("Date")
		s.True(ok)
		s.Equal("Thu, 01 Jan 1970 00:00:00 GMT", date)

		length, ok := res.Headers.Get("Content-Length")
		s.True(ok)
		s.Equal("0", length)
		s.Empty(res.Body)

		s.Require().NoError(s.client.Close())
	}()

	err := s.conn.serve(s.ctx)
	s.ErrorIs(err, io.EOF)
	wg.Wait()
}

func (s *ServeTestSuite) TestServeConsecutive() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		for range 3 {
			_, err := s.client.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
			s.Require().NoError(err)

			res, err := http.ReadResponse(s.client, http.DefaultParserOptions)
			s.Require().NoError(err)
			s.Equal(uint(200), res.StatusCode)
			s.False(res.Headers.HasToken("Connection", "close"))
		}

		s.Require().NoError(s.client.Close())
	}()

	err := s.conn.serve(s.ctx)
	s.ErrorIs(err, io.EOF)
	wg.Wait()
}

func (s *ServeTestSuite) TestServeBackToBack() {
	var targets []string
	s.conn.handle = func(c *HandleContext, request *http.Request) *http.Response {
		targets = append(targets, request.Target)
		return &http.Response{StatusLine: http.StatusLine{StatusCode: 200}}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		raw := "GET /first HTTP/1.1\r\nHost: example.com\r\n\r\n" +
			"GET /second HTTP/1.1\r\nHost: example.com\r\n\r\n"
		_, err := s.client.Write([]byte(raw))
		s.Require().NoError(err)

		for range 2 {
			res, err := http.ReadResponse(s.client, http.DefaultParserOptions)
			s.Require().NoError(err)
			s.Equal(uint(200), res.StatusCode)
		}

		s.Require().NoError(s.client.Close())
	}()

	err := s.conn.serve(s.ctx)
	s.ErrorIs(err, io.EOF)
	wg.Wait()

	s.Equal([]string{"/first", "/second"}, targets)
}

func (s *ServeTestSuite) TestServeGracefulClose() {
	s.conn.handle = func(c *HandleContext, request *http.Request) *http.Response {
		// This cannot be done outside of this package.
		c.closeConn = true
		return &http.Response{StatusLine: http.StatusLine{StatusCode: 200}}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		_, err := s.client.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
		s.Require().NoError(err)

		res, err := http.ReadResponse(s.client, http.DefaultParserOptions)
		s.Require().NoError(err)
		s.Equal(uint(200), res.StatusCode)
		s.True(res.Headers.HasToken("Connection", "close"))
	}()

	err := s.conn.serve(s.ctx)
	s.NoError(err)
	wg.Wait()
}

func (s *ServeTestSuite) TestServeForceClose() {
	s.conn.handle = func(c *HandleContext, request *http.Request) *http.Response {
		// This cannot be done outside of this package.
		c.closeConn = true
		return nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		_, err := s.client.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
		s.Require().NoError(err)

		_, err = http.ReadResponse(s.client, http.DefaultParserOptions)
		s.ErrorIs(err, io.EOF)
	}()

	err := s.conn.serve(s.ctx)
	s.NoError(err)

	s.Require().NoError(s.conn.nc.Close())
	wg.Wait()
}

func (s *ServeTestSuite) TestServeBadRequest() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		_, err := s.client.Write([]byte("GET / HTTP/1.X\r\n"))
		s.Require().NoError(err)

		res, err := http.ReadResponse(s.client, http.DefaultParserOptions)
		s.Require().NoError(err)

		s.Equal(uint(400), res.StatusCode)
		s.Equal("Bad Request", res.ReasonPhrase)
		s.True(res.Headers.HasToken("Connection", "close"))
		s.Empty(res.Body)
	}()

	err := s.conn.serve(s.ctx)
	s.NoError(err)
	wg.Wait()
}

func (s *ServeTestSuite) TestServeBadRequestAfterValid() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		// A complete request with garbage in the same segment.
		raw := "GET /ok HTTP/1.1\r\nHost: example.com\r\n\r\n" +
			"GET / HTTP/1.X\r\n"
		_, err := s.client.Write([]byte(raw))
		s.Require().NoError(err)

		// The request parsed before the garbage is still answered.
		res, err := http.ReadResponse(s.client, http.DefaultParserOptions)
		s.Require().NoError(err)
		s.Equal(uint(200), res.StatusCode)

		res, err = http.ReadResponse(s.client, http.DefaultParserOptions)
		s.Require().NoError(err)
		s.Equal(uint(400), res.StatusCode)
		s.True(res.Headers.HasToken("Connection", "close"))
	}()

	err := s.conn.serve(s.ctx)
	s.NoError(err)
	wg.Wait()
}

func (s *ServeTestSuite) TestServeLengthRequired() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		_, err := s.client.Write([]byte("POST /upload HTTP/1.1\r\nHost: example.com\r\n\r\n"))
		s.Require().NoError(err)

		res, err := http.ReadResponse(s.client, http.DefaultParserOptions)
		s.Require().NoError(err)

		s.Equal(uint(411), res.StatusCode)
		s.Equal("Length Required", res.ReasonPhrase)
		s.True(res.Headers.HasToken("Connection", "close"))
	}()

	err := s.conn.serve(s.ctx)
	s.NoError(err)
	wg.Wait()
}

func (s *ServeTestSuite) TestServeUnsupportedCoding() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		raw := "POST /upload HTTP/1.1\r\n" +
			"Host: example.com\r\n" +
			"Transfer-Encoding: gzip, chunked\r\n" +
			"\r\n" +
			"0\r\n\r\n"
		_, err := s.client.Write([]byte(raw))
		s.Require().NoError(err)

		res, err := http.ReadResponse(s.client, http.DefaultParserOptions)
		s.Require().NoError(err)

		s.Equal(uint(501), res.StatusCode)
		s.Equal("Not Implemented", res.ReasonPhrase)
		s.True(res.Headers.HasToken("Connection", "close"))
	}()

	err := s.conn.serve(s.ctx)
	s.NoError(err)
	wg.Wait()
}

func (s *ServeTestSuite) TestServeChunkedResponse() {
	s.conn.handle = func(c *HandleContext, request *http.Request) *http.Response {
		headers := http.NewHeaders(http.DefaultHeadersOptions)
		s.Require().NoError(headers.Set("Transfer-Encoding", "chunked"))

		trailers := http.NewHeaders(http.DefaultHeadersOptions)
		s.Require().NoError(trailers.Set("Checksum", "abc123"))

		return &http.Response{
			StatusLine: http.StatusLine{StatusCode: 200},
			Headers:    headers,
			Body:       []byte("hello world"),
			Trailers:   trailers,
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		_, err := s.client.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
		s.Require().NoError(err)

		res, err := http.ReadResponse(s.client, http.DefaultParserOptions)
		s.Require().NoError(err)

		s.Equal(uint(200), res.StatusCode)
		s.True(res.Headers.HasToken("Transfer-Encoding", "chunked"))
		s.False(res.Headers.Has("Content-Length"))
		s.Equal("hello world", string(res.Body))

		checksum, ok := res.Trailers.Get("Checksum")
		s.True(ok)
		s.Equal("abc123", checksum)

		s.Require().NoError(s.client.Close())
	}()

	err := s.conn.serve(s.ctx)
	s.ErrorIs(err, io.EOF)
	wg.Wait()
}

func (s *ServeTestSuite) TestServeHead() {
	s.conn.handle = func(c *HandleContext, request *http.Request) *http.Response {
		return &http.Response{
			StatusLine: http.StatusLine{StatusCode: 200},
			Body:       []byte("hello"),
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		_, err := s.client.Write([]byte("HEAD / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
		s.Require().NoError(err)

		buf := make([]byte, readBufSize)
		n, err := s.client.Read(buf)
		s.Require().NoError(err)

		// The head advertises the length but the body is withheld.
		raw := string(buf[:n])
		s.True(strings.HasPrefix(raw, "HTTP/1.1 200 OK\r\n"))
		s.Contains(raw, "Content-Length: 5\r\n")
		s.True(strings.HasSuffix(raw, "\r\n\r\n"))

		s.Require().NoError(s.client.Close())
	}()

	err := s.conn.serve(s.ctx)
	s.ErrorIs(err, io.EOF)
	wg.Wait()
}

func (s *ServeTestSuite) TestServeHTTP10() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		_, err := s.client.Write([]byte("GET / HTTP/1.0\r\n\r\n"))
		s.Require().NoError(err)

		res, err := http.ReadResponse(s.client, http.DefaultParserOptions)
		s.Require().NoError(err)

		s.Equal(http.V11, res.Version)
		s.Equal(uint(200), res.StatusCode)
		s.True(res.Headers.HasToken("Connection", "close"))
	}()

	err := s.conn.serve(s.ctx)
	s.NoError(err)
	wg.Wait()
}

func (s *ServeTestSuite) TestServeHTTP10KeepAlive() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		_, err := s.client.Write([]byte("GET /a HTTP/1.0\r\nConnection: keep-alive\r\n\r\n"))
		s.Require().NoError(err)

		res, err := http.ReadResponse(s.client, http.DefaultParserOptions)
		s.Require().NoError(err)
		s.True(res.Headers.HasToken("Connection", "keep-alive"))

		_, err = s.client.Write([]byte("GET /b HTTP/1.0\r\n\r\n"))
		s.Require().NoError(err)

		res, err = http.ReadResponse(s.client, http.DefaultParserOptions)
		s.Require().NoError(err)
		s.True(res.Headers.HasToken("Connection", "close"))
	}()

	err := s.conn.serve(s.ctx)
	s.NoError(err)
	wg.Wait()
}

func (s *ServeTestSuite) TestIdleTimeout() {
	s.conn.opts.Serve.Timeout.IdleTimeout = time.Millisecond

	go func() {
		// Wait for code execution halting.
		time.Sleep(10 * time.Millisecond)

		s.clock.Add(time.Hour)
	}()

	err := s.conn.serve(s.ctx)
	s.ErrorIs(err, ErrIdleTimeoutExceeded)
}

func (s *ServeTestSuite) TestReadTimeout() {
	s.conn.opts.Serve.Timeout.ReadTimeout = time.Millisecond

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		_, err := s.client.Write([]byte("GET / HT"))
		s.Require().NoError(err)

		// Wait for code execution halting.
		time.Sleep(10 * time.Millisecond)
		s.clock.Add(time.Hour)

		res, err := http.ReadResponse(s.client, http.DefaultParserOptions)
		s.Require().NoError(err)

		s.Equal(uint(408), res.StatusCode)
		s.Equal("Request Timeout", res.ReasonPhrase)
		s.True(res.Headers.HasToken("Connection", "close"))
		s.Empty(res.Body)
	}()

	err := s.conn.serve(s.ctx)
	s.NoError(err)
	wg.Wait()
}

func (s *ServeTestSuite) TestWriteTimeout() {
	s.conn.opts.Serve.Timeout.WriteTimeout = time.Millisecond

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		_, err := s.client.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
		s.Require().NoError(err)

		// Wait for code execution halting.
		time.Sleep(10 * time.Millisecond)
		s.clock.Add(time.Hour)
	}()

	err := s.conn.serve(s.ctx)
	s.ErrorIs(err, errWriteTimeout)
	wg.Wait()
}

func (s *ServeTestSuite) TestContextCanceled() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	err := s.conn.serve(ctx)
	s.ErrorIs(err, context.Canceled)
}

func TestToStatusError(t *testing.T) {
	testcases := []struct {
		input     error
		expected  status.Status
		wantCause bool
	}{
		{
			input:     errors.New("some parse error"),
			expected:  status.BadRequest,
			wantCause: true,
		},
		{
			input:     errRequestTimeout,
			expected:  status.RequestTimeout,
			wantCause: false,
		},
		{
			input:     http.ErrStartLineTooLong,
			expected:  status.URITooLong,
			wantCause: true,
		},
		{
			input:     http.ErrFieldLineTooLong,
			expected:  status.HeaderFieldsTooLarge,
			wantCause: true,
		},
		{
			input:     http.ErrLengthRequired,
			expected:  status.LengthRequired,
			wantCause: true,
		},
		{
			input:     transfer.ErrUnsupportedCoding,
			expected:  status.NotImplemented,
			wantCause: true,
		},
	}

	for _, tc := range testcases {
		t.Run(tc.input.Error(), func(t *testing.T) {
			serr := toStatusError(tc.input)
			assert.Equal(t, tc.expected, serr.Status)
			if tc.wantCause {
				assert.Equal(t, tc.input, serr.Cause())
			}
		})
	}
}

func TestStatusErrToResponse(t *testing.T) {
	cause := errors.New("this is cause")

	testcases := []struct {
		desc     string
		input    status.Error
		wantBody bool
	}{
		{
			desc:     "example",
			input:    status.NewError(cause, status.BadRequest),
			wantBody: true,
		},
		{
			desc:     "want body but no cause",
			input:    status.NewError(nil, status.BadRequest),
			wantBody: true,
		},
		{
			desc:     "want no body",
			input:    status.NewError(cause, status.BadRequest),
			wantBody: false,
		},
	}

	for _, tc := range testcases {
		t.Run(tc.desc, func(t *testing.T) {
			response := statusErrToResponse(tc.input, !tc.wantBody)

			assert.Equal(t, http.V11, response.Version)
			assert.Equal(t, tc.input.Status.Code, response.StatusCode)
			assert.Equal(t, tc.input.Status.ReasonPhrase, response.ReasonPhrase)

			if !tc.wantBody {
				assert.Empty(t, response.Body)
				return
			}

			if tc.input.Cause() != nil {
				assert.Equal(t, tc.input.Cause().Error(), string(response.Body))
			} else {
				assert.Nil(t, response.Body)
			}
		})
	}
}

func TestKeepAlive(t *testing.T) {
	withConn := func(t *testing.T, value string) *http.Headers {
		h := http.NewHeaders(http.DefaultHeadersOptions)
		if value != "" {
			require.NoError(t, h.Set("Connection", value))
		}
		return h
	}

	testcases := []struct {
		desc     string
		version  http.Version
		reqConn  string
		resConn  string
		expected bool
	}{
		{
			desc:     "http/1.1 default",
			version:  http.Version{1, 1},
			expected: true,
		},
		{
			desc:     "request asks close",
			version:  http.Version{1, 1},
			reqConn:  "close",
			expected: false,
		},
		{
			desc:     "response asks close",
			version:  http.Version{1, 1},
			resConn:  "close",
			expected: false,
		},
		{
			desc:     "http/1.0 default",
			version:  http.Version{1, 0},
			expected: false,
		},
		{
			desc:     "http/1.0 keep-alive",
			version:  http.Version{1, 0},
			reqConn:  "keep-alive",
			expected: true,
		},
	}

	for _, tc := range testcases {
		t.Run(tc.desc, func(t *testing.T) {
			request := &http.Request{
				RequestLine: http.RequestLine{Version: tc.version},
				Headers:     withConn(t, tc.reqConn),
			}
			response := &http.Response{Headers: withConn(t, tc.resConn)}

			assert.Equal(t, tc.expected, keepAlive(request, response))
		})
	}
}

func TestKeepAliveNilHeaders(t *testing.T) {
	request := &http.Request{RequestLine: http.RequestLine{Version: http.V11}}
	response := &http.Response{}

	assert.True(t, keepAlive(request, response))
}

