package http

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/suite"
)

type MessageEncoderTestSuite struct {
	suite.Suite
}

func TestMessageEncoderTestSuite(t *testing.T) {
	suite.Run(t, new(MessageEncoderTestSuite))
}

func (s *MessageEncoderTestSuite) TestWriteLine() {
	testcases := []struct {
		desc     string
		input    []byte
		opts     EncodeOptions
		expected string
	}{
		{
			desc:     "simple line with CRLF",
			input:    []byte("Hello"),
			expected: "Hello\r\n",
		},
		{
			desc:     "simple line with LF",
			input:    []byte("Hello"),
			opts:     EncodeOptions{UseSoleLF: true},
			expected: "Hello\n",
		},
	}

	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			var buf bytes.Buffer
			me := MessageEncoder{
				bw:   bufio.NewWriter(&buf),
				opts: tc.opts,
			}

			s.NoError(me.writeLine(tc.input))
			s.NoError(me.bw.Flush())

			s.Equal(tc.expected, buf.String())
		})
	}
}

func (s *MessageEncoderTestSuite) TestEncodeHeaders() {
	ordered := NewHeaders(DefaultHeadersOptions)
	s.Require().NoError(ordered.Add("Host", "example.com"))
	s.Require().NoError(ordered.Add("Accept", "a"))
	s.Require().NoError(ordered.Add("Accept", "b"))

	testcases := []struct {
		desc     string
		headers  *Headers
		expected string
	}{
		{
			desc:    "fields in insertion order",
			headers: ordered,
			expected: "" +
				"Host: example.com\r\n" +
				"Accept: a\r\n" +
				"Accept: b\r\n" +
				"\r\n",
		},
		{
			desc:     "empty headers",
			headers:  NewHeaders(DefaultHeadersOptions),
			expected: "\r\n",
		},
		{
			desc:     "nil headers",
			headers:  nil,
			expected: "\r\n",
		},
	}

	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			var buf bytes.Buffer
			me := MessageEncoder{
				bw:   bufio.NewWriter(&buf),
				opts: DefaultEncodeOptions,
			}

			s.NoError(me.encodeHeaders(tc.headers))
			s.NoError(me.bw.Flush())

			s.Equal(tc.expected, buf.String())
		})
	}
}

type RequestEncoderTestSuite struct {
	suite.Suite
}

func TestRequestEncoderTestSuite(t *testing.T) {
	suite.Run(t, new(RequestEncoderTestSuite))
}

func (s *RequestEncoderTestSuite) TestEncode() {
	headers := NewHeaders(DefaultHeadersOptions)
	s.Require().NoError(headers.Add("Host", "example.com"))

	input := Request{
		RequestLine: RequestLine{
			Method:  "POST",
			Target:  "/example",
			Version: Version{1, 1},
		},
		Headers: headers,
		Body:    []byte("field1=value1"),
	}

	expected := "" +
		"POST /example HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"\r\n" +
		"field1=value1"

	buf := bytes.NewBuffer(nil)
	re := NewRequestEncoder(buf, DefaultEncodeOptions)

	s.NoError(re.Encode(input))

	s.Equal(expected, buf.String())
}

func (s *RequestEncoderTestSuite) TestEncodeRequestLine() {
	input := RequestLine{
		Method:  "GET",
		Target:  "/example",
		Version: Version{1, 1},
	}

	expected := "GET /example HTTP/1.1\r\n"

	buf := bytes.NewBuffer(nil)
	re := NewRequestEncoder(buf, DefaultEncodeOptions)

	s.NoError(re.encodeRequestLine(input))
	s.NoError(re.bw.Flush())

	s.Equal(expected, buf.String())
}

type ResponseEncoderTestSuite struct {
	suite.Suite
}

func TestResponseEncoderTestSuite(t *testing.T) {
	suite.Run(t, new(ResponseEncoderTestSuite))
}

func (s *ResponseEncoderTestSuite) TestEncode() {
	headers := NewHeaders(DefaultHeadersOptions)
	s.Require().NoError(headers.Add("Content-Type", "text/plain"))

	input := Response{
		StatusLine: StatusLine{
			Version:      Version{1, 1},
			StatusCode:   200,
			ReasonPhrase: "OK",
		},
		Headers: headers,
		Body:    []byte("field1=value1"),
	}

	expected := "" +
		"HTTP/1.1 200 OK\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"field1=value1"

	buf := bytes.NewBuffer(nil)
	re := NewResponseEncoder(buf, DefaultEncodeOptions)

	s.NoError(re.Encode(input))

	s.Equal(expected, buf.String())
}

func (s *ResponseEncoderTestSuite) TestEncodeWithSoleLF() {
	input := Response{
		StatusLine: StatusLine{
			Version:      Version{1, 1},
			StatusCode:   204,
			ReasonPhrase: "No Content",
		},
	}

	expected := "" +
		"HTTP/1.1 204 No Content\n" +
		"\n"

	buf := bytes.NewBuffer(nil)
	re := NewResponseEncoder(buf, EncodeOptions{UseSoleLF: true})

	s.NoError(re.Encode(input))

	s.Equal(expected, buf.String())
}

func (s *ResponseEncoderTestSuite) TestEncodeStatusLine() {
	input := StatusLine{
		Version:      Version{1, 1},
		StatusCode:   200,
		ReasonPhrase: "OK",
	}

	expected := "HTTP/1.1 200 OK\r\n"

	buf := bytes.NewBuffer(nil)
	re := NewResponseEncoder(buf, DefaultEncodeOptions)

	s.NoError(re.encodeStatusLine(input))
	s.NoError(re.bw.Flush())

	s.Equal(expected, buf.String())
}
