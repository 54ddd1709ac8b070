package server

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/xth/brynet/http"
	"github.com/xth/brynet/http/transfer"
	"github.com/xth/brynet/lib/ds/queue"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// Server serves HTTP/1.1 exchanges over connections accepted from a
// listener.
type Server struct {
	l net.Listener

	cancelConns func()
	wg          sync.WaitGroup

	logger *slog.Logger
	opts   Options

	handle   HandleFunc
	transfer *transfer.CodingPipeliner
	clock    clock.Clock
}

func New(
	l net.Listener,
	logger *slog.Logger,
	clock clock.Clock,
	handle HandleFunc,
	opts Options,
) *Server {
	s := &Server{
		l:        l,
		logger:   logger,
		opts:     opts,
		handle:   handle,
		clock:    clock,
		transfer: transfer.NewCodingPipeliner(opts.ExtraTransferCoders),
	}

	return s
}

// Start launches the accept loop and returns immediately. [Server.Close]
// stops it.
func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelConns = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			nc, err := s.l.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					s.logger.Error(
						"unexpected error when accepting connection",
						"error", err,
					)
				}
				return
			}

			conn := s.newConn(nc)

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				conn.start(ctx)
			}()
		}
	}()
}

func (s *Server) newConn(nc net.Conn) *conn {
	return &conn{
		nc:       nc,
		version:  http.V11,
		parser:   http.NewRequestParser(s.opts.Serve.Parser),
		pending:  queue.NewNaive[*http.Request](0),
		handle:   s.handle,
		transfer: s.transfer,
		clock:    s.clock,
		logger:   s.logger.With("conn", nc.RemoteAddr()),
		opts:     s.opts,
		readBuf:  make([]byte, readBufSize),
		readC:    make(chan readResult, 1),
	}
}

// Close stops accepting, tears down live connections, and waits for them
// to wind down.
func (s *Server) Close() error {
	err := s.l.Close()
	if s.cancelConns != nil {
		s.cancelConns()
	}
	s.wg.Wait()

	if err != nil {
		return errors.Wrap(err, "closing listener")
	}
	return nil
}
