package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/giongto35/cloud-relay/pkg/logger"
	"github.com/giongto35/cloud-relay/pkg/network"
	"github.com/giongto35/cloud-relay/pkg/network/httpx"
	"github.com/giongto35/cloud-relay/pkg/wire"
)

// Server accepts peers over framed TCP and WebSocket and hands them to the relay.
type Server struct {
	relay *Relay
	log   *logger.Logger

	tcp *httpx.Listener
	ws  *httpx.Server

	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup
}

func NewServer(r *Relay, log *logger.Logger) (*Server, error) {
	conf := r.conf.Server
	log = log.Extend(log.With().Str("s", "server"))

	tcp, err := httpx.NewListener(conf.Address, false)
	if err != nil {
		return nil, fmt.Errorf("tcp listener: %w", err)
	}

	s := &Server{relay: r, log: log, tcp: tcp}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.ws, err = httpx.NewServer(
		conf.GetAddr(),
		func(serv *httpx.Server) httpx.Handler {
			return serv.Mux().HandleFunc(conf.Ws.Path, s.serveWs)
		},
		httpx.WithServerConfig(conf),
		httpx.WithLogger(log),
	)
	if err != nil {
		_ = tcp.Close()
		return nil, fmt.Errorf("ws server: %w", err)
	}
	return s, nil
}

func (s *Server) serveWs(w httpx.ResponseWriter, r *httpx.Request) {
	t, err := wire.Upgrade(w, r, s.relay.pools, s.relay.conf.Buffer.MaxUnitSize)
	if err != nil {
		s.log.Debug().Err(err).Msg("Upgrade")
		return
	}
	s.conns.Add(1)
	defer s.conns.Done()
	s.relay.Serve(s.ctx, t)
}

func (s *Server) accept() {
	retry := network.NewRetry(5*time.Millisecond, time.Second)
	for {
		conn, err := s.tcp.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msgf("Accept, retrying in %v", retry.Time())
			retry.Fail()
			continue
		}
		retry.Success()
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.relay.Serve(s.ctx, wire.NewStream(conn, s.relay.pools, s.relay.conf.Buffer.MaxUnitSize))
		}()
	}
}

func (s *Server) Run() {
	s.log.Info().Msgf("Relay is listening on tcp %v, ws %v", s.tcp.Addr(), s.ws.Addr)
	go s.accept()
	s.ws.Run()
}

// Shutdown stops accepting, closes every peer and waits for the handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	err := s.tcp.Close()
	if werr := s.ws.Shutdown(ctx); werr != nil {
		err = werr
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		s.relay.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// TCPAddr is the resolved address of the framed TCP listener.
func (s *Server) TCPAddr() string { return s.tcp.Addr().String() }

// WsURL is the WebSocket endpoint, reachable on the loopback.
func (s *Server) WsURL() string {
	return fmt.Sprintf("ws://127.0.0.1:%d%s", s.ws.Port(), s.relay.conf.Server.Ws.Path)
}

func (s *Server) String() string { return "relay::" + s.TCPAddr() }
