// Package relay implements the ground station relay server: it accepts
// connections from the five fixed peers (CLIENT, ROOFUHF, ROOFXBAND,
// HAYSTACK, TRACK), validates and forwards frames between them, and answers
// status polls addressed to the server itself.
package relay

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/spacehaus/gss/pkg/conntable"
	"github.com/spacehaus/gss/pkg/frame"
)

// Server owns the relay's connection table, metrics, and the five per-slot
// receiver loops.
type Server struct {
	cfg     *Config
	log     zerolog.Logger
	metrics *relayMetrics
	conns   *conntable.Table

	reloadLog func()

	wg sync.WaitGroup
}

// NewServer builds a Server from a fully-populated Config. It does not start
// any listeners; call Run for that.
func NewServer(c *Config) (*Server, error) {
	l, reload, err := configureLogging(c)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:       c,
		log:       l,
		metrics:   newRelayMetrics(),
		conns:     conntable.New(),
		reloadLog: reload,
	}, nil
}

// Logger returns the server's configured logger.
func (s *Server) Logger() zerolog.Logger { return s.log }

// Metrics returns the server's metrics set for mounting a debug HTTP server.
func (s *Server) Metrics() *relayMetrics { return s.metrics }

// HandleSIGHUP reopens the log file, if one is configured. It is safe to call
// concurrently with everything else; intended to be wired to os/signal by the
// daemon entrypoint.
func (s *Server) HandleSIGHUP() {
	if s.reloadLog != nil {
		s.reloadLog()
	}
}

// Run starts all five receiver loops and blocks until ctx is cancelled, then
// waits for every loop to exit before returning.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info().Msg("starting ground station relay")

	for slot := frame.Slot(0); slot < frame.NumSlots; slot++ {
		slot := slot
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runReceiver(ctx, slot)
		}()
	}

	<-ctx.Done()
	s.log.Info().Msg("shutting down ground station relay")
	s.wg.Wait()
	return nil
}

// setWriteDeadline sets conn's write deadline per Config.SendTimeout, used by
// conntable.Table.Send so a half-dead peer can never hang a sender holding
// another slot's write mutex.
func (s *Server) setWriteDeadline(conn net.Conn) {
	conn.SetWriteDeadline(time.Now().Add(s.cfg.SendTimeout))
}
