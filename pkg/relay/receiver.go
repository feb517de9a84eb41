package relay

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/spacehaus/gss/pkg/frame"
)

// runReceiver implements one slot's endpoint receiver loop: bind with retry,
// accept with a timeout so the loop can reconnect a poorly-disconnected
// peer, then read and dispatch frames until the peer disconnects or ctx is
// cancelled.
func (s *Server) runReceiver(ctx context.Context, slot frame.Slot) {
	log := s.log.With().Str("slot", slot.String()).Logger()

	ln, err := s.listen(ctx, slot, log)
	if err != nil {
		log.Error().Err(err).Msg("giving up on listener: shutting down")
		return
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		if tl, ok := ln.(*net.TCPListener); ok {
			tl.SetDeadline(time.Now().Add(s.cfg.AcceptTimeout))
		}

		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				log.Trace().Uint8("netstat", s.conns.SnapshotReady()).Msg("accept timed out")
				s.conns.SetReady(slot, false)
				s.metrics.accept_timeouts_total[slot].Inc()
				continue
			}
			log.Warn().Err(err).Msg("accept failed")
			continue
		}

		log.Info().Stringer("peer", conn.RemoteAddr()).Msg("connection accepted")
		s.conns.ReplaceConn(slot, conn)
		s.conns.SetReady(slot, true)
		s.metrics.accepts_total[slot].Inc()

		s.recvLoop(ctx, log, slot, conn)
	}
}

// listen binds slot's listener, retrying on failure per Config.BindRetryInterval
// until ctx is cancelled (the original blocks forever on a failed bind; this
// keeps that behavior but makes it cancellable for clean shutdown).
func (s *Server) listen(ctx context.Context, slot frame.Slot, log zerolog.Logger) (net.Listener, error) {
	addr := net.JoinHostPort(s.cfg.BindHost, portFor(s.cfg.Port, slot))
	for {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			log.Info().Stringer("addr", ln.Addr()).Msg("bound listener")
			return ln, nil
		}
		log.Error().Err(err).Str("addr", addr).Msg("bind failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.cfg.BindRetryInterval):
		}
	}
}

// recvLoop reads frames from conn until it closes, times out, or ctx is
// cancelled, validating and routing each one.
func (s *Server) recvLoop(ctx context.Context, log zerolog.Logger, slot frame.Slot, conn net.Conn) {
	buf := make([]byte, frame.ReadBufferSize)

	for {
		if ctx.Err() != nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.RecvTimeout))

		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				log.Debug().Msg("active connection timed out")
				s.metrics.disconnects_total[slot].recv_timeout.Inc()
			} else {
				log.Debug().Err(err).Msg("connection closed")
				s.metrics.disconnects_total[slot].peer_closed.Inc()
			}
			s.conns.SetReady(slot, false)
			return
		}
		if n == 0 {
			s.conns.SetReady(slot, false)
			return
		}

		s.metrics.frames_rx_total[slot].Inc()

		if n < frame.FrameSize {
			log.Debug().Int("n", n).Msg("short read, resetting connection")
			s.metrics.disconnects_total[slot].decode_error.Inc()
			s.conns.SetReady(slot, false)
			return
		}

		// A peer may append a trailing terminator after the frame; the read
		// buffer is sized to tolerate it, and the extra bytes are ignored.
		f, err := frame.Decode(buf[:frame.FrameSize])
		if err != nil {
			log.Debug().Err(err).Msg("decode failed")
			s.metrics.disconnects_total[slot].decode_error.Inc()
			continue
		}
		if err := f.Validate(); err != nil {
			if ve, ok := err.(*frame.ValidationError); ok {
				log.Debug().Int("code", ve.Code).Str("msg", ve.Msg).Msg("validation failed")
				s.metrics.observeValidateError(ve.Code)
			}
			continue
		}

		s.route(log, slot, &f)
	}
}

// portFor computes the listening port for slot, offset from base per the
// original server's fixed port-per-peer layout.
func portFor(base int, slot frame.Slot) string {
	off := map[frame.Slot]int{
		frame.CLIENT:    0,
		frame.ROOFUHF:   10,
		frame.ROOFXBAND: 20,
		frame.HAYSTACK:  30,
		frame.TRACK:     40,
	}[slot]
	return strconv.Itoa(base + off)
}
