package relay

import (
	"github.com/rs/zerolog"

	"github.com/spacehaus/gss/pkg/conntable"
	"github.com/spacehaus/gss/pkg/frame"
)

// route dispatches a validated frame received on behalf of origin. A
// SERVER-addressed POLL is answered in place on origin's own connection;
// anything else addressed to SERVER is dropped; frames to one of the five
// peer slots are stamped with the current netstat bitmask and forwarded.
func (s *Server) route(log zerolog.Logger, origin frame.Slot, f *frame.Frame) {
	switch f.Destination {
	case frame.SERVER:
		if f.Type != frame.TypePoll {
			log.Debug().Str("destination", f.Destination.String()).Msg("dropping non-poll frame addressed to server")
			s.metrics.frames_dropped_total.non_poll_to_server.Inc()
			return
		}

		netstat := s.conns.SnapshotReady()
		s.metrics.netstat_bitmask.Set(float64(netstat))

		reply, err := frame.New(frame.TypePoll, origin, frame.SERVER, frame.ModeRX, nil, 0)
		if err != nil {
			log.Error().Err(err).Msg("build poll reply")
			return
		}
		reply.SetNetstat(netstat)

		log.Debug().Uint8("netstat", netstat).Msg("answering status poll")
		if err := s.conns.Send(origin, &reply, s.setWriteDeadline); err != nil {
			log.Error().Err(err).Msg("send poll reply")
			s.metrics.send_errors_total.Inc()
			return
		}
		s.metrics.poll_replies_total.Inc()

	case frame.CLIENT, frame.ROOFUHF, frame.ROOFXBAND, frame.HAYSTACK, frame.TRACK:
		if !s.conns.IsReady(f.Destination) {
			log.Debug().Str("destination", f.Destination.String()).Msg("dropping frame: destination not ready")
			s.metrics.frames_dropped_total.destination_not_ready.Inc()
			return
		}

		f.SetNetstat(s.conns.SnapshotReady())
		s.metrics.netstat_bitmask.Set(float64(f.Netstat))

		if err := s.conns.Send(f.Destination, f, s.setWriteDeadline); err != nil {
			log.Error().Err(err).Str("destination", f.Destination.String()).Msg("forward frame")
			if err == conntable.ErrNotReady {
				s.metrics.frames_dropped_total.destination_not_ready.Inc()
			} else {
				s.metrics.send_errors_total.Inc()
			}
			return
		}
		s.metrics.frames_routed_total.Inc()

	default:
		log.Debug().Str("destination", f.Destination.String()).Msg("dropping frame: unknown destination")
		s.metrics.frames_dropped_total.unknown_destination.Inc()
	}
}
