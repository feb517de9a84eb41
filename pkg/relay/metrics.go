package relay

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
	"github.com/spacehaus/gss/pkg/frame"
	"github.com/spacehaus/gss/pkg/metricsx"
)

// relayMetrics holds the VictoriaMetrics counters/gauges exported by the
// relay, following the struct-of-named-counters idiom (one *metrics.Counter
// field per result, registered into a private *metrics.Set so a process
// embedding the relay can choose whether/when to expose them).
type relayMetrics struct {
	set *metrics.Set

	accepts_total          [frame.NumSlots]*metrics.Counter
	disconnects_total      [frame.NumSlots]struct {
		peer_closed  *metrics.Counter
		recv_timeout *metrics.Counter
		decode_error *metrics.Counter
	}
	accept_timeouts_total [frame.NumSlots]*metrics.Counter
	frames_rx_total       [frame.NumSlots]*metrics.Counter

	frames_routed_total *metrics.Counter
	frames_dropped_total struct {
		destination_not_ready *metrics.Counter
		unknown_destination   *metrics.Counter
		non_poll_to_server    *metrics.Counter
	}
	validate_errors_total struct {
		bad_guid         *metrics.Counter
		bad_destination  *metrics.Counter
		bad_mode         *metrics.Counter
		bad_payload_size *metrics.Counter
		bad_type         *metrics.Counter
		crc_mismatch     *metrics.Counter
		crc_invalid      *metrics.Counter
		bad_termination  *metrics.Counter
	}
	send_errors_total  *metrics.Counter
	poll_replies_total *metrics.Counter
	netstat_bitmask    *metrics.Gauge
}

func newRelayMetrics() *relayMetrics {
	m := &relayMetrics{set: metrics.NewSet()}

	for s := frame.Slot(0); s < frame.NumSlots; s++ {
		m.accepts_total[s] = m.set.NewCounter(metricsx.FormatName(`gss_accepts_total`, "", "slot", s.String()))
		m.accept_timeouts_total[s] = m.set.NewCounter(metricsx.FormatName(`gss_accept_timeouts_total`, "", "slot", s.String()))
		m.frames_rx_total[s] = m.set.NewCounter(metricsx.FormatName(`gss_frames_rx_total`, "", "slot", s.String()))
		m.disconnects_total[s].peer_closed = m.set.NewCounter(metricsx.FormatName(`gss_disconnects_total`, "", "slot", s.String(), "cause", "peer_closed"))
		m.disconnects_total[s].recv_timeout = m.set.NewCounter(metricsx.FormatName(`gss_disconnects_total`, "", "slot", s.String(), "cause", "recv_timeout"))
		m.disconnects_total[s].decode_error = m.set.NewCounter(metricsx.FormatName(`gss_disconnects_total`, "", "slot", s.String(), "cause", "decode_error"))
	}

	m.frames_routed_total = m.set.NewCounter(`gss_frames_routed_total`)
	m.frames_dropped_total.destination_not_ready = m.set.NewCounter(metricsx.FormatName(`gss_frames_dropped_total`, "", "reason", "destination_not_ready"))
	m.frames_dropped_total.unknown_destination = m.set.NewCounter(metricsx.FormatName(`gss_frames_dropped_total`, "", "reason", "unknown_destination"))
	m.frames_dropped_total.non_poll_to_server = m.set.NewCounter(metricsx.FormatName(`gss_frames_dropped_total`, "", "reason", "non_poll_to_server"))

	m.validate_errors_total.bad_guid = m.set.NewCounter(metricsx.FormatName(`gss_validate_errors_total`, "", "code", "-1"))
	m.validate_errors_total.bad_destination = m.set.NewCounter(metricsx.FormatName(`gss_validate_errors_total`, "", "code", "-2"))
	m.validate_errors_total.bad_mode = m.set.NewCounter(metricsx.FormatName(`gss_validate_errors_total`, "", "code", "-3"))
	m.validate_errors_total.bad_payload_size = m.set.NewCounter(metricsx.FormatName(`gss_validate_errors_total`, "", "code", "-4"))
	m.validate_errors_total.bad_type = m.set.NewCounter(metricsx.FormatName(`gss_validate_errors_total`, "", "code", "-5"))
	m.validate_errors_total.crc_mismatch = m.set.NewCounter(metricsx.FormatName(`gss_validate_errors_total`, "", "code", "-6"))
	m.validate_errors_total.crc_invalid = m.set.NewCounter(metricsx.FormatName(`gss_validate_errors_total`, "", "code", "-7"))
	m.validate_errors_total.bad_termination = m.set.NewCounter(metricsx.FormatName(`gss_validate_errors_total`, "", "code", "-8"))

	m.send_errors_total = m.set.NewCounter(`gss_send_errors_total`)
	m.poll_replies_total = m.set.NewCounter(`gss_poll_replies_total`)
	m.netstat_bitmask = m.set.NewGauge(`gss_netstat_bitmask`, nil)

	return m
}

// observeValidateError bumps the counter matching a *frame.ValidationError's
// code. Unknown codes are ignored (Validate only ever returns one of eight).
func (m *relayMetrics) observeValidateError(code int) {
	switch code {
	case -1:
		m.validate_errors_total.bad_guid.Inc()
	case -2:
		m.validate_errors_total.bad_destination.Inc()
	case -3:
		m.validate_errors_total.bad_mode.Inc()
	case -4:
		m.validate_errors_total.bad_payload_size.Inc()
	case -5:
		m.validate_errors_total.bad_type.Inc()
	case -6:
		m.validate_errors_total.crc_mismatch.Inc()
	case -7:
		m.validate_errors_total.crc_invalid.Inc()
	case -8:
		m.validate_errors_total.bad_termination.Inc()
	}
}

// WritePrometheus writes the relay's metrics in Prometheus text exposition
// format, for mounting under a debug HTTP server alongside pprof.
func (m *relayMetrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
