package server

import (
	"fmt"
	"net/http"
	"time"
)

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	auth := s.authority.Stats()
	conns := s.conns.Stats()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Write errors to http.ResponseWriter are non-actionable.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeIntents := func() {
		const name = "scenesphere_intents_applied_total"
		_, _ = fmt.Fprintf(w, "# HELP %s Intents applied by the authority, by type.\n", name)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", name)
		for _, kv := range []struct {
			kind  string
			value int64
		}{
			{"join_session", auth.Joins},
			{"leave_session", auth.Leaves},
			{"add_object", auth.ObjectsAdded},
			{"update_object", auth.ObjectUpdates},
			{"delete_object", auth.ObjectDeletes},
		} {
			_, _ = fmt.Fprintf(w, "%s{type=%q} %d\n", name, kv.kind, kv.value)
		}
	}

	_, _ = fmt.Fprintf(w, "# HELP scenesphere_uptime_seconds Server uptime in seconds.\n")
	_, _ = fmt.Fprintf(w, "# TYPE scenesphere_uptime_seconds gauge\n")
	_, _ = fmt.Fprintf(w, "scenesphere_uptime_seconds %f\n", time.Since(s.startedAt).Seconds())

	write("scenesphere_sessions_active", "Sessions currently held in memory.", "gauge",
		int64(s.sessions.Count()))
	write("scenesphere_sessions_created_total", "Sessions allocated over HTTP.", "counter",
		s.created.Load())
	write("scenesphere_sessions_evicted_total", "Empty sessions removed by the idle sweeper.", "counter",
		s.evicted.Load())
	write("scenesphere_session_create_rate_limited_total", "Session allocations refused by the rate limiter.", "counter",
		s.rateLimited.Load())

	write("scenesphere_connections_active", "Current WebSocket connections.", "gauge",
		int64(conns.Active))
	write("scenesphere_connections_total", "WebSocket connections accepted.", "counter",
		conns.Accepted)
	write("scenesphere_connections_rejected_total", "WebSocket connections refused at capacity.", "counter",
		conns.Rejected)
	write("scenesphere_connections_kicked_total", "WebSocket connections closed by the server.", "counter",
		conns.Kicked)
	write("scenesphere_connections_idle_reaped_total", "WebSocket connections closed for inactivity.", "counter",
		conns.IdleReaped)
	write("scenesphere_frames_sent_total", "Frames written to WebSocket clients.", "counter",
		conns.FramesSent)

	write("scenesphere_members_joined", "Connections currently holding a session membership.", "gauge",
		int64(auth.Peers))
	writeIntents()
	write("scenesphere_intents_rejected_total", "Intents answered with an error.", "counter",
		auth.Rejected)
	write("scenesphere_slow_consumers_total", "Peers disconnected because their send queue was full.", "counter",
		auth.SlowPeers)
	write("scenesphere_superseded_total", "Peers replaced by a newer connection for the same user.", "counter",
		auth.Superseded)
}
