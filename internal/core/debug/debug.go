// Debug utilities: a pprof/metrics HTTP server and on-demand frame dumps.
// Everything in this package is inert unless enabled through config.
package debug

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"

	"github.com/davecgh/go-spew/spew"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var packetLogging bool

// Counters exported on the debug endpoint. Incremented by the wire and
// session packages; registration happens at import time via promauto.
var (
	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beer_frames_sent_total",
		Help: "Frames written to client connections.",
	})
	FramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beer_frames_received_total",
		Help: "Data frames accepted from client connections.",
	})
	ReceiveErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beer_receive_errors_total",
		Help: "Frame unpack failures by kind.",
	}, []string{"kind"})
	Retransmits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beer_retransmits_total",
		Help: "Frames re-sent in response to a NAK.",
	})
	MatchesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beer_matches_started_total",
		Help: "Match sessions started by the lobby.",
	})
	MatchesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beer_matches_completed_total",
		Help: "Match sessions reaching a terminal outcome.",
	}, []string{"outcome"})
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beer_reconnects_total",
		Help: "Successful token reattachments.",
	})
	Promotions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beer_promotions_total",
		Help: "Spectators promoted into a vacated slot.",
	})
)

// StartUtilities spins up the debug HTTP server (pprof + /metrics) and
// enables frame dumping. Called once at startup when debug mode is on.
func StartUtilities(logger *logrus.Logger, port int, withPacketLogging bool) {
	packetLogging = withPacketLogging

	http.Handle("/metrics", promhttp.Handler())
	go func() {
		addr := fmt.Sprintf("localhost:%d", port)
		logger.Infof("debug server listening on %s", addr)
		if err := http.ListenAndServe(addr, nil); err != nil {
			logger.Warnf("debug server exited: %v", err)
		}
	}()
}

// PacketLoggingEnabled reports whether frame dumps should be emitted.
func PacketLoggingEnabled() bool { return packetLogging }

// DumpFrame logs a hex/spew dump of one raw frame when packet logging is on.
func DumpFrame(logger *logrus.Logger, direction string, data []byte) {
	if !packetLogging {
		return
	}
	logger.Debugf("%s frame (%d bytes):\n%s", direction, len(data), spew.Sdump(data))
}
