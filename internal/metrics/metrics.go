package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macroremote_connect_attempts_total",
		Help: "TCP connect attempts grouped by outcome",
	}, []string{"result"})

	framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macroremote_frames_received_total",
		Help: "Envelopes decoded from the server grouped by message type",
	}, []string{"type"})

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macroremote_frames_dropped_total",
		Help: "Inbound lines discarded by the decoder grouped by reason",
	}, []string{"reason"})

	framesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macroremote_frames_sent_total",
		Help: "Outbound frames grouped by message type and outcome",
	}, []string{"type", "result"})

	disconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macroremote_disconnects_total",
		Help: "Connection teardowns grouped by cause",
	}, []string{"reason"})

	connected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "macroremote_connections_active",
		Help: "Number of live server connections held by this process",
	})

	catalogSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "macroremote_catalog_macros",
		Help: "Macros in the most recently loaded catalog snapshot",
	})

	panelClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "macroremote_panel_clients",
		Help: "Browser clients attached to the web panel",
	})

	panelCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macroremote_panel_commands_total",
		Help: "Commands received from panel clients grouped by command",
	}, []string{"command"})
)

// ObserveConnectAttempt records the outcome of a single port attempt.
func ObserveConnectAttempt(success bool) {
	if success {
		connectAttempts.WithLabelValues("success").Inc()
		return
	}
	connectAttempts.WithLabelValues("failed").Inc()
}

func ObserveFrameReceived(msgType string) {
	framesReceived.WithLabelValues(knownType(msgType)).Inc()
}

func ObserveFrameDropped(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	framesDropped.WithLabelValues(reason).Inc()
}

func ObserveFrameSent(msgType string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	framesSent.WithLabelValues(knownType(msgType), result).Inc()
}

// ObserveConnected tracks the live connection gauge.
func ObserveConnected() {
	connected.Inc()
}

func ObserveDisconnect(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	connected.Dec()
	disconnects.WithLabelValues(reason).Inc()
}

func ObserveCatalogSize(n int) {
	catalogSize.Set(float64(n))
}

func ObservePanelClients(n int) {
	panelClients.Set(float64(n))
}

func ObservePanelCommand(command string) {
	panelCommands.WithLabelValues(command).Inc()
}

var knownTypes = map[string]struct{}{
	"hello": {}, "heartbeat": {}, "error": {},
	"request-macros": {}, "request-macros-update": {},
	"execute-macro": {}, "stop-macro": {}, "set-layout": {},
	"macro-list": {}, "update-macro-list": {},
	"macro-started": {}, "macro-stopped": {}, "macro-ended": {}, "macro-already-running": {},
}

// knownType keeps label cardinality bounded when a server sends arbitrary
// type strings.
func knownType(msgType string) string {
	if _, ok := knownTypes[msgType]; ok {
		return msgType
	}
	return "other"
}
