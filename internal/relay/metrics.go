package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// relayRuns counts finished controller runs by terminal state
	relayRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liuyao_relay_runs_total",
		Help: "Finished relay runs by terminal state",
	}, []string{"state"})

	// messageUpdates counts user-visible message sends and edits
	messageUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liuyao_relay_message_updates_total",
		Help: "Answer message sends and edits",
	}, []string{"kind"})

	editFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liuyao_relay_edit_failures_total",
		Help: "Answer message edits that failed and were dropped",
	})

	markers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liuyao_relay_markers_total",
		Help: "Image and status markers relayed to users",
	}, []string{"kind"})

	tokensUsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liuyao_relay_tokens_total",
		Help: "Tokens reported by completed AI streams",
	}, []string{"type"})
)
