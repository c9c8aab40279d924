package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sendsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hearth_chat_sends_accepted_total",
		Help: "Messages accepted into the buffer or written directly.",
	})

	sendsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hearth_chat_sends_rejected_total",
		Help: "Sends rejected by validation or buffer append failure.",
	})

	flushBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hearth_chat_flush_batches_total",
		Help: "Successful buffer flush batches.",
	})

	flushMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hearth_chat_flush_messages_total",
		Help: "Messages moved from the buffer into durable storage.",
	})

	flushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hearth_chat_flush_failures_total",
		Help: "Flush attempts that failed and left the buffer untouched.",
	})

	deletesByOutcome = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_chat_deletes_total",
		Help: "Delete requests by outcome.",
	}, []string{"outcome"}) // buffer, durable, not_found, window_expired, error

	broadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hearth_chat_broadcast_dropped_total",
		Help: "Envelopes dropped due to member queue backpressure.",
	})
)
