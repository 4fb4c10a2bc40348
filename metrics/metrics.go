package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var summaryObjectives = map[float64]float64{
	0.5:  0.05,  // 50th percentile with a max. absolute error of 0.05.
	0.90: 0.01,  // 90th percentile with a max. absolute error of 0.01.
	0.95: 0.005, // 95th percentile with a max. absolute error of 0.005.
	0.99: 0.001, // 99th percentile with a max. absolute error of 0.001.
}

var usedSendWorkers = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "dp_used_send_workers",
	Help: "The number of send workers currently in use",
})

var availableSendWorkers = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "dp_available_send_workers",
	Help: "The number of send workers currently available",
})

var batchesByClass = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dp_batches_total",
	Help: "The number of reconciled batch sends by outcome class",
}, []string{"class"})

var batchesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dp_batches_rejected_total",
	Help: "The number of batch sends rejected before any network call, by reason",
}, []string{"reason"})

var resultsByOutcome = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dp_recipient_results_total",
	Help: "The number of per-recipient send results by outcome",
}, []string{"outcome"})

var batchSendDuration = promauto.NewSummaryVec(prometheus.SummaryOpts{
	Name:       "dp_batch_send_duration",
	Help:       "The duration (seconds) of batch sends by message type",
	Objectives: summaryObjectives,
}, []string{"type"})

// SetUsedSendWorkers updates the used send workers gauge
func SetUsedSendWorkers(count int) {
	usedSendWorkers.Set(float64(count))
}

// SetAvailableSendWorkers updates the available send workers gauge
func SetAvailableSendWorkers(count int) {
	availableSendWorkers.Set(float64(count))
}

// IncBatchClass counts one reconciled batch with the passed in class
func IncBatchClass(class string) {
	batchesByClass.WithLabelValues(class).Inc()
}

// IncBatchRejected counts one batch rejected at validation time
func IncBatchRejected(reason string) {
	batchesRejected.WithLabelValues(reason).Inc()
}

// IncRecipientResult counts one per-recipient result with the passed in outcome
func IncRecipientResult(outcome string) {
	resultsByOutcome.WithLabelValues(outcome).Inc()
}

// ObserveBatchSendDuration records the duration of one batch send
func ObserveBatchSendDuration(msgType string, seconds float64) {
	batchSendDuration.WithLabelValues(msgType).Observe(seconds)
}
