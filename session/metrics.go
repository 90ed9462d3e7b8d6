package session

import (
	"github.com/lockstepio/go-rollback/metrics"
)

const subsystem = "session"

var (
	rollbacksTotal = metrics.NewCounter(
		"rollbacks_total",
		subsystem,
		"total rollback-and-replay passes",
		[]string{}).WithLabelValues()

	rollbackDepth = metrics.NewHistogramWithBuckets(
		"rollback_depth_frames",
		subsystem,
		"frames resimulated per rollback",
		[]string{},
		[]float64{1, 2, 3, 4, 6, 8, 12, 16},
	).WithLabelValues()

	stallsTotal = metrics.NewCounter(
		"stalls_total",
		subsystem,
		"ticks that could not advance",
		[]string{"reason"})

	desyncsTotal = metrics.NewCounter(
		"desyncs_total",
		subsystem,
		"fatal state divergences detected",
		[]string{}).WithLabelValues()

	inboxDropped = metrics.NewCounter(
		"inbox_dropped_total",
		subsystem,
		"inbound packets dropped on a full inbox",
		[]string{}).WithLabelValues()

	predictionDepth = metrics.NewGauge(
		"prediction_depth_frames",
		subsystem,
		"how far the simulation currently runs ahead of confirmation",
		[]string{}).WithLabelValues()
)
