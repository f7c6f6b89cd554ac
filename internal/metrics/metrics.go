// Package metrics holds the Prometheus collectors for ingestion, the ledger
// and client delivery, and adapts them to each component's recorder
// interface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	postsAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "freetalk_posts_available",
		Help: "Number of posts currently in the ledger.",
	})

	postsIrreversible = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "freetalk_posts_irreversible",
		Help: "Index of the latest irreversible post.",
	})

	undoPostsRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "freetalk_undo_posts_removed_total",
		Help: "Total posts removed by undo records.",
	})

	droppedNotifications = promauto.NewCounter(prometheus.CounterOpts{
		Name: "freetalk_dropped_notifications_total",
		Help: "Total ledger events not delivered because the subscriber was still draining.",
	})

	recordsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "freetalk_records_ingested_total",
		Help: "Total feed records accepted into the log by kind.",
	}, []string{"kind"})

	feedReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "freetalk_feed_reconnects_total",
		Help: "Total feed reconnects by reason.",
	}, []string{"reason"})

	checkpointSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "freetalk_checkpoint_saves_total",
		Help: "Total checkpoint saves by result.",
	}, []string{"result"})

	feedConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "freetalk_feed_connected",
		Help: "1 while the feed subscription is connected.",
	})

	connectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "freetalk_connections",
		Help: "Open client delivery connections.",
	})

	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "freetalk_messages_sent_total",
		Help: "Total messages sent to clients by kind.",
	}, []string{"kind"})

	healthChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "freetalk_health_checks_total",
		Help: "Total health checks by result.",
	}, []string{"result"})
)

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Recorder implements the feed, posts and delivery recorder interfaces on
// top of the package collectors.
type Recorder struct{}

// New returns a Recorder.
func New() *Recorder { return &Recorder{} }

// RecordIngested counts an accepted feed record.
func (Recorder) RecordIngested(undo bool) {
	kind := "record"
	if undo {
		kind = "undo"
	}
	recordsIngested.WithLabelValues(kind).Inc()
}

// RecordReconnect counts a scheduled feed reconnect.
func (Recorder) RecordReconnect(reason string) {
	feedReconnects.WithLabelValues(reason).Inc()
}

// RecordCheckpointSave counts a checkpoint save attempt.
func (Recorder) RecordCheckpointSave(success bool) {
	checkpointSaves.WithLabelValues(result(success)).Inc()
}

// SetConnected sets the feed connection gauge.
func (Recorder) SetConnected(connected bool) {
	if connected {
		feedConnected.Set(1)
	} else {
		feedConnected.Set(0)
	}
}

// SetPosts sets the post count gauge.
func (Recorder) SetPosts(n int) { postsAvailable.Set(float64(n)) }

// SetIrreversiblePost sets the irreversible index gauge.
func (Recorder) SetIrreversiblePost(n int) { postsIrreversible.Set(float64(n)) }

// RecordUndo counts posts removed by an undo.
func (Recorder) RecordUndo(removed int) { undoPostsRemoved.Add(float64(removed)) }

// RecordDroppedNotifications counts events a draining subscriber missed.
func (Recorder) RecordDroppedNotifications(n int) { droppedNotifications.Add(float64(n)) }

// ConnectionOpened increments the open connection gauge.
func (Recorder) ConnectionOpened() { connectionsOpen.Inc() }

// ConnectionClosed decrements the open connection gauge.
func (Recorder) ConnectionClosed() { connectionsOpen.Dec() }

// RecordMessages counts messages sent to a client.
func (Recorder) RecordMessages(kind string, n int) {
	messagesSent.WithLabelValues(kind).Add(float64(n))
}

// RecordHealthCheck records a health check result.
func RecordHealthCheck(success bool) {
	healthChecks.WithLabelValues(result(success)).Inc()
}
