package health

import (
	"context"
	"sync"
	"time"

	"github.com/jmerrifield20/freetalk/internal/feed"
	"github.com/jmerrifield20/freetalk/internal/posts"
	"go.uber.org/zap"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Report statuses.
const (
	StatusStarting = "starting"
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// FeedStateDisabled is reported when the process runs without a feed.
const FeedStateDisabled = "disabled"

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	FailThreshold int
	// Service is the gRPC health service name set alongside the overall "".
	Service string
}

// FeedSource reports the ingestion client's status.
type FeedSource interface {
	Status() feed.Status
}

// LedgerSource reports ledger counts and open subscriptions.
type LedgerSource interface {
	Status() posts.Status
	Subscribers() int
}

// ServingSetter is satisfied by *health.Server from grpc-go.
type ServingSetter interface {
	SetServingStatus(service string, status grpc_health_v1.HealthCheckResponse_ServingStatus)
}

// MetricsRecordFunc is an optional callback for recording health check results.
type MetricsRecordFunc func(success bool)

// FeedReport is the ingestion part of a Report.
type FeedReport struct {
	State     string `json:"state"`
	Cursor    string `json:"cursor,omitempty"`
	LastBlock int64  `json:"last_block"`
	Records   int    `json:"records"`
	Unsaved   int    `json:"unsaved"`
	Backoff   string `json:"backoff,omitempty"`
	Failures  int    `json:"consecutive_failures"`
}

// Report is the result of the latest check, served on /healthz.
type Report struct {
	Status       string     `json:"status"`
	Feed         FeedReport `json:"feed"`
	Posts        int        `json:"posts"`
	Irreversible int        `json:"irreversible"`
	Connections  int        `json:"connections"`
	CheckedAt    time.Time  `json:"checked_at"`
}

// HealthChecker periodically derives service health from ingestion status.
// The feed is unhealthy while it is not connected; the service degrades once
// that has been observed FailThreshold checks in a row.
type HealthChecker struct {
	feed      FeedSource
	ledger    LedgerSource
	serving   ServingSetter
	cfg       Config
	onMetrics MetricsRecordFunc
	logger    *zap.Logger

	mu        sync.Mutex
	failCount int
	last      Report
}

// New creates a new HealthChecker. feed may be nil when ingestion is
// disabled.
func New(feed FeedSource, ledger LedgerSource, cfg Config, logger *zap.Logger) *HealthChecker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 15 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	return &HealthChecker{
		feed:   feed,
		ledger: ledger,
		cfg:    cfg,
		logger: logger,
		last:   Report{Status: StatusStarting},
	}
}

// SetServing configures the gRPC health server updated on every check.
func (h *HealthChecker) SetServing(s ServingSetter) {
	h.serving = s
}

// SetMetricsRecord configures the metrics recording callback.
func (h *HealthChecker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start runs the health check loop until ctx is done.
func (h *HealthChecker) Start(ctx context.Context) {
	h.Check()

	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Check()
		case <-ctx.Done():
			return
		}
	}
}

// Check evaluates health once and publishes the result.
func (h *HealthChecker) Check() Report {
	st := h.ledger.Status()
	r := Report{
		Posts:        st.NumAvailable,
		Irreversible: st.NumIrreversible,
		Connections:  h.ledger.Subscribers(),
		CheckedAt:    time.Now().UTC(),
		Feed:         FeedReport{State: FeedStateDisabled},
	}

	success := true
	if h.feed != nil {
		fs := h.feed.Status()
		success = fs.State == feed.StateConnected
		r.Feed = FeedReport{
			State:     fs.State.String(),
			Cursor:    fs.Cursor,
			LastBlock: fs.LastBlock,
			Records:   fs.Records,
			Unsaved:   fs.Unsaved,
		}
		if fs.Backoff > 0 {
			r.Feed.Backoff = fs.Backoff.String()
		}
	}

	if h.onMetrics != nil {
		h.onMetrics(success)
	}

	h.mu.Lock()
	prevCount := h.failCount
	if success {
		h.failCount = 0
	} else {
		h.failCount++
	}
	count := h.failCount
	r.Feed.Failures = count
	r.Status = StatusOK
	if count >= h.cfg.FailThreshold {
		r.Status = StatusDegraded
	}
	h.last = r
	h.mu.Unlock()

	if success && prevCount >= h.cfg.FailThreshold {
		h.logger.Info("health: recovered", zap.String("feed_state", r.Feed.State))
	} else if count == h.cfg.FailThreshold {
		h.logger.Warn("health: degraded",
			zap.String("feed_state", r.Feed.State),
			zap.Int("fail_count", count),
		)
	}

	if h.serving != nil {
		status := grpc_health_v1.HealthCheckResponse_SERVING
		if r.Status == StatusDegraded {
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
		h.serving.SetServingStatus("", status)
		if h.cfg.Service != "" {
			h.serving.SetServingStatus(h.cfg.Service, status)
		}
	}
	return r
}

// Report returns the result of the latest check.
func (h *HealthChecker) Report() Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}
