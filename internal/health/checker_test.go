package health

import (
	"context"
	"testing"
	"time"

	"github.com/jmerrifield20/freetalk/internal/feed"
	"github.com/jmerrifield20/freetalk/internal/posts"
	"go.uber.org/zap"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type stubFeed struct {
	status feed.Status
}

func (s *stubFeed) Status() feed.Status { return s.status }

type stubLedger struct {
	status posts.Status
	subs   int
}

func (s *stubLedger) Status() posts.Status { return s.status }
func (s *stubLedger) Subscribers() int     { return s.subs }

func servingStatus(t *testing.T, srv *grpchealth.Server, service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := srv.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("health check %q: %v", service, err)
	}
	return resp.GetStatus()
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestReport_startingBeforeFirstCheck(t *testing.T) {
	checker := New(nil, &stubLedger{}, Config{}, zap.NewNop())
	if got := checker.Report().Status; got != StatusStarting {
		t.Errorf("status = %q, want %q", got, StatusStarting)
	}
}

func TestCheck_connectedFeedIsHealthy(t *testing.T) {
	f := &stubFeed{status: feed.Status{State: feed.StateConnected, Cursor: "c1", LastBlock: 100, Records: 5, Unsaved: 2}}
	l := &stubLedger{status: posts.Status{NumAvailable: 9, NumIrreversible: 4}, subs: 3}
	srv := grpchealth.NewServer()

	checker := New(f, l, Config{Service: "freetalk"}, zap.NewNop())
	checker.SetServing(srv)

	r := checker.Check()
	if r.Status != StatusOK {
		t.Errorf("status = %q, want ok", r.Status)
	}
	if r.Posts != 9 || r.Irreversible != 4 || r.Connections != 3 {
		t.Errorf("counts = %+v", r)
	}
	if r.Feed.State != "connected" || r.Feed.Cursor != "c1" || r.Feed.LastBlock != 100 || r.Feed.Unsaved != 2 {
		t.Errorf("feed = %+v", r.Feed)
	}
	if got := servingStatus(t, srv, "freetalk"); got != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Errorf("serving = %v", got)
	}
}

func TestCheck_degradesAfterThreshold(t *testing.T) {
	f := &stubFeed{status: feed.Status{State: feed.StateBackoff, Backoff: 10 * time.Minute}}
	srv := grpchealth.NewServer()

	var results []bool
	checker := New(f, &stubLedger{}, Config{FailThreshold: 3}, zap.NewNop())
	checker.SetServing(srv)
	checker.SetMetricsRecord(func(success bool) { results = append(results, success) })

	for i := 0; i < 2; i++ {
		if r := checker.Check(); r.Status != StatusOK {
			t.Fatalf("check %d: status = %q before threshold", i, r.Status)
		}
	}
	r := checker.Check()
	if r.Status != StatusDegraded {
		t.Errorf("status = %q, want degraded", r.Status)
	}
	if r.Feed.Backoff != "10m0s" || r.Feed.Failures != 3 {
		t.Errorf("feed = %+v", r.Feed)
	}
	if got := servingStatus(t, srv, ""); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Errorf("serving = %v", got)
	}
	if len(results) != 3 || results[0] {
		t.Errorf("metrics = %v", results)
	}
}

func TestCheck_recoversOnReconnect(t *testing.T) {
	f := &stubFeed{status: feed.Status{State: feed.StateConnecting}}
	srv := grpchealth.NewServer()
	checker := New(f, &stubLedger{}, Config{FailThreshold: 2}, zap.NewNop())
	checker.SetServing(srv)

	checker.Check()
	checker.Check()
	if checker.Report().Status != StatusDegraded {
		t.Fatal("expected degraded")
	}

	f.status.State = feed.StateConnected
	if r := checker.Check(); r.Status != StatusOK || r.Feed.Failures != 0 {
		t.Errorf("after reconnect: %+v", r)
	}
	if got := servingStatus(t, srv, ""); got != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Errorf("serving = %v", got)
	}
}

func TestCheck_disabledFeedIsHealthy(t *testing.T) {
	checker := New(nil, &stubLedger{}, Config{FailThreshold: 1}, zap.NewNop())
	r := checker.Check()
	if r.Status != StatusOK || r.Feed.State != FeedStateDisabled {
		t.Errorf("report = %+v", r)
	}
}

func TestStart_checksImmediatelyAndStops(t *testing.T) {
	checker := New(nil, &stubLedger{}, Config{CheckInterval: time.Hour}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Start(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for checker.Report().Status == StatusStarting {
		select {
		case <-deadline:
			t.Fatal("no initial check")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done
}
