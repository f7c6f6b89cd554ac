package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Checkpointer persists the accepted record log.
type Checkpointer interface {
	Load() ([]Record, error)
	Save(records []Record) error
}

// Applier folds a record into derived state. Apply must leave the state
// unchanged when it returns an error.
type Applier interface {
	Apply(rec *Record) error
}

// MetricsRecorder receives ingestion metrics. Optional.
type MetricsRecorder interface {
	RecordIngested(undo bool)
	RecordReconnect(reason string)
	RecordCheckpointSave(success bool)
	SetConnected(connected bool)
}

// State is the connection state of a Receiver.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Reconnect reasons reported to metrics.
const (
	reasonConnectError  = "connect_error"
	reasonComplete      = "complete"
	reasonStreamError   = "stream_error"
	reasonProcessing    = "processing_error"
	reasonTransportDrop = "transport_error"
)

// Config configures a Receiver.
type Config struct {
	Query              string
	FirstBlock         int64
	LiveMarkerInterval uint32
	ShortRetry         time.Duration // after a stream ends; default 1s
	LongRetry          time.Duration // after a failed connect; default 10m
	FlushThreshold     int           // unsaved records that force a save; default 10
	FlushInterval      time.Duration // periodic save; 0 disables
	// MaxFailures is how many consecutive processing failures at one cursor
	// are retried quickly before falling back to LongRetry; default 3.
	MaxFailures int
}

// Status is a snapshot of the Receiver for health reporting.
type Status struct {
	State      State
	Backoff    time.Duration
	Records    int
	Unsaved    int
	Cursor     string
	LastBlock  int64
	LastChange time.Time
}

// Receiver keeps a subscription to the remote feed alive, applies every
// accepted record to the ledger and checkpoints the accepted log.
type Receiver struct {
	cfg       Config
	sub       Subscriber
	store     Checkpointer
	ledger    Applier
	onMetrics MetricsRecorder
	logger    *zap.Logger

	// wait blocks for d or until ctx is done. Replaced in tests.
	wait func(ctx context.Context, d time.Duration) error

	running atomic.Bool
	flushMu sync.Mutex

	mu         sync.Mutex
	records    []Record
	numSaved   int
	cursor     string
	state      State
	backoff    time.Duration
	lastBlock  int64
	lastChange time.Time
}

// NewReceiver creates a Receiver.
func NewReceiver(cfg Config, sub Subscriber, store Checkpointer, ledger Applier, logger *zap.Logger) *Receiver {
	if cfg.ShortRetry <= 0 {
		cfg.ShortRetry = time.Second
	}
	if cfg.LongRetry <= 0 {
		cfg.LongRetry = 10 * time.Minute
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = 10
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	return &Receiver{
		cfg:        cfg,
		sub:        sub,
		store:      store,
		ledger:     ledger,
		logger:     logger,
		wait:       sleepContext,
		lastChange: time.Now(),
	}
}

// SetMetricsRecorder configures the metrics callbacks.
func (r *Receiver) SetMetricsRecorder(rec MetricsRecorder) {
	r.onMetrics = rec
}

// Start loads the checkpoint and replays it into the ledger. A missing or
// corrupt checkpoint starts empty; any other failure is returned and should
// abort the process.
func (r *Receiver) Start() error {
	records, err := r.store.Load()
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	begin := time.Now()
	r.logger.Info("replaying checkpoint", zap.Int("records", len(records)))
	for i := range records {
		if err := r.ledger.Apply(&records[i]); err != nil {
			return fmt.Errorf("replay record %d (block %d): %w", i, records[i].Block.Num, err)
		}
	}

	r.mu.Lock()
	r.records = records
	r.numSaved = len(records)
	if n := len(records); n > 0 {
		r.cursor = records[n-1].Cursor
		r.lastBlock = records[n-1].Block.Num
	}
	r.mu.Unlock()

	r.logger.Info("checkpoint replayed",
		zap.Int("records", len(records)),
		zap.Duration("elapsed", time.Since(begin)),
	)
	return nil
}

// Run keeps the subscription alive until ctx is cancelled. It returns nil on
// cancellation. Calling Run while another Run is active is a no-op.
func (r *Receiver) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		r.logger.Info("already connected")
		return nil
	}
	defer r.running.Store(false)

	var flushWG sync.WaitGroup
	if r.cfg.FlushInterval > 0 {
		flushWG.Add(1)
		go func() {
			defer flushWG.Done()
			r.flushLoop(ctx)
		}()
	}
	defer func() {
		flushWG.Wait()
		if err := r.Flush(); err != nil {
			r.logger.Error("final checkpoint save failed", zap.Error(err))
		}
		r.setState(StateIdle, 0)
	}()

	var (
		failCursor string
		failures   int
	)
	for {
		delay, reason, err := r.session(ctx)
		if ctx.Err() != nil {
			return nil
		}

		// A record that keeps failing is refetched from the same cursor on
		// every reconnect.
		if reason == reasonProcessing {
			cursor := r.Status().Cursor
			if failures == 0 || cursor != failCursor {
				failCursor, failures = cursor, 0
			}
			failures++
			if failures >= r.cfg.MaxFailures {
				delay = r.cfg.LongRetry
			}
		} else {
			failures = 0
		}

		if r.onMetrics != nil {
			r.onMetrics.RecordReconnect(reason)
		}
		r.logger.Warn("scheduling reconnect",
			zap.String("reason", reason),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		r.setState(StateBackoff, delay)
		if err := r.wait(ctx, delay); err != nil {
			return nil
		}
	}
}

// session runs one connect-and-consume cycle and returns the delay before
// the next attempt.
func (r *Receiver) session(ctx context.Context) (time.Duration, string, error) {
	r.setState(StateConnecting, 0)
	req := r.request()

	r.logger.Info("connecting to feed",
		zap.String("cursor", req.Cursor),
		zap.Int64("low_block", req.LowBlockNum),
	)
	stream, err := r.sub.Subscribe(ctx, req)
	if err != nil {
		r.logger.Error("feed connect failed", zap.Error(err))
		return r.cfg.LongRetry, reasonConnectError, err
	}

	r.setState(StateConnected, 0)
	r.logger.Info("feed connected")

	reason, err := r.consume(ctx, stream)
	if cerr := stream.Close(); cerr != nil {
		r.logger.Error("closing stream failed", zap.Error(cerr))
	}
	return r.cfg.ShortRetry, reason, err
}

func (r *Receiver) request() Request {
	r.mu.Lock()
	cursor := r.cursor
	r.mu.Unlock()

	if cursor == "" && r.cfg.FirstBlock <= 1 {
		r.logger.Warn("no resume cursor and first block is 1; the first result may take a while")
	}
	return Request{
		Query:              r.cfg.Query,
		Cursor:             cursor,
		LowBlockNum:        r.cfg.FirstBlock,
		Limit:              0,
		IrreversibleOnly:   false,
		LiveMarkerInterval: r.cfg.LiveMarkerInterval,
	}
}

// consume reads messages until the stream ends or fails.
func (r *Receiver) consume(ctx context.Context, stream Stream) (string, error) {
	for {
		msg, err := stream.Recv(ctx)
		if err != nil {
			return reasonTransportDrop, fmt.Errorf("receive: %w", err)
		}

		switch msg.Type {
		case MessageData:
			if err := r.handle(stream, msg.Record); err != nil {
				r.logger.Error("processing record failed, closing stream", zap.Error(err))
				return reasonProcessing, err
			}
		case MessageComplete:
			r.logger.Error("feed stream completed, closing stream")
			return reasonComplete, ErrStreamComplete
		case MessageError:
			r.logger.Error("feed stream error", zap.Error(msg.Err))
			return reasonStreamError, fmt.Errorf("stream error: %w", msg.Err)
		default:
			r.logger.Info("ignoring stream message", zap.String("type", string(msg.Type)))
		}
	}
}

// handle processes one data record: accepted records are applied and
// appended to the log, and every record's cursor is marked.
func (r *Receiver) handle(stream Stream, rec *Record) (err error) {
	if rec == nil {
		return errors.New("data message without record")
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic processing block %d: %v", rec.Block.Num, p)
		}
	}()

	fields := []zap.Field{zap.Int64("block", rec.Block.Num), zap.Bool("undo", rec.Undo)}
	if rec.HasTrace() {
		fields = append(fields, zap.String("trx", rec.Trace.ID))
	}
	r.logger.Info("recv record", fields...)

	r.mu.Lock()
	accept := r.acceptLocked(rec)
	r.mu.Unlock()

	if accept {
		if err := r.ledger.Apply(rec); err != nil {
			return fmt.Errorf("apply block %d: %w", rec.Block.Num, err)
		}

		r.mu.Lock()
		r.records = append(r.records, *rec)
		save := len(r.records)-r.numSaved > r.cfg.FlushThreshold || !rec.HasTrace()
		r.mu.Unlock()

		if save {
			if err := r.Flush(); err != nil {
				r.logger.Error("checkpoint save failed", zap.Error(err))
			}
		}
		if r.onMetrics != nil {
			r.onMetrics.RecordIngested(rec.Undo)
		}
	}

	stream.Mark(rec.Cursor)
	r.mu.Lock()
	r.cursor = rec.Cursor
	r.lastBlock = rec.Block.Num
	r.mu.Unlock()
	return nil
}

// acceptLocked reports whether rec enters the log: records with a trace do,
// and so does the first live marker past a block that had one.
func (r *Receiver) acceptLocked(rec *Record) bool {
	if rec.HasTrace() {
		return true
	}
	if n := len(r.records); n > 0 {
		prev := &r.records[n-1]
		return prev.HasTrace() && prev.Block.Num < rec.Block.Num
	}
	return false
}

// Flush saves the log if it has unsaved records. Concurrent calls are
// serialised.
func (r *Receiver) Flush() error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	n := len(r.records)
	if n == r.numSaved {
		r.mu.Unlock()
		return nil
	}
	// The log is append-only, so the prefix stays valid outside the lock.
	snapshot := r.records[:n:n]
	r.mu.Unlock()

	err := r.store.Save(snapshot)
	if r.onMetrics != nil {
		r.onMetrics.RecordCheckpointSave(err == nil)
	}
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	r.mu.Lock()
	r.numSaved = n
	r.mu.Unlock()
	return nil
}

func (r *Receiver) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.Flush(); err != nil {
				r.logger.Error("periodic checkpoint save failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *Receiver) setState(s State, backoff time.Duration) {
	r.mu.Lock()
	r.state = s
	r.backoff = backoff
	r.lastChange = time.Now()
	r.mu.Unlock()

	if r.onMetrics != nil {
		r.onMetrics.SetConnected(s == StateConnected)
	}
}

// Status returns a snapshot of the receiver.
func (r *Receiver) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		State:      r.state,
		Backoff:    r.backoff,
		Records:    len(r.records),
		Unsaved:    len(r.records) - r.numSaved,
		Cursor:     r.cursor,
		LastBlock:  r.lastBlock,
		LastChange: r.lastChange,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
