package posts

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/jmerrifield20/freetalk/internal/feed"
	"go.uber.org/zap"
)

// CreatePostAction is the contract action that produces a post.
const CreatePostAction = "createpost"

// MinReadCount is the smallest page Read will return when enough posts exist.
const MinReadCount = 20

// ErrInvalidPayload is returned when a createpost action carries a payload
// that does not decode into a post.
var ErrInvalidPayload = errors.New("invalid createpost payload")

// Config identifies the contract whose actions feed the ledger.
type Config struct {
	Account  string
	Receiver string
}

// Direction selects which side of an anchor index Read walks.
type Direction int

const (
	// Before walks toward index 0, starting at anchor-1.
	Before Direction = iota
	// After walks toward the tip, starting at anchor+1.
	After
)

// MetricsRecorder receives ledger gauges and counters. All methods must be
// safe for concurrent use.
type MetricsRecorder interface {
	SetPosts(n int)
	SetIrreversiblePost(n int)
	RecordUndo(removed int)
	RecordDroppedNotifications(n int)
}

// Ledger is the in-memory post sequence. Apply must be called from a single
// goroutine; reads may run concurrently with it.
type Ledger struct {
	cfg       Config
	logger    *zap.Logger
	hub       *Hub
	onMetrics MetricsRecorder

	mu                sync.RWMutex
	posts             []Post
	blocks            map[int64]int
	irreversibleBlock int64
	irreversiblePost  int
	haveIrreversible  bool
}

// New creates an empty Ledger.
func New(cfg Config, logger *zap.Logger) *Ledger {
	return &Ledger{
		cfg:    cfg,
		logger: logger,
		hub:    NewHub(),
		blocks: make(map[int64]int),
	}
}

// SetMetricsRecorder configures the metrics callbacks.
func (l *Ledger) SetMetricsRecorder(rec MetricsRecorder) {
	l.onMetrics = rec
	l.hub.mu.Lock()
	l.hub.onDrop = rec.RecordDroppedNotifications
	l.hub.mu.Unlock()
}

// Subscribe registers a subscription for ledger events.
func (l *Ledger) Subscribe(id string) *Subscription {
	return l.hub.Subscribe(id)
}

// Subscribers returns the number of open subscriptions.
func (l *Ledger) Subscribers() int {
	return l.hub.Len()
}

// Apply folds one record into the ledger and publishes the resulting events.
// A record is applied entirely or not at all: on error the ledger is
// unchanged and nothing is published.
func (l *Ledger) Apply(rec *feed.Record) error {
	events, err := l.apply(rec)
	if err != nil {
		return err
	}
	for _, ev := range events {
		l.hub.publish(ev)
	}
	return nil
}

func (l *Ledger) apply(rec *feed.Record) ([]Event, error) {
	var added []Post
	if !rec.Undo && rec.Executed() {
		var err error
		if added, err = l.matchPosts(rec.Trace.MatchingActions); err != nil {
			return nil, fmt.Errorf("block %d trx %s: %w", rec.Block.Num, rec.Trace.ID, err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var events []Event

	switch {
	case rec.Undo:
		if index, ok := l.blocks[rec.Block.Num]; ok {
			// Undos arrive newest block first, so index is normally within
			// the ledger; a stale entry past the tip truncates nothing.
			index = min(index, len(l.posts))
			removed := len(l.posts) - index
			delete(l.blocks, rec.Block.Num)
			l.posts = l.posts[:index:index]
			events = append(events, l.eventLocked(EventUndo, index, Post{}))
			l.logger.Info("undo block",
				zap.Int64("block", rec.Block.Num),
				zap.Int("index", index),
				zap.Int("removed", removed),
			)
			if l.onMetrics != nil {
				l.onMetrics.RecordUndo(removed)
			}
		}
	case rec.Executed():
		if _, ok := l.blocks[rec.Block.Num]; !ok {
			l.blocks[rec.Block.Num] = len(l.posts)
		}
		for _, p := range added {
			l.posts = append(l.posts, p)
			events = append(events, l.eventLocked(EventAddPost, len(l.posts)-1, p))
		}
	}

	if rec.IrreversibleBlockNum > l.irreversibleBlock {
		l.irreversibleBlock = rec.IrreversibleBlockNum
		if index, ok := l.blocks[l.irreversibleBlock]; ok {
			l.irreversiblePost = index
			l.haveIrreversible = true
			events = append(events, l.eventLocked(EventAdvancedIrreversible, index, Post{}))
		}
	}

	if l.onMetrics != nil {
		l.onMetrics.SetPosts(len(l.posts))
		l.onMetrics.SetIrreversiblePost(l.irreversiblePost)
	}
	return events, nil
}

// matchPosts decodes the posts produced by the watched contract's createpost
// actions, in execution order.
func (l *Ledger) matchPosts(actions []feed.Action) ([]Post, error) {
	var out []Post
	for i := range actions {
		a := &actions[i]
		if a.Account != l.cfg.Account || a.Receiver != l.cfg.Receiver || a.Name != CreatePostAction || !a.HasPayload() {
			continue
		}
		var payload struct {
			Post *Post `json:"post"`
		}
		if err := json.Unmarshal(a.JSON, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if payload.Post == nil {
			return nil, fmt.Errorf("%w: missing post", ErrInvalidPayload)
		}
		out = append(out, *payload.Post)
	}
	return out, nil
}

func (l *Ledger) eventLocked(kind EventKind, index int, p Post) Event {
	return Event{
		Kind:            kind,
		Index:           index,
		Post:            p,
		NumAvailable:    len(l.posts),
		NumIrreversible: l.irreversiblePost,
	}
}

// Status returns the current ledger counts.
func (l *Ledger) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Status{NumAvailable: len(l.posts), NumIrreversible: l.irreversiblePost}
}

// Read returns up to max(count, MinReadCount) posts adjacent to anchor in the
// given direction, in traversal order, along with the counts at read time.
// The walk stops at the first index outside the ledger.
func (l *Ledger) Read(dir Direction, anchor, count int) (Status, []IndexedPost) {
	count = max(count, MinReadCount)

	l.mu.RLock()
	defer l.mu.RUnlock()

	st := Status{NumAvailable: len(l.posts), NumIrreversible: l.irreversiblePost}

	step, i := -1, anchor-1
	if dir == After {
		step, i = 1, anchor+1
	}
	var out []IndexedPost
	for ; i >= 0 && i < len(l.posts) && count > 0; i, count = i+step, count-1 {
		out = append(out, IndexedPost{Index: i, Post: l.posts[i]})
	}
	return st, out
}

// State is a copy of the ledger's internal bookkeeping.
type State struct {
	Posts             []Post
	Blocks            map[int64]int
	IrreversibleBlock int64
	// IrreversiblePost is nil until an irreversible block maps to an index.
	IrreversiblePost  *int
}

// State returns a deep copy of the ledger state.
func (l *Ledger) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st := State{
		Posts:             append([]Post(nil), l.posts...),
		Blocks:            maps.Clone(l.blocks),
		IrreversibleBlock: l.irreversibleBlock,
	}
	if l.haveIrreversible {
		idx := l.irreversiblePost
		st.IrreversiblePost = &idx
	}
	return st
}
