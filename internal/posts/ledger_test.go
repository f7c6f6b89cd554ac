package posts_test

import (
	"fmt"
	"testing"

	"github.com/jmerrifield20/freetalk/internal/feed"
	"github.com/jmerrifield20/freetalk/internal/posts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const talk = "talk.edev"

func newLedger(t *testing.T) *posts.Ledger {
	t.Helper()
	return posts.New(posts.Config{Account: talk, Receiver: talk}, zaptest.NewLogger(t))
}

func createPost(user, message string) feed.Action {
	return feed.Action{
		Seq:      "1",
		Receiver: talk,
		Account:  talk,
		Name:     posts.CreatePostAction,
		JSON:     []byte(fmt.Sprintf(`{"post":{"user":%q,"message":%q},"signature":"SIG_K1_x"}`, user, message)),
	}
}

func postRecord(block int64, actions ...feed.Action) *feed.Record {
	return &feed.Record{
		Cursor: fmt.Sprintf("cursor-%d", block),
		Block:  feed.Block{Num: block},
		Trace: &feed.Trace{
			ID:              fmt.Sprintf("trx-%d", block),
			Status:          feed.TraceStatusExecuted,
			MatchingActions: actions,
		},
	}
}

func undoRecord(block int64) *feed.Record {
	return &feed.Record{Undo: true, Cursor: fmt.Sprintf("undo-%d", block), Block: feed.Block{Num: block}}
}

func markerRecord(block, irreversible int64) *feed.Record {
	return &feed.Record{Cursor: fmt.Sprintf("marker-%d", block), Block: feed.Block{Num: block}, IrreversibleBlockNum: irreversible}
}

// drain collects one event if one is pending and rearms the subscription.
func drain(t *testing.T, sub *posts.Subscription) (posts.Event, bool) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		_, ok := sub.Rearm()
		require.True(t, ok)
		return ev, true
	default:
		return posts.Event{}, false
	}
}

func TestApply_createPostAppends(t *testing.T) {
	l := newLedger(t)

	require.NoError(t, l.Apply(postRecord(10, createPost("alice", "hello"), createPost("bob", "hi"))))

	st := l.State()
	require.Len(t, st.Posts, 2)
	assert.Equal(t, posts.Post{User: "alice", Message: "hello"}, st.Posts[0])
	assert.Equal(t, posts.Post{User: "bob", Message: "hi"}, st.Posts[1])
	assert.Equal(t, map[int64]int{10: 0}, st.Blocks)
}

func TestApply_ignoresForeignAndNonExecutedActions(t *testing.T) {
	l := newLedger(t)

	foreignAccount := createPost("mallory", "spoof")
	foreignAccount.Account = "evil.acct"
	foreignReceiver := createPost("mallory", "spoof")
	foreignReceiver.Receiver = "evil.acct"
	otherAction := createPost("alice", "x")
	otherAction.Name = "deletepost"
	noPayload := createPost("alice", "x")
	noPayload.JSON = nil

	require.NoError(t, l.Apply(postRecord(5, foreignAccount, foreignReceiver, otherAction, noPayload)))

	failed := postRecord(6, createPost("alice", "never"))
	failed.Trace.Status = "SOFT_FAIL"
	require.NoError(t, l.Apply(failed))

	st := l.State()
	assert.Empty(t, st.Posts)
	assert.Equal(t, map[int64]int{5: 0}, st.Blocks, "executed block is tracked even without posts")
}

func TestApply_invalidPayloadLeavesLedgerUnchanged(t *testing.T) {
	l := newLedger(t)
	require.NoError(t, l.Apply(postRecord(10, createPost("alice", "a"))))
	sub := l.Subscribe("c1")

	bad := createPost("bob", "b")
	bad.JSON = []byte(`{"signature":"x"}`)
	err := l.Apply(postRecord(11, createPost("carol", "c"), bad))
	require.ErrorIs(t, err, posts.ErrInvalidPayload)

	st := l.State()
	assert.Len(t, st.Posts, 1)
	assert.NotContains(t, st.Blocks, int64(11))
	_, got := drain(t, sub)
	assert.False(t, got, "no event for a rejected record")
}

func TestApply_undoScenario(t *testing.T) {
	l := newLedger(t)
	sub := l.Subscribe("c1")

	require.NoError(t, l.Apply(postRecord(10, createPost("alice", "hello"))))
	ev, ok := drain(t, sub)
	require.True(t, ok)
	assert.Equal(t, posts.EventAddPost, ev.Kind)
	assert.Equal(t, 0, ev.Index)
	assert.Equal(t, 1, ev.NumAvailable)

	require.NoError(t, l.Apply(undoRecord(10)))
	ev, ok = drain(t, sub)
	require.True(t, ok)
	assert.Equal(t, posts.EventUndo, ev.Kind)
	assert.Equal(t, 0, ev.Index)

	_, ok = drain(t, sub)
	assert.False(t, ok, "exactly one undo event")

	st := l.State()
	assert.Empty(t, st.Posts)
	assert.NotContains(t, st.Blocks, int64(10))
}

func TestApply_undoTruncatesToBlockIndex(t *testing.T) {
	l := newLedger(t)
	require.NoError(t, l.Apply(postRecord(10, createPost("a", "1"), createPost("b", "2"))))
	require.NoError(t, l.Apply(postRecord(11, createPost("c", "3"))))
	require.NoError(t, l.Apply(postRecord(12, createPost("d", "4"), createPost("e", "5"))))

	before := len(l.State().Posts)
	require.NoError(t, l.Apply(undoRecord(11)))

	st := l.State()
	assert.Len(t, st.Posts, 2)
	assert.Equal(t, before-3, len(st.Posts))
	assert.NotContains(t, st.Blocks, int64(11))

	// Block 12 still maps past the truncation point and is reused by
	// subsequent undo records as-is.
	require.NoError(t, l.Apply(undoRecord(12)))
	assert.Len(t, l.State().Posts, 2)
}

func TestApply_undoUntrackedBlockIsNoop(t *testing.T) {
	l := newLedger(t)
	require.NoError(t, l.Apply(postRecord(10, createPost("a", "1"))))
	sub := l.Subscribe("c1")

	require.NoError(t, l.Apply(undoRecord(99)))
	require.NoError(t, l.Apply(undoRecord(10)))
	require.NoError(t, l.Apply(undoRecord(10)))

	assert.Empty(t, l.State().Posts)
	_, ok := drain(t, sub)
	assert.True(t, ok)
	_, ok = drain(t, sub)
	assert.False(t, ok, "second undo of the same block publishes nothing")
}

func TestApply_postsAfterUndoReuseIndices(t *testing.T) {
	l := newLedger(t)
	require.NoError(t, l.Apply(postRecord(10, createPost("a", "1"))))
	require.NoError(t, l.Apply(undoRecord(10)))
	require.NoError(t, l.Apply(postRecord(10, createPost("b", "2"))))

	st := l.State()
	require.Len(t, st.Posts, 1)
	assert.Equal(t, "b", st.Posts[0].User)
	assert.Equal(t, 0, st.Blocks[10])
}

func TestApply_irreversibilityScenario(t *testing.T) {
	l := newLedger(t)
	sub := l.Subscribe("c1")

	require.NoError(t, l.Apply(postRecord(10, createPost("alice", "hello"))))
	_, _ = drain(t, sub)

	require.NoError(t, l.Apply(markerRecord(11, 10)))
	ev, ok := drain(t, sub)
	require.True(t, ok)
	assert.Equal(t, posts.EventAdvancedIrreversible, ev.Kind)
	_, ok = drain(t, sub)
	assert.False(t, ok, "exactly one irreversibility event")

	st := l.State()
	assert.Equal(t, int64(10), st.IrreversibleBlock)
	require.NotNil(t, st.IrreversiblePost)
	assert.Equal(t, 0, *st.IrreversiblePost)

	require.NoError(t, l.Apply(markerRecord(12, 9)))
	st = l.State()
	assert.Equal(t, int64(10), st.IrreversibleBlock, "irreversibility never moves backward")
	assert.Equal(t, 0, *st.IrreversiblePost)
	_, ok = drain(t, sub)
	assert.False(t, ok)
}

func TestApply_irreversibleUntrackedBlockDefersIndex(t *testing.T) {
	l := newLedger(t)
	require.NoError(t, l.Apply(postRecord(10, createPost("a", "1"))))
	require.NoError(t, l.Apply(postRecord(12, createPost("b", "2"))))

	require.NoError(t, l.Apply(markerRecord(13, 11)))
	st := l.State()
	assert.Equal(t, int64(11), st.IrreversibleBlock)
	assert.Nil(t, st.IrreversiblePost)

	require.NoError(t, l.Apply(markerRecord(14, 12)))
	st = l.State()
	require.NotNil(t, st.IrreversiblePost)
	assert.Equal(t, 1, *st.IrreversiblePost)
	assert.Equal(t, st.Blocks[st.IrreversibleBlock], *st.IrreversiblePost)
}

// sequence is a mixed workload of posts, undos and irreversibility markers.
func sequence() []*feed.Record {
	var recs []*feed.Record
	for b := int64(100); b < 140; b++ {
		switch {
		case b%7 == 0:
			recs = append(recs, undoRecord(b-1))
		case b%5 == 0:
			recs = append(recs, markerRecord(b, b-3))
		default:
			r := postRecord(b, createPost(fmt.Sprintf("u%d", b), "m"))
			r.IrreversibleBlockNum = b - 6
			if b%3 == 0 {
				r.Trace.MatchingActions = append(r.Trace.MatchingActions, createPost("extra", "m2"))
			}
			recs = append(recs, r)
		}
	}
	return recs
}

func TestApply_invariantsHoldAcrossSequence(t *testing.T) {
	l := newLedger(t)
	prevIrr := -1
	var prevBlock int64

	for _, rec := range sequence() {
		before := l.State()
		require.NoError(t, l.Apply(rec))
		after := l.State()

		if len(after.Posts) < len(before.Posts) {
			require.True(t, rec.Undo)
			idx, tracked := before.Blocks[rec.Block.Num]
			require.True(t, tracked)
			assert.Equal(t, len(before.Posts)-idx, len(before.Posts)-len(after.Posts))
		}

		assert.GreaterOrEqual(t, after.IrreversibleBlock, prevBlock)
		prevBlock = after.IrreversibleBlock
		if after.IrreversiblePost != nil {
			assert.GreaterOrEqual(t, *after.IrreversiblePost, prevIrr)
			prevIrr = *after.IrreversiblePost
			if idx, ok := after.Blocks[after.IrreversibleBlock]; ok {
				assert.Equal(t, idx, *after.IrreversiblePost)
			}
		}
	}
}

func TestApply_replayIsDeterministic(t *testing.T) {
	live := newLedger(t)
	for _, rec := range sequence() {
		require.NoError(t, live.Apply(rec))
	}

	replayed := newLedger(t)
	for _, rec := range sequence() {
		require.NoError(t, replayed.Apply(rec))
	}

	assert.Equal(t, live.State(), replayed.State())
}

func TestRead_beforeReturnsDescendingPage(t *testing.T) {
	l := newLedger(t)
	for b := int64(1); b <= 50; b++ {
		require.NoError(t, l.Apply(postRecord(b, createPost(fmt.Sprintf("u%d", b), "m"))))
	}

	st, page := l.Read(posts.Before, 30, 5)
	assert.Equal(t, 50, st.NumAvailable)
	require.Len(t, page, posts.MinReadCount, "count is coerced up to the minimum")
	for i, p := range page {
		assert.Equal(t, 29-i, p.Index)
		assert.Equal(t, fmt.Sprintf("u%d", 30-i), p.Post.User)
	}
}

func TestRead_boundsAndDirections(t *testing.T) {
	l := newLedger(t)
	for b := int64(1); b <= 25; b++ {
		require.NoError(t, l.Apply(postRecord(b, createPost(fmt.Sprintf("u%d", b), "m"))))
	}

	_, page := l.Read(posts.Before, 3, 100)
	require.Len(t, page, 3)
	assert.Equal(t, []int{2, 1, 0}, indices(page))

	_, page = l.Read(posts.After, 20, 0)
	assert.Equal(t, []int{21, 22, 23, 24}, indices(page))

	_, page = l.Read(posts.After, -1, 30)
	assert.Len(t, page, 25)
	assert.Equal(t, 0, page[0].Index)

	_, page = l.Read(posts.Before, 40, 30)
	assert.Empty(t, page, "walk stops at the first index outside the ledger")
}

func indices(page []posts.IndexedPost) []int {
	out := make([]int, len(page))
	for i, p := range page {
		out[i] = p.Index
	}
	return out
}
