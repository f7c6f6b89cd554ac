package posts

// Post is a single ledger entry. Posts are never modified once appended.
type Post struct {
	User    string `json:"user"`
	Message string `json:"message"`
}

// EventKind identifies a ledger mutation.
type EventKind int

const (
	// EventUndo reports that the ledger was truncated to Index posts.
	EventUndo EventKind = iota
	// EventAddPost reports that Post was appended at Index.
	EventAddPost
	// EventAdvancedIrreversible reports a new irreversible post index.
	EventAdvancedIrreversible
)

func (k EventKind) String() string {
	switch k {
	case EventUndo:
		return "undo"
	case EventAddPost:
		return "add_post"
	case EventAdvancedIrreversible:
		return "advanced_irreversible"
	default:
		return "unknown"
	}
}

// Event is a ledger mutation as seen by subscribers. NumAvailable and
// NumIrreversible are the ledger counts immediately after the mutation.
type Event struct {
	Kind            EventKind
	Index           int
	Post            Post
	NumAvailable    int
	NumIrreversible int
}

// Status is a point-in-time view of the ledger counts.
type Status struct {
	NumAvailable    int
	NumIrreversible int
}

// IndexedPost pairs a post with its ledger position.
type IndexedPost struct {
	Index int  `json:"index"`
	Post  Post `json:"post"`
}
