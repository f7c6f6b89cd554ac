package delivery

import "github.com/jmerrifield20/freetalk/internal/posts"

// ClientMessage is a pagination request. Exactly one of RequestBeforeIndex
// and RequestAfterIndex is expected; if both are set the before index wins.
type ClientMessage struct {
	RequestBeforeIndex *int `json:"requestBeforeIndex"`
	RequestAfterIndex  *int `json:"requestAfterIndex"`
	RequestCount       *int `json:"requestCount"`
}

// ServerMessage is the only outbound message shape. Unset fields are sent as
// JSON null.
type ServerMessage struct {
	NumAvailable    *int        `json:"numAvailable"`
	NumIrreversible *int        `json:"numIrreversible"`
	ThisIndex       *int        `json:"thisIndex"`
	ThisPost        *posts.Post `json:"thisPost"`
	EndRequest      bool        `json:"endRequest"`
}

func intPtr(v int) *int { return &v }

// statusMessage carries only the ledger counts.
func statusMessage(st posts.Status) ServerMessage {
	return ServerMessage{
		NumAvailable:    intPtr(st.NumAvailable),
		NumIrreversible: intPtr(st.NumIrreversible),
	}
}

// postMessage carries the counts and one post.
func postMessage(st posts.Status, index int, p posts.Post) ServerMessage {
	m := statusMessage(st)
	m.ThisIndex = intPtr(index)
	m.ThisPost = &p
	return m
}

// endRequestMessage terminates a pagination response.
func endRequestMessage() ServerMessage {
	return ServerMessage{EndRequest: true}
}

// eventMessage translates a ledger event into its wire form.
func eventMessage(ev posts.Event) ServerMessage {
	st := posts.Status{NumAvailable: ev.NumAvailable, NumIrreversible: ev.NumIrreversible}
	switch ev.Kind {
	case posts.EventUndo:
		return ServerMessage{NumAvailable: intPtr(ev.Index)}
	case posts.EventAddPost:
		return postMessage(st, ev.Index, ev.Post)
	default:
		return statusMessage(st)
	}
}
