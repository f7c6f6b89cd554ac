package feed

import "encoding/json"

// TraceStatusExecuted is the only trace status whose actions are folded into
// the ledger.
const TraceStatusExecuted = "EXECUTED"

// Record is one searchTransactionsForward result. The JSON field names match
// the remote feed and the on-disk checkpoint, so a Record round-trips through
// both unchanged.
type Record struct {
	Undo                 bool   `json:"undo"`
	Cursor               string `json:"cursor"`
	IrreversibleBlockNum int64  `json:"irreversibleBlockNum"`
	Block                Block  `json:"block"`
	Trace                *Trace `json:"trace"`
}

// Block identifies the block a record was produced in.
type Block struct {
	Num       int64  `json:"num"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Previous  string `json:"previous"`
}

// Trace is the transaction trace attached to a record. Nil for live markers.
type Trace struct {
	ID              string   `json:"id"`
	Status          string   `json:"status"`
	MatchingActions []Action `json:"matchingActions"`
}

// Action is a single matching action, in on-chain execution order.
type Action struct {
	Seq      json.Number     `json:"seq"`
	Receiver string          `json:"receiver"`
	Account  string          `json:"account"`
	Name     string          `json:"name"`
	JSON     json.RawMessage `json:"json"`
}

// HasTrace reports whether the record carries a transaction trace.
func (r *Record) HasTrace() bool {
	return r.Trace != nil
}

// Executed reports whether the record's transaction executed successfully.
func (r *Record) Executed() bool {
	return r.Trace != nil && r.Trace.Status == TraceStatusExecuted
}

// HasPayload reports whether the action carries a decoded payload.
func (a *Action) HasPayload() bool {
	return len(a.JSON) > 0 && string(a.JSON) != "null"
}
