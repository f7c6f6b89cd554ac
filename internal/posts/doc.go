// Package posts folds feed records into the append-only post ledger served to
// clients.
//
// The Ledger tracks, for every block that contributed posts, the ledger length
// at the moment the block was first seen. An undo record for a tracked block
// truncates the ledger back to that length. Irreversibility is tracked as the
// highest irreversible block number reported by the feed, and the post index
// mapped to it once that block is known to the ledger.
//
// Mutations are published through a Hub to subscribed connections. Each
// subscription holds at most one undelivered event; events published while a
// subscription is still draining its previous event are dropped for that
// subscription and it is flagged to reconcile from a fresh status snapshot.
package posts
