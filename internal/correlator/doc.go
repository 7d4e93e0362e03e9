// Package correlator decides which session key a call-ending delivery belongs
// to, and answers client polls against the store.
//
// The call platform does not echo the browser's session key by itself, so one
// of three strategies is configured per process:
//
//	explicit      the key travels as a dynamic variable on the call and comes
//	              back in the delivery; deterministic
//	conversation  results are stored under the call's conversation id and the
//	              client polls with the conversation id it learned from the
//	              widget; the first such poll also binds its session key
//	recency       deliveries wait in an unclaimed pool and the next poll claims
//	              the most recent one inside a short window
//
// # Contract
//
// Attach stores exactly one record per delivery and reports the key it was
// bound to ("" for recency, which binds on poll). Resolve never blocks beyond a
// store round-trip and is idempotent once a record is bound.
//
// # Limitations
//
// Recency matching is only correct with a single call in flight. When more than
// one unclaimed record falls in the window the most recent wins, a warning is
// logged and Resolution.Ambiguous reports how many were passed over.
package correlator
