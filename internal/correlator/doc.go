// Package correlator pairs request and response events by flow id and
// produces CompletedFlow records.
//
// # Contract
//
// Each flow id moves through ABSENT → PENDING → COMPLETED (removed):
//  1. OnRequest assigns a fresh uuid, stores a PendingRequest and returns the id
//  2. OnResponse removes the pending entry and returns the merged flow
//  3. A response for an absent id returns ErrCorrelationMiss, so a second
//     response for the same id is always a miss
//
// # Bounds
//
// The pending set is capped by Capacity (oldest entry evicted on overflow) and
// by TTL (Sweep, driven by Run). Drain empties it at shutdown. Every eviction
// increments the evicted counter, logs a "response missing" warning and calls
// OnEvict outside the lock.
//
// # Constructor
//
//	func New(opts Options, l logger.Logger) *Correlator
//	func (c *Correlator) Run(ctx context.Context) // blocking
//	func (c *Correlator) Drain() []model.PendingRequest
package correlator
