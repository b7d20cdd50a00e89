// Package canvas provides type-safe Go definitions and Redis schema patterns
// for the Easel canvas store.
//
// # Overview
//
// The canvas store is the shared durable state system where all Easel
// components (daemon, CLI, tests) interact via well-defined data structures
// stored in Redis. A canvas is a logical grouping of generated-image
// versions; it has no row of its own and exists exactly as long as its
// version thread is non-empty.
//
// # Core Concepts
//
// Versions are immutable generation results. Every version records its
// prompt, the parent version it evolved from, the generated asset URLs and
// a lifecycle state. For a fixed canvas the version numbers of completed
// versions form the contiguous range 1..N with no gaps or duplicates,
// regardless of how concurrent evolution requests interleave. The store
// enforces this with a WATCH-based read-max-then-insert transaction on the
// canvas's version thread.
//
// Selection is a single pointer key per canvas, which makes the "at most
// one selected version among non-deleted versions" invariant structural
// rather than a cross-row contract.
//
// Idempotency records collapse retried requests onto a single executed
// result. A pending marker is written with SET NX and a lease TTL so that
// a crash between start and record can never block a key forever.
//
// # Multi-Instance Support
//
// All Redis keys and Pub/Sub channels are namespaced by instance name so
// multiple Easel instances can safely coexist on a single Redis server.
// Each instance has complete isolation of its data and events.
//
// # Redis Schema
//
// Versions:        easel:{instance}:version:{version_id}
// Version threads: easel:{instance}:canvas:{canvas_id}:versions (ZSET, score = version number)
// Selection:       easel:{instance}:canvas:{canvas_id}:selected
// Evolution index: easel:{instance}:canvas:{canvas_id}:evolutions
// Conversations:   easel:{instance}:conversation:{conversation_id}:canvases
// Idempotency:     easel:{instance}:idem:{key} and easel:{instance}:idem:{key}:pending
//
// Pub/Sub channels: easel:{instance}:version_events
//
// # Design Principles
//
//   - Type Safety: all data structures have strong typing with validation methods
//   - Immutability: versions are never rewritten once completed (soft delete
//     only flips the lifecycle state)
//   - Atomicity: version numbering, selection swaps and idempotency starts
//     are single atomic Redis operations or optimistic transactions
//   - Isolation: instance namespacing prevents cross-instance interference
package canvas
