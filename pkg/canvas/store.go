package canvas

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// allocationRetries bounds how many times an optimistic store transaction
// (evolved-version insert, selection update, soft delete) will re-run after
// losing its WATCH race.
const allocationRetries = 3

// Store provides instance-scoped Redis operations for the canvas store.
// All keys and channels are automatically namespaced with the instance name.
// The store is thread-safe and can be used concurrently from multiple goroutines.
type Store struct {
	rdb          *redis.Client
	instanceName string
}

// NewStore creates a new canvas store client for the specified instance.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - instanceName: Easel instance identifier (must not be empty)
//
// Returns an error if instanceName is empty.
func NewStore(redisOpts *redis.Options, instanceName string) (*Store, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Store{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// Close closes the Redis connection. Implements io.Closer.
// After calling Close(), the store should not be used.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// InstanceName returns the instance this store is namespaced to.
func (s *Store) InstanceName() string {
	return s.instanceName
}

// InsertFirstVersion persists version 1 of a brand-new canvas, marks it
// selected and indexes the canvas under its conversation. The canvas comes
// into existence with this write; there is no separate canvas row.
//
// Publishes the full version JSON to easel:{instance}:version_events after
// a successful write.
func (s *Store) InsertFirstVersion(ctx context.Context, v *Version) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("invalid version: %w", err)
	}
	if v.Number != 1 {
		return fmt.Errorf("first version must be number 1, got %d", v.Number)
	}

	hash, err := VersionToHash(v)
	if err != nil {
		return fmt.Errorf("failed to serialize version: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, VersionKey(s.instanceName, v.ID), hash)
		pipe.ZAdd(ctx, ThreadKey(s.instanceName, v.CanvasID), redis.Z{
			Score:  ThreadScore(v.Number),
			Member: v.ID,
		})
		pipe.Set(ctx, SelectedKey(s.instanceName, v.CanvasID), v.ID, 0)
		if v.ConversationID != "" {
			pipe.SAdd(ctx, ConversationCanvasesKey(s.instanceName, v.ConversationID), v.CanvasID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write first version to Redis: %w", err)
	}

	v.Selected = true
	s.publishVersionEvent(ctx, v)
	return nil
}

// InsertEvolvedVersion allocates the next version number for the canvas and
// persists the evolved version, marking it selected. The read-max-then-insert
// runs inside a WATCH transaction on the canvas's thread key, so concurrent
// evolutions of the same canvas are serialized: exactly one transaction
// commits per number and losers re-run against the new maximum.
//
// This is the single most important correctness guarantee in the store -
// the allocated number only commits together with the version insert, so the
// completed numbers of a canvas are always the contiguous range 1..N.
//
// v.Number is assigned by this method. Returns ErrDuplicateContent (wrapped)
// when an identical (parent, evolution type, prompt) evolution already holds
// the fingerprint, and ErrAllocationRace (wrapped) if the retry budget is
// exhausted.
func (s *Store) InsertEvolvedVersion(ctx context.Context, v *Version) error {
	if v.ParentVersionID == "" {
		return fmt.Errorf("evolved version requires a parent version ID")
	}

	threadKey := ThreadKey(s.instanceName, v.CanvasID)
	indexKey := EvolutionIndexKey(s.instanceName, v.CanvasID)
	fingerprint := EvolutionFingerprint(v.ParentVersionID, v.EvolutionType, v.Prompt)

	for attempt := 0; attempt < allocationRetries; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			results, err := tx.ZRevRangeWithScores(ctx, threadKey, 0, 0).Result()
			if err != nil {
				return fmt.Errorf("failed to read thread maximum: %w", err)
			}
			if len(results) == 0 {
				return fmt.Errorf("canvas %s has no versions: %w", v.CanvasID, ErrNotFound)
			}

			// The index key is watched, so this check is serialized against
			// a concurrent identical insert: whoever commits first owns the
			// fingerprint, the loser re-runs and hits it here.
			existingID, err := tx.HGet(ctx, indexKey, fingerprint).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("failed to read evolution index: %w", err)
			}
			if existingID != "" {
				state, err := tx.HGet(ctx, VersionKey(s.instanceName, existingID), "state").Result()
				if err != nil && !errors.Is(err, redis.Nil) {
					return fmt.Errorf("failed to read existing evolution state: %w", err)
				}
				// A fingerprint pointing at a deleted version is stale and
				// may be overwritten.
				if state != "" && LifecycleState(state) != StateDeleted {
					return fmt.Errorf("version %s: %w", existingID, ErrDuplicateContent)
				}
			}

			v.Number = NumberFromScore(results[0].Score) + 1
			if err := v.Validate(); err != nil {
				return fmt.Errorf("invalid version: %w", err)
			}

			hash, err := VersionToHash(v)
			if err != nil {
				return fmt.Errorf("failed to serialize version: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, VersionKey(s.instanceName, v.ID), hash)
				pipe.ZAdd(ctx, threadKey, redis.Z{
					Score:  ThreadScore(v.Number),
					Member: v.ID,
				})
				pipe.Set(ctx, SelectedKey(s.instanceName, v.CanvasID), v.ID, 0)
				pipe.HSet(ctx, indexKey, fingerprint, v.ID)
				return nil
			})
			return err
		}, threadKey, indexKey)

		if err == nil {
			v.Selected = true
			s.publishVersionEvent(ctx, v)
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			// Lost the race to a concurrent evolution - re-read the maximum.
			continue
		}
		return err
	}

	return fmt.Errorf("canvas %s after %d attempts: %w", v.CanvasID, allocationRetries, ErrAllocationRace)
}

// GetVersion retrieves a version by ID and fills in its Selected flag from
// the canvas's selection pointer.
// Returns ErrNotFound (wrapped) if the version doesn't exist.
func (s *Store) GetVersion(ctx context.Context, versionID string) (*Version, error) {
	hashData, err := s.rdb.HGetAll(ctx, VersionKey(s.instanceName, versionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read version from Redis: %w", err)
	}

	// HGetAll returns an empty map for non-existent keys.
	if len(hashData) == 0 {
		return nil, fmt.Errorf("version %s: %w", versionID, ErrNotFound)
	}

	version, err := HashToVersion(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize version: %w", err)
	}

	selected, err := s.selectedVersionID(ctx, version.CanvasID)
	if err != nil {
		return nil, err
	}
	version.Selected = selected == version.ID

	return version, nil
}

// CanvasExists checks whether a canvas has any versions at all.
func (s *Store) CanvasExists(ctx context.Context, canvasID string) (bool, error) {
	count, err := s.rdb.ZCard(ctx, ThreadKey(s.instanceName, canvasID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check canvas existence: %w", err)
	}
	return count > 0, nil
}

// LatestNumber retrieves the version ID and number of the highest version in
// a canvas. Returns ErrNotFound (wrapped) if the canvas doesn't exist.
func (s *Store) LatestNumber(ctx context.Context, canvasID string) (versionID string, number int, err error) {
	results, err := s.rdb.ZRevRangeWithScores(ctx, ThreadKey(s.instanceName, canvasID), 0, 0).Result()
	if err != nil {
		return "", 0, fmt.Errorf("failed to read latest version: %w", err)
	}
	if len(results) == 0 {
		return "", 0, fmt.Errorf("canvas %s: %w", canvasID, ErrNotFound)
	}

	return results[0].Member.(string), NumberFromScore(results[0].Score), nil
}

// History returns every version of a canvas ascending by version number.
// The read is finite, restartable and performs no mutation.
// Returns ErrNotFound (wrapped) if the canvas doesn't exist.
func (s *Store) History(ctx context.Context, canvasID string) ([]*Version, error) {
	members, err := s.rdb.ZRangeWithScores(ctx, ThreadKey(s.instanceName, canvasID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read version thread: %w", err)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("canvas %s: %w", canvasID, ErrNotFound)
	}

	selected, err := s.selectedVersionID(ctx, canvasID)
	if err != nil {
		return nil, err
	}

	versions := make([]*Version, 0, len(members))
	for _, member := range members {
		versionID := member.Member.(string)
		hashData, err := s.rdb.HGetAll(ctx, VersionKey(s.instanceName, versionID)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read version %s: %w", versionID, err)
		}
		if len(hashData) == 0 {
			return nil, fmt.Errorf("thread references missing version %s: %w", versionID, ErrNotFound)
		}
		version, err := HashToVersion(hashData)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize version %s: %w", versionID, err)
		}
		version.Selected = version.ID == selected
		versions = append(versions, version)
	}

	return versions, nil
}

// SelectVersion atomically makes the target version the canvas's selected
// version, implicitly unselecting every sibling. The target must exist,
// belong to the canvas and not be deleted. Contention with concurrent
// selection updates is retried; exhaustion surfaces as ErrAllocationRace
// (wrapped), never as a raw transaction error.
func (s *Store) SelectVersion(ctx context.Context, canvasID, versionID string) error {
	versionKey := VersionKey(s.instanceName, versionID)
	selectedKey := SelectedKey(s.instanceName, canvasID)

	for attempt := 0; attempt < allocationRetries; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			fields, err := tx.HMGet(ctx, versionKey, "canvas_id", "state").Result()
			if err != nil {
				return fmt.Errorf("failed to read version: %w", err)
			}
			owner, _ := fields[0].(string)
			state, _ := fields[1].(string)
			if owner == "" {
				return fmt.Errorf("version %s: %w", versionID, ErrNotFound)
			}
			if owner != canvasID {
				return fmt.Errorf("version %s does not belong to canvas %s: %w", versionID, canvasID, ErrNotFound)
			}
			if LifecycleState(state) == StateDeleted {
				return fmt.Errorf("version %s is deleted: %w", versionID, ErrNotFound)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, selectedKey, versionID, 0)
				return nil
			})
			return err
		}, versionKey, selectedKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}

	return fmt.Errorf("selection update for canvas %s after %d attempts: %w", canvasID, allocationRetries, ErrAllocationRace)
}

// SoftDeleteVersion marks a version deleted. The row survives as tombstone
// history and keeps its number in the thread. If the deleted version was
// selected, the most recently created remaining non-deleted version is
// selected instead; if none remains, the canvas is left with no selection.
// Deleting an already-deleted version is a no-op.
//
// Every candidate considered for re-selection is added to the WATCH set
// before its state is read, so a concurrent delete of the chosen replacement
// aborts this transaction instead of leaving the selection pointer on a
// tombstone. Contention is retried; exhaustion surfaces as ErrAllocationRace
// (wrapped).
func (s *Store) SoftDeleteVersion(ctx context.Context, canvasID, versionID string) error {
	versionKey := VersionKey(s.instanceName, versionID)
	selectedKey := SelectedKey(s.instanceName, canvasID)
	threadKey := ThreadKey(s.instanceName, canvasID)

	for attempt := 0; attempt < allocationRetries; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			fields, err := tx.HMGet(ctx, versionKey, "canvas_id", "state").Result()
			if err != nil {
				return fmt.Errorf("failed to read version: %w", err)
			}
			owner, _ := fields[0].(string)
			state, _ := fields[1].(string)
			if owner == "" {
				return fmt.Errorf("version %s: %w", versionID, ErrNotFound)
			}
			if owner != canvasID {
				return fmt.Errorf("version %s does not belong to canvas %s: %w", versionID, canvasID, ErrNotFound)
			}
			if LifecycleState(state) == StateDeleted {
				return nil
			}

			selected, err := tx.Get(ctx, selectedKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("failed to read selection pointer: %w", err)
			}

			// When the selected version is deleted, re-select the newest
			// remaining non-deleted version.
			replacement := ""
			if selected == versionID {
				members, err := tx.ZRevRange(ctx, threadKey, 0, -1).Result()
				if err != nil {
					return fmt.Errorf("failed to read version thread: %w", err)
				}
				for _, candidate := range members {
					if candidate == versionID {
						continue
					}
					candidateKey := VersionKey(s.instanceName, candidate)
					if err := tx.Watch(ctx, candidateKey).Err(); err != nil {
						return fmt.Errorf("failed to watch candidate version: %w", err)
					}
					candidateState, err := tx.HGet(ctx, candidateKey, "state").Result()
					if err != nil {
						return fmt.Errorf("failed to read candidate state: %w", err)
					}
					if LifecycleState(candidateState) != StateDeleted {
						replacement = candidate
						break
					}
				}
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, versionKey, "state", string(StateDeleted))
				if selected == versionID {
					if replacement != "" {
						pipe.Set(ctx, selectedKey, replacement, 0)
					} else {
						pipe.Del(ctx, selectedKey)
					}
				}
				return nil
			})
			return err
		}, versionKey, selectedKey, threadKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}

	return fmt.Errorf("soft delete of version %s after %d attempts: %w", versionID, allocationRetries, ErrAllocationRace)
}

// EvolutionFingerprint produces the content-dedup fingerprint of an
// evolution request: identical (parent, evolution type, prompt) triples
// always collapse onto the same fingerprint.
func EvolutionFingerprint(parentVersionID string, evolutionType EvolutionType, prompt string) string {
	sum := sha256.Sum256([]byte(parentVersionID + "|" + string(evolutionType) + "|" + prompt))
	return hex.EncodeToString(sum[:])
}

// FindEvolutionByContent looks up a non-deleted version with identical
// (parent, evolution type, prompt) content. Returns ErrNotFound (wrapped)
// when no live match exists.
func (s *Store) FindEvolutionByContent(ctx context.Context, canvasID, parentVersionID string, evolutionType EvolutionType, prompt string) (*Version, error) {
	fingerprint := EvolutionFingerprint(parentVersionID, evolutionType, prompt)

	versionID, err := s.rdb.HGet(ctx, EvolutionIndexKey(s.instanceName, canvasID), fingerprint).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("no matching evolution: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read evolution index: %w", err)
	}

	version, err := s.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if version.State == StateDeleted {
		return nil, fmt.Errorf("matching evolution %s is deleted: %w", versionID, ErrNotFound)
	}

	return version, nil
}

// CanvasesForConversation returns the IDs of all canvases created within a
// conversation. Returns an empty slice if the conversation has none.
func (s *Store) CanvasesForConversation(ctx context.Context, conversationID string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, ConversationCanvasesKey(s.instanceName, conversationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation index: %w", err)
	}
	return ids, nil
}

// BeginPending atomically claims the pending marker for an idempotency key.
// Returns true if this caller won the claim and may execute side effects.
// Returns false if a result is already recorded or another caller holds the
// pending marker. The marker carries a lease TTL so a crash between start
// and record/cancel can never block the key past the lease.
func (s *Store) BeginPending(ctx context.Context, key string, lease time.Duration) (bool, error) {
	resultKey := IdempotencyResultKey(s.instanceName, key)
	pendingKey := IdempotencyPendingKey(s.instanceName, key)

	exists, err := s.rdb.Exists(ctx, resultKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check recorded result: %w", err)
	}
	if exists > 0 {
		return false, nil
	}

	ok, err := s.rdb.SetNX(ctx, pendingKey, "1", lease).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim pending marker: %w", err)
	}
	if !ok {
		return false, nil
	}

	// A result may have been recorded between the existence check and the
	// claim; release the marker rather than re-executing side effects.
	exists, err = s.rdb.Exists(ctx, resultKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to re-check recorded result: %w", err)
	}
	if exists > 0 {
		s.rdb.Del(ctx, pendingKey)
		return false, nil
	}

	return true, nil
}

// RecordResult stores the result payload for an idempotency key with the
// given TTL and clears the pending marker in the same transaction.
func (s *Store) RecordResult(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, IdempotencyResultKey(s.instanceName, key), payload, ttl)
		pipe.Del(ctx, IdempotencyPendingKey(s.instanceName, key))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record idempotency result: %w", err)
	}
	return nil
}

// ClearPending releases the pending marker without recording a result, so a
// future retry is not blocked after an aborted operation.
func (s *Store) ClearPending(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, IdempotencyPendingKey(s.instanceName, key)).Err(); err != nil {
		return fmt.Errorf("failed to clear pending marker: %w", err)
	}
	return nil
}

// LookupResult returns the recorded result payload for an idempotency key.
// Returns ErrNotFound (wrapped) if no unexpired result exists.
func (s *Store) LookupResult(ctx context.Context, key string) ([]byte, error) {
	payload, err := s.rdb.Get(ctx, IdempotencyResultKey(s.instanceName, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("idempotency key %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency result: %w", err)
	}
	return payload, nil
}

// publishVersionEvent publishes the full version JSON to the instance's
// version events channel. Publish failures are deliberately swallowed: the
// write already committed and subscribers reconcile via full reads.
func (s *Store) publishVersionEvent(ctx context.Context, v *Version) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.rdb.Publish(ctx, VersionEventsChannel(s.instanceName), payload)
}

// Subscription represents an active Pub/Sub subscription to version events.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	events <-chan *Version
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of version events.
// The channel is closed when the subscription is closed or the context is cancelled.
func (s *Subscription) Events() <-chan *Version {
	return s.events
}

// Errors returns the channel of subscription errors.
// Errors include JSON unmarshaling failures and other non-fatal issues.
// The subscription continues after errors - messages are skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeVersionEvents subscribes to version creation events for this
// instance. Events are delivered on a buffered channel (size 10); Redis
// Pub/Sub is at-most-once, so slow subscribers may miss events and must
// reconcile with History.
func (s *Store) SubscribeVersionEvents(ctx context.Context) (*Subscription, error) {
	pubsub := s.rdb.Subscribe(ctx, VersionEventsChannel(s.instanceName))

	eventsChan := make(chan *Version, 10)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var version Version
				if err := json.Unmarshal([]byte(msg.Payload), &version); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal version event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &version:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// selectedVersionID returns the canvas's selection pointer, or "" when no
// version is selected.
func (s *Store) selectedVersionID(ctx context.Context, canvasID string) (string, error) {
	selected, err := s.rdb.Get(ctx, SelectedKey(s.instanceName, canvasID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read selection pointer: %w", err)
	}
	return selected, nil
}
