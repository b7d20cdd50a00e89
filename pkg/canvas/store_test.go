package canvas

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a test store connected to a miniredis instance
func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	err := mr.Start()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, err := NewStore(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store, mr
}

// insertTestCanvas writes version 1 of a fresh canvas and returns it.
func insertTestCanvas(t *testing.T, store *Store, prompt string) *Version {
	t.Helper()
	v := validTestVersion()
	v.Prompt = prompt
	require.NoError(t, store.InsertFirstVersion(context.Background(), v))
	return v
}

// evolvedFrom builds an unnumbered evolved version ready for insertion.
func evolvedFrom(parent *Version, evolutionType EvolutionType, prompt string) *Version {
	return &Version{
		ID:              uuid.New().String(),
		CanvasID:        parent.CanvasID,
		Prompt:          prompt,
		CompositePrompt: CompositePrompt(evolutionType, parent.Prompt, prompt),
		EvolutionType:   evolutionType,
		ParentVersionID: parent.ID,
		Assets:          []string{"https://assets.example/evolved.png"},
		Style:           parent.Style,
		Size:            parent.Size,
		State:           StateCompleted,
		OwnerID:         parent.OwnerID,
		ConversationID:  parent.ConversationID,
		CreatedAtMs:     time.Now().UnixMilli(),
	}
}

func TestNewStore(t *testing.T) {
	t.Run("creates store successfully", func(t *testing.T) {
		store, _ := setupTestStore(t)
		assert.NotNil(t, store)
		assert.Equal(t, "test-instance", store.InstanceName())
	})

	t.Run("rejects empty instance name", func(t *testing.T) {
		_, err := NewStore(&redis.Options{Addr: "localhost:6379"}, "")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "instance name cannot be empty")
	})
}

func TestStorePing(t *testing.T) {
	store, _ := setupTestStore(t)
	assert.NoError(t, store.Ping(context.Background()))
}

func TestInsertFirstVersion(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	t.Run("persists version, thread, selection and conversation index", func(t *testing.T) {
		v := insertTestCanvas(t, store, "a lighthouse at dusk")

		got, err := store.GetVersion(ctx, v.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Number)
		assert.Equal(t, StateCompleted, got.State)
		assert.True(t, got.Selected)

		id, number, err := store.LatestNumber(ctx, v.CanvasID)
		require.NoError(t, err)
		assert.Equal(t, v.ID, id)
		assert.Equal(t, 1, number)

		canvases, err := store.CanvasesForConversation(ctx, v.ConversationID)
		require.NoError(t, err)
		assert.Equal(t, []string{v.CanvasID}, canvases)
	})

	t.Run("rejects version with number other than 1", func(t *testing.T) {
		v := validTestVersion()
		v.Number = 2
		err := store.InsertFirstVersion(ctx, v)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "first version must be number 1")
	})

	t.Run("rejects invalid version", func(t *testing.T) {
		v := validTestVersion()
		v.Prompt = ""
		assert.Error(t, store.InsertFirstVersion(ctx, v))
	})
}

func TestInsertEvolvedVersion(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	t.Run("allocates the next number and takes selection", func(t *testing.T) {
		parent := insertTestCanvas(t, store, "a lighthouse at dusk")

		evolved := evolvedFrom(parent, EvolutionVariation, "in winter")
		require.NoError(t, store.InsertEvolvedVersion(ctx, evolved))
		assert.Equal(t, 2, evolved.Number)
		assert.True(t, evolved.Selected)

		// The parent is no longer selected.
		got, err := store.GetVersion(ctx, parent.ID)
		require.NoError(t, err)
		assert.False(t, got.Selected)
	})

	t.Run("numbers stay contiguous across sequential evolutions", func(t *testing.T) {
		parent := insertTestCanvas(t, store, "a red bicycle")

		for i := 2; i <= 6; i++ {
			evolved := evolvedFrom(parent, EvolutionModification, "change "+uuid.New().String())
			require.NoError(t, store.InsertEvolvedVersion(ctx, evolved))
			assert.Equal(t, i, evolved.Number)
		}

		history, err := store.History(ctx, parent.CanvasID)
		require.NoError(t, err)
		require.Len(t, history, 6)
		for i, v := range history {
			assert.Equal(t, i+1, v.Number)
		}
	})

	t.Run("identical content on a live version is refused", func(t *testing.T) {
		parent := insertTestCanvas(t, store, "a stone bridge")
		first := evolvedFrom(parent, EvolutionVariation, "in fog")
		require.NoError(t, store.InsertEvolvedVersion(ctx, first))

		second := evolvedFrom(parent, EvolutionVariation, "in fog")
		err := store.InsertEvolvedVersion(ctx, second)
		assert.ErrorIs(t, err, ErrDuplicateContent)

		history, err := store.History(ctx, parent.CanvasID)
		require.NoError(t, err)
		assert.Len(t, history, 2, "refused insert must not persist a version")

		found, err := store.FindEvolutionByContent(ctx, parent.CanvasID, parent.ID, EvolutionVariation, "in fog")
		require.NoError(t, err)
		assert.Equal(t, first.ID, found.ID, "fingerprint must keep pointing at the winner")
	})

	t.Run("deleted duplicate does not block reinsertion", func(t *testing.T) {
		parent := insertTestCanvas(t, store, "a stone bridge")
		first := evolvedFrom(parent, EvolutionVariation, "in fog")
		require.NoError(t, store.InsertEvolvedVersion(ctx, first))
		require.NoError(t, store.SoftDeleteVersion(ctx, parent.CanvasID, first.ID))

		second := evolvedFrom(parent, EvolutionVariation, "in fog")
		require.NoError(t, store.InsertEvolvedVersion(ctx, second))
		assert.Equal(t, 3, second.Number)
	})

	t.Run("rejects evolution without parent", func(t *testing.T) {
		parent := insertTestCanvas(t, store, "a green door")
		evolved := evolvedFrom(parent, EvolutionVariation, "blue instead")
		evolved.ParentVersionID = ""
		evolved.EvolutionType = ""
		assert.Error(t, store.InsertEvolvedVersion(ctx, evolved))
	})

	t.Run("fails for unknown canvas", func(t *testing.T) {
		evolved := evolvedFrom(validTestVersion(), EvolutionVariation, "anything")
		evolved.CanvasID = uuid.New().String()
		err := store.InsertEvolvedVersion(ctx, evolved)
		assert.True(t, IsNotFound(err))
	})
}

func TestInsertEvolvedVersionConcurrent(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	parent := insertTestCanvas(t, store, "a mountain cabin")

	// Concurrent evolutions of the same canvas must still end up with a
	// contiguous, duplicate-free number range.
	const writers = 3
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			evolved := evolvedFrom(parent, EvolutionVariation, "variant "+uuid.New().String())
			errs[i] = store.InsertEvolvedVersion(ctx, evolved)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			// Losing the retry budget is an acceptable outcome; silent
			// duplicate numbers are not.
			assert.ErrorIs(t, err, ErrAllocationRace)
		}
	}

	history, err := store.History(ctx, parent.CanvasID)
	require.NoError(t, err)
	require.Len(t, history, succeeded+1)
	seen := make(map[int]bool)
	for i, v := range history {
		assert.Equal(t, i+1, v.Number, "numbers must be contiguous from 1")
		assert.False(t, seen[v.Number], "number %d allocated twice", v.Number)
		seen[v.Number] = true
	}
}

func TestGetVersion(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	t.Run("returns ErrNotFound for missing version", func(t *testing.T) {
		_, err := store.GetVersion(ctx, uuid.New().String())
		assert.True(t, IsNotFound(err))
	})

	t.Run("round-trips all fields", func(t *testing.T) {
		parent := insertTestCanvas(t, store, "a lighthouse at dusk")
		evolved := evolvedFrom(parent, EvolutionExtension, "show the shoreline")
		require.NoError(t, store.InsertEvolvedVersion(ctx, evolved))

		got, err := store.GetVersion(ctx, evolved.ID)
		require.NoError(t, err)
		assert.Equal(t, evolved.Prompt, got.Prompt)
		assert.Equal(t, evolved.CompositePrompt, got.CompositePrompt)
		assert.Equal(t, EvolutionExtension, got.EvolutionType)
		assert.Equal(t, parent.ID, got.ParentVersionID)
		assert.Equal(t, evolved.Assets, got.Assets)
	})
}

func TestSelectVersion(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	parent := insertTestCanvas(t, store, "a lighthouse at dusk")
	evolved := evolvedFrom(parent, EvolutionVariation, "in winter")
	require.NoError(t, store.InsertEvolvedVersion(ctx, evolved))

	t.Run("moves the selection pointer back", func(t *testing.T) {
		require.NoError(t, store.SelectVersion(ctx, parent.CanvasID, parent.ID))

		got, err := store.GetVersion(ctx, parent.ID)
		require.NoError(t, err)
		assert.True(t, got.Selected)

		got, err = store.GetVersion(ctx, evolved.ID)
		require.NoError(t, err)
		assert.False(t, got.Selected)
	})

	t.Run("selection is idempotent", func(t *testing.T) {
		require.NoError(t, store.SelectVersion(ctx, parent.CanvasID, parent.ID))
		require.NoError(t, store.SelectVersion(ctx, parent.CanvasID, parent.ID))
	})

	t.Run("rejects unknown version", func(t *testing.T) {
		err := store.SelectVersion(ctx, parent.CanvasID, uuid.New().String())
		assert.True(t, IsNotFound(err))
	})

	t.Run("rejects version from another canvas", func(t *testing.T) {
		other := insertTestCanvas(t, store, "a different canvas")
		err := store.SelectVersion(ctx, parent.CanvasID, other.ID)
		assert.True(t, IsNotFound(err))
	})

	t.Run("rejects deleted version", func(t *testing.T) {
		require.NoError(t, store.SoftDeleteVersion(ctx, parent.CanvasID, evolved.ID))
		err := store.SelectVersion(ctx, parent.CanvasID, evolved.ID)
		assert.True(t, IsNotFound(err))
	})
}

func TestSelectVersionConcurrent(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	parent := insertTestCanvas(t, store, "a lighthouse at dusk")
	evolved := evolvedFrom(parent, EvolutionVariation, "in winter")
	require.NoError(t, store.InsertEvolvedVersion(ctx, evolved))

	// Contending selection updates may lose the retry budget, but the caller
	// must only ever see a typed error, never a raw transaction failure.
	for i := 0; i < 50; i++ {
		var wg sync.WaitGroup
		errs := make([]error, 2)
		targets := []string{parent.ID, evolved.ID}
		for j, target := range targets {
			wg.Add(1)
			go func(j int, target string) {
				defer wg.Done()
				errs[j] = store.SelectVersion(ctx, parent.CanvasID, target)
			}(j, target)
		}
		wg.Wait()

		for _, err := range errs {
			if err != nil {
				assert.ErrorIs(t, err, ErrAllocationRace)
				assert.NotErrorIs(t, err, redis.TxFailedErr)
			}
		}
	}

	selected, err := store.selectedVersionID(ctx, parent.CanvasID)
	require.NoError(t, err)
	assert.Contains(t, []string{parent.ID, evolved.ID}, selected)
}

func TestSoftDeleteVersion(t *testing.T) {
	ctx := context.Background()

	t.Run("tombstone keeps its number in history", func(t *testing.T) {
		store, _ := setupTestStore(t)
		parent := insertTestCanvas(t, store, "a lighthouse at dusk")
		evolved := evolvedFrom(parent, EvolutionVariation, "in winter")
		require.NoError(t, store.InsertEvolvedVersion(ctx, evolved))

		require.NoError(t, store.SoftDeleteVersion(ctx, parent.CanvasID, evolved.ID))

		history, err := store.History(ctx, parent.CanvasID)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, StateDeleted, history[1].State)
		assert.Equal(t, 2, history[1].Number)
	})

	t.Run("deleting selected version re-selects newest survivor", func(t *testing.T) {
		store, _ := setupTestStore(t)
		parent := insertTestCanvas(t, store, "a lighthouse at dusk")
		second := evolvedFrom(parent, EvolutionVariation, "in winter")
		require.NoError(t, store.InsertEvolvedVersion(ctx, second))
		third := evolvedFrom(parent, EvolutionVariation, "at night")
		require.NoError(t, store.InsertEvolvedVersion(ctx, third))

		require.NoError(t, store.SoftDeleteVersion(ctx, parent.CanvasID, third.ID))

		got, err := store.GetVersion(ctx, second.ID)
		require.NoError(t, err)
		assert.True(t, got.Selected, "newest non-deleted version should be selected")
	})

	t.Run("deleting unselected version leaves selection alone", func(t *testing.T) {
		store, _ := setupTestStore(t)
		parent := insertTestCanvas(t, store, "a lighthouse at dusk")
		second := evolvedFrom(parent, EvolutionVariation, "in winter")
		require.NoError(t, store.InsertEvolvedVersion(ctx, second))

		require.NoError(t, store.SoftDeleteVersion(ctx, parent.CanvasID, parent.ID))

		got, err := store.GetVersion(ctx, second.ID)
		require.NoError(t, err)
		assert.True(t, got.Selected)
	})

	t.Run("deleting the last survivor clears selection", func(t *testing.T) {
		store, _ := setupTestStore(t)
		parent := insertTestCanvas(t, store, "a lighthouse at dusk")

		require.NoError(t, store.SoftDeleteVersion(ctx, parent.CanvasID, parent.ID))

		got, err := store.GetVersion(ctx, parent.ID)
		require.NoError(t, err)
		assert.Equal(t, StateDeleted, got.State)
		assert.False(t, got.Selected)
	})

	t.Run("double delete is a no-op", func(t *testing.T) {
		store, _ := setupTestStore(t)
		parent := insertTestCanvas(t, store, "a lighthouse at dusk")
		require.NoError(t, store.SoftDeleteVersion(ctx, parent.CanvasID, parent.ID))
		require.NoError(t, store.SoftDeleteVersion(ctx, parent.CanvasID, parent.ID))
	})

	t.Run("unknown version returns ErrNotFound", func(t *testing.T) {
		store, _ := setupTestStore(t)
		parent := insertTestCanvas(t, store, "a lighthouse at dusk")
		err := store.SoftDeleteVersion(ctx, parent.CanvasID, uuid.New().String())
		assert.True(t, IsNotFound(err))
	})
}

func TestSoftDeleteVersionConcurrent(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	// Deleting the selected version while its would-be replacement is deleted
	// concurrently must never leave the selection pointer on a tombstone:
	// either the replacement survives and is selected, or no live version
	// remains and the pointer is cleared.
	for i := 0; i < 200; i++ {
		parent := insertTestCanvas(t, store, "a mountain cabin")
		second := evolvedFrom(parent, EvolutionVariation, "variant "+uuid.New().String())
		require.NoError(t, store.InsertEvolvedVersion(ctx, second))

		var wg sync.WaitGroup
		errs := make([]error, 2)
		targets := []string{second.ID, parent.ID}
		for j, target := range targets {
			wg.Add(1)
			go func(j int, target string) {
				defer wg.Done()
				errs[j] = store.SoftDeleteVersion(ctx, parent.CanvasID, target)
			}(j, target)
		}
		wg.Wait()

		for _, err := range errs {
			if err != nil {
				assert.ErrorIs(t, err, ErrAllocationRace)
			}
		}

		selected, err := store.selectedVersionID(ctx, parent.CanvasID)
		require.NoError(t, err)
		if selected != "" {
			got, err := store.GetVersion(ctx, selected)
			require.NoError(t, err)
			assert.NotEqual(t, StateDeleted, got.State,
				"selection pointer must never reference a deleted version")
		}
	}
}

func TestFindEvolutionByContent(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	parent := insertTestCanvas(t, store, "a lighthouse at dusk")
	evolved := evolvedFrom(parent, EvolutionVariation, "in winter")
	require.NoError(t, store.InsertEvolvedVersion(ctx, evolved))

	t.Run("finds identical content", func(t *testing.T) {
		found, err := store.FindEvolutionByContent(ctx, parent.CanvasID, parent.ID, EvolutionVariation, "in winter")
		require.NoError(t, err)
		assert.Equal(t, evolved.ID, found.ID)
	})

	t.Run("different prompt is not a match", func(t *testing.T) {
		_, err := store.FindEvolutionByContent(ctx, parent.CanvasID, parent.ID, EvolutionVariation, "in summer")
		assert.True(t, IsNotFound(err))
	})

	t.Run("different evolution type is not a match", func(t *testing.T) {
		_, err := store.FindEvolutionByContent(ctx, parent.CanvasID, parent.ID, EvolutionModification, "in winter")
		assert.True(t, IsNotFound(err))
	})

	t.Run("deleted versions never match", func(t *testing.T) {
		require.NoError(t, store.SoftDeleteVersion(ctx, parent.CanvasID, evolved.ID))
		_, err := store.FindEvolutionByContent(ctx, parent.CanvasID, parent.ID, EvolutionVariation, "in winter")
		assert.True(t, IsNotFound(err))
	})
}

func TestEvolutionFingerprint(t *testing.T) {
	a := EvolutionFingerprint("p1", EvolutionVariation, "in winter")
	assert.Equal(t, a, EvolutionFingerprint("p1", EvolutionVariation, "in winter"))
	assert.NotEqual(t, a, EvolutionFingerprint("p2", EvolutionVariation, "in winter"))
	assert.NotEqual(t, a, EvolutionFingerprint("p1", EvolutionModification, "in winter"))
	assert.NotEqual(t, a, EvolutionFingerprint("p1", EvolutionVariation, "in summer"))
}

func TestIdempotencyPrimitives(t *testing.T) {
	ctx := context.Background()

	t.Run("first claim wins, second is refused", func(t *testing.T) {
		store, _ := setupTestStore(t)

		ok, err := store.BeginPending(ctx, "k1", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.BeginPending(ctx, "k1", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("recorded result blocks re-execution and is replayable", func(t *testing.T) {
		store, _ := setupTestStore(t)

		ok, err := store.BeginPending(ctx, "k2", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, store.RecordResult(ctx, "k2", []byte(`{"v":1}`), 10*time.Minute))

		ok, err = store.BeginPending(ctx, "k2", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		payload, err := store.LookupResult(ctx, "k2")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":1}`, string(payload))
	})

	t.Run("clear pending re-enables the key", func(t *testing.T) {
		store, _ := setupTestStore(t)

		ok, err := store.BeginPending(ctx, "k3", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, store.ClearPending(ctx, "k3"))

		ok, err = store.BeginPending(ctx, "k3", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("pending lease expires on its own", func(t *testing.T) {
		store, mr := setupTestStore(t)

		ok, err := store.BeginPending(ctx, "k4", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		mr.FastForward(2 * time.Minute)

		ok, err = store.BeginPending(ctx, "k4", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "expired lease must not block retries")
	})

	t.Run("result expires after its TTL", func(t *testing.T) {
		store, mr := setupTestStore(t)

		require.NoError(t, store.RecordResult(ctx, "k5", []byte("done"), 10*time.Minute))

		mr.FastForward(11 * time.Minute)

		_, err := store.LookupResult(ctx, "k5")
		assert.True(t, IsNotFound(err))
	})

	t.Run("missing result returns ErrNotFound", func(t *testing.T) {
		store, _ := setupTestStore(t)
		_, err := store.LookupResult(ctx, "missing")
		assert.True(t, IsNotFound(err))
	})
}

func TestSubscribeVersionEvents(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	sub, err := store.SubscribeVersionEvents(ctx)
	require.NoError(t, err)
	defer sub.Close()

	// Give the subscriber goroutine a moment to attach.
	time.Sleep(50 * time.Millisecond)

	v := insertTestCanvas(t, store, "a lighthouse at dusk")

	select {
	case event := <-sub.Events():
		require.NotNil(t, event)
		assert.Equal(t, v.ID, event.ID)
		assert.Equal(t, 1, event.Number)
		assert.True(t, event.Selected)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for version event")
	}

	t.Run("close is idempotent", func(t *testing.T) {
		assert.NoError(t, sub.Close())
		assert.NoError(t, sub.Close())
	})
}
