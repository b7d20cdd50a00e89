package canvas

import (
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionHashRoundTrip(t *testing.T) {
	original := &Version{
		ID:              uuid.New().String(),
		CanvasID:        uuid.New().String(),
		Number:          3,
		Prompt:          "make the sky stormy",
		CompositePrompt: "a lighthouse at dusk. Apply the following change: make the sky stormy",
		EvolutionType:   EvolutionModification,
		ParentVersionID: uuid.New().String(),
		Assets:          []string{"https://assets.example/a.png", "https://assets.example/b.png"},
		Style:           "watercolor",
		Size:            "1024x1024",
		State:           StateCompleted,
		OwnerID:         "user-1",
		ConversationID:  uuid.New().String(),
		CreatedAtMs:     1700000000123,
	}

	hash, err := VersionToHash(original)
	require.NoError(t, err)

	// Redis hands fields back as strings.
	stringHash := make(map[string]string, len(hash))
	for k, v := range hash {
		switch val := v.(type) {
		case string:
			stringHash[k] = val
		case int:
			stringHash[k] = strconv.Itoa(val)
		case int64:
			stringHash[k] = strconv.FormatInt(val, 10)
		default:
			t.Fatalf("unexpected hash value type %T for field %s", v, k)
		}
	}

	restored, err := HashToVersion(stringHash)
	require.NoError(t, err)

	// Selected is intentionally not serialized.
	assert.False(t, restored.Selected)
	restored.Selected = original.Selected
	assert.Equal(t, original, restored)
}

func TestHashToVersionEmptyAssets(t *testing.T) {
	v := validTestVersion()
	v.Assets = []string{}

	hash, err := VersionToHash(v)
	require.NoError(t, err)
	assert.Equal(t, "[]", hash["assets"])

	restored, err := HashToVersion(map[string]string{
		"id":            v.ID,
		"canvas_id":     v.CanvasID,
		"number":        "1",
		"prompt":        v.Prompt,
		"assets":        "",
		"state":         string(StateCompleted),
		"owner_id":      v.OwnerID,
		"created_at_ms": "1700000000000",
	})
	require.NoError(t, err)
	assert.NotNil(t, restored.Assets)
	assert.Empty(t, restored.Assets)
}

func TestHashToVersionInvalidNumber(t *testing.T) {
	_, err := HashToVersion(map[string]string{"number": "not-a-number"})
	assert.Error(t, err)
}

func TestHashToVersionInvalidCreatedAt(t *testing.T) {
	_, err := HashToVersion(map[string]string{
		"number":        "1",
		"created_at_ms": "not-a-timestamp",
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "created_at_ms")
}

func TestHashToVersionInvalidAssetsJSON(t *testing.T) {
	_, err := HashToVersion(map[string]string{
		"number": "1",
		"assets": "{broken",
	})
	assert.Error(t, err)
}
