package canvas

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Redis stores data as string-to-string maps (hashes). The assets array is
// JSON-encoded into a single hash field. Selection is deliberately NOT part
// of the hash: the selection pointer key is the single source of truth and
// reads populate Version.Selected from it.

// VersionToHash converts a Version struct to a Redis hash format.
func VersionToHash(v *Version) (map[string]interface{}, error) {
	assetsJSON, err := json.Marshal(v.Assets)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal assets: %w", err)
	}

	hash := map[string]interface{}{
		"id":                v.ID,
		"canvas_id":         v.CanvasID,
		"number":            v.Number,
		"prompt":            v.Prompt,
		"composite_prompt":  v.CompositePrompt,
		"evolution_type":    string(v.EvolutionType),
		"parent_version_id": v.ParentVersionID,
		"assets":            string(assetsJSON),
		"style":             v.Style,
		"size":              v.Size,
		"state":             string(v.State),
		"owner_id":          v.OwnerID,
		"conversation_id":   v.ConversationID,
		"created_at_ms":     v.CreatedAtMs,
	}

	return hash, nil
}

// HashToVersion converts a Redis hash to a Version struct.
// The Selected field is left false; Store reads fill it in from the
// selection pointer.
func HashToVersion(hash map[string]string) (*Version, error) {
	number, err := strconv.Atoi(hash["number"])
	if err != nil {
		return nil, fmt.Errorf("invalid number field: %w", err)
	}

	var assets []string
	if assetsJSON := hash["assets"]; assetsJSON != "" {
		if err := json.Unmarshal([]byte(assetsJSON), &assets); err != nil {
			return nil, fmt.Errorf("failed to unmarshal assets: %w", err)
		}
	}
	if assets == nil {
		assets = []string{}
	}

	createdAtMs, err := strconv.ParseInt(hash["created_at_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid created_at_ms field: %w", err)
	}

	version := &Version{
		ID:              hash["id"],
		CanvasID:        hash["canvas_id"],
		Number:          number,
		Prompt:          hash["prompt"],
		CompositePrompt: hash["composite_prompt"],
		EvolutionType:   EvolutionType(hash["evolution_type"]),
		ParentVersionID: hash["parent_version_id"],
		Assets:          assets,
		Style:           hash["style"],
		Size:            hash["size"],
		State:           LifecycleState(hash["state"]),
		OwnerID:         hash["owner_id"],
		ConversationID:  hash["conversation_id"],
		CreatedAtMs:     createdAtMs,
	}

	return version, nil
}
