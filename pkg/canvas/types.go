package canvas

import (
	"fmt"

	"github.com/google/uuid"
)

// Version represents one immutable generation result within a canvas.
// Versions are the fundamental unit of state in Easel - every generated
// image, evolution and deletion is represented through version rows with
// complete provenance.
type Version struct {
	ID              string         `json:"id"`                          // UUID - unique identifier for this version
	CanvasID        string         `json:"canvas_id"`                   // UUID - groups versions of the same canvas
	Number          int            `json:"number"`                      // Incrementing version number (starts at 1)
	Prompt          string         `json:"prompt"`                      // User-supplied prompt text
	CompositePrompt string         `json:"composite_prompt,omitempty"`  // Prompt actually sent to the generation backend
	EvolutionType   EvolutionType  `json:"evolution_type,omitempty"`    // How this version was derived (empty for version 1)
	ParentVersionID string         `json:"parent_version_id,omitempty"` // UUID of the version this was evolved from
	Assets          []string       `json:"assets"`                      // Generated asset URLs
	Style           string         `json:"style,omitempty"`             // Style hint passed to generation
	Size            string         `json:"size,omitempty"`              // Size hint passed to generation
	State           LifecycleState `json:"state"`                       // Lifecycle state
	OwnerID         string         `json:"owner_id"`                    // User that requested this version
	ConversationID  string         `json:"conversation_id"`             // Conversation the canvas belongs to
	CreatedAtMs     int64          `json:"created_at_ms"`               // Unix timestamp in milliseconds
	Selected        bool           `json:"selected"`                    // Populated on reads from the selection pointer
}

// LifecycleState defines the lifecycle of a version.
// Only completed versions participate in the contiguous numbering invariant;
// a failed generation is never persisted at all.
type LifecycleState string

const (
	// StateGenerating marks a version whose generation call is in flight.
	// It only ever appears on in-memory versions - the store persists a
	// version together with its generation result.
	StateGenerating LifecycleState = "generating"

	// StateCompleted marks a successfully generated, persisted version.
	StateCompleted LifecycleState = "completed"

	// StateFailed marks a generation failure. Kept for API symmetry; failed
	// versions are reported to callers but never written to the store.
	StateFailed LifecycleState = "failed"

	// StateDeleted marks a soft-deleted version. The row remains as
	// tombstone history and keeps its number in the thread.
	StateDeleted LifecycleState = "deleted"
)

// EvolutionType describes how an evolved version relates to its parent.
type EvolutionType string

const (
	EvolutionBasedOn       EvolutionType = "based_on"
	EvolutionVariation     EvolutionType = "variation"
	EvolutionExtension     EvolutionType = "extension"
	EvolutionModification  EvolutionType = "modification"
	EvolutionReferenceEdit EvolutionType = "reference_edit"
)

// Validate checks if the LifecycleState is a valid enum value.
func (s LifecycleState) Validate() error {
	switch s {
	case StateGenerating, StateCompleted, StateFailed, StateDeleted:
		return nil
	default:
		return fmt.Errorf("unknown lifecycle state: %q", s)
	}
}

// Validate checks if the EvolutionType is a valid enum value.
func (e EvolutionType) Validate() error {
	switch e {
	case EvolutionBasedOn, EvolutionVariation, EvolutionExtension,
		EvolutionModification, EvolutionReferenceEdit:
		return nil
	default:
		return fmt.Errorf("unknown evolution type: %q", e)
	}
}

// Validate checks if the Version has valid field values.
// Returns an error if any validation fails.
func (v *Version) Validate() error {
	if !isValidUUID(v.ID) {
		return fmt.Errorf("invalid version ID: not a valid UUID")
	}

	if !isValidUUID(v.CanvasID) {
		return fmt.Errorf("invalid canvas ID: not a valid UUID")
	}

	if v.Number < 1 {
		return fmt.Errorf("invalid version number: must be >= 1, got %d", v.Number)
	}

	if err := v.State.Validate(); err != nil {
		return fmt.Errorf("invalid state: %w", err)
	}

	if v.Prompt == "" {
		return fmt.Errorf("prompt cannot be empty")
	}

	if v.OwnerID == "" {
		return fmt.Errorf("owner_id cannot be empty")
	}

	// An evolved version must reference a parent of the same canvas; the
	// store verifies the same-canvas part, here we can only check shape.
	if v.ParentVersionID != "" {
		if !isValidUUID(v.ParentVersionID) {
			return fmt.Errorf("invalid parent version ID: not a valid UUID")
		}
		if err := v.EvolutionType.Validate(); err != nil {
			return fmt.Errorf("evolved version: %w", err)
		}
	} else if v.EvolutionType != "" {
		return fmt.Errorf("evolution type set without a parent version")
	}

	return nil
}

// isValidUUID checks if a string is a valid UUID format.
func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
