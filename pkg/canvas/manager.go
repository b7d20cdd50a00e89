package canvas

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerationRequest carries everything a generation backend needs to produce
// image assets for one version.
type GenerationRequest struct {
	Prompt         string // composite prompt, already assembled
	Style          string
	Size           string
	ReferenceAsset string // parent asset URL for reference edits, empty otherwise
}

// GenerationResult is the outcome of a successful generation call.
type GenerationResult struct {
	Assets   []string          // asset URLs, at least one
	Metadata map[string]string // backend-specific extras (model, revised prompt)
}

// Generator produces image assets from a prompt. Implementations live in
// internal/generate; the store never retries generation on its own.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error)
}

// Manager composes the Store and a Generator into the canvas operations the
// orchestrator calls: create, evolve, select, soft-delete, history. It owns
// composite prompt assembly, parent verification, content dedup and the
// generate-then-commit ordering that keeps version numbers gap-free.
type Manager struct {
	store *Store
	gen   Generator
	now   func() time.Time
	newID func() string
}

// NewManager creates a Manager over the given store and generation backend.
func NewManager(store *Store, gen Generator) *Manager {
	return &Manager{
		store: store,
		gen:   gen,
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
}

// Store exposes the underlying store for read paths that don't need
// generation (history listing, event subscriptions).
func (m *Manager) Store() *Store {
	return m.store
}

// CreateCanvas generates an image for the prompt and persists it as version 1
// of a brand-new canvas. The generation call runs first; nothing is written
// if it fails, so a canvas can never exist without a completed version 1.
func (m *Manager) CreateCanvas(ctx context.Context, prompt, style, size, ownerID, conversationID string) (*Version, error) {
	result, err := m.gen.Generate(ctx, GenerationRequest{
		Prompt: prompt,
		Style:  style,
		Size:   size,
	})
	if err != nil {
		return nil, &ExternalServiceError{Service: "generation", Err: err}
	}

	version := &Version{
		ID:             m.newID(),
		CanvasID:       m.newID(),
		Number:         1,
		Prompt:         prompt,
		Assets:         result.Assets,
		Style:          style,
		Size:           size,
		State:          StateCompleted,
		OwnerID:        ownerID,
		ConversationID: conversationID,
		CreatedAtMs:    m.now().UnixMilli(),
	}

	if err := m.store.InsertFirstVersion(ctx, version); err != nil {
		return nil, err
	}

	return version, nil
}

// Evolve creates a new version of an existing canvas derived from the
// reference version, or from the currently selected version when
// refVersionID is empty. Identical content (same parent, evolution type and
// prompt) short-circuits to the existing version without a generation call;
// the returned reused flag reports that path.
//
// Style and size are inherited from the parent when left empty. The new
// version becomes selected on success, including the reuse path.
func (m *Manager) Evolve(ctx context.Context, canvasID, refVersionID string, evolutionType EvolutionType, prompt, style, size, ownerID string) (v *Version, reused bool, err error) {
	if err := evolutionType.Validate(); err != nil {
		return nil, false, &ValidationError{Code: "invalid_evolution_type", Field: "evolution_type", Message: err.Error()}
	}

	parent, err := m.resolveParent(ctx, canvasID, refVersionID)
	if err != nil {
		return nil, false, err
	}

	// Content dedup: an identical evolution of the same parent returns the
	// existing version instead of burning a generation call.
	if existing, err := m.store.FindEvolutionByContent(ctx, canvasID, parent.ID, evolutionType, prompt); err == nil {
		if err := m.store.SelectVersion(ctx, canvasID, existing.ID); err != nil {
			return nil, false, err
		}
		existing.Selected = true
		return existing, true, nil
	} else if !IsNotFound(err) {
		return nil, false, err
	}

	if style == "" {
		style = parent.Style
	}
	if size == "" {
		size = parent.Size
	}

	composite := CompositePrompt(evolutionType, parent.Prompt, prompt)

	referenceAsset := ""
	if evolutionType == EvolutionReferenceEdit && len(parent.Assets) > 0 {
		referenceAsset = parent.Assets[0]
	}

	result, err := m.gen.Generate(ctx, GenerationRequest{
		Prompt:         composite,
		Style:          style,
		Size:           size,
		ReferenceAsset: referenceAsset,
	})
	if err != nil {
		return nil, false, &ExternalServiceError{Service: "generation", Err: err}
	}

	version := &Version{
		ID:              m.newID(),
		CanvasID:        canvasID,
		Prompt:          prompt,
		CompositePrompt: composite,
		EvolutionType:   evolutionType,
		ParentVersionID: parent.ID,
		Assets:          result.Assets,
		Style:           style,
		Size:            size,
		State:           StateCompleted,
		OwnerID:         ownerID,
		ConversationID:  parent.ConversationID,
		CreatedAtMs:     m.now().UnixMilli(),
	}

	if err := m.store.InsertEvolvedVersion(ctx, version); err != nil {
		// An identical evolution committed between the dedup check and the
		// insert; the winner is the version to hand back.
		if errors.Is(err, ErrDuplicateContent) {
			existing, findErr := m.store.FindEvolutionByContent(ctx, canvasID, parent.ID, evolutionType, prompt)
			if findErr != nil {
				return nil, false, err
			}
			if selErr := m.store.SelectVersion(ctx, canvasID, existing.ID); selErr != nil {
				return nil, false, selErr
			}
			existing.Selected = true
			return existing, true, nil
		}
		return nil, false, err
	}

	return version, false, nil
}

// Select makes the target version the canvas's selected version.
func (m *Manager) Select(ctx context.Context, canvasID, versionID string) error {
	return m.store.SelectVersion(ctx, canvasID, versionID)
}

// SoftDelete marks a version deleted, re-selecting the newest remaining
// non-deleted version when the deleted one was selected.
func (m *Manager) SoftDelete(ctx context.Context, canvasID, versionID string) error {
	return m.store.SoftDeleteVersion(ctx, canvasID, versionID)
}

// History returns every version of a canvas ascending by number, tombstones
// included.
func (m *Manager) History(ctx context.Context, canvasID string) ([]*Version, error) {
	return m.store.History(ctx, canvasID)
}

// resolveParent resolves the evolution parent: the named reference version
// when given, otherwise the canvas's selected version. The parent must
// belong to the canvas and not be deleted.
func (m *Manager) resolveParent(ctx context.Context, canvasID, refVersionID string) (*Version, error) {
	if refVersionID == "" {
		selectedID, err := m.store.selectedVersionID(ctx, canvasID)
		if err != nil {
			return nil, err
		}
		if selectedID == "" {
			exists, err := m.store.CanvasExists(ctx, canvasID)
			if err != nil {
				return nil, err
			}
			if !exists {
				return nil, fmt.Errorf("canvas %s: %w", canvasID, ErrNotFound)
			}
			return nil, &ValidationError{
				Code:    "no_selected_version",
				Message: fmt.Sprintf("canvas %s has no selected version to evolve from", canvasID),
			}
		}
		refVersionID = selectedID
	}

	parent, err := m.store.GetVersion(ctx, refVersionID)
	if err != nil {
		return nil, err
	}
	if parent.CanvasID != canvasID {
		return nil, fmt.Errorf("version %s does not belong to canvas %s: %w", refVersionID, canvasID, ErrNotFound)
	}
	if parent.State == StateDeleted {
		return nil, fmt.Errorf("parent version %s is deleted: %w", refVersionID, ErrNotFound)
	}
	return parent, nil
}

// CompositePrompt assembles the prompt actually sent to the generation
// backend from the parent's prompt and the evolution instruction.
func CompositePrompt(evolutionType EvolutionType, parentPrompt, prompt string) string {
	switch evolutionType {
	case EvolutionBasedOn:
		return fmt.Sprintf("Based on the concept: %s. %s", parentPrompt, prompt)
	case EvolutionVariation:
		return fmt.Sprintf("Create a variation of: %s. %s", parentPrompt, prompt)
	case EvolutionExtension:
		return fmt.Sprintf("Extend the scene: %s. %s", parentPrompt, prompt)
	case EvolutionModification:
		return fmt.Sprintf("%s. Apply the following change: %s", parentPrompt, prompt)
	case EvolutionReferenceEdit:
		return fmt.Sprintf("Using the reference image of: %s. %s", parentPrompt, prompt)
	default:
		return prompt
	}
}
