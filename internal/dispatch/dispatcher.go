// Package dispatch classifies incoming canvas requests into workflows and
// routes them to the version manager. Classification is driven by the
// request's origin: where it came from and whether it carries a verifiable
// canvas reference.
package dispatch

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/easelhq/easel/pkg/canvas"
)

// Mode is the workflow a request resolves to.
type Mode string

const (
	// ModeCreate starts a brand-new canvas.
	ModeCreate Mode = "create"
	// ModeEdit evolves an existing canvas from a reference version.
	ModeEdit Mode = "edit"
)

// Prompt length bounds, measured in runes.
const (
	MinPromptLen = 3
	MaxPromptLen = 2000
)

// CanvasRef names an existing version to evolve from.
type CanvasRef struct {
	CanvasID  string
	VersionID string
}

// Origin is a closed union over the places a request can come from. The
// concrete type decides classification; there is no free-form source string
// to mistype.
type Origin interface {
	isOrigin()
}

// ChatOrigin marks a request born from a chat message. Chat always creates:
// a conversational mention of an existing canvas is a new idea, not an edit.
type ChatOrigin struct{}

// CanvasOrigin marks a request issued from within a canvas workspace,
// carrying the version the user was looking at.
type CanvasOrigin struct {
	Ref CanvasRef
}

// APIOrigin marks a direct API request, which may or may not reference an
// existing version.
type APIOrigin struct {
	Ref *CanvasRef
}

func (ChatOrigin) isOrigin()   {}
func (CanvasOrigin) isOrigin() {}
func (APIOrigin) isOrigin()    {}

// Request is a classified-and-validated unit of work.
type Request struct {
	Origin         Origin
	ActorID        string
	ConversationID string
	Prompt         string
	EvolutionType  canvas.EvolutionType
	Style          string
	Size           string
}

// Result reports what the dispatcher did.
type Result struct {
	Mode     Mode
	Version  *canvas.Version
	Reused   bool     // evolution collapsed onto an existing identical version
	Warnings []string // non-fatal validation notes
}

// knownStyles and knownSizes are advisory: unknown values pass through to
// the generation backend but are flagged so clients can surface them.
var knownStyles = map[string]bool{
	"":           true,
	"natural":    true,
	"vivid":      true,
	"watercolor": true,
	"sketch":     true,
	"photo":      true,
}

var knownSizes = map[string]bool{
	"":          true,
	"256x256":   true,
	"512x512":   true,
	"1024x1024": true,
	"1792x1024": true,
	"1024x1792": true,
}

// Dispatcher classifies, validates and routes requests.
type Dispatcher struct {
	store   *canvas.Store
	manager *canvas.Manager
}

// NewDispatcher creates a Dispatcher over the store and version manager.
func NewDispatcher(store *canvas.Store, manager *canvas.Manager) *Dispatcher {
	return &Dispatcher{store: store, manager: manager}
}

// Classify decides the workflow for a request. Chat always creates. Canvas
// and API origins edit when their reference resolves to a live version of
// the named canvas; an unverifiable reference falls back to create rather
// than failing the request.
func (d *Dispatcher) Classify(ctx context.Context, req *Request) (Mode, *CanvasRef) {
	switch origin := req.Origin.(type) {
	case ChatOrigin:
		return ModeCreate, nil
	case CanvasOrigin:
		if d.verifyRef(ctx, origin.Ref) {
			ref := origin.Ref
			return ModeEdit, &ref
		}
		return ModeCreate, nil
	case APIOrigin:
		if origin.Ref != nil && d.verifyRef(ctx, *origin.Ref) {
			ref := *origin.Ref
			return ModeEdit, &ref
		}
		return ModeCreate, nil
	default:
		return ModeCreate, nil
	}
}

// verifyRef reports whether the reference names a live version of the named
// canvas. Lookup errors count as unverifiable.
func (d *Dispatcher) verifyRef(ctx context.Context, ref CanvasRef) bool {
	if ref.CanvasID == "" || ref.VersionID == "" {
		return false
	}
	version, err := d.store.GetVersion(ctx, ref.VersionID)
	if err != nil {
		return false
	}
	if version.CanvasID != ref.CanvasID {
		return false
	}
	return version.State != canvas.StateDeleted
}

// Validate checks the request for the resolved mode. Fatal problems return
// a reason-coded ValidationError; unknown style/size values only produce
// warnings.
func (d *Dispatcher) Validate(req *Request, mode Mode) ([]string, error) {
	promptLen := utf8.RuneCountInString(req.Prompt)
	if promptLen < MinPromptLen {
		return nil, &canvas.ValidationError{
			Code:    "prompt_too_short",
			Field:   "prompt",
			Message: fmt.Sprintf("prompt must be at least %d characters, got %d", MinPromptLen, promptLen),
		}
	}
	if promptLen > MaxPromptLen {
		return nil, &canvas.ValidationError{
			Code:    "prompt_too_long",
			Field:   "prompt",
			Message: fmt.Sprintf("prompt must be at most %d characters, got %d", MaxPromptLen, promptLen),
		}
	}

	if req.ActorID == "" {
		return nil, &canvas.ValidationError{
			Code:    "missing_actor",
			Field:   "actor_id",
			Message: "actor id is required",
		}
	}

	if mode == ModeEdit {
		if err := req.EvolutionType.Validate(); err != nil {
			return nil, &canvas.ValidationError{
				Code:    "invalid_evolution_type",
				Field:   "evolution_type",
				Message: err.Error(),
			}
		}
	}

	var warnings []string
	if !knownStyles[req.Style] {
		warnings = append(warnings, fmt.Sprintf("unknown style %q passed through to the backend", req.Style))
	}
	if !knownSizes[req.Size] {
		warnings = append(warnings, fmt.Sprintf("unknown size %q passed through to the backend", req.Size))
	}
	return warnings, nil
}

// Dispatch classifies and validates the request, then delegates to the
// version manager. Validation failures mutate nothing.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Result, error) {
	mode, ref := d.Classify(ctx, req)

	warnings, err := d.Validate(req, mode)
	if err != nil {
		return nil, err
	}

	switch mode {
	case ModeEdit:
		version, reused, err := d.manager.Evolve(ctx, ref.CanvasID, ref.VersionID, req.EvolutionType, req.Prompt, req.Style, req.Size, req.ActorID)
		if err != nil {
			return nil, err
		}
		return &Result{Mode: ModeEdit, Version: version, Reused: reused, Warnings: warnings}, nil
	default:
		version, err := d.manager.CreateCanvas(ctx, req.Prompt, req.Style, req.Size, req.ActorID, req.ConversationID)
		if err != nil {
			return nil, err
		}
		return &Result{Mode: ModeCreate, Version: version, Warnings: warnings}, nil
	}
}
