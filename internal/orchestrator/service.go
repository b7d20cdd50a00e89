// Package orchestrator composes the dispatcher, idempotency guard,
// collaboration hub and version manager into the canvas lifecycle service
// the API layer calls. Every side-effecting operation runs under an
// idempotency key: duplicates replay the recorded outcome and concurrent
// duplicates are refused.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/easelhq/easel/internal/collab"
	"github.com/easelhq/easel/internal/dispatch"
	"github.com/easelhq/easel/internal/idempotency"
	"github.com/easelhq/easel/pkg/canvas"
)

// Outcome is the recorded, replayable result of a lifecycle operation.
type Outcome struct {
	Mode     dispatch.Mode   `json:"mode"`
	Version  *canvas.Version `json:"version"`
	Reused   bool            `json:"reused,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
	Replayed bool            `json:"-"` // true when served from the idempotency record
}

// Service is the canvas lifecycle orchestrator.
type Service struct {
	dispatcher *dispatch.Dispatcher
	guard      *idempotency.Guard
	hub        *collab.Hub
	manager    *canvas.Manager
	store      *canvas.Store
	metrics    *Metrics
	now        func() time.Time
}

// NewService creates the orchestrator. metrics may be nil in tests.
func NewService(dispatcher *dispatch.Dispatcher, guard *idempotency.Guard, hub *collab.Hub, manager *canvas.Manager, metrics *Metrics) *Service {
	return &Service{
		dispatcher: dispatcher,
		guard:      guard,
		hub:        hub,
		manager:    manager,
		store:      manager.Store(),
		metrics:    metrics,
		now:        time.Now,
	}
}

// Metrics exposes the service's instruments to the transport layer.
func (s *Service) Metrics() *Metrics {
	return s.metrics
}

// Hub exposes the collaboration hub to the transport layer.
func (s *Service) Hub() *collab.Hub {
	return s.hub
}

// Store exposes the underlying store for read-only surfaces.
func (s *Service) Store() *canvas.Store {
	return s.store
}

// HandleCreate runs a canvas-creation request under an idempotency key
// derived from (conversation, actor, prompt+style+size). Rapid duplicate
// submissions collapse onto one canvas.
func (s *Service) HandleCreate(ctx context.Context, req *dispatch.Request) (*Outcome, error) {
	key := s.guard.Key(
		req.ConversationID,
		"create",
		req.ActorID,
		idempotency.ContentHash(req.Prompt, req.Style, req.Size),
	)
	return s.handle(ctx, key, "create", req)
}

// HandleEvolve runs an evolution request for canvasID under an idempotency
// key derived from (canvas, actor, prompt+evolution_type).
func (s *Service) HandleEvolve(ctx context.Context, canvasID string, req *dispatch.Request) (*Outcome, error) {
	key := s.guard.Key(
		canvasID,
		"evolve",
		req.ActorID,
		idempotency.ContentHash(req.Prompt, string(req.EvolutionType)),
	)
	return s.handle(ctx, key, "evolve", req)
}

// handle is the shared execute-at-most-once path: claim the key, dispatch,
// record or cancel, notify.
func (s *Service) handle(ctx context.Context, key, operation string, req *dispatch.Request) (*Outcome, error) {
	started, err := s.guard.Start(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to claim idempotency key: %w", err)
	}

	if !started {
		payload, err := s.guard.Check(ctx, key)
		if canvas.IsNotFound(err) {
			// No recorded outcome yet: the original execution is in flight.
			s.metrics.recordIdempotencyConflict()
			s.logEvent("duplicate_in_flight", map[string]interface{}{"operation": operation})
			return nil, fmt.Errorf("%s: %w", operation, canvas.ErrInFlight)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency record: %w", err)
		}

		var outcome Outcome
		if err := json.Unmarshal(payload, &outcome); err != nil {
			return nil, fmt.Errorf("corrupt idempotency record: %w", err)
		}
		outcome.Replayed = true
		s.metrics.recordRequest(operation, "replayed")
		s.logEvent("replayed_result", map[string]interface{}{"operation": operation})
		return &outcome, nil
	}

	start := s.now()
	result, err := s.dispatcher.Dispatch(ctx, req)
	s.metrics.observeGeneration(s.now().Sub(start).Seconds())

	if err != nil {
		// Release the key so the caller may retry once the cause clears.
		if cancelErr := s.guard.Cancel(ctx, key); cancelErr != nil {
			log.Printf("[Orchestrator] Failed to release idempotency key after error: %v", cancelErr)
		}
		s.metrics.recordRequest(operation, "error")
		return nil, err
	}

	outcome := &Outcome{
		Mode:     result.Mode,
		Version:  result.Version,
		Reused:   result.Reused,
		Warnings: result.Warnings,
	}

	payload, err := json.Marshal(outcome)
	if err != nil {
		return nil, fmt.Errorf("failed to encode outcome: %w", err)
	}
	if err := s.guard.Record(ctx, key, payload); err != nil {
		// The operation committed; a failed record only weakens replay.
		log.Printf("[Orchestrator] Failed to record idempotency result: %v", err)
	}

	if result.Reused {
		s.metrics.recordDedupHit()
	}
	s.metrics.recordRequest(operation, "ok")
	s.logEvent("version_persisted", map[string]interface{}{
		"operation":  operation,
		"mode":       string(result.Mode),
		"canvas_id":  result.Version.CanvasID,
		"version_id": result.Version.ID,
		"number":     result.Version.Number,
		"reused":     result.Reused,
	})

	s.hub.Broadcast(result.Version.CanvasID, "", collab.MsgVersionCreated, map[string]interface{}{
		"canvas_id":  result.Version.CanvasID,
		"version_id": result.Version.ID,
		"number":     result.Version.Number,
		"owner_id":   result.Version.OwnerID,
		"reused":     result.Reused,
	})

	return outcome, nil
}

// Select makes a version the canvas's selected version.
func (s *Service) Select(ctx context.Context, canvasID, versionID string) error {
	return s.manager.Select(ctx, canvasID, versionID)
}

// SoftDelete tombstones a version.
func (s *Service) SoftDelete(ctx context.Context, canvasID, versionID string) error {
	return s.manager.SoftDelete(ctx, canvasID, versionID)
}

// History returns a canvas's full version thread ascending by number.
func (s *Service) History(ctx context.Context, canvasID string) ([]*canvas.Version, error) {
	return s.manager.History(ctx, canvasID)
}

// CanvasSummary aggregates one canvas for the conversation summary.
type CanvasSummary struct {
	CanvasID          string `json:"canvas_id"`
	VersionCount      int    `json:"version_count"`
	LiveVersionCount  int    `json:"live_version_count"`
	SelectedVersionID string `json:"selected_version_id,omitempty"`
	SelectedNumber    int    `json:"selected_number,omitempty"`
	LatestPrompt      string `json:"latest_prompt,omitempty"`
}

// Summary aggregates a conversation's canvases.
type Summary struct {
	ConversationID string          `json:"conversation_id"`
	CanvasCount    int             `json:"canvas_count"`
	Canvases       []CanvasSummary `json:"canvases"`
}

// Summarize builds a read-only aggregate of every canvas in a conversation.
func (s *Service) Summarize(ctx context.Context, conversationID string) (*Summary, error) {
	canvasIDs, err := s.store.CanvasesForConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		ConversationID: conversationID,
		CanvasCount:    len(canvasIDs),
		Canvases:       make([]CanvasSummary, 0, len(canvasIDs)),
	}

	for _, canvasID := range canvasIDs {
		history, err := s.store.History(ctx, canvasID)
		if err != nil {
			return nil, err
		}

		cs := CanvasSummary{
			CanvasID:     canvasID,
			VersionCount: len(history),
		}
		for _, v := range history {
			if v.State != canvas.StateDeleted {
				cs.LiveVersionCount++
			}
			if v.Selected {
				cs.SelectedVersionID = v.ID
				cs.SelectedNumber = v.Number
			}
			cs.LatestPrompt = v.Prompt
		}
		summary.Canvases = append(summary.Canvases, cs)
	}

	return summary, nil
}

// logEvent logs structured orchestrator events
func (s *Service) logEvent(event string, data map[string]interface{}) {
	log.Printf("[Orchestrator] event=%s %v", event, data)
}
