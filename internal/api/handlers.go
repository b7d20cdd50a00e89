package api

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/easelhq/easel/internal/dispatch"
	"github.com/easelhq/easel/pkg/canvas"
)

func init() {
	// "notblank" rejects strings that are whitespace-only; "required"
	// alone accepts them.
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
			return strings.TrimSpace(fl.Field().String()) != ""
		})
	}
}

// createRequest is the body of POST /v1/canvases. Binding tags are
// go-playground/validator expressions evaluated by gin.
type createRequest struct {
	Prompt             string `json:"prompt" binding:"required,notblank"`
	Style              string `json:"style"`
	Size               string `json:"size"`
	ActorID            string `json:"actor_id" binding:"required"`
	ConversationID     string `json:"conversation_id" binding:"required"`
	Source             string `json:"source" binding:"omitempty,oneof=chat canvas api"`
	CanvasID           string `json:"canvas_id" binding:"omitempty,uuid"`
	ReferenceVersionID string `json:"reference_version_id" binding:"omitempty,uuid"`
}

// evolveRequest is the body of POST /v1/canvases/:id/versions.
type evolveRequest struct {
	Prompt             string `json:"prompt" binding:"required"`
	EvolutionType      string `json:"evolution_type" binding:"required,oneof=based_on variation extension modification reference_edit"`
	Style              string `json:"style"`
	Size               string `json:"size"`
	ActorID            string `json:"actor_id" binding:"required"`
	ReferenceVersionID string `json:"reference_version_id" binding:"omitempty,uuid"`
}

// buildOrigin maps the declared source plus an optional canvas reference
// onto the dispatch origin union. A canvas reference on a chat request is
// discarded with a warning: chat-born requests always create.
func buildOrigin(source, canvasID, refVersionID string) dispatch.Origin {
	switch source {
	case "chat":
		if canvasID != "" || refVersionID != "" {
			log.Printf("[API] Ignoring canvas reference on chat-sourced request (canvas_id=%s)", canvasID)
		}
		return dispatch.ChatOrigin{}
	case "canvas":
		return dispatch.CanvasOrigin{Ref: dispatch.CanvasRef{CanvasID: canvasID, VersionID: refVersionID}}
	default:
		if canvasID != "" && refVersionID != "" {
			return dispatch.APIOrigin{Ref: &dispatch.CanvasRef{CanvasID: canvasID, VersionID: refVersionID}}
		}
		return dispatch.APIOrigin{}
	}
}

// handleCreate serves POST /v1/canvases.
func (s *Server) handleCreate(c *gin.Context) {
	var body createRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "malformed_request"})
		return
	}

	outcome, err := s.service.HandleCreate(c.Request.Context(), &dispatch.Request{
		Origin:         buildOrigin(body.Source, body.CanvasID, body.ReferenceVersionID),
		ActorID:        body.ActorID,
		ConversationID: body.ConversationID,
		Prompt:         body.Prompt,
		Style:          body.Style,
		Size:           body.Size,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusCreated
	if outcome.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, outcome)
}

// handleEvolve serves POST /v1/canvases/:id/versions.
func (s *Server) handleEvolve(c *gin.Context) {
	canvasID := c.Param("id")

	var body evolveRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "malformed_request"})
		return
	}

	refVersionID := body.ReferenceVersionID
	if refVersionID == "" {
		// Default to the selected version so clients can evolve "whatever
		// is current" without a read first.
		selectedRef, err := selectedVersionRef(c, s, canvasID)
		if err != nil {
			writeError(c, err)
			return
		}
		refVersionID = selectedRef
	}

	outcome, err := s.service.HandleEvolve(c.Request.Context(), canvasID, &dispatch.Request{
		Origin:        dispatch.CanvasOrigin{Ref: dispatch.CanvasRef{CanvasID: canvasID, VersionID: refVersionID}},
		ActorID:       body.ActorID,
		Prompt:        body.Prompt,
		EvolutionType: canvas.EvolutionType(body.EvolutionType),
		Style:         body.Style,
		Size:          body.Size,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusCreated
	if outcome.Replayed || outcome.Reused {
		status = http.StatusOK
	}
	c.JSON(status, outcome)
}

// selectedVersionRef resolves the canvas's selected version id from its
// history.
func selectedVersionRef(c *gin.Context, s *Server, canvasID string) (string, error) {
	history, err := s.service.History(c.Request.Context(), canvasID)
	if err != nil {
		return "", err
	}
	for _, v := range history {
		if v.Selected {
			return v.ID, nil
		}
	}
	return "", &canvas.ValidationError{
		Code:    "no_selected_version",
		Message: "canvas has no selected version to evolve from",
	}
}

// handleHistory serves GET /v1/canvases/:id/versions.
func (s *Server) handleHistory(c *gin.Context) {
	history, err := s.service.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"canvas_id": c.Param("id"), "versions": history})
}

// handleSelect serves POST /v1/canvases/:id/versions/:vid/select.
func (s *Server) handleSelect(c *gin.Context) {
	if err := s.service.Select(c.Request.Context(), c.Param("id"), c.Param("vid")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"selected_version_id": c.Param("vid")})
}

// handleDelete serves DELETE /v1/canvases/:id/versions/:vid.
func (s *Server) handleDelete(c *gin.Context) {
	if err := s.service.SoftDelete(c.Request.Context(), c.Param("id"), c.Param("vid")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleSummary serves GET /v1/conversations/:id/summary.
func (s *Server) handleSummary(c *gin.Context) {
	summary, err := s.service.Summarize(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	var ve *canvas.ValidationError
	if errors.As(err, &ve) {
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Message, "code": ve.Code, "field": ve.Field})
		return
	}

	if canvas.IsNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "not_found"})
		return
	}

	if canvas.IsConflict(err) {
		resp := gin.H{"error": err.Error(), "code": "conflict"}
		var ce *canvas.ConflictError
		if errors.As(err, &ce) {
			resp["holder"] = ce.Holder
		}
		c.JSON(http.StatusConflict, resp)
		return
	}

	var ese *canvas.ExternalServiceError
	if errors.As(err, &ese) {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "code": "generation_failed"})
		return
	}

	log.Printf("[API] Internal error: %v", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "internal"})
}
