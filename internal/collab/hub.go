// Package collab implements the in-process collaboration hub: per-canvas
// sessions tracking connected participants and artifact edit locks, with
// best-effort broadcast fan-out. Sessions are per-process only; the hub
// holds no cross-instance state.
package collab

import (
	"log"
	"sync"
	"time"

	"github.com/easelhq/easel/pkg/canvas"
)

// Message types carried in Envelope.Type.
const (
	MsgUserJoined            = "user_joined"
	MsgUserLeft              = "user_left"
	MsgWorkspaceState        = "workspace_state"
	MsgArtifactEditStart     = "artifact_edit_start"
	MsgArtifactEditStop      = "artifact_edit_stop"
	MsgArtifactContentChange = "artifact_content_change"
	MsgCursorMove            = "cursor_move"
	MsgEditConflict          = "edit_conflict"
	MsgVersionCreated        = "canvas_version_created"
	MsgPing                  = "ping"
	MsgPong                  = "pong"
)

// Envelope is the wire frame for every collaboration message.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// Conn is the transport-facing side of a participant. The websocket layer
// implements it; tests use in-memory fakes.
type Conn interface {
	Send(Envelope) error
}

// session holds the per-canvas collaboration state.
type session struct {
	participants map[string]Conn   // user id -> connection
	locks        map[string]string // artifact id -> holding user id
}

// Hub manages collaboration sessions for all canvases served by this
// process. All methods are safe for concurrent use.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*session
	now      func() time.Time
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]*session),
		now:      time.Now,
	}
}

// Connect registers a participant on a canvas session, creating the session
// on first connect. Everyone already present receives user_joined; the
// newcomer receives a workspace_state snapshot of current participants and
// locks.
func (h *Hub) Connect(canvasID, userID string, conn Conn) {
	h.mu.Lock()
	sess, ok := h.sessions[canvasID]
	if !ok {
		sess = &session{
			participants: make(map[string]Conn),
			locks:        make(map[string]string),
		}
		h.sessions[canvasID] = sess
	}
	sess.participants[userID] = conn

	h.broadcastLocked(sess, userID, Envelope{
		Type:      MsgUserJoined,
		Data:      map[string]interface{}{"user_id": userID},
		Timestamp: h.now().UnixMilli(),
	})

	snapshot := h.snapshotLocked(sess)
	h.mu.Unlock()

	if err := conn.Send(snapshot); err != nil {
		log.Printf("[Collab] Failed to send workspace state to %s: %v", userID, err)
	}
}

// Disconnect removes a participant, releases every lock they hold and
// notifies the remaining participants. The session is dropped when the last
// participant leaves.
func (h *Hub) Disconnect(canvasID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess, ok := h.sessions[canvasID]
	if !ok {
		return
	}
	if _, present := sess.participants[userID]; !present {
		return
	}
	delete(sess.participants, userID)

	released := make([]string, 0)
	for artifactID, holder := range sess.locks {
		if holder == userID {
			delete(sess.locks, artifactID)
			released = append(released, artifactID)
		}
	}

	if len(sess.participants) == 0 {
		delete(h.sessions, canvasID)
		return
	}

	h.broadcastLocked(sess, "", Envelope{
		Type: MsgUserLeft,
		Data: map[string]interface{}{
			"user_id":            userID,
			"released_artifacts": released,
		},
		Timestamp: h.now().UnixMilli(),
	})
}

// AcquireLock grants the artifact edit lock to the user, re-entrantly for
// the current holder. On denial a canvas.ConflictError names the holder and
// nothing is broadcast.
func (h *Hub) AcquireLock(canvasID, artifactID, userID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess, ok := h.sessions[canvasID]
	if !ok {
		return &canvas.ConflictError{ArtifactID: artifactID, Holder: ""}
	}

	if holder, locked := sess.locks[artifactID]; locked && holder != userID {
		return &canvas.ConflictError{ArtifactID: artifactID, Holder: holder}
	}

	sess.locks[artifactID] = userID
	h.broadcastLocked(sess, userID, Envelope{
		Type: MsgArtifactEditStart,
		Data: map[string]interface{}{
			"artifact_id": artifactID,
			"user_id":     userID,
		},
		Timestamp: h.now().UnixMilli(),
	})
	return nil
}

// ReleaseLock releases an artifact lock. Only the holder may release;
// releasing an unheld lock is a no-op.
func (h *Hub) ReleaseLock(canvasID, artifactID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess, ok := h.sessions[canvasID]
	if !ok {
		return
	}
	if holder, locked := sess.locks[artifactID]; !locked || holder != userID {
		return
	}
	delete(sess.locks, artifactID)

	h.broadcastLocked(sess, userID, Envelope{
		Type: MsgArtifactEditStop,
		Data: map[string]interface{}{
			"artifact_id": artifactID,
			"user_id":     userID,
		},
		Timestamp: h.now().UnixMilli(),
	})
}

// LockHolder reports the current holder of an artifact lock, or "" when
// unlocked.
func (h *Hub) LockHolder(canvasID, artifactID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess, ok := h.sessions[canvasID]
	if !ok {
		return ""
	}
	return sess.locks[artifactID]
}

// Participants returns the user ids connected to a canvas session.
func (h *Hub) Participants(canvasID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess, ok := h.sessions[canvasID]
	if !ok {
		return nil
	}
	users := make([]string, 0, len(sess.participants))
	for userID := range sess.participants {
		users = append(users, userID)
	}
	return users
}

// Broadcast fans a message out to every participant of a canvas session
// except exceptUser (pass "" to reach everyone). Delivery is best-effort:
// send errors are logged, never retried.
func (h *Hub) Broadcast(canvasID, exceptUser, msgType string, data map[string]interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess, ok := h.sessions[canvasID]
	if !ok {
		return
	}
	h.broadcastLocked(sess, exceptUser, Envelope{
		Type:      msgType,
		Data:      data,
		Timestamp: h.now().UnixMilli(),
	})
}

// broadcastLocked delivers to every participant except exceptUser.
// Caller must hold h.mu.
func (h *Hub) broadcastLocked(sess *session, exceptUser string, env Envelope) {
	for userID, conn := range sess.participants {
		if userID == exceptUser {
			continue
		}
		if err := conn.Send(env); err != nil {
			log.Printf("[Collab] Failed to deliver %s to %s: %v", env.Type, userID, err)
		}
	}
}

// snapshotLocked builds the workspace_state envelope for a newcomer.
// Caller must hold h.mu.
func (h *Hub) snapshotLocked(sess *session) Envelope {
	participants := make([]string, 0, len(sess.participants))
	for userID := range sess.participants {
		participants = append(participants, userID)
	}
	locks := make(map[string]interface{}, len(sess.locks))
	for artifactID, holder := range sess.locks {
		locks[artifactID] = holder
	}
	return Envelope{
		Type: MsgWorkspaceState,
		Data: map[string]interface{}{
			"participants": participants,
			"edit_locks":   locks,
		},
		Timestamp: h.now().UnixMilli(),
	}
}
