package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/evermemory/ema/internal/observability"
	"github.com/evermemory/ema/pkg/actor"
	"github.com/evermemory/ema/pkg/snapshot"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const maxBodyBytes = 1 << 20

type actorInputRequest struct {
	UserID  int64         `json:"userId"`
	ActorID int64         `json:"actorId"`
	Inputs  []actor.Input `json:"inputs"`
}

type snapshotRequest struct {
	Name string `json:"name"`
}

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		badRequest(c, "Failed to read body")
		return nil, false
	}
	return body, true
}

func (s *Server) handleActorInput(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	if details := validate(actorInputValidator, body); details != nil {
		badRequest(c, "Invalid request body", details...)
		return
	}

	var req actorInputRequest
	if err := json.Unmarshal(body, &req); err != nil {
		badRequest(c, "Invalid request body", err.Error())
		return
	}

	if s.options.Moderator != nil {
		for i, in := range req.Inputs {
			if err := s.options.Moderator.Check(in.Content); err != nil {
				observability.RecordSecurityAudit(c.Request.Context(), "moderation", c.ClientIP(), "denied", map[string]interface{}{
					"userId":  req.UserID,
					"actorId": req.ActorID,
					"input":   i,
				})
				badRequest(c, "Input rejected", fmt.Sprintf("inputs.%d: %v", i, err))
				return
			}
		}
	}

	ctx := c.Request.Context()
	a, err := s.actors.Get(ctx, req.UserID, req.ActorID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load actor")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load actor"})
		return
	}
	if err := a.AddInputs(ctx, req.Inputs); err != nil {
		if errors.Is(err, actor.ErrUnknownInputKind) {
			badRequest(c, "Invalid request body", err.Error())
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleActorSSE(c *gin.Context) {
	a, ok := s.actorFromQuery(c)
	if !ok {
		return
	}
	events, unsubscribe := s.subscribe(a)
	defer unsubscribe()

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Content-Encoding", "none")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	logger := s.logger.With().Str("actor_key", a.Key()).Logger()
	logger.Debug().Msg("SSE stream opened")
	defer logger.Debug().Msg("SSE stream closed")

	ticker := time.NewTicker(s.options.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			w.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			w.Flush()
		case <-a.Closed():
			// The actor was reset or evicted; the client reconnects to a fresh one.
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (s *Server) handleActorWS(c *gin.Context) {
	a, ok := s.actorFromQuery(c)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	events, unsubscribe := s.subscribe(a)
	defer unsubscribe()

	// The read loop only detects the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug().Err(err).Msg("WebSocket read error")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(s.options.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev := <-events:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		case <-a.Closed():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "actor closed"),
				time.Now().Add(time.Second))
			return
		case <-closed:
			return
		}
	}
}

func (s *Server) snapshotName(c *gin.Context) (string, bool) {
	body, ok := readBody(c)
	if !ok {
		return "", false
	}
	if len(body) == 0 {
		return snapshot.DefaultName, true
	}
	if details := validate(snapshotValidator, body); details != nil {
		badRequest(c, "Invalid request body", details...)
		return "", false
	}
	var req snapshotRequest
	if err := json.Unmarshal(body, &req); err != nil {
		badRequest(c, "Invalid request body", err.Error())
		return "", false
	}
	if req.Name == "" {
		req.Name = snapshot.DefaultName
	}
	return req.Name, true
}

func (s *Server) snapshotError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, snapshot.ErrInvalidName):
		badRequest(c, "Invalid snapshot name", err.Error())
	case errors.Is(err, snapshot.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		s.logger.Error().Err(err).Msg("Snapshot operation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) handleSnapshotCreate(c *gin.Context) {
	name, ok := s.snapshotName(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	fileName, err := s.snapshots.Create(ctx, name)
	observability.RecordSnapshotAudit(ctx, "create", c.ClientIP(), err, map[string]interface{}{"name": name})
	if err != nil {
		s.snapshotError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fileName": fileName})
}

func (s *Server) handleSnapshotRestore(c *gin.Context) {
	name, ok := s.snapshotName(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	message, err := s.snapshots.Restore(ctx, name)
	observability.RecordSnapshotAudit(ctx, "restore", c.ClientIP(), err, map[string]interface{}{"name": name})
	if err != nil {
		s.snapshotError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": message})
}
