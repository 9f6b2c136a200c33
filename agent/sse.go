package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"kalpana.dev/db"
)

// RegisterRoutes mounts the agent streaming endpoint on an echo group.
func (g *Gateway) RegisterRoutes(e *echo.Group) {
	e.GET("/agents/:id/stream", g.StreamHandler)
}

// StreamHandler serves the agent event stream over SSE. The stream opens
// with the hydrated snapshot (init, persisted messages, tool calls, files)
// and then forwards live events. It stays open after the agent finishes so
// a reconnecting client can resume; the client closes when done.
func (g *Gateway) StreamHandler(c echo.Context) error {
	agentID := c.Param("id")
	ctx := c.Request().Context()

	sub, err := g.Subscribe(ctx, agentID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "agent not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	defer sub.Close()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	if err := writeSnapshot(resp, sub.Snapshot); err != nil {
		return nil
	}
	resp.Flush()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events:
			if !ok {
				return nil
			}
			frame := mapEvent(ev)
			if frame == nil {
				continue
			}
			if err := writeSSE(resp, frame); err != nil {
				return nil
			}
			resp.Flush()
		}
	}
}

// writeSnapshot emits the hydrated state as the SSE prologue.
func writeSnapshot(w http.ResponseWriter, snap *Snapshot) error {
	if err := writeSSE(w, map[string]interface{}{
		"type":      "init",
		"status":    snap.Status,
		"timestamp": time.Now().UnixMilli(),
	}); err != nil {
		return err
	}
	for _, msg := range snap.Messages {
		if err := writeSSE(w, map[string]interface{}{
			"type":    "message",
			"message": msg,
		}); err != nil {
			return err
		}
	}
	for _, tc := range snap.ToolCalls {
		if err := writeSSE(w, map[string]interface{}{
			"type":       "tool-call",
			"toolCallId": tc.ID,
			"toolName":   tc.Name,
			"args":       tc.Args,
		}); err != nil {
			return err
		}
		if tc.State == ToolStateComplete {
			if err := writeSSE(w, map[string]interface{}{
				"type":       "tool-result",
				"toolCallId": tc.ID,
				"toolName":   tc.Name,
				"result":     tc.Result,
			}); err != nil {
				return err
			}
		}
	}
	return writeSSE(w, map[string]interface{}{
		"type":  "files",
		"files": snap.FilesEdited,
	})
}

// mapEvent translates a bus event into its SSE frame. Unknown types are
// dropped.
func mapEvent(ev Event) map[string]interface{} {
	switch ev.Type {
	case EventTextDelta:
		return map[string]interface{}{"type": "streaming", "content": ev.TextDelta}
	case EventToolCall:
		return map[string]interface{}{
			"type":       "tool-call",
			"toolCallId": ev.ToolCallID,
			"toolName":   ev.ToolName,
			"args":       ev.Args,
		}
	case EventToolResult:
		return map[string]interface{}{
			"type":       "tool-result",
			"toolCallId": ev.ToolCallID,
			"toolName":   ev.ToolName,
			"result":     ev.Result,
		}
	case EventFileEdit:
		files := []FileEdit{}
		if ev.FileEdit != nil {
			files = append(files, *ev.FileEdit)
		}
		return map[string]interface{}{"type": "files", "files": files}
	case EventStatus:
		return map[string]interface{}{"type": "status", "status": ev.Status}
	case EventFinish:
		return map[string]interface{}{"type": "done"}
	case EventError:
		return map[string]interface{}{"type": "error", "message": ev.Message}
	}
	return nil
}

// writeSSE emits one server-sent event with a JSON payload.
func writeSSE(w http.ResponseWriter, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
