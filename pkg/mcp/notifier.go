package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/skillflow/internal/streaming"
	"github.com/rendis/skillflow/pkg/schema"
)

// ChatNotifier pushes chat session progress to the client that owns the session.
type ChatNotifier interface {
	Notify(ctx context.Context, chatID string, payload map[string]any) error
}

// MCPNotifier implements ChatNotifier using MCP server-to-client notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes over the client's MCP session.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the chat's client session.
// Best-effort: returns nil if the client is not connected.
func (n *MCPNotifier) Notify(_ context.Context, chatID string, payload map[string]any) error {
	clientID, ok := n.sessions.ClientFor(chatID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(clientID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(clientID)
		return nil
	}
	return err
}

// chatEventTypes are the hub events forwarded to a chat's client.
var chatEventTypes = []string{
	schema.EventTurnAppended,
	schema.EventSessionAwaiting,
	schema.EventSessionComplete,
	schema.EventSessionIdle,
}

// watch forwards a chat session's transcript and state events to its client
// until the session is closed or the client disconnects.
func (s *SkillflowServer) watch(chatID string) {
	if s.hub == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch, unsubscribe, err := s.hub.Subscribe(ctx, streaming.EventFilter{RunID: chatID, EventTypes: chatEventTypes})
	if err != nil {
		cancel()
		s.logger.Warn("chat notifications unavailable", "session_id", chatID, "error", err)
		return
	}

	s.mu.Lock()
	if prev, ok := s.watchers[chatID]; ok {
		prev()
	}
	s.watchers[chatID] = cancel
	s.mu.Unlock()

	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				payload := map[string]any{
					"level":  "info",
					"logger": "skillflow.chat",
					"data": map[string]any{
						"session_id": chatID,
						"event_type": ev.EventType,
						"node_id":    ev.NodeID,
						"payload":    ev.Payload,
					},
				}
				if err := s.notifier.Notify(ctx, chatID, payload); err != nil {
					s.logger.Debug("chat notification failed", "session_id", chatID, "error", err)
				}
			}
		}
	}()
}

func (s *SkillflowServer) stopWatching(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.watchers[chatID]; ok {
		cancel()
		delete(s.watchers, chatID)
	}
}
