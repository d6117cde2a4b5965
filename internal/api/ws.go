package api

import (
	"context"

	"github.com/gofiber/websocket/v2"

	"github.com/alumnihub/messaging/internal/ws"
)

// PresenceWriter flips the online flag as websockets come and go.
type PresenceWriter interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
}

// wsHandler upgrades an authenticated request to the realtime channel.
// The client drives conversation focus over the socket; the engine
// pushes feed events and alerts back through the same connection.
//
// Inbound frames:
//
//	{"type": "open_conversation", "conversation_id": "..."}
//	{"type": "close_conversation"}
//	{"type": "mark_read", "conversation_id": "..."}
func (s *Server) wsHandler() func(*websocket.Conn) {
	return func(conn *websocket.Conn) {
		userID, _ := conn.Locals("user_id").(string)
		if userID == "" {
			_ = conn.Close()
			return
		}

		client := ws.NewClient(userID, conn)
		cs, err := s.engine.Attach(context.Background(), userID, client.Send)
		if err != nil {
			s.log.Warnw("ws attach failed", "user", userID, "err", err)
			_ = conn.Close()
			return
		}
		s.hub.AddClient(userID, client)
		s.setOnline(userID, true)

		defer func() {
			// A reconnect (or second tab) replaces this client in the
			// hub; only the socket still registered may tear the shared
			// session down.
			if s.hub.RemoveClientIf(userID, client) {
				s.setOnline(userID, false)
				s.engine.Detach(userID)
			}
			client.Close()
		}()

		go client.WritePump()

		client.ReadPump(func(frame map[string]any) {
			kind, _ := frame["type"].(string)
			convID, _ := frame["conversation_id"].(string)
			ctx := context.Background()

			switch kind {
			case "open_conversation":
				if convID == "" {
					return
				}
				if prev := cs.OpenConversationID(); prev != "" {
					s.hub.LeaveRoom(prev, userID)
				}
				msgs, err := cs.OpenConversation(ctx, convID)
				if err != nil {
					client.Send(map[string]any{"type": "error", "error": err.Error()})
					return
				}
				s.hub.JoinRoom(convID, userID)
				locked, notice := cs.Composer().Blocked()
				client.Send(map[string]any{
					"type":            "conversation_opened",
					"conversation_id": convID,
					"messages":        msgs,
					"compose_locked":  locked,
					"notice":          notice,
				})
			case "close_conversation":
				if prev := cs.OpenConversationID(); prev != "" {
					s.hub.LeaveRoom(prev, userID)
				}
				cs.CloseConversation()
			case "mark_read":
				if convID != "" {
					cs.MarkRead(ctx, convID)
				}
			}
		})
	}
}

func (s *Server) setOnline(userID string, online bool) {
	if s.presence == nil {
		return
	}
	var err error
	if online {
		err = s.presence.SetOnline(context.Background(), userID)
	} else {
		err = s.presence.SetOffline(context.Background(), userID)
	}
	if err != nil {
		s.log.Debugw("presence update failed", "user", userID, "online", online, "err", err)
	}
}
