package api

import (
	"encoding/base64"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/alumnihub/messaging/internal/engine"
	"github.com/alumnihub/messaging/internal/models"
	"github.com/alumnihub/messaging/internal/pipeline"
)

// session attaches (or fetches) the engine session for the request's
// user. HTTP-only clients get a session without a delivery callback.
func (s *Server) session(c *fiber.Ctx) (*engine.ClientSession, error) {
	userID := c.Locals("user_id").(string)
	return s.engine.Attach(c.Context(), userID, nil)
}

type attachmentReq struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        string `json:"data"` // base64
}

type sendMessageReq struct {
	ConversationID string         `json:"conversation_id"`
	Content        string         `json:"content"`
	Attachment     *attachmentReq `json:"attachment,omitempty"`
}

func (s *Server) sendMessage(c *fiber.Ctx) error {
	var req sendMessageReq
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid payload")
	}
	if req.ConversationID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "missing conversation_id")
	}

	cs, err := s.session(c)
	if err != nil {
		return httpError(c, err)
	}

	draft := pipeline.Draft{Text: req.Content}
	if req.Attachment != nil {
		data, err := base64.StdEncoding.DecodeString(req.Attachment.Data)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "attachment data is not valid base64")
		}
		draft.Attachment = &pipeline.Attachment{
			Filename:    req.Attachment.Filename,
			ContentType: req.Attachment.ContentType,
			Data:        data,
		}
	}

	msg, err := cs.SendTo(c.Context(), req.ConversationID, draft)
	if err != nil {
		return httpError(c, err)
	}

	s.hub.Broadcast(req.ConversationID, fiber.Map{
		"type": "message",
		"data": msg,
	})
	return c.Status(fiber.StatusCreated).JSON(msg)
}

func (s *Server) listConversations(c *fiber.Ctx) error {
	cs, err := s.session(c)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(fiber.Map{"conversations": cs.Summaries(c.Context())})
}

type startConversationReq struct {
	UserID string `json:"user_id"`
}

func (s *Server) startConversation(c *fiber.Ctx) error {
	var req startConversationReq
	if err := c.BodyParser(&req); err != nil || req.UserID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "missing user_id")
	}
	cs, err := s.session(c)
	if err != nil {
		return httpError(c, err)
	}
	conv, err := cs.StartConversation(c.Context(), req.UserID)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(conv)
}

func (s *Server) openConversation(c *fiber.Ctx) error {
	convID := c.Params("id")
	cs, err := s.session(c)
	if err != nil {
		return httpError(c, err)
	}
	msgs, err := cs.OpenConversation(c.Context(), convID)
	if err != nil {
		return httpError(c, err)
	}
	s.hub.JoinRoom(convID, cs.User().UserID)
	blocked, reason := false, ""
	if comp := cs.Composer(); comp != nil {
		blocked, reason = comp.Blocked()
	}
	return c.JSON(fiber.Map{
		"messages":       msgs,
		"compose_locked": blocked,
		"notice":         reason,
	})
}

func (s *Server) markConversationRead(c *fiber.Ctx) error {
	cs, err := s.session(c)
	if err != nil {
		return httpError(c, err)
	}
	cs.MarkRead(c.Context(), c.Params("id"))
	return c.JSON(fiber.Map{"status": "ok"})
}

type connectionReq struct {
	RecipientID string `json:"recipient_id"`
}

func (s *Server) requestConnection(c *fiber.Ctx) error {
	var req connectionReq
	if err := c.BodyParser(&req); err != nil || req.RecipientID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "missing recipient_id")
	}
	userID := c.Locals("user_id").(string)
	if req.RecipientID == userID {
		return fiber.NewError(fiber.StatusBadRequest, "cannot connect to yourself")
	}
	if existing, err := s.repo.FindConnection(c.Context(), userID, req.RecipientID); err == nil && existing != nil {
		return c.JSON(existing)
	}
	conn, err := s.repo.RequestConnection(c.Context(), userID, req.RecipientID)
	if err != nil {
		return httpError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(conn)
}

func (s *Server) acceptConnection(c *fiber.Ctx) error {
	return s.settleConnection(c, models.ConnectionAccepted)
}

func (s *Server) declineConnection(c *fiber.Ctx) error {
	return s.settleConnection(c, models.ConnectionRejected)
}

// settleConnection resolves a pending request. Only the recipient may
// settle it.
func (s *Server) settleConnection(c *fiber.Ctx, status string) error {
	userID := c.Locals("user_id").(string)
	connID := c.Params("id")

	incoming, _, err := s.repo.ListConnectionRequests(c.Context(), userID)
	if err != nil {
		return httpError(c, err)
	}
	var found bool
	for _, conn := range incoming {
		if conn.ID == connID {
			found = true
			break
		}
	}
	if !found {
		return fiber.NewError(fiber.StatusNotFound, "no pending request")
	}
	if err := s.repo.UpdateConnectionStatus(c.Context(), connID, status, time.Now().UTC()); err != nil {
		return httpError(c, err)
	}
	return c.JSON(fiber.Map{"status": status})
}

func (s *Server) removeConnection(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	connID := c.Params("id")

	// A user may only sever a connection they are part of.
	incoming, outgoing, err := s.repo.ListConnectionRequests(c.Context(), userID)
	if err != nil {
		return httpError(c, err)
	}
	owned := false
	for _, conn := range append(incoming, outgoing...) {
		if conn.ID == connID {
			owned = true
		}
	}
	if !owned {
		// Accepted connections are not in the pending lists; resolve by
		// the other participant when given one.
		if other := c.Query("user_id"); other != "" {
			if conn, err := s.repo.FindConnection(c.Context(), userID, other); err == nil && conn != nil && conn.ID == connID {
				owned = true
			}
		}
	}
	if !owned {
		return fiber.NewError(fiber.StatusNotFound, "no such connection")
	}
	if err := s.repo.DeleteConnection(c.Context(), connID); err != nil {
		return httpError(c, err)
	}
	return c.JSON(fiber.Map{"status": "removed"})
}

func (s *Server) listConnectionRequests(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	incoming, outgoing, err := s.repo.ListConnectionRequests(c.Context(), userID)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(fiber.Map{"incoming": incoming, "outgoing": outgoing})
}

func (s *Server) listNotifications(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	notes, err := s.repo.ListNotifications(c.Context(), userID)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(fiber.Map{"notifications": notes})
}

func (s *Server) profile(c *fiber.Ctx) error {
	cs, err := s.session(c)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(fiber.Map{
		"profile": cs.User().Profile(),
		"role":    cs.User().Role().String(),
	})
}
