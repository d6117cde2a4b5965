// Package gate decides whether two users are allowed to exchange
// messages. The check is authoritative at send time: connections can be
// revoked mid-session, so callers re-check immediately before
// persisting, not only at conversation open.
package gate

import (
	"context"

	"github.com/alumnihub/messaging/internal/models"
)

// ConnectionReader is the slice of the durable store the gate needs.
type ConnectionReader interface {
	// FindConnection returns the connection between the two users in
	// either direction, or nil when none exists.
	FindConnection(ctx context.Context, userA, userB string) (*models.Connection, error)
}

type Gate struct {
	conns ConnectionReader
}

func New(conns ConnectionReader) *Gate {
	return &Gate{conns: conns}
}

// IsPermitted reports whether an accepted connection exists between the
// two users, in either direction.
func (g *Gate) IsPermitted(ctx context.Context, userA, userB string) (bool, error) {
	c, err := g.conns.FindConnection(ctx, userA, userB)
	if err != nil {
		return false, err
	}
	return c != nil && c.Status == models.ConnectionAccepted, nil
}
