package api

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/alumnihub/messaging/internal/apperr"
	"github.com/alumnihub/messaging/internal/auth"
	"github.com/alumnihub/messaging/internal/metrics"
)

func JWTAuthMiddleware(validator *auth.JWTValidator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		h := c.Get("Authorization")
		if h == "" {
			// Browser websocket clients cannot set headers; allow the
			// token as a query parameter on the upgrade request.
			if tok := c.Query("token"); tok != "" {
				h = "Bearer " + tok
			}
		}
		if h == "" || !strings.HasPrefix(h, "Bearer ") {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing auth"})
		}
		token := strings.TrimPrefix(h, "Bearer ")
		userID, err := validator.Validate(token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token"})
		}
		c.Locals("user_id", userID)
		return c.Next()
	}
}

// sendLimiter caps message sends per user. Entries idle past the
// eviction window are dropped on the next sweep.
type sendLimiter struct {
	mu     sync.Mutex
	users  map[string]*limiterEntry
	perMin int
	lastGC time.Time
}

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func newSendLimiter(perMinute int) *sendLimiter {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &sendLimiter{users: make(map[string]*limiterEntry), perMin: perMinute, lastGC: time.Now()}
}

func (l *sendLimiter) allow(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.Sub(l.lastGC) > 10*time.Minute {
		for id, e := range l.users {
			if now.Sub(e.seen) > 10*time.Minute {
				delete(l.users, id)
			}
		}
		l.lastGC = now
	}
	e, ok := l.users[userID]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMin)), l.perMin)}
		l.users[userID] = e
	}
	e.seen = now
	return e.lim.Allow()
}

func (l *sendLimiter) middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, _ := c.Locals("user_id").(string)
		if !l.allow(userID) {
			return httpError(c, apperr.ErrRateLimited)
		}
		return c.Next()
	}
}

func requestLogger(log *zap.SugaredLogger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		metrics.HTTPRequests.WithLabelValues(c.Method(), c.Route().Path).Inc()
		log.Debugw("http request",
			"method", c.Method(),
			"path", c.Path(),
			"status", c.Response().StatusCode(),
			"duration", time.Since(start),
		)
		return err
	}
}

// httpError maps domain errors onto HTTP statuses.
func httpError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrUnauthorized):
		status = fiber.StatusUnauthorized
	case errors.Is(err, apperr.ErrNotPermitted):
		status = fiber.StatusForbidden
	case errors.Is(err, apperr.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, apperr.ErrAttachmentTooLarge):
		status = fiber.StatusRequestEntityTooLarge
	case errors.Is(err, apperr.ErrEmptyMessage), errors.Is(err, apperr.ErrBadRequest):
		status = fiber.StatusBadRequest
	case errors.Is(err, apperr.ErrRateLimited):
		status = fiber.StatusTooManyRequests
	case errors.Is(err, apperr.ErrAttachmentUpload):
		status = fiber.StatusBadGateway
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}
