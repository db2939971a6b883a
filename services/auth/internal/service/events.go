package service

import (
	"context"
	"time"

	"github.com/smdydx/UserAuthSystem/libs/kafka"
	"github.com/smdydx/UserAuthSystem/services/auth/internal/storage"
)

const (
	EventUserRegistered = "user.registered"
	EventUserLocked     = "user.locked"
	EventPasswordReset  = "user.password_reset"
)

type UserEvent struct {
	kafka.Envelope
	UserID        string     `json:"user_id"`
	Email         string     `json:"email"`
	Role          string     `json:"role"`
	LockedUntil   *time.Time `json:"locked_until,omitempty"`
	RevokedTokens int64      `json:"revoked_tokens,omitempty"`
}

// publishUserEvent is best effort. The state change it reports is already
// committed, so a publish failure is only logged.
func (s *AuthService) publishUserEvent(ctx context.Context, eventType, correlationID string, user *storage.User, fill func(*UserEvent)) {
	if s.events == nil || s.topics.Events == "" || user == nil {
		return
	}
	env, err := kafka.NewEnvelope(eventType, 1, correlationID, s.clock.Now())
	if err != nil {
		s.logger.Error("build event envelope failed", "event_type", eventType, "error", err)
		return
	}
	evt := UserEvent{
		Envelope: env,
		UserID:   user.ID.String(),
		Email:    user.Email,
		Role:     user.Role,
	}
	if fill != nil {
		fill(&evt)
	}
	if _, _, err := s.events.PublishJSON(ctx, s.topics.Events, evt.UserID, evt); err != nil {
		s.logger.Error("publish user event failed", "event_type", eventType, "user_id", evt.UserID, "error", err)
	}
}
