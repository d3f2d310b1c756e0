// Package chat keeps each team's durable message log and pushes messages and
// proposal events to connected members.
package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/teamfolio/trade-engine/internal/model"
	"github.com/teamfolio/trade-engine/internal/store"
	"github.com/teamfolio/trade-engine/internal/wshub"
)

const (
	// MaxTextLength bounds a text message, in characters.
	MaxTextLength = 1000

	defaultPageSize = 50
	maxPageSize     = 200
)

// Service appends to the team log and fans out over the team push channel.
// Delivery is at-least-once; clients dedupe by message id and catch up from
// History after a reconnect.
type Service struct {
	store store.Store
	hub   *wshub.Hub
	now   func() time.Time
}

// NewService creates a chat service.
func NewService(st store.Store) *Service {
	return &Service{
		store: st,
		hub:   wshub.New("team"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Broadcast appends msg to the team log, assigning its sequence number,
// then pushes it to connected members.
func (s *Service) Broadcast(ctx context.Context, teamID string, msg *model.Message) error {
	msg.TeamID = teamID
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return err
	}
	s.Deliver(msg)
	return nil
}

// PostText posts a member's text message. A retry with the same client
// token returns the message stored first without pushing it again.
func (s *Service) PostText(ctx context.Context, teamID string, sender model.Identity, text, clientToken string) (*model.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &model.ValidationError{Field: "text", Message: "must not be empty"}
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return nil, &model.ValidationError{Field: "text", Message: fmt.Sprintf("must be at most %d characters", MaxTextLength)}
	}
	if err := s.checkMember(ctx, teamID, sender.UserID); err != nil {
		return nil, err
	}

	msg := &model.Message{
		Kind:        model.MessageText,
		SenderID:    sender.UserID,
		SenderName:  sender.Nickname,
		Text:        text,
		ClientToken: clientToken,
	}
	err := s.Broadcast(ctx, teamID, msg)
	if errors.Is(err, model.ErrDuplicateMessage) {
		return s.store.FindMessageByToken(ctx, teamID, clientToken)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Deliver pushes an already persisted message.
func (s *Service) Deliver(msg *model.Message) {
	s.hub.Broadcast(msg.TeamID, model.Event{Type: model.EventMessage, TeamID: msg.TeamID, Message: msg})
}

// Publish pushes a transient event to the team.
func (s *Service) Publish(teamID string, ev model.Event) {
	s.hub.Broadcast(teamID, ev)
}

// History returns up to limit messages after afterSeq, oldest first.
func (s *Service) History(ctx context.Context, teamID string, afterSeq int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if afterSeq < 0 {
		afterSeq = 0
	}
	return s.store.ListMessages(ctx, teamID, afterSeq, limit)
}

// Serve attaches a member's connection to the team push channel.
func (s *Service) Serve(w http.ResponseWriter, r *http.Request, teamID string) {
	s.hub.Serve(w, r, []string{teamID})
}

// Connected returns the number of open connections for a team.
func (s *Service) Connected(teamID string) int { return s.hub.Clients(teamID) }

func (s *Service) checkMember(ctx context.Context, teamID, userID string) error {
	team, err := s.store.GetTeam(ctx, teamID)
	if err != nil {
		return err
	}
	if !team.HasMember(userID) {
		return model.ErrNotTeamMember
	}
	return nil
}
