package prison

import (
	"context"
	"errors"
	"log/slog"

	"courtbot/clock"
	"courtbot/court"
	"courtbot/notify"
)

type Service struct {
	registry Registry
	clock    clock.Clock
	logger   *slog.Logger
}

func NewService(registry Registry, clk clock.Clock, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{registry: registry, clock: clk, logger: court.ResolveLogger(logger)}
}

// Arrest imprisons a member by moderator order.
func (s *Service) Arrest(ctx context.Context, guildID, userID, reason string) (Entry, error) {
	return s.arrest(ctx, Entry{GuildID: guildID, UserID: userID, Reason: reason})
}

func (s *Service) arrest(ctx context.Context, e Entry) (Entry, error) {
	e.ArrestedAt = s.clock.Now()
	if err := s.registry.Arrest(ctx, e); err != nil {
		return Entry{}, err
	}
	s.logger.InfoContext(ctx, "member imprisoned",
		"event", "prison_arrest",
		"module", "prison",
		"layer", "service",
		"guild_id", e.GuildID,
		"user_id", e.UserID,
		"case_id", e.CaseID,
	)
	return e, nil
}

func (s *Service) Release(ctx context.Context, guildID, userID string) error {
	if err := s.registry.Release(ctx, guildID, userID); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "member released",
		"event", "prison_release",
		"module", "prison",
		"layer", "service",
		"guild_id", guildID,
		"user_id", userID,
	)
	return nil
}

func (s *Service) List(ctx context.Context, guildID string) ([]Entry, error) {
	return s.registry.List(ctx, guildID)
}

// IsImprisoned lets the chat glue re-apply the prison role when a member
// rejoins.
func (s *Service) IsImprisoned(ctx context.Context, guildID, userID string) (bool, error) {
	_, err := s.registry.Get(ctx, guildID, userID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotImprisoned):
		return false, nil
	}
	return false, err
}

// Sentencer is a notify.Sink that imprisons the subject of every case
// closed with a FAIL verdict. Replays of the same event are harmless.
type Sentencer struct {
	svc *Service
}

func NewSentencer(svc *Service) *Sentencer {
	return &Sentencer{svc: svc}
}

func (s *Sentencer) Notify(ctx context.Context, e notify.Event) error {
	if e.Type != notify.EventCaseClosed || e.Verdict != court.VerdictFail {
		return nil
	}
	_, err := s.svc.arrest(ctx, Entry{
		GuildID: e.GuildID,
		UserID:  e.Subject,
		CaseID:  e.CaseID,
		Reason:  e.Reason,
	})
	if errors.Is(err, ErrAlreadyImprisoned) {
		return nil
	}
	return err
}
