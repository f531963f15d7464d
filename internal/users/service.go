package users

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// ErrInvalidInput reports a rejected mutation request.
var ErrInvalidInput = errors.New("users: invalid input")

// Invalidator receives notifications after user records change.
type Invalidator interface {
	OnUserChanged(ctx context.Context, ref Ref) error
	OnUserDeleted(ctx context.Context, ref Ref) error
}

// RepositoryPort defines data access methods for user mutations.
type RepositoryPort interface {
	Store
	ListUsers(ctx context.Context) ([]User, error)
	SetActive(ctx context.Context, id int64, active bool) error
	LockUntil(ctx context.Context, id int64, until *time.Time) error
	UpdateProfile(ctx context.Context, id int64, displayName, role string) error
	SoftDelete(ctx context.Context, id int64) error
}

// Service handles user business logic.
type Service struct {
	repo        RepositoryPort
	invalidator Invalidator
	logger      *slog.Logger
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, invalidator Invalidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, invalidator: invalidator, logger: logger}
}

// ListUsers returns all users.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.repo.ListUsers(ctx)
}

// Deactivate disables the account; its sessions resolve anonymously afterwards.
func (s *Service) Deactivate(ctx context.Context, id int64) error {
	return s.mutate(ctx, id, false, func(ctx context.Context) error {
		return s.repo.SetActive(ctx, id, false)
	})
}

// Activate re-enables the account.
func (s *Service) Activate(ctx context.Context, id int64) error {
	return s.mutate(ctx, id, false, func(ctx context.Context) error {
		return s.repo.SetActive(ctx, id, true)
	})
}

// Lock blocks sign-in until the given time.
func (s *Service) Lock(ctx context.Context, id int64, until time.Time) error {
	if until.IsZero() {
		return ErrInvalidInput
	}
	until = until.UTC()
	return s.mutate(ctx, id, false, func(ctx context.Context) error {
		return s.repo.LockUntil(ctx, id, &until)
	})
}

// UpdateProfile changes the display name and role.
func (s *Service) UpdateProfile(ctx context.Context, id int64, displayName, role string) error {
	role = strings.TrimSpace(role)
	if role == "" {
		return ErrInvalidInput
	}
	return s.mutate(ctx, id, false, func(ctx context.Context) error {
		return s.repo.UpdateProfile(ctx, id, strings.TrimSpace(displayName), role)
	})
}

// Delete soft-deletes the account.
func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.mutate(ctx, id, true, func(ctx context.Context) error {
		return s.repo.SoftDelete(ctx, id)
	})
}

// mutate captures the user's aliases before the write so cache keys derived
// from a changed email or username are still evicted.
func (s *Service) mutate(ctx context.Context, id int64, deleted bool, write func(context.Context) error) error {
	if id <= 0 {
		return ErrInvalidInput
	}
	before, err := s.repo.GetUserByID(ctx, id)
	if err != nil {
		return err
	}
	if err := write(ctx); err != nil {
		return err
	}
	if s.invalidator == nil {
		return nil
	}
	ref := RefOf(before)
	if deleted {
		err = s.invalidator.OnUserDeleted(ctx, ref)
	} else {
		err = s.invalidator.OnUserChanged(ctx, ref)
	}
	if err != nil {
		s.logger.Warn("invalidate user caches", slog.Int64("user_id", id), slog.Any("error", err))
	}
	return nil
}
