package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/coedit/internal/cache"
	"github.com/charlesng35/coedit/internal/models"
	apperrors "github.com/charlesng35/coedit/pkg/errors"
	"github.com/charlesng35/coedit/pkg/logger"
)

const displayNameKeyPrefix = "display_name:"

// UserService resolves user records for display purposes.
type UserService struct {
	db       *gorm.DB
	cache    cache.Store
	cacheTTL time.Duration
}

// UserOption customises a UserService.
type UserOption func(*UserService)

// WithDisplayNameCache caches resolved display names for ttl.
func WithDisplayNameCache(store cache.Store, ttl time.Duration) UserOption {
	return func(s *UserService) {
		if store != nil && ttl > 0 {
			s.cache = store
			s.cacheTTL = ttl
		}
	}
}

// NewUserService constructs a user service.
func NewUserService(db *gorm.DB, opts ...UserOption) (*UserService, error) {
	if db == nil {
		return nil, errors.New("user service: db is required")
	}
	svc := &UserService{db: db}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// FindByID loads an active user.
func (s *UserService) FindByID(ctx context.Context, userID string) (*models.User, error) {
	ctx = ensureContext(ctx)

	var user models.User
	if err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		First(&user, "id = ?", strings.TrimSpace(userID)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound.WithMessage("User not found")
		}
		return nil, fmt.Errorf("user service: load user: %w", err)
	}
	return &user, nil
}

// DisplayName returns the name shown to other room members. Cache failures fall back to
// the database.
func (s *UserService) DisplayName(ctx context.Context, userID string) (string, error) {
	ctx = ensureContext(ctx)
	key := displayNameKeyPrefix + strings.TrimSpace(userID)

	if s.cache != nil {
		value, ok, err := s.cache.Get(ctx, key)
		switch {
		case err != nil:
			logger.WithModule("users").Debug("display name cache read failed", zap.Error(err))
		case ok:
			return string(value), nil
		}
	}

	user, err := s.FindByID(ctx, userID)
	if err != nil {
		return "", err
	}
	name := user.DisplayName()

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, []byte(name), s.cacheTTL); err != nil {
			logger.WithModule("users").Debug("display name cache write failed", zap.Error(err))
		}
	}
	return name, nil
}

// ForgetDisplayName drops a cached display name, e.g. after a profile change.
func (s *UserService) ForgetDisplayName(ctx context.Context, userID string) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Delete(ensureContext(ctx), displayNameKeyPrefix+strings.TrimSpace(userID))
}
