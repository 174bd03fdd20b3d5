package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/apperrors"
	"github.com/MarcoPoloResearchLab/parley/internal/auth"
	"github.com/MarcoPoloResearchLab/parley/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew      = "identity.service.new"
	opResolve         = "identity.resolve"
	defaultProvider   = "default"
	querySubject      = "provider = ? AND subject = ?"
	seenRefreshWindow = time.Hour
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("identity: invalid identity")
	errMissingDatabase = errors.New("database handle is required")
)

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service resolves canonical actor ids and remembers provider-specific identities.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

type cachedActor struct {
	actorID  string
	loadedAt time.Time
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperrors.Internal(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, now: clock, logger: logger}, nil
}

// Resolve returns the canonical actor id for the session claims, recording the identity on
// first sight. Provider prefixes such as "google:" are stripped from the actor id.
func (s *Service) Resolve(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	actorID, err := ids.NewParticipantID(subject)
	if err != nil {
		return "", apperrors.Validation(opResolve, "invalid_subject", ErrInvalidIdentity)
	}

	cacheKey := provider + ":" + subject
	now := s.now().UTC()
	if cached, ok := s.cache.Load(cacheKey); ok {
		entry := cached.(cachedActor)
		if now.Sub(entry.loadedAt) < seenRefreshWindow {
			return entry.actorID, nil
		}
	}

	db := s.db.WithContext(ctx)
	candidate := Identity{
		Provider:    provider,
		Subject:     subject,
		ActorID:     actorID.String(),
		Email:       normalize(claims.UserEmail),
		DisplayName: normalize(claims.UserDisplayName),
		LastSeenAt:  now,
		CreatedAt:   now,
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate).Error; err != nil {
		s.logger.Error("identity insert failed", zap.String("operation", opResolve), zap.String("provider", provider), zap.Error(err))
		return "", apperrors.FromStore(opResolve, "insert_failed", err)
	}

	var stored Identity
	if err := db.Where(querySubject, provider, subject).Take(&stored).Error; err != nil {
		s.logger.Error("identity lookup failed", zap.String("operation", opResolve), zap.String("provider", provider), zap.Error(err))
		return "", apperrors.FromStore(opResolve, "query_failed", err)
	}

	updates := map[string]interface{}{"last_seen_at": now}
	if candidate.Email != "" && candidate.Email != stored.Email {
		updates["email"] = candidate.Email
	}
	if candidate.DisplayName != "" && candidate.DisplayName != stored.DisplayName {
		updates["display_name"] = candidate.DisplayName
	}
	if err := db.Model(&Identity{}).Where(querySubject, provider, subject).Updates(updates).Error; err != nil {
		s.logger.Warn("identity refresh failed", zap.String("provider", provider), zap.Error(err))
	}

	s.cache.Store(cacheKey, cachedActor{actorID: stored.ActorID, loadedAt: now})
	return stored.ActorID, nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = strings.ToLower(normalize(segments[0]))
				subject = normalize(segments[1])
			}
		} else {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
