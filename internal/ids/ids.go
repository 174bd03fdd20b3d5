// Package ids issues entity identifiers and validates participant identifiers.
package ids

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidParticipantID indicates that a participant identifier is empty or exceeds storage bounds.
	ErrInvalidParticipantID = errors.New("ids: invalid participant id")
	// ErrInvalidEntityID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidEntityID = errors.New("ids: invalid entity id")
)

// Provider issues unique identifiers for new rows.
type Provider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a Provider that issues UUIDv7 identifiers.
func NewUUIDProvider() Provider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// ParticipantID is a validated buyer or provider identifier handed out by the identity provider.
type ParticipantID string

// NewParticipantID validates raw input and returns a ParticipantID.
func NewParticipantID(rawInput string) (ParticipantID, error) {
	trimmed, err := validate(rawInput, ErrInvalidParticipantID)
	if err != nil {
		return "", err
	}
	return ParticipantID(trimmed), nil
}

// String returns the underlying identifier.
func (id ParticipantID) String() string {
	return string(id)
}

// EntityID is a validated conversation, quote, message or attachment identifier.
type EntityID string

// NewEntityID validates raw input and returns an EntityID.
func NewEntityID(rawInput string) (EntityID, error) {
	trimmed, err := validate(rawInput, ErrInvalidEntityID)
	if err != nil {
		return "", err
	}
	return EntityID(trimmed), nil
}

// String returns the underlying identifier.
func (id EntityID) String() string {
	return string(id)
}

func validate(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}
