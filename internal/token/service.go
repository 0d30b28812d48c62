package token

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Purpose identifies what a single-use token is for. TTLs differ per purpose.
type Purpose string

const (
	PurposeInvitation        Purpose = "invitation"
	PurposeEmailVerification Purpose = "email_verification"
	PurposePasswordReset     Purpose = "password_reset"
)

// TTL returns the validity window for tokens of this purpose.
func (p Purpose) TTL() time.Duration {
	switch p {
	case PurposeInvitation:
		return 7 * 24 * time.Hour
	case PurposeEmailVerification, PurposePasswordReset:
		return 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// IsValid reports whether the purpose is one of the known kinds.
func (p Purpose) IsValid() bool {
	switch p {
	case PurposeInvitation, PurposeEmailVerification, PurposePasswordReset:
		return true
	}
	return false
}

var (
	// ErrInvalidPurpose is returned when an unknown purpose is used
	ErrInvalidPurpose = errors.New("invalid token purpose")

	// ErrNotFound is returned when no token matches the presented value
	ErrNotFound = errors.New("token not found")

	// ErrExpired is returned when the token's validity window has passed
	ErrExpired = errors.New("token expired")

	// ErrAlreadyUsed is returned when the token was redeemed before
	ErrAlreadyUsed = errors.New("token already used")
)

// Record is a stored token. Only the hash of the plaintext is kept.
type Record struct {
	ID        uuid.UUID
	Purpose   Purpose
	TokenHash string
	SubjectID uuid.UUID
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// Store persists token records. Consume must be atomic: when the same token is
// presented concurrently, exactly one caller gets the record back, every other
// caller gets ErrAlreadyUsed.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	Consume(ctx context.Context, purpose Purpose, hash string, now time.Time) (Record, error)
	DeleteForSubject(ctx context.Context, purpose Purpose, subjectID uuid.UUID) error
}

// Service issues and redeems single-use, time-limited tokens.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a token service backed by the given store.
func NewService(store Store) *Service {
	return &Service{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// NewServiceWithClock creates a token service with an injected clock for tests.
func NewServiceWithClock(store Store, now func() time.Time) *Service {
	return &Service{store: store, now: now}
}

// Issue generates a fresh token bound to subjectID. Any previously issued,
// still-open token of the same purpose for the subject is invalidated so only
// the newest one can be redeemed. The plaintext is returned exactly once.
func (s *Service) Issue(ctx context.Context, purpose Purpose, subjectID uuid.UUID) (string, Record, error) {
	if !purpose.IsValid() {
		return "", Record{}, ErrInvalidPurpose
	}

	if err := s.store.DeleteForSubject(ctx, purpose, subjectID); err != nil {
		return "", Record{}, err
	}

	plain, hash, err := Generate()
	if err != nil {
		return "", Record{}, err
	}

	rec := Record{
		ID:        uuid.New(),
		Purpose:   purpose,
		TokenHash: hash,
		SubjectID: subjectID,
		ExpiresAt: s.now().Add(purpose.TTL()),
		CreatedAt: s.now(),
	}

	if err := s.store.Insert(ctx, rec); err != nil {
		return "", Record{}, err
	}

	return plain, rec, nil
}

// Redeem validates and consumes a presented token, returning the bound subject.
// Lookup is by hash, never by plaintext. A second redemption of the same token
// returns ErrAlreadyUsed.
func (s *Service) Redeem(ctx context.Context, purpose Purpose, plain string) (uuid.UUID, error) {
	if !purpose.IsValid() {
		return uuid.Nil, ErrInvalidPurpose
	}
	if !ValidateFormat(plain) {
		return uuid.Nil, ErrNotFound
	}

	rec, err := s.store.Consume(ctx, purpose, Hash(plain), s.now())
	if err != nil {
		return uuid.Nil, err
	}

	return rec.SubjectID, nil
}
