package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the Postgres-backed token store.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a Postgres token store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Insert(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO auth_tokens (id, purpose, token_hash, subject_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, rec.Purpose, rec.TokenHash, rec.SubjectID, rec.ExpiresAt, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	return nil
}

// Consume marks a token used if and only if it is still open and unexpired.
// The conditional UPDATE is the atomicity gate: of two concurrent redeemers,
// only one affects a row.
func (s *PGStore) Consume(ctx context.Context, purpose Purpose, hash string, now time.Time) (Record, error) {
	var rec Record
	err := s.pool.QueryRow(ctx, `
		UPDATE auth_tokens
		SET used_at = $3
		WHERE purpose = $1
		  AND token_hash = $2
		  AND used_at IS NULL
		  AND expires_at > $3
		RETURNING id, purpose, token_hash, subject_id, expires_at, used_at, created_at
	`, purpose, hash, now).Scan(
		&rec.ID,
		&rec.Purpose,
		&rec.TokenHash,
		&rec.SubjectID,
		&rec.ExpiresAt,
		&rec.UsedAt,
		&rec.CreatedAt,
	)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("failed to consume token: %w", err)
	}

	// The gate didn't fire; diagnose which typed failure to report.
	var usedAt *time.Time
	var expiresAt time.Time
	err = s.pool.QueryRow(ctx, `
		SELECT used_at, expires_at
		FROM auth_tokens
		WHERE purpose = $1 AND token_hash = $2
	`, purpose, hash).Scan(&usedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("failed to inspect token: %w", err)
	}

	if usedAt != nil {
		return Record{}, ErrAlreadyUsed
	}
	if !expiresAt.After(now) {
		return Record{}, ErrExpired
	}
	return Record{}, ErrNotFound
}

func (s *PGStore) DeleteForSubject(ctx context.Context, purpose Purpose, subjectID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM auth_tokens
		WHERE purpose = $1 AND subject_id = $2 AND used_at IS NULL
	`, purpose, subjectID)
	if err != nil {
		return fmt.Errorf("failed to delete open tokens: %w", err)
	}
	return nil
}
