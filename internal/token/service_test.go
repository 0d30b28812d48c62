package token

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store honoring the single-winner Consume contract.
type memStore struct {
	mu   sync.Mutex
	recs map[string]*Record
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]*Record)}
}

func (m *memStore) Insert(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.TokenHash] = &rec
	return nil
}

func (m *memStore) Consume(_ context.Context, purpose Purpose, hash string, now time.Time) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.recs[hash]
	if !ok || rec.Purpose != purpose {
		return Record{}, ErrNotFound
	}
	if rec.UsedAt != nil {
		return Record{}, ErrAlreadyUsed
	}
	if !rec.ExpiresAt.After(now) {
		return Record{}, ErrExpired
	}

	used := now
	rec.UsedAt = &used
	return *rec, nil
}

func (m *memStore) DeleteForSubject(_ context.Context, purpose Purpose, subjectID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, rec := range m.recs {
		if rec.Purpose == purpose && rec.SubjectID == subjectID && rec.UsedAt == nil {
			delete(m.recs, hash)
		}
	}
	return nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestIssueAndRedeem_RoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := NewServiceWithClock(newMemStore(), fixedClock(now))
	subject := uuid.New()

	plain, rec, err := svc.Issue(ctx, PurposeInvitation, subject)
	require.NoError(t, err)
	require.Equal(t, Hash(plain), rec.TokenHash)
	require.Equal(t, now.Add(7*24*time.Hour), rec.ExpiresAt)

	got, err := svc.Redeem(ctx, PurposeInvitation, plain)
	require.NoError(t, err)
	require.Equal(t, subject, got)
}

func TestRedeem_SecondCallReturnsAlreadyUsed(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newMemStore())
	subject := uuid.New()

	plain, _, err := svc.Issue(ctx, PurposePasswordReset, subject)
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, PurposePasswordReset, plain)
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, PurposePasswordReset, plain)
	require.ErrorIs(t, err, ErrAlreadyUsed)
}

func TestRedeem_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newMemStore())

	plain, _, err := svc.Issue(ctx, PurposeInvitation, uuid.New())
	require.NoError(t, err)

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Redeem(ctx, PurposeInvitation, plain)
		}(i)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		default:
			require.ErrorIs(t, err, ErrAlreadyUsed)
			lost++
		}
	}
	require.Equal(t, 1, won)
	require.Equal(t, callers-1, lost)
}

func TestRedeem_Expired(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	issuedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	svc := NewServiceWithClock(store, fixedClock(issuedAt))
	plain, _, err := svc.Issue(ctx, PurposeEmailVerification, uuid.New())
	require.NoError(t, err)

	// Verification tokens live 24h; 25h later the redeem must fail.
	late := NewServiceWithClock(store, fixedClock(issuedAt.Add(25*time.Hour)))
	_, err = late.Redeem(ctx, PurposeEmailVerification, plain)
	require.ErrorIs(t, err, ErrExpired)
}

func TestRedeem_UnknownToken(t *testing.T) {
	svc := NewService(newMemStore())
	plain, _, err := Generate()
	require.NoError(t, err)

	_, err = svc.Redeem(context.Background(), PurposeInvitation, plain)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIssue_InvalidatesPreviousOpenToken(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newMemStore())
	subject := uuid.New()

	first, _, err := svc.Issue(ctx, PurposePasswordReset, subject)
	require.NoError(t, err)
	second, _, err := svc.Issue(ctx, PurposePasswordReset, subject)
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, PurposePasswordReset, first)
	require.ErrorIs(t, err, ErrNotFound)

	got, err := svc.Redeem(ctx, PurposePasswordReset, second)
	require.NoError(t, err)
	require.Equal(t, subject, got)
}

func TestPurposeTTLs(t *testing.T) {
	require.Equal(t, 7*24*time.Hour, PurposeInvitation.TTL())
	require.Equal(t, 24*time.Hour, PurposeEmailVerification.TTL())
	require.Equal(t, 24*time.Hour, PurposePasswordReset.TTL())
}
