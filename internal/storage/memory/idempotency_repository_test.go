package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
	"github.com/vladislavdragonenkov/orderengine/internal/storage/memory"
)

func submitClaim(scope domain.IdempotencyScope, key, hash string, expiresAt time.Time) domain.IdempotencyClaim {
	return domain.IdempotencyClaim{Scope: scope, Key: key, RequestHash: hash, ExpiresAt: expiresAt}
}

func TestIdempotencyRepository_ClaimAndComplete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	expiresAt := time.Now().UTC().Add(time.Hour)

	claimed, err := repo.Claim(ctx, submitClaim(domain.IdempotencyScopeGRPC, " cart-1 ", "hash-1", expiresAt))
	require.NoError(t, err)
	assert.Equal(t, "cart-1", claimed.Key)
	assert.Equal(t, domain.IdempotencyStatusProcessing, claimed.Status)
	assert.True(t, claimed.ExpiresAt.Equal(expiresAt))

	body := []byte(`{"order":{"id":"order-1"}}`)
	require.NoError(t, repo.Complete(ctx, domain.IdempotencyScopeGRPC, "cart-1", domain.IdempotencyOutcome{
		Status:  domain.IdempotencyStatusDone,
		OrderID: "order-1",
		Body:    body,
		Code:    0,
	}))
	body[0] = 'x'

	got, err := repo.Get(ctx, domain.IdempotencyScopeGRPC, "cart-1")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusDone, got.Status)
	assert.Equal(t, "order-1", got.OrderID)
	assert.JSONEq(t, `{"order":{"id":"order-1"}}`, string(got.Body))

	err = repo.Complete(ctx, domain.IdempotencyScopeGRPC, "cart-1", domain.IdempotencyOutcome{Status: domain.IdempotencyStatusFailed})
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeySettled)
}

func TestIdempotencyRepository_ReclaimReturnsExistingRecord(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	expiresAt := time.Now().UTC().Add(time.Hour)

	_, err := repo.Claim(ctx, submitClaim(domain.IdempotencyScopeHTTP, "cart-2", "hash-a", expiresAt))
	require.NoError(t, err)

	existing, err := repo.Claim(ctx, submitClaim(domain.IdempotencyScopeHTTP, "cart-2", "hash-a", expiresAt))
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)
	assert.Equal(t, domain.IdempotencyStatusProcessing, existing.Status)

	existing, err = repo.Claim(ctx, submitClaim(domain.IdempotencyScopeHTTP, "cart-2", "hash-b", expiresAt))
	assert.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)
	assert.Equal(t, "hash-a", existing.RequestHash)
}

func TestIdempotencyRepository_ScopesAreIndependent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	expiresAt := time.Now().UTC().Add(time.Hour)

	_, err := repo.Claim(ctx, submitClaim(domain.IdempotencyScopeGRPC, "shared", "hash-grpc", expiresAt))
	require.NoError(t, err)
	_, err = repo.Claim(ctx, submitClaim(domain.IdempotencyScopeHTTP, "shared", "hash-http", expiresAt))
	require.NoError(t, err)

	_, err = repo.Get(ctx, domain.IdempotencyScope("amqp"), "shared")
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
}

func TestIdempotencyRepository_ExpiredKeyCanBeClaimedAgain(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()

	_, err := repo.Claim(ctx, submitClaim(domain.IdempotencyScopeGRPC, "cart-3", "hash-old", time.Now().UTC().Add(-time.Minute)))
	require.NoError(t, err)

	fresh, err := repo.Claim(ctx, submitClaim(domain.IdempotencyScopeGRPC, "cart-3", "hash-new", time.Now().UTC().Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, "hash-new", fresh.RequestHash)
}

func TestIdempotencyRepository_Validation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()

	_, err := repo.Claim(ctx, submitClaim(domain.IdempotencyScopeGRPC, " ", "hash", time.Time{}))
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyRequired)
	_, err = repo.Claim(ctx, submitClaim(domain.IdempotencyScopeGRPC, "cart", "", time.Time{}))
	assert.ErrorIs(t, err, domain.ErrIdempotencyRequestHashRequired)

	_, err = repo.Get(ctx, domain.IdempotencyScopeGRPC, "")
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyRequired)

	err = repo.Complete(ctx, domain.IdempotencyScopeGRPC, "missing", domain.IdempotencyOutcome{Status: domain.IdempotencyStatusDone})
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
	err = repo.Complete(ctx, domain.IdempotencyScopeGRPC, "missing", domain.IdempotencyOutcome{Status: domain.IdempotencyStatusProcessing})
	assert.ErrorIs(t, err, domain.ErrIdempotencyOutcomeInvalid)

	claimed, err := repo.Claim(ctx, submitClaim(domain.IdempotencyScopeGRPC, "cart-default-ttl", "hash", time.Time{}))
	require.NoError(t, err)
	assert.True(t, claimed.ExpiresAt.After(time.Now().UTC().Add(23*time.Hour)))
}

func TestIdempotencyRepository_DeleteExpiredOldestFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	now := time.Now().UTC()

	for i, key := range []string{"old", "older", "oldest"} {
		_, err := repo.Claim(ctx, submitClaim(domain.IdempotencyScopeGRPC, key, "hash", now.Add(-time.Duration(i+1)*time.Hour)))
		require.NoError(t, err)
	}
	_, err := repo.Claim(ctx, submitClaim(domain.IdempotencyScopeGRPC, "active", "hash", now.Add(time.Hour)))
	require.NoError(t, err)

	removed, err := repo.DeleteExpired(ctx, now, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = repo.Get(ctx, domain.IdempotencyScopeGRPC, "oldest")
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
	_, err = repo.Get(ctx, domain.IdempotencyScopeGRPC, "old")
	assert.NoError(t, err)

	removed, err = repo.DeleteExpired(ctx, now, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = repo.Get(ctx, domain.IdempotencyScopeGRPC, "active")
	assert.NoError(t, err)
}
