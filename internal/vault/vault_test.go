package vault

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meeting-transcript-pipeline/internal/models"
	"meeting-transcript-pipeline/internal/store"
)

type fakeCredentialStore struct {
	mu    sync.Mutex
	rows  map[string]models.TenantCredential
	reads int
	// afterRead runs once, after the next read has taken its row.
	afterRead func()
}

func newFakeCredentialStore() *fakeCredentialStore {
	return &fakeCredentialStore{rows: map[string]models.TenantCredential{}}
}

func (f *fakeCredentialStore) GetActiveTenantCredential(_ context.Context, tenantID string) (models.TenantCredential, error) {
	f.mu.Lock()
	f.reads++
	row, ok := f.rows[tenantID]
	hook := f.afterRead
	f.afterRead = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if !ok {
		return models.TenantCredential{}, store.ErrNotFound
	}
	return row, nil
}

func (f *fakeCredentialStore) UpsertTenantCredential(_ context.Context, cred models.TenantCredential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[cred.TenantID] = cred
	return nil
}

func (f *fakeCredentialStore) DeactivateTenantCredential(_ context.Context, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[tenantID]; !ok {
		return store.ErrNotFound
	}
	delete(f.rows, tenantID)
	return nil
}

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := NewCipher("local-development-secret")
	require.NoError(t, err)
	return c
}

func TestCipherRoundTripAndTamper(t *testing.T) {
	c := testCipher(t)
	sealed, err := c.Seal("s3cr3t-value")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "s3cr3t-value")

	plain, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t-value", plain)

	sealed[len(sealed)-1] ^= 0xff
	_, err = c.Open(sealed)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestCipherAcceptsHexKey(t *testing.T) {
	c, err := NewCipher(strings.Repeat("ab", 32))
	require.NoError(t, err)
	sealed, err := c.Seal("x")
	require.NoError(t, err)
	plain, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "x", plain)

	other := testCipher(t)
	_, err = other.Open(sealed)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestVaultCachesDecryptedCredentials(t *testing.T) {
	ctx := context.Background()
	repo := newFakeCredentialStore()
	v := New(repo, testCipher(t), time.Minute)

	require.NoError(t, v.UpsertCredentials(ctx, Credentials{
		TenantID: "tenant-a", ClientID: "cid", ClientSecret: "client-secret-123", AccountID: "acct", WebhookSecret: "whsec",
	}))

	creds, err := v.GetCredentials(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "client-secret-123", creds.ClientSecret)
	assert.NotContains(t, creds.String(), "client-secret-123")

	_, err = v.GetCredentials(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, 1, repo.reads)

	secret, err := v.WebhookSecret(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "whsec", secret)
	assert.Equal(t, 1, repo.reads)
}

func TestVaultCacheExpires(t *testing.T) {
	ctx := context.Background()
	repo := newFakeCredentialStore()
	v := New(repo, testCipher(t), 20*time.Millisecond)
	require.NoError(t, v.UpsertCredentials(ctx, Credentials{TenantID: "t", ClientID: "c", ClientSecret: "s", AccountID: "a"}))

	_, err := v.GetCredentials(ctx, "t")
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	_, err = v.GetCredentials(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, 2, repo.reads)
}

func TestVaultWritesInvalidateCache(t *testing.T) {
	ctx := context.Background()
	repo := newFakeCredentialStore()
	v := New(repo, testCipher(t), time.Hour)
	require.NoError(t, v.UpsertCredentials(ctx, Credentials{TenantID: "t", ClientID: "c1", ClientSecret: "s", AccountID: "a"}))

	creds, err := v.GetCredentials(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "c1", creds.ClientID)

	require.NoError(t, v.UpsertCredentials(ctx, Credentials{TenantID: "t", ClientID: "c2", ClientSecret: "s", AccountID: "a"}))
	creds, err = v.GetCredentials(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "c2", creds.ClientID)

	require.NoError(t, v.DeleteCredentials(ctx, "t"))
	_, err = v.GetCredentials(ctx, "t")
	assert.ErrorIs(t, err, ErrNoCredentials)

	_, err = v.WebhookSecret(ctx, "missing")
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestVaultDoesNotCacheReadRacingAWrite(t *testing.T) {
	ctx := context.Background()
	repo := newFakeCredentialStore()
	v := New(repo, testCipher(t), time.Hour)
	require.NoError(t, v.UpsertCredentials(ctx, Credentials{TenantID: "t", ClientID: "old", ClientSecret: "s", AccountID: "a"}))

	repo.afterRead = func() {
		require.NoError(t, v.UpsertCredentials(ctx, Credentials{TenantID: "t", ClientID: "new", ClientSecret: "s", AccountID: "a"}))
	}
	creds, err := v.GetCredentials(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "old", creds.ClientID)

	creds, err = v.GetCredentials(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "new", creds.ClientID)
	assert.Equal(t, 2, repo.reads)

	_, err = v.GetCredentials(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, 2, repo.reads)
}

func TestVaultRejectsIncompleteCredentials(t *testing.T) {
	v := New(newFakeCredentialStore(), testCipher(t), time.Minute)
	err := v.UpsertCredentials(context.Background(), Credentials{TenantID: "t", ClientID: "c"})
	assert.Error(t, err)
}
