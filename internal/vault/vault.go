// Package vault resolves per-tenant provider credentials. Secrets are stored
// encrypted and decrypted values are kept in a short-lived in-process cache.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"meeting-transcript-pipeline/internal/models"
	"meeting-transcript-pipeline/internal/store"
)

// ErrNoCredentials is returned when a tenant has no active credential row.
var ErrNoCredentials = errors.New("vault: no active credentials for tenant")

// Credentials is the decrypted provider configuration of one tenant.
type Credentials struct {
	TenantID      string
	ClientID      string
	ClientSecret  string
	AccountID     string
	WebhookSecret string
}

// String never prints secrets.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{tenant=%s client=%s secret=%s account=%s}",
		c.TenantID, c.ClientID, mask(c.ClientSecret), c.AccountID)
}

func mask(v string) string {
	if len(v) <= 8 {
		return strings.Repeat("*", len(v))
	}
	return v[:4] + strings.Repeat("*", len(v)-8) + v[len(v)-4:]
}

// Vault reads, writes and caches tenant credentials.
type Vault struct {
	repo   store.CredentialStore
	cipher *Cipher
	cache  *expirable.LRU[string, Credentials]

	// gen counts invalidations per tenant. A read only fills the cache when no
	// invalidation happened while it was in flight.
	mu  sync.Mutex
	gen map[string]uint64
}

// New builds a Vault. ttl bounds how long decrypted credentials stay cached.
func New(repo store.CredentialStore, c *Cipher, ttl time.Duration) *Vault {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Vault{
		repo:   repo,
		cipher: c,
		cache:  expirable.NewLRU[string, Credentials](1024, nil, ttl),
		gen:    make(map[string]uint64),
	}
}

// GetCredentials returns the decrypted credentials of tenantID.
func (v *Vault) GetCredentials(ctx context.Context, tenantID string) (Credentials, error) {
	if creds, ok := v.cache.Get(tenantID); ok {
		return creds, nil
	}
	gen := v.generation(tenantID)
	row, err := v.repo.GetActiveTenantCredential(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return Credentials{}, fmt.Errorf("%w: %s", ErrNoCredentials, tenantID)
	}
	if err != nil {
		return Credentials{}, err
	}
	secret, err := v.cipher.Open(row.ProviderClientSecretEncrypted)
	if err != nil {
		return Credentials{}, fmt.Errorf("client secret of %s: %w", tenantID, err)
	}
	webhookSecret, err := v.cipher.Open(row.WebhookSecretEncrypted)
	if err != nil {
		return Credentials{}, fmt.Errorf("webhook secret of %s: %w", tenantID, err)
	}
	creds := Credentials{
		TenantID:      row.TenantID,
		ClientID:      row.ProviderClientID,
		ClientSecret:  secret,
		AccountID:     row.ProviderAccountID,
		WebhookSecret: webhookSecret,
	}
	v.mu.Lock()
	if v.gen[tenantID] == gen {
		v.cache.Add(tenantID, creds)
	}
	v.mu.Unlock()
	return creds, nil
}

func (v *Vault) generation(tenantID string) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.gen[tenantID]
}

// WebhookSecret returns the secret used to verify the tenant's notifications.
func (v *Vault) WebhookSecret(ctx context.Context, tenantID string) (string, error) {
	creds, err := v.GetCredentials(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if creds.WebhookSecret == "" {
		return "", fmt.Errorf("%w: %s has no webhook secret", ErrNoCredentials, tenantID)
	}
	return creds.WebhookSecret, nil
}

// UpsertCredentials encrypts and stores creds as the tenant's active row.
func (v *Vault) UpsertCredentials(ctx context.Context, creds Credentials) error {
	if creds.TenantID == "" || creds.ClientID == "" || creds.ClientSecret == "" || creds.AccountID == "" {
		return errors.New("vault: tenant, client id, client secret and account id are required")
	}
	secret, err := v.cipher.Seal(creds.ClientSecret)
	if err != nil {
		return err
	}
	webhookSecret, err := v.cipher.Seal(creds.WebhookSecret)
	if err != nil {
		return err
	}
	err = v.repo.UpsertTenantCredential(ctx, models.TenantCredential{
		TenantID:                      creds.TenantID,
		ProviderClientID:              creds.ClientID,
		ProviderClientSecretEncrypted: secret,
		WebhookSecretEncrypted:        webhookSecret,
		ProviderAccountID:             creds.AccountID,
		IsActive:                      true,
	})
	v.Invalidate(creds.TenantID)
	return err
}

// DeleteCredentials deactivates the tenant's credentials.
func (v *Vault) DeleteCredentials(ctx context.Context, tenantID string) error {
	err := v.repo.DeactivateTenantCredential(ctx, tenantID)
	v.Invalidate(tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNoCredentials, tenantID)
	}
	return err
}

// Invalidate drops any cached entry for tenantID, including one a concurrent
// GetCredentials is about to add.
func (v *Vault) Invalidate(tenantID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.gen[tenantID]++
	v.cache.Remove(tenantID)
}
