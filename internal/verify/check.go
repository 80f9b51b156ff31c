package verify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/kiranshivaraju/lumina/internal/cache"
	"github.com/kiranshivaraju/lumina/internal/store"
	"github.com/kiranshivaraju/lumina/pkg/models"
)

// CheckResult answers the lightweight existence probe. It never touches
// activations.
type CheckResult struct {
	Exists   bool
	Active   bool
	Product  string
	Customer string
}

// checkEntry is what gets cached. Activity depends on the clock, so the
// inputs are cached and Active is derived on every read.
type checkEntry struct {
	Exists     bool          `json:"exists"`
	Status     models.Status `json:"status,omitempty"`
	ExpiryDate *time.Time    `json:"expiry_date,omitempty"`
	Product    string        `json:"product,omitempty"`
	Customer   string        `json:"customer,omitempty"`
}

type checkCache struct {
	cache cache.Cache
	ttl   time.Duration
}

// WithCheckCache serves Check through c. Admin mutations are expected to
// delete cache.LicenseCheckKey for the key they change.
func (p *Pipeline) WithCheckCache(c cache.Cache, ttl time.Duration) *Pipeline {
	p.checks = &checkCache{cache: c, ttl: ttl}
	return p
}

// Check reports whether key exists and is currently active.
func (p *Pipeline) Check(ctx context.Context, key string) (CheckResult, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return CheckResult{}, ErrInvalidRequest
	}

	entry, ok := p.checks.get(ctx, key)
	if !ok {
		l, err := p.store.Get(ctx, key)
		switch {
		case errors.Is(err, store.ErrNotFound):
			entry = checkEntry{}
		case err != nil:
			return CheckResult{}, err
		default:
			entry = checkEntry{
				Exists:     true,
				Status:     l.Status,
				ExpiryDate: l.ExpiryDate,
				Product:    l.Product,
				Customer:   l.Customer,
			}
		}
		p.checks.set(ctx, key, entry)
	}

	if !entry.Exists {
		return CheckResult{}, nil
	}
	l := models.License{Status: entry.Status, ExpiryDate: entry.ExpiryDate}
	return CheckResult{
		Exists:   true,
		Active:   l.EffectiveStatus(p.now()) == models.StatusActive,
		Product:  entry.Product,
		Customer: entry.Customer,
	}, nil
}

// Cache failures only cost a store read, so they are logged and ignored.
func (c *checkCache) get(ctx context.Context, key string) (checkEntry, bool) {
	if c == nil {
		return checkEntry{}, false
	}
	raw, found, err := c.cache.Get(ctx, cache.LicenseCheckKey(key))
	if err != nil {
		slog.Warn("check cache read failed", "license_key", models.MaskKey(key), "error", err)
		return checkEntry{}, false
	}
	if !found {
		return checkEntry{}, false
	}
	var entry checkEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		slog.Warn("check cache entry corrupt", "license_key", models.MaskKey(key), "error", err)
		return checkEntry{}, false
	}
	return entry, true
}

func (c *checkCache) set(ctx context.Context, key string, entry checkEntry) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, cache.LicenseCheckKey(key), raw, c.ttl); err != nil {
		slog.Warn("check cache write failed", "license_key", models.MaskKey(key), "error", err)
	}
}
