// Package license implements the administrative side of license management:
// issuing, editing, disabling and deleting licenses. Activations are left to
// the activation package.
package license

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/kiranshivaraju/lumina/internal/cache"
	"github.com/kiranshivaraju/lumina/internal/keygen"
	"github.com/kiranshivaraju/lumina/internal/store"
	"github.com/kiranshivaraju/lumina/pkg/models"
)

const (
	defaultVersion = "1.0.0"
	createAttempts = 3
)

// Defaults fills in what a create request leaves out.
type Defaults struct {
	MaxActivations int
	// ExpiryDays of 0 issues perpetual licenses.
	ExpiryDays int
}

type CreateParams struct {
	Key            string        `json:"key"`
	Product        string        `json:"product"         validate:"required,max=200"`
	Version        string        `json:"version"         validate:"omitempty,max=50"`
	Customer       string        `json:"customer"        validate:"required,max=200"`
	Email          *string       `json:"email"           validate:"omitempty,email"`
	MaxActivations int           `json:"max_activations" validate:"omitempty,min=1,max=100000"`
	MachineBinding *bool         `json:"machine_binding"`
	IPWhitelist    []string      `json:"ip_whitelist"    validate:"omitempty,dive,ip"`
	ExpiryDate     *time.Time    `json:"expiry_date"`
	ExpiryDays     int           `json:"expiry_days"     validate:"omitempty,min=1"`
	Status         models.Status `json:"status"          validate:"omitempty,oneof=active disabled expired"`
}

// UpdateParams is a partial update; nil fields are left alone.
type UpdateParams struct {
	Product        *string        `json:"product"         validate:"omitempty,min=1,max=200"`
	Version        *string        `json:"version"         validate:"omitempty,min=1,max=50"`
	Customer       *string        `json:"customer"        validate:"omitempty,min=1,max=200"`
	Email          *string        `json:"email"           validate:"omitempty,email"`
	MaxActivations *int           `json:"max_activations" validate:"omitempty,min=1,max=100000"`
	MachineBinding *bool          `json:"machine_binding"`
	IPWhitelist    *[]string      `json:"ip_whitelist"    validate:"omitempty,dive,ip"`
	ExpiryDate     *time.Time     `json:"expiry_date"`
	ClearExpiry    bool           `json:"clear_expiry"`
	Status         *models.Status `json:"status"          validate:"omitempty,oneof=active disabled expired"`
}

// trim strips surrounding whitespace so blank names fail "required".
func (p *CreateParams) trim() {
	p.Key = strings.TrimSpace(p.Key)
	p.Product = strings.TrimSpace(p.Product)
	p.Version = strings.TrimSpace(p.Version)
	p.Customer = strings.TrimSpace(p.Customer)
	p.Email = trimPtr(p.Email)
}

func (p *UpdateParams) trim() {
	p.Product = trimPtr(p.Product)
	p.Version = trimPtr(p.Version)
	p.Customer = trimPtr(p.Customer)
	p.Email = trimPtr(p.Email)
}

func trimPtr(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	return &t
}

type Service struct {
	store    store.Store
	keys     *keygen.Generator
	cache    cache.Cache
	defaults Defaults
	now      func() time.Time
}

// NewService creates a Service. A nil cache disables invalidation.
func NewService(s store.Store, keys *keygen.Generator, c cache.Cache, d Defaults) *Service {
	if c == nil {
		c = cache.Noop{}
	}
	if d.MaxActivations < 1 {
		d.MaxActivations = 1
	}
	return &Service{store: s, keys: keys, cache: c, defaults: d, now: time.Now}
}

// Create issues a new license. Without an explicit key one is generated;
// losing a race for a generated key just generates another.
func (s *Service) Create(ctx context.Context, p CreateParams) (*models.License, error) {
	p.trim()
	if err := validate(p); err != nil {
		return nil, err
	}
	if p.Key != "" && !s.keys.Valid(p.Key) {
		return nil, invalid("key", "must match PREFIX-YYYY-XXXXXXXXXXXXXXXX")
	}

	l := s.newLicense(p)
	if p.Key != "" {
		l.Key = p.Key
		if err := s.store.Create(ctx, l); err != nil {
			return nil, err
		}
		s.invalidate(ctx, l.Key)
		slog.Info("license created", "license_key", models.MaskKey(l.Key), "product", l.Product)
		return l, nil
	}

	for range createAttempts {
		key, err := s.keys.Generate(ctx)
		if err != nil {
			return nil, err
		}
		l.Key = key
		err = s.store.Create(ctx, l)
		if errors.Is(err, store.ErrDuplicateKey) {
			slog.Warn("generated license key collided on create, regenerating")
			continue
		}
		if err != nil {
			return nil, err
		}
		s.invalidate(ctx, l.Key)
		slog.Info("license created", "license_key", models.MaskKey(l.Key), "product", l.Product)
		return l, nil
	}
	return nil, fmt.Errorf("%w: generated keys kept colliding on create", keygen.ErrGenerationExhausted)
}

func (s *Service) newLicense(p CreateParams) *models.License {
	now := s.now().UTC()
	l := &models.License{
		Product:        p.Product,
		Version:        p.Version,
		Customer:       p.Customer,
		Email:          p.Email,
		MaxActivations: p.MaxActivations,
		MachineBinding: true,
		IPWhitelist:    p.IPWhitelist,
		ExpiryDate:     p.ExpiryDate,
		Status:         p.Status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if l.Version == "" {
		l.Version = defaultVersion
	}
	if l.MaxActivations == 0 {
		l.MaxActivations = s.defaults.MaxActivations
	}
	if p.MachineBinding != nil {
		l.MachineBinding = *p.MachineBinding
	}
	if l.Status == "" {
		l.Status = models.StatusActive
	}
	days := p.ExpiryDays
	if days == 0 {
		days = s.defaults.ExpiryDays
	}
	if l.ExpiryDate == nil && days > 0 {
		exp := now.AddDate(0, 0, days)
		l.ExpiryDate = &exp
	}
	if l.ExpiryDate != nil {
		exp := l.ExpiryDate.UTC()
		l.ExpiryDate = &exp
	}
	l.Normalize()
	return l
}

// Update applies p to the license at key. It runs as an atomic update so it
// never overwrites activations recorded concurrently.
func (s *Service) Update(ctx context.Context, key string, p UpdateParams) (*models.License, error) {
	p.trim()
	if err := validate(p); err != nil {
		return nil, err
	}
	l, err := s.store.AtomicUpdate(ctx, key, func(l *models.License) error {
		return apply(l, p)
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, key)
	return l, nil
}

func apply(l *models.License, p UpdateParams) error {
	if p.MaxActivations != nil && *p.MaxActivations < len(l.Activations) {
		return invalid("max_activations", fmt.Sprintf("must be at least the %d current activations", len(l.Activations)))
	}
	if p.Product != nil {
		l.Product = *p.Product
	}
	if p.Version != nil {
		l.Version = *p.Version
	}
	if p.Customer != nil {
		l.Customer = *p.Customer
	}
	if p.Email != nil {
		l.Email = p.Email
	}
	if p.MaxActivations != nil {
		l.MaxActivations = *p.MaxActivations
	}
	if p.MachineBinding != nil {
		l.MachineBinding = *p.MachineBinding
	}
	if p.IPWhitelist != nil {
		l.IPWhitelist = *p.IPWhitelist
	}
	switch {
	case p.ClearExpiry:
		l.ExpiryDate = nil
	case p.ExpiryDate != nil:
		exp := p.ExpiryDate.UTC()
		l.ExpiryDate = &exp
	}
	if p.Status != nil {
		l.Status = *p.Status
	}
	return nil
}

func (s *Service) Get(ctx context.Context, key string) (*models.License, error) {
	return s.store.Get(ctx, key)
}

func (s *Service) List(ctx context.Context, filter store.Filter) iter.Seq2[*models.License, error] {
	return s.store.List(ctx, filter)
}

func (s *Service) Delete(ctx context.Context, key string) error {
	if err := s.store.Delete(ctx, key); err != nil {
		return err
	}
	s.invalidate(ctx, key)
	slog.Info("license deleted", "license_key", models.MaskKey(key))
	return nil
}

func (s *Service) Disable(ctx context.Context, key string) (*models.License, error) {
	status := models.StatusDisabled
	return s.Update(ctx, key, UpdateParams{Status: &status})
}

func (s *Service) Enable(ctx context.Context, key string) (*models.License, error) {
	status := models.StatusActive
	return s.Update(ctx, key, UpdateParams{Status: &status})
}

func (s *Service) invalidate(ctx context.Context, key string) {
	if err := s.cache.Delete(ctx, cache.LicenseCheckKey(key)); err != nil {
		slog.Warn("check cache invalidation failed", "license_key", models.MaskKey(key), "error", err)
	}
}
