// Package activation owns the activation list of a license: consuming slots
// on first verification, refreshing them on re-verification, and the admin
// operations that free them again. Every change goes through
// store.AtomicUpdate so capacity is decided on the snapshot being written.
package activation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiranshivaraju/lumina/internal/metrics"
	"github.com/kiranshivaraju/lumina/internal/store"
	"github.com/kiranshivaraju/lumina/pkg/models"
)

var (
	ErrMaxActivationsReached = errors.New("maximum activations reached")
	ErrActivationNotFound    = errors.New("activation not found")
)

const DefaultMaxAttempts = 3

// Record is the result of a successful RecordActivation.
type Record struct {
	Activation models.Activation
	// Created is true when the call consumed a new slot.
	Created bool
	// License is the state that was committed, activations included.
	License *models.License
}

type Manager struct {
	store       store.Store
	metrics     *metrics.Metrics
	maxAttempts int
	now         func() time.Time

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewManager creates a Manager. m may be nil.
func NewManager(s store.Store, m *metrics.Metrics, maxAttempts int) *Manager {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Manager{
		store:          s,
		metrics:        m,
		maxAttempts:    maxAttempts,
		now:            time.Now,
		initialBackoff: 10 * time.Millisecond,
		maxBackoff:     200 * time.Millisecond,
	}
}

// RecordActivation binds the license to machineCode (or to the anonymous
// slot when the license does not bind machines) and returns the committed
// activation. The caller must already have decided the license is eligible;
// only capacity is decided here.
func (m *Manager) RecordActivation(ctx context.Context, key, machineCode, ip string) (*Record, error) {
	var rec Record
	committed, err := m.update(ctx, key, func(l *models.License) error {
		rec = Record{}
		now := m.now().UTC()
		if l.MachineBinding {
			return bindMachine(l, machineCode, ip, now, &rec)
		}
		useAnonymousSlot(l, ip, now, &rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	rec.License = committed
	if rec.Created {
		m.metrics.ActivationCreated()
	}
	return &rec, nil
}

// bindMachine refreshes the activation for machineCode or appends a new one
// if there is room.
func bindMachine(l *models.License, machineCode, ip string, now time.Time, rec *Record) error {
	if i := l.FindActivation(machineCode); i >= 0 {
		refresh(&l.Activations[i], ip, now)
		rec.Activation = l.Activations[i].Clone()
		return nil
	}
	if len(l.Activations) >= l.MaxActivations {
		return ErrMaxActivationsReached
	}
	code := machineCode
	a := models.Activation{
		MachineCode:       &code,
		IP:                optional(ip),
		ActivatedAt:       now,
		VerificationCount: 1,
	}
	l.Activations = append(l.Activations, a)
	rec.Activation = a.Clone()
	rec.Created = true
	return nil
}

// useAnonymousSlot handles licenses without machine binding. They hold at
// most one activation of their own; later verifications reuse it. Activations
// seeded by an admin count as the slot when no anonymous one exists.
func useAnonymousSlot(l *models.License, ip string, now time.Time, rec *Record) {
	if len(l.Activations) == 0 {
		a := models.Activation{
			IP:                optional(ip),
			ActivatedAt:       now,
			VerificationCount: 1,
		}
		l.Activations = append(l.Activations, a)
		rec.Activation = a.Clone()
		rec.Created = true
		return
	}
	i := l.FindActivation("")
	if i < 0 {
		i = 0
	}
	refresh(&l.Activations[i], ip, now)
	rec.Activation = l.Activations[i].Clone()
}

func refresh(a *models.Activation, ip string, now time.Time) {
	if ip != "" {
		a.IP = &ip
	}
	a.LastVerified = &now
	a.VerificationCount++
}

// ListActivations returns the activations of key in creation order.
func (m *Manager) ListActivations(ctx context.Context, key string) ([]models.Activation, error) {
	l, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return l.Activations, nil
}

// RemoveActivation frees the slot bound to machineCode. An empty machineCode
// removes the anonymous slot.
func (m *Manager) RemoveActivation(ctx context.Context, key, machineCode string) (*models.License, error) {
	return m.update(ctx, key, func(l *models.License) error {
		i := l.FindActivation(machineCode)
		if i < 0 {
			return ErrActivationNotFound
		}
		l.Activations = append(l.Activations[:i], l.Activations[i+1:]...)
		return nil
	})
}

// ResetActivations frees every slot of key.
func (m *Manager) ResetActivations(ctx context.Context, key string) (*models.License, error) {
	return m.update(ctx, key, func(l *models.License) error {
		l.Activations = []models.Activation{}
		return nil
	})
}

// update runs fn through AtomicUpdate, retrying with exponential backoff
// while the store reports a concurrent modification. Running out of attempts
// is reported as store.ErrUnavailable: it means pathological contention, not
// a business rejection.
func (m *Manager) update(ctx context.Context, key string, fn store.MutateFunc) (*models.License, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.initialBackoff
	eb.MaxInterval = m.maxBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(m.maxAttempts-1)), ctx)

	var out *models.License
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		l, err := m.store.AtomicUpdate(ctx, key, fn)
		if errors.Is(err, store.ErrConflict) {
			m.metrics.ActivationConflict()
			slog.Debug("activation update conflicted",
				"license_key", models.MaskKey(key),
				"attempt", attempt,
			)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		out = l
		return nil
	}, policy)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("update activations after %d attempts: %w", attempt, store.ErrUnavailable)
		}
		return nil, err
	}
	return out, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
