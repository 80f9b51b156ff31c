package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/kiranshivaraju/lumina/pkg/models"
)

var (
	ErrNotFound = errors.New("license not found")
	// ErrConflict signals a concurrent modification; the caller should retry.
	ErrConflict = errors.New("concurrent modification")
	// ErrDuplicateKey is returned by Create. It matches ErrConflict.
	ErrDuplicateKey = fmt.Errorf("%w: duplicate license key", ErrConflict)
	// ErrUnavailable wraps transient backend failures (I/O, connection loss).
	ErrUnavailable = errors.New("storage unavailable")
)

// MutateFunc changes a private copy of a license inside AtomicUpdate. It must
// not retain the pointer. Returning an error aborts the update without a write.
type MutateFunc func(l *models.License) error

// Store is the license persistence interface. Every backend provides the same
// AtomicUpdate contract: linearizable per key, no partial writes.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	Get(ctx context.Context, key string) (*models.License, error)
	Create(ctx context.Context, l *models.License) error
	Update(ctx context.Context, l *models.License) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, filter Filter) iter.Seq2[*models.License, error]

	// AtomicUpdate reads the license, applies fn and writes the result back
	// only if nothing else modified the license since the read.
	AtomicUpdate(ctx context.Context, key string, fn MutateFunc) (*models.License, error)
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Product  string
	Customer string
	Status   models.Status
	// Now is used to derive the effective status; zero means time.Now().
	Now time.Time
}

func (f Filter) match(l *models.License) bool {
	if f.Product != "" && l.Product != f.Product {
		return false
	}
	if f.Customer != "" && l.Customer != f.Customer {
		return false
	}
	if f.Status != "" {
		now := f.Now
		if now.IsZero() {
			now = time.Now()
		}
		if l.EffectiveStatus(now) != f.Status {
			return false
		}
	}
	return true
}

// Collect drains a List iterator into a slice.
func Collect(seq iter.Seq2[*models.License, error]) ([]*models.License, error) {
	var out []*models.License
	for l, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, l)
	}
	return out, nil
}

// unavailable marks err as a transient backend failure, keeping the cause.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// touch stamps the mutation time on a record about to be written.
func touch(l *models.License, now time.Time) {
	l.UpdatedAt = now.UTC()
}
