package activation_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/lumina/internal/activation"
	"github.com/kiranshivaraju/lumina/internal/metrics"
	"github.com/kiranshivaraju/lumina/internal/store"
	"github.com/kiranshivaraju/lumina/pkg/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const testKey = "LS-2026-ABCDEFGHJKLMNPQR"

func newLicense(maxActivations int, binding bool) *models.License {
	now := time.Now().UTC()
	return &models.License{
		Key:            testKey,
		Product:        "Widget Pro",
		Version:        "1.0.0",
		Customer:       "Acme",
		MaxActivations: maxActivations,
		MachineBinding: binding,
		Status:         models.StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func newFileStore(t *testing.T, l *models.License) store.Store {
	t.Helper()
	s, err := store.OpenFile(filepath.Join(t.TempDir(), "licenses.json"))
	require.NoError(t, err)
	if l != nil {
		require.NoError(t, s.Create(context.Background(), l))
	}
	return s
}

func newSQLiteStore(t *testing.T, l *models.License) store.Store {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "licenses.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	if l != nil {
		require.NoError(t, s.Create(context.Background(), l))
	}
	return s
}

// conflictingStore fails the first n AtomicUpdate calls with ErrConflict.
type conflictingStore struct {
	store.Store
	remaining atomic.Int32
	calls     atomic.Int32
}

func (c *conflictingStore) AtomicUpdate(ctx context.Context, key string, fn store.MutateFunc) (*models.License, error) {
	c.calls.Add(1)
	if c.remaining.Add(-1) >= 0 {
		return nil, fmt.Errorf("update license: %w", store.ErrConflict)
	}
	return c.Store.AtomicUpdate(ctx, key, fn)
}

func TestRecordActivation_BindingCreatesActivation(t *testing.T) {
	s := newFileStore(t, newLicense(2, true))
	m := activation.NewManager(s, nil, 0)

	rec, err := m.RecordActivation(context.Background(), testKey, "MACHINE-A", "10.0.0.1")
	require.NoError(t, err)

	assert.True(t, rec.Created)
	assert.Equal(t, "MACHINE-A", rec.Activation.Code())
	require.NotNil(t, rec.Activation.IP)
	assert.Equal(t, "10.0.0.1", *rec.Activation.IP)
	assert.Equal(t, 1, rec.Activation.VerificationCount)
	assert.Nil(t, rec.Activation.LastVerified)
	require.Len(t, rec.License.Activations, 1)
	assert.Equal(t, 1, rec.License.RemainingActivations())
}

func TestRecordActivation_ReverifyIsIdempotentForCapacity(t *testing.T) {
	s := newFileStore(t, newLicense(1, true))
	m := activation.NewManager(s, nil, 0)
	ctx := context.Background()

	_, err := m.RecordActivation(ctx, testKey, "A", "10.0.0.1")
	require.NoError(t, err)

	prev := 1
	for range 3 {
		rec, err := m.RecordActivation(ctx, testKey, "A", "10.0.0.2")
		require.NoError(t, err)
		assert.False(t, rec.Created)
		assert.Greater(t, rec.Activation.VerificationCount, prev)
		prev = rec.Activation.VerificationCount
		assert.NotNil(t, rec.Activation.LastVerified)
		assert.Equal(t, "10.0.0.2", *rec.Activation.IP)
		assert.Len(t, rec.License.Activations, 1)
	}
}

func TestRecordActivation_ReverifyWithoutIPKeepsLastSeen(t *testing.T) {
	s := newFileStore(t, newLicense(1, true))
	m := activation.NewManager(s, nil, 0)
	ctx := context.Background()

	_, err := m.RecordActivation(ctx, testKey, "A", "10.0.0.1")
	require.NoError(t, err)
	rec, err := m.RecordActivation(ctx, testKey, "A", "")
	require.NoError(t, err)

	require.NotNil(t, rec.Activation.IP)
	assert.Equal(t, "10.0.0.1", *rec.Activation.IP)
}

func TestRecordActivation_MaxActivationsReached(t *testing.T) {
	s := newFileStore(t, newLicense(1, true))
	m := activation.NewManager(s, nil, 0)
	ctx := context.Background()

	_, err := m.RecordActivation(ctx, testKey, "A", "")
	require.NoError(t, err)

	_, err = m.RecordActivation(ctx, testKey, "B", "")
	assert.ErrorIs(t, err, activation.ErrMaxActivationsReached)

	l, err := s.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Len(t, l.Activations, 1)
}

func TestRecordActivation_WithoutBindingReusesSingleSlot(t *testing.T) {
	s := newFileStore(t, newLicense(3, false))
	m := activation.NewManager(s, nil, 0)
	ctx := context.Background()

	first, err := m.RecordActivation(ctx, testKey, "", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Nil(t, first.Activation.MachineCode)

	for i := range 5 {
		rec, err := m.RecordActivation(ctx, testKey, "", fmt.Sprintf("10.0.0.%d", i+2))
		require.NoError(t, err)
		assert.False(t, rec.Created)
		assert.Len(t, rec.License.Activations, 1)
		assert.Equal(t, i+2, rec.Activation.VerificationCount)
	}
}

func TestRecordActivation_WithoutBindingReusesSeededSlot(t *testing.T) {
	l := newLicense(1, false)
	seeded := "SEEDED"
	l.Activations = []models.Activation{{MachineCode: &seeded, ActivatedAt: time.Now().UTC(), VerificationCount: 1}}
	s := newFileStore(t, l)
	m := activation.NewManager(s, nil, 0)

	rec, err := m.RecordActivation(context.Background(), testKey, "", "")
	require.NoError(t, err)
	assert.False(t, rec.Created)
	assert.Equal(t, "SEEDED", rec.Activation.Code())
	assert.Equal(t, 2, rec.Activation.VerificationCount)
}

func TestRecordActivation_NotFound(t *testing.T) {
	m := activation.NewManager(newFileStore(t, nil), nil, 0)

	_, err := m.RecordActivation(context.Background(), "LS-2026-MISSING", "A", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecordActivation_RetriesConflicts(t *testing.T) {
	cs := &conflictingStore{Store: newFileStore(t, newLicense(1, true))}
	cs.remaining.Store(2)
	met := metrics.New()
	m := activation.NewManager(cs, met, 3)

	rec, err := m.RecordActivation(context.Background(), testKey, "A", "")
	require.NoError(t, err)
	assert.True(t, rec.Created)
	assert.Equal(t, int32(3), cs.calls.Load())
	expected := `
# HELP lumina_activation_conflicts_total Activation mutations retried after a concurrent modification.
# TYPE lumina_activation_conflicts_total counter
lumina_activation_conflicts_total 2
`
	assert.NoError(t, testutil.GatherAndCompare(met.Registry(), strings.NewReader(expected), "lumina_activation_conflicts_total"))
}

func TestRecordActivation_ConflictsExhausted(t *testing.T) {
	cs := &conflictingStore{Store: newFileStore(t, newLicense(1, true))}
	cs.remaining.Store(100)
	m := activation.NewManager(cs, nil, 3)

	_, err := m.RecordActivation(context.Background(), testKey, "A", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Equal(t, int32(3), cs.calls.Load())
}

func TestRecordActivation_CancelledContext(t *testing.T) {
	s := newFileStore(t, newLicense(1, true))
	m := activation.NewManager(s, nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.RecordActivation(ctx, testKey, "A", "")
	require.Error(t, err)

	l, err := s.Get(context.Background(), testKey)
	require.NoError(t, err)
	assert.Empty(t, l.Activations)
}

// Concurrent verifications with distinct machine codes must never push the
// activation count past the ceiling: exactly k succeed, the rest are rejected.
func TestRecordActivation_ConcurrentCapacity(t *testing.T) {
	const (
		workers = 24
		ceiling = 5
	)
	backends := map[string]func(*testing.T, *models.License) store.Store{
		"file":   newFileStore,
		"sqlite": newSQLiteStore,
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			s := open(t, newLicense(ceiling, true))
			m := activation.NewManager(s, nil, 10)

			var mu sync.Mutex
			created, rejected := 0, 0
			var g errgroup.Group
			for i := range workers {
				g.Go(func() error {
					rec, err := m.RecordActivation(context.Background(), testKey, fmt.Sprintf("MACHINE-%02d", i), "")
					mu.Lock()
					defer mu.Unlock()
					switch {
					case errors.Is(err, activation.ErrMaxActivationsReached):
						rejected++
						return nil
					case err != nil:
						return err
					}
					if rec.Created {
						created++
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())

			assert.Equal(t, ceiling, created)
			assert.Equal(t, workers-ceiling, rejected)

			l, err := s.Get(context.Background(), testKey)
			require.NoError(t, err)
			assert.Len(t, l.Activations, ceiling)
		})
	}
}

func TestRemoveActivation(t *testing.T) {
	s := newFileStore(t, newLicense(1, true))
	m := activation.NewManager(s, nil, 0)
	ctx := context.Background()

	_, err := m.RecordActivation(ctx, testKey, "A", "")
	require.NoError(t, err)
	_, err = m.RecordActivation(ctx, testKey, "B", "")
	require.ErrorIs(t, err, activation.ErrMaxActivationsReached)

	l, err := m.RemoveActivation(ctx, testKey, "A")
	require.NoError(t, err)
	assert.Empty(t, l.Activations)

	rec, err := m.RecordActivation(ctx, testKey, "B", "")
	require.NoError(t, err)
	assert.True(t, rec.Created)
}

func TestRemoveActivation_KeepsOthersInOrder(t *testing.T) {
	s := newFileStore(t, newLicense(3, true))
	m := activation.NewManager(s, nil, 0)
	ctx := context.Background()

	for _, code := range []string{"A", "B", "C"} {
		_, err := m.RecordActivation(ctx, testKey, code, "")
		require.NoError(t, err)
	}
	_, err := m.RemoveActivation(ctx, testKey, "B")
	require.NoError(t, err)

	acts, err := m.ListActivations(ctx, testKey)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, "A", acts[0].Code())
	assert.Equal(t, "C", acts[1].Code())
}

func TestRemoveActivation_NotFound(t *testing.T) {
	s := newFileStore(t, newLicense(1, true))
	m := activation.NewManager(s, nil, 0)

	_, err := m.RemoveActivation(context.Background(), testKey, "NOPE")
	assert.ErrorIs(t, err, activation.ErrActivationNotFound)

	_, err = m.RemoveActivation(context.Background(), "LS-2026-MISSING", "NOPE")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRemoveActivation_AnonymousSlot(t *testing.T) {
	s := newFileStore(t, newLicense(1, false))
	m := activation.NewManager(s, nil, 0)
	ctx := context.Background()

	_, err := m.RecordActivation(ctx, testKey, "", "10.0.0.1")
	require.NoError(t, err)

	l, err := m.RemoveActivation(ctx, testKey, "")
	require.NoError(t, err)
	assert.Empty(t, l.Activations)
}

func TestResetActivations(t *testing.T) {
	s := newFileStore(t, newLicense(3, true))
	m := activation.NewManager(s, nil, 0)
	ctx := context.Background()

	for _, code := range []string{"A", "B"} {
		_, err := m.RecordActivation(ctx, testKey, code, "")
		require.NoError(t, err)
	}
	l, err := m.ResetActivations(ctx, testKey)
	require.NoError(t, err)
	assert.Empty(t, l.Activations)
	assert.Equal(t, 3, l.RemainingActivations())
}
