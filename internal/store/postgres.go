package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/lumina/pkg/models"
)

const licenseColumns = `key, product, version, customer, email, max_activations, machine_binding,
	ip_whitelist, expiry_date, status, created_at, updated_at`

// PostgresStore implements the Store interface using pgx/v5. AtomicUpdate
// holds a row lock on the license for the whole read-modify-write.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("ping database", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*models.License, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, classify("begin read", err)
	}
	defer tx.Rollback(ctx)

	l, err := readLicense(ctx, tx, key, false)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (s *PostgresStore) Create(ctx context.Context, l *models.License) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify("begin create", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO licenses (`+licenseColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		l.Key, l.Product, l.Version, l.Customer, l.Email, l.MaxActivations, l.MachineBinding,
		whitelist(l.IPWhitelist), l.ExpiryDate, string(l.Status), l.CreatedAt, l.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return classify("create license", err)
	}
	if err := writeActivations(ctx, tx, l.Key, l.Activations); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("commit create", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, l *models.License) error {
	res, err := s.AtomicUpdate(ctx, l.Key, func(cur *models.License) error {
		*cur = *l.Clone()
		return nil
	})
	if err != nil {
		return err
	}
	l.UpdatedAt = res.UpdatedAt
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM licenses WHERE key = $1`, key)
	if err != nil {
		return classify("delete license", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List selects the matching keys up front and loads each license as the
// caller consumes the sequence. Licenses deleted in between are skipped.
func (s *PostgresStore) List(ctx context.Context, filter Filter) iter.Seq2[*models.License, error] {
	return func(yield func(*models.License, error) bool) {
		var conditions []string
		var args []any
		if filter.Product != "" {
			args = append(args, filter.Product)
			conditions = append(conditions, fmt.Sprintf("product = $%d", len(args)))
		}
		if filter.Customer != "" {
			args = append(args, filter.Customer)
			conditions = append(conditions, fmt.Sprintf("customer = $%d", len(args)))
		}
		query := `SELECT key FROM licenses`
		if len(conditions) > 0 {
			query += " WHERE " + strings.Join(conditions, " AND ")
		}
		query += ` ORDER BY created_at, key`

		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			yield(nil, classify("list licenses", err))
			return
		}
		keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			yield(nil, classify("scan license keys", err))
			return
		}

		for _, key := range keys {
			l, err := s.Get(ctx, key)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !filter.match(l) {
				continue
			}
			if !yield(l, nil) {
				return
			}
		}
	}
}

func (s *PostgresStore) AtomicUpdate(ctx context.Context, key string, fn MutateFunc) (*models.License, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classify("begin update", err)
	}
	defer tx.Rollback(ctx)

	cur, err := readLicense(ctx, tx, key, true)
	if err != nil {
		return nil, err
	}
	if err := fn(cur); err != nil {
		return nil, err
	}
	cur.Key = key
	cur.Normalize()
	touch(cur, s.now())

	_, err = tx.Exec(ctx,
		`UPDATE licenses SET product = $2, version = $3, customer = $4, email = $5,
		   max_activations = $6, machine_binding = $7, ip_whitelist = $8, expiry_date = $9,
		   status = $10, updated_at = $11
		 WHERE key = $1`,
		key, cur.Product, cur.Version, cur.Customer, cur.Email, cur.MaxActivations,
		cur.MachineBinding, whitelist(cur.IPWhitelist), cur.ExpiryDate, string(cur.Status), cur.UpdatedAt)
	if err != nil {
		return nil, classify("update license", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM activations WHERE license_key = $1`, key); err != nil {
		return nil, classify("clear activations", err)
	}
	if err := writeActivations(ctx, tx, key, cur.Activations); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classify("commit update", err)
	}
	return cur, nil
}

func readLicense(ctx context.Context, tx pgx.Tx, key string, forUpdate bool) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE key = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var l models.License
	var status string
	err := tx.QueryRow(ctx, query, key).Scan(&l.Key, &l.Product, &l.Version, &l.Customer, &l.Email,
		&l.MaxActivations, &l.MachineBinding, &l.IPWhitelist, &l.ExpiryDate, &status,
		&l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("get license", err)
	}
	l.Status = models.Status(status)

	rows, err := tx.Query(ctx,
		`SELECT machine_code, ip, activated_at, last_verified, verification_count
		 FROM activations WHERE license_key = $1 ORDER BY position`, key)
	if err != nil {
		return nil, classify("get activations", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a models.Activation
		if err := rows.Scan(&a.MachineCode, &a.IP, &a.ActivatedAt, &a.LastVerified, &a.VerificationCount); err != nil {
			return nil, classify("scan activation", err)
		}
		l.Activations = append(l.Activations, a)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("read activations", err)
	}

	l.Normalize()
	return &l, nil
}

func writeActivations(ctx context.Context, tx pgx.Tx, key string, activations []models.Activation) error {
	if len(activations) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i, a := range activations {
		batch.Queue(
			`INSERT INTO activations (license_key, position, machine_code, ip, activated_at, last_verified, verification_count)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			key, i, a.MachineCode, a.IP, a.ActivatedAt, a.LastVerified, a.VerificationCount)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return classify("write activations", err)
	}
	return nil
}

func whitelist(ips []string) []string {
	if ips == nil {
		return []string{}
	}
	return ips
}

// classify maps driver errors onto the store's error taxonomy.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%s: %w", op, ErrConflict)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return unavailable(op, err)
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
