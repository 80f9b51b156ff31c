package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	"github.com/kiranshivaraju/lumina/pkg/models"
	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type licenseRow struct {
	Key            string `gorm:"primaryKey"`
	Product        string `gorm:"not null;index"`
	Version        string `gorm:"not null"`
	Customer       string `gorm:"not null;index"`
	Email          *string
	MaxActivations int    `gorm:"not null"`
	MachineBinding bool   `gorm:"not null"`
	IPWhitelist    string `gorm:"column:ip_whitelist;not null"`
	ExpiryDate     *time.Time
	Status         string    `gorm:"not null"`
	Revision       int64     `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt      time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (licenseRow) TableName() string { return "licenses" }

type activationRow struct {
	ID                uint   `gorm:"primaryKey"`
	LicenseKey        string `gorm:"not null;uniqueIndex:idx_activation_position"`
	Position          int    `gorm:"not null;uniqueIndex:idx_activation_position"`
	MachineCode       *string
	IP                *string
	ActivatedAt       time.Time `gorm:"not null"`
	LastVerified      *time.Time
	VerificationCount int `gorm:"not null"`
}

func (activationRow) TableName() string { return "activations" }

// SQLiteStore implements Store on an embedded SQLite database through gorm.
// Writers run in immediate transactions and every license row carries a
// revision that AtomicUpdate compares before writing back.
type SQLiteStore struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path and migrates the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dsn := "file:" + path + "?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_txlock=immediate"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	// One connection: SQLite serializes writers anyway and a single
	// connection keeps BEGIN IMMEDIATE from spinning on SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&licenseRow{}, &activationRow{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return unavailable("sqlite handle", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unavailable("ping sqlite", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*models.License, error) {
	var out *models.License
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, l, err := loadRow(tx, key)
		if err != nil {
			return err
		}
		out = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) Create(ctx context.Context, l *models.License) error {
	row, err := toRow(l)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return sqliteErr("create license", err)
		}
		return insertActivations(tx, l.Key, l.Activations)
	})
}

func (s *SQLiteStore) Update(ctx context.Context, l *models.License) error {
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

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("license_key = ?", key).Delete(&activationRow{}).Error; err != nil {
			return sqliteErr("delete activations", err)
		}
		res := tx.Where("`key` = ?", key).Delete(&licenseRow{})
		if res.Error != nil {
			return sqliteErr("delete license", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SQLiteStore) List(ctx context.Context, filter Filter) iter.Seq2[*models.License, error] {
	return func(yield func(*models.License, error) bool) {
		q := s.db.WithContext(ctx).Model(&licenseRow{})
		if filter.Product != "" {
			q = q.Where("product = ?", filter.Product)
		}
		if filter.Customer != "" {
			q = q.Where("customer = ?", filter.Customer)
		}
		var keys []string
		if err := q.Order("created_at, `key`").Pluck("key", &keys).Error; err != nil {
			yield(nil, sqliteErr("list licenses", err))
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

func (s *SQLiteStore) AtomicUpdate(ctx context.Context, key string, fn MutateFunc) (*models.License, error) {
	var out *models.License
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, cur, err := loadRow(tx, key)
		if err != nil {
			return err
		}
		if err := fn(cur); err != nil {
			return err
		}
		cur.Key = key
		cur.Normalize()
		touch(cur, s.now())

		ips, err := json.Marshal(cur.IPWhitelist)
		if err != nil {
			return fmt.Errorf("encode ip whitelist: %w", err)
		}
		res := tx.Model(&licenseRow{}).
			Where("`key` = ? AND revision = ?", key, row.Revision).
			Updates(map[string]any{
				"product":         cur.Product,
				"version":         cur.Version,
				"customer":        cur.Customer,
				"email":           cur.Email,
				"max_activations": cur.MaxActivations,
				"machine_binding": cur.MachineBinding,
				"ip_whitelist":    string(ips),
				"expiry_date":     cur.ExpiryDate,
				"status":          string(cur.Status),
				"updated_at":      cur.UpdatedAt,
				"revision":        gorm.Expr("revision + 1"),
			})
		if res.Error != nil {
			return sqliteErr("update license", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}

		if err := tx.Where("license_key = ?", key).Delete(&activationRow{}).Error; err != nil {
			return sqliteErr("clear activations", err)
		}
		if err := insertActivations(tx, key, cur.Activations); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func loadRow(tx *gorm.DB, key string) (*licenseRow, *models.License, error) {
	var row licenseRow
	if err := tx.Where("`key` = ?", key).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, sqliteErr("get license", err)
	}
	var acts []activationRow
	if err := tx.Where("license_key = ?", key).Order("position").Find(&acts).Error; err != nil {
		return nil, nil, sqliteErr("get activations", err)
	}

	l := &models.License{
		Key:            row.Key,
		Product:        row.Product,
		Version:        row.Version,
		Customer:       row.Customer,
		Email:          row.Email,
		MaxActivations: row.MaxActivations,
		MachineBinding: row.MachineBinding,
		ExpiryDate:     utcPtr(row.ExpiryDate),
		Status:         models.Status(row.Status),
		CreatedAt:      row.CreatedAt.UTC(),
		UpdatedAt:      row.UpdatedAt.UTC(),
	}
	if row.IPWhitelist != "" {
		if err := json.Unmarshal([]byte(row.IPWhitelist), &l.IPWhitelist); err != nil {
			return nil, nil, fmt.Errorf("decode ip whitelist for %s: %w", key, err)
		}
	}
	for _, a := range acts {
		l.Activations = append(l.Activations, models.Activation{
			MachineCode:       a.MachineCode,
			IP:                a.IP,
			ActivatedAt:       a.ActivatedAt.UTC(),
			LastVerified:      utcPtr(a.LastVerified),
			VerificationCount: a.VerificationCount,
		})
	}
	l.Normalize()
	return &row, l, nil
}

func toRow(l *models.License) (licenseRow, error) {
	ips, err := json.Marshal(whitelist(l.IPWhitelist))
	if err != nil {
		return licenseRow{}, fmt.Errorf("encode ip whitelist: %w", err)
	}
	return licenseRow{
		Key:            l.Key,
		Product:        l.Product,
		Version:        l.Version,
		Customer:       l.Customer,
		Email:          l.Email,
		MaxActivations: l.MaxActivations,
		MachineBinding: l.MachineBinding,
		IPWhitelist:    string(ips),
		ExpiryDate:     l.ExpiryDate,
		Status:         string(l.Status),
		CreatedAt:      l.CreatedAt,
		UpdatedAt:      l.UpdatedAt,
	}, nil
}

func insertActivations(tx *gorm.DB, key string, activations []models.Activation) error {
	if len(activations) == 0 {
		return nil
	}
	rows := make([]activationRow, len(activations))
	for i, a := range activations {
		rows[i] = activationRow{
			LicenseKey:        key,
			Position:          i,
			MachineCode:       a.MachineCode,
			IP:                a.IP,
			ActivatedAt:       a.ActivatedAt,
			LastVerified:      a.LastVerified,
			VerificationCount: a.VerificationCount,
		}
	}
	if err := tx.Create(&rows).Error; err != nil {
		return sqliteErr("write activations", err)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// sqliteErr maps gorm/sqlite errors onto the store's error taxonomy.
func sqliteErr(op string, err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateKey
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%s: %w", op, ErrConflict)
		case sqlite3.ErrIoErr, sqlite3.ErrCantOpen, sqlite3.ErrFull:
			return unavailable(op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
