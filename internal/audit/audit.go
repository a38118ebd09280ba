// Package audit persists an append-only trail of provisioning attempts via GORM.
// Two backends are provided: SQLite (default, zero-config, pure Go via
// glebarez/sqlite) and PostgreSQL (multi-host deployments, via pgx).
// All GORM usage is confined to this package — domain types remain ORM-free.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/ngome/internal/config"
)

// ProvisionAttempt records the outcome of a single provisioning iteration.
// Append-only: attempts are never updated or deleted.
type ProvisionAttempt struct {
	ID        uuid.UUID `json:"id"`
	AgentID   string    `json:"agent_id"`
	Iteration int       `json:"iteration"`
	Outcome   string    `json:"outcome"` // "ready", "repairing", "failed"
	Signal    string    `json:"signal,omitempty"`
	Repair    string    `json:"repair,omitempty"`
	Duration  int64     `json:"duration_ms"`
	CreatedAt time.Time `json:"created_at"`
}

// attemptModel is the GORM persistence model for ProvisionAttempt.
type attemptModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	AgentID   string    `gorm:"index;not null"`
	Iteration int       `gorm:"not null"`
	Outcome   string    `gorm:"not null"`
	Signal    string
	Repair    string
	Duration  int64
	CreatedAt time.Time `gorm:"index;not null"`
}

func (attemptModel) TableName() string { return "provision_attempts" }

// Store is the audit trail. A nil *Store is valid and disables auditing —
// all methods are nil-safe no-ops.
type Store struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger
}

// Open creates an audit store from config. Returns nil when the config is
// nil (auditing disabled). defaultPath is used for the SQLite file when the
// config does not name one.
func Open(cfg *config.AuditConfig, defaultPath string, slogger *slog.Logger) (*Store, error) {
	if cfg == nil {
		return nil, nil
	}

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	gormCfg := &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var (
		db  *gorm.DB
		err error
	)
	driver := cfg.AuditDriver()
	switch driver {
	case "postgres":
		db, err = openPostgres(cfg.Postgres, gormCfg)
	default:
		db, err = openSQLite(cfg.SQLite, defaultPath, gormCfg)
	}
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&attemptModel{}); err != nil {
		return nil, fmt.Errorf("migrating audit schema: %w", err)
	}

	s := &Store{db: db, driver: driver, logger: slogger}
	if slogger != nil {
		slogger.Info("audit store opened", slog.String("driver", driver))
	}
	return s, nil
}

func openSQLite(cfg *config.SQLiteAuditConfig, defaultPath string, gormCfg *gorm.Config) (*gorm.DB, error) {
	path := defaultPath
	journalMode := "wal"
	if cfg != nil {
		if cfg.Path != "" {
			path = cfg.Path
		}
		if cfg.JournalMode != "" {
			journalMode = cfg.JournalMode
		}
	}
	if path == "" {
		return nil, fmt.Errorf("sqlite audit path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating audit database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path, journalMode)
	db, err := gorm.Open(sqlite.Open(dsn), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite audit database: %w", err)
	}
	return db, nil
}

func openPostgres(cfg *config.PostgresAuditConfig, gormCfg *gorm.Config) (*gorm.DB, error) {
	if cfg == nil || cfg.DSN == "" {
		return nil, fmt.Errorf("postgres audit dsn is required")
	}

	sqlDB, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	maxLifetime := time.Duration(cfg.ConnMaxLifetimeS) * time.Second
	if maxLifetime <= 0 {
		maxLifetime = 30 * time.Minute
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(maxLifetime)

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return db, nil
}

// Record appends a single provisioning attempt. This is the only write
// method — immutability is enforced at the type level.
func (s *Store) Record(ctx context.Context, attempt ProvisionAttempt) error {
	if s == nil {
		return nil
	}
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	model := attemptModel(attempt)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("recording provision attempt: %w", err)
	}
	return nil
}

// ListByAgent returns attempts for an agent, newest first.
// Limit defaults to 100.
func (s *Store) ListByAgent(ctx context.Context, agentID string, limit int) ([]ProvisionAttempt, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	var models []attemptModel
	err := s.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("querying provision attempts: %w", err)
	}

	attempts := make([]ProvisionAttempt, len(models))
	for i := range models {
		attempts[i] = ProvisionAttempt(models[i])
	}
	return attempts, nil
}

// Ping verifies the underlying database connection.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Driver returns the audit driver name ("sqlite" or "postgres").
func (s *Store) Driver() string {
	if s == nil {
		return ""
	}
	return s.driver
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Info(fmt.Sprintf(format, args...))
}
