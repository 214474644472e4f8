package statestore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/zono819/papertrade-engine/internal/domain/entity"
	"github.com/zono819/papertrade-engine/internal/domain/repository"
	"github.com/zono819/papertrade-engine/internal/infrastructure/logger"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
	defaultAccount         = "default"
)

var _ repository.LedgerRepository = (*PostgresStore)(nil)

// PostgresOptions defines connection options for PostgreSQL
type PostgresOptions struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	Params       map[string]string
	DSN          string
	MaxOpenConns int
}

// ledgerRow holds one account's ledger document
type ledgerRow struct {
	Account   string `gorm:"primaryKey;size:64"`
	Version   int    `gorm:"not null"`
	Document  string `gorm:"type:jsonb;not null"`
	UpdatedAt time.Time
}

func (ledgerRow) TableName() string {
	return "ledger_snapshots"
}

// PostgresStore keeps each account's ledger document in one row. A save is a
// single upsert, so readers see either the old or the new document.
type PostgresStore struct {
	db             *gorm.DB
	account        string
	initialBalance decimal.Decimal
	log            *logger.Logger
}

// OpenPostgres connects, migrates the table and returns a store for account
func OpenPostgres(ctx context.Context, opts PostgresOptions, account string, initialBalance decimal.Decimal, log *logger.Logger) (*PostgresStore, error) {
	dsn, err := opts.dsn()
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}

	store, err := NewPostgresStore(db, account, initialBalance, log)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStore wraps an existing connection
func NewPostgresStore(db *gorm.DB, account string, initialBalance decimal.Decimal, log *logger.Logger) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("postgres store: nil db")
	}
	if account == "" {
		account = defaultAccount
	}
	if log == nil {
		log = logger.Default()
	}
	return &PostgresStore{
		db:             db,
		account:        account,
		initialBalance: initialBalance,
		log:            log.WithFields(logger.Fields{"component": "statestore", "account": account}),
	}, nil
}

// Migrate creates the ledger table when missing
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&ledgerRow{}); err != nil {
		return fmt.Errorf("migrate ledger table: %w", err)
	}
	return nil
}

// Save upserts the account's document
func (s *PostgresStore) Save(ctx context.Context, snap *entity.LedgerSnapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}
	row := ledgerRow{
		Account:   s.account,
		Version:   entity.SnapshotVersion,
		Document:  string(data),
		UpdatedAt: time.Now().UTC(),
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	s.log.Debug("Ledger saved (%d bytes)", len(data))
	return nil
}

// Load returns the account's document, seeding a fresh ledger when no row exists
func (s *PostgresStore) Load(ctx context.Context) (*entity.LedgerSnapshot, error) {
	var row ledgerRow
	err := s.db.WithContext(ctx).Where("account = ?", s.account).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.log.Info("No stored ledger, starting with %s", s.initialBalance)
		return entity.NewLedgerSnapshot(s.initialBalance), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	if row.Version > entity.SnapshotVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, row.Version)
	}
	return Decode([]byte(row.Document))
}

// Close closes the underlying connection pool
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (opt PostgresOptions) dsn() (string, error) {
	if opt.DSN != "" {
		return opt.DSN, nil
	}

	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}
	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}
	if port < 0 || port > 65535 {
		return "", fmt.Errorf("postgres: invalid port %d", port)
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()

	return u.String(), nil
}
