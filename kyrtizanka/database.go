package kyrtizanka

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

// sqlite allows a single writer, so it gets one connection and writes
// through [database] are serialized
const (
	sqliteConnLifetime = 5 * time.Minute
	dbOperationTimeout = 30 * time.Second
)

var sqlitePragmas = map[string]string{
	"journal_mode": "WAL",
	"synchronous":  "normal",
	"temp_store":   "memory",
	"foreign_keys": "ON",
}

// Timestamps holds millisecond creation/update times and a soft-delete
// marker for the community tables
type Timestamps struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type SerialID struct {
	ID uint `gorm:"primaryKey;autoIncrement" json:"id"`
}

// schemaModels are the tables created on startup, and by `init`
func schemaModels() []any {
	return []any{
		&User{},
		&RatingRateLimit{},
		&Experience{},
		&Meme{},
		&Tag{},
		&RepMessage{},
		&InteractionLog{},
	}
}

// DBI is the set of writes the bot performs
type DBI interface {
	DB() *gorm.DB
	Create(ctx context.Context, value any, omit ...string) (int64, error)
	Updates(ctx context.Context, model any, values any) (int64, error)
	Transaction(ctx context.Context, fn func(tx *gorm.DB) error, opts ...*sql.TxOptions) error
	UpsertUser(ctx context.Context, u discordgo.User) (*User, error)
}

type database struct {
	db     *gorm.DB
	logger *slog.Logger

	// serial is set for sqlite. Writes then hold writeMu.
	serial  bool
	writeMu sync.Mutex
}

// NewDatabase wraps db. Unless concurrentWrites is set, writes are
// serialized. Writes without a deadline get dbOperationTimeout.
func NewDatabase(db *gorm.DB, logger *slog.Logger, concurrentWrites bool) DBI {
	if logger == nil {
		logger = slog.Default()
	}
	return &database{
		db:     db,
		logger: logger.With(loggerNameKey, "gorm"),
		serial: !concurrentWrites,
	}
}

func (d *database) DB() *gorm.DB { return d.db }

// write runs fn with a deadline-bound session, holding writeMu when
// writes are serialized
func (d *database) write(ctx context.Context, fn func(db *gorm.DB) *gorm.DB) (int64, error) {
	if d.serial {
		d.writeMu.Lock()
		defer d.writeMu.Unlock()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	res := fn(d.db.WithContext(ctx))
	return res.RowsAffected, res.Error
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (int64, error) {
	return d.write(
		ctx, func(db *gorm.DB) *gorm.DB {
			if len(omit) != 0 {
				db = db.Omit(omit...)
			}
			return db.Create(value)
		},
	)
}

func (d *database) Updates(ctx context.Context, model, values any) (int64, error) {
	return d.write(
		ctx, func(db *gorm.DB) *gorm.DB {
			return db.Model(model).Updates(values)
		},
	)
}

func (d *database) Transaction(
	ctx context.Context,
	fn func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) error {
	_, err := d.write(
		ctx, func(db *gorm.DB) *gorm.DB {
			if e := db.Transaction(fn, opts...); e != nil {
				_ = db.AddError(e)
			}
			return db
		},
	)
	return err
}

// UpsertUser records a user seen in an interaction, creating them on
// first sight, otherwise refreshing their names and last seen time.
func (d *database) UpsertUser(ctx context.Context, u discordgo.User) (*User, error) {
	user := NewUser(u)
	onConflict := clause.OnConflict{
		Columns: []clause.Column{{Name: columnUserID}},
		DoUpdates: clause.AssignmentColumns(
			[]string{columnUserUsername, columnUserGlobalName, columnUserLastSeen, columnUserUpdatedAt},
		),
	}
	_, err := d.write(
		ctx, func(db *gorm.DB) *gorm.DB {
			return db.Clauses(onConflict).Create(user)
		},
	)
	if err != nil {
		d.logger.ErrorContext(ctx, "user upsert failed", "user", user, tint.Err(err))
		return nil, err
	}
	return user, nil
}

// CreateDB opens the database and creates the schema, logging to
// stdout at WARN.
func CreateDB(ctx context.Context, databaseType string, dsn string) (*gorm.DB, error) {
	handler := tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelWarn, AddSource: true})
	slog.New(handler).InfoContext(ctx, "creating schema", "database_type", databaseType)

	db, err := openDB(ctx, databaseType, dsn, newGORMLogger(handler, DefaultDatabaseSlowThreshold))
	if err != nil {
		return nil, err
	}
	return db, migrateDB(ctx, db)
}

// migrateDB creates or updates every table in one transaction
func migrateDB(ctx context.Context, db *gorm.DB) error {
	err := db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(schemaModels()...)
		},
	)
	if err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}

// openDB connects to the database. sqlite gets a single connection and
// sqlitePragmas applied.
func openDB(
	ctx context.Context,
	databaseType string,
	dsn string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	dialector, err := dialectorFor(databaseType, dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(
		dialector, &gorm.Config{
			Logger:  gormLogger,
			NowFunc: func() time.Time { return time.Now().UTC() },
		},
	)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", databaseType, err)
	}
	if databaseType == dbTypePostgres {
		return db, nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sqlite connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(sqliteConnLifetime)

	var errs []error
	for name, value := range sqlitePragmas {
		errs = append(errs, db.WithContext(ctx).Exec(fmt.Sprintf("PRAGMA %s = %s;", name, value)).Error)
	}
	if err = errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("setting sqlite pragmas: %w", err)
	}
	return db, nil
}

func dialectorFor(databaseType string, dsn string) (gorm.Dialector, error) {
	switch databaseType {
	case dbTypeSQLite:
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		return sqlite.Open(dsn), nil
	case dbTypePostgres:
		return postgres.Open(dsn), nil
	}
	return nil, fmt.Errorf(
		"unsupported database type %q (expected %q or %q)",
		databaseType, dbTypeSQLite, dbTypePostgres,
	)
}
