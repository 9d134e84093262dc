// Package sqlsink implements handoff database inserters on top of gorm.
//
// One [Inserter] serves one dialect family. Connection handles are opened
// lazily per distinct DSN and reused for later inserts. [Register] wires the
// built-in postgres, mysql and sqlite inserters into a
// [handoff.DatabaseSink].
package sqlsink

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MrWong99/vocaform/internal/handoff"
	"github.com/MrWong99/vocaform/pkg/tool"
)

// Opener builds a gorm dialector for cfg.
type Opener func(cfg *tool.DatabaseConfig) gorm.Dialector

// Inserter writes rows through gorm. It is safe for concurrent use.
type Inserter struct {
	open Opener

	mu  sync.Mutex
	dbs map[string]*gorm.DB

	// fixed, when set, is used for every insert regardless of config.
	fixed *gorm.DB
}

var _ handoff.Inserter = (*Inserter)(nil)

// New returns an Inserter that opens connections with open.
func New(open Opener) *Inserter {
	return &Inserter{open: open, dbs: make(map[string]*gorm.DB)}
}

// NewWithDB returns an Inserter that always writes through db. The
// connection settings in the handoff config are ignored; only the table is
// used.
func NewWithDB(db *gorm.DB) *Inserter {
	return &Inserter{fixed: db}
}

// Postgres returns an inserter for PostgreSQL-compatible databases.
func Postgres() *Inserter {
	return New(func(cfg *tool.DatabaseConfig) gorm.Dialector {
		return postgres.Open(DSN(cfg))
	})
}

// MySQL returns an inserter for MySQL and MariaDB.
func MySQL() *Inserter {
	return New(func(cfg *tool.DatabaseConfig) gorm.Dialector {
		return mysql.Open(DSN(cfg))
	})
}

// SQLite returns an inserter for SQLite files. cfg.Database is the file path.
func SQLite() *Inserter {
	return New(func(cfg *tool.DatabaseConfig) gorm.Dialector {
		return sqlite.Open(DSN(cfg))
	})
}

// Register installs the built-in inserters into sink and returns a function
// closing every connection they opened.
func Register(sink *handoff.DatabaseSink) (closeAll func() error) {
	pg, my, lite := Postgres(), MySQL(), SQLite()
	sink.Register(pg, "postgres", "postgresql")
	sink.Register(my, "mysql", "mariadb")
	sink.Register(lite, "sqlite", "sqlite3")
	return func() error {
		return errors.Join(pg.Close(), my.Close(), lite.Close())
	}
}

// DSN builds a driver connection string from cfg.
func DSN(cfg *tool.DatabaseConfig) string {
	switch cfg.Dialect {
	case "postgres", "postgresql":
		port := cfg.Port
		if port == 0 {
			port = 5432
		}
		sslMode := cfg.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(cfg.Credentials.Username, cfg.Credentials.Password),
			Host:     fmt.Sprintf("%s:%d", cfg.Host, port),
			Path:     "/" + cfg.Database,
			RawQuery: url.Values{"sslmode": {sslMode}}.Encode(),
		}
		return u.String()
	case "mysql", "mariadb":
		port := cfg.Port
		if port == 0 {
			port = 3306
		}
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			cfg.Credentials.Username, cfg.Credentials.Password, cfg.Host, port, cfg.Database)
	default:
		return cfg.Database
	}
}

// Insert implements [handoff.Inserter]. Generated keys are not read back, so
// the returned ID is always empty and the engine synthesises one.
func (i *Inserter) Insert(ctx context.Context, cfg *tool.DatabaseConfig, row map[string]any) (string, error) {
	if len(row) == 0 {
		return "", errors.New("sqlsink: empty row")
	}
	db, err := i.db(cfg)
	if err != nil {
		return "", err
	}
	if err := db.WithContext(ctx).Table(cfg.Table).Create(row).Error; err != nil {
		return "", fmt.Errorf("sqlsink: insert into %s: %w", cfg.Table, err)
	}
	return "", nil
}

func (i *Inserter) db(cfg *tool.DatabaseConfig) (*gorm.DB, error) {
	if i.fixed != nil {
		return i.fixed, nil
	}
	dsn := DSN(cfg)

	i.mu.Lock()
	defer i.mu.Unlock()
	if db, ok := i.dbs[dsn]; ok {
		return db, nil
	}
	db, err := gorm.Open(i.open(cfg), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlsink: connect %s/%s: %w", cfg.Host, cfg.Database, err)
	}
	i.dbs[dsn] = db
	return db, nil
}

// Close closes every connection opened by the inserter. Handles passed to
// [NewWithDB] are left open.
func (i *Inserter) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	var errs []error
	for dsn, db := range i.dbs {
		if sqlDB, err := db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
		delete(i.dbs, dsn)
	}
	return errors.Join(errs...)
}
