// Package store is the SQLite persistence layer of the vault: grant
// history, plugin runtime states, data points and the security event log.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	storecrypto "github.com/nupi-ai/habitvault/internal/store/crypto"
)

const (
	defaultBusyTimeout        = 5 * time.Second
	defaultConnectionLifetime = 0 // unlimited
	minWatchInterval          = 50 * time.Millisecond
)

// Options describes parameters for opening a store.
type Options struct {
	DBPath   string // Path of vault.db
	ReadOnly bool   // Open database in read-only mode
}

// Store provides access to the vault database.
type Store struct {
	db       *sql.DB
	dbPath   string
	readOnly bool
	sealKey  []byte // AES-256 key sealing data point payloads
}

// NotFoundError indicates a requested record does not exist.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e NotFoundError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s not found", e.Entity)
	}
	return fmt.Sprintf("%s %s not found", e.Entity, e.Key)
}

// IsNotFound returns true when err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

// Open opens (and creates) the database at opts.DBPath.
func Open(opts Options) (*Store, error) {
	if opts.DBPath == "" {
		return nil, errors.New("store: database path is required")
	}
	if !opts.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(opts.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("store: create database directory: %w", err)
		}
	}

	dsn := opts.DBPath
	if opts.ReadOnly {
		dsn = fmt.Sprintf("file:%s?mode=ro", opts.DBPath)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite store: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(defaultConnectionLifetime)
	db.SetConnMaxIdleTime(defaultConnectionLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := applyPragmas(ctx, db, opts.ReadOnly); err != nil {
		db.Close()
		return nil, err
	}
	if !opts.ReadOnly {
		if err := applySchema(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	key, err := loadSealKey(ctx, db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:       db,
		dbPath:   opts.DBPath,
		readOnly: opts.ReadOnly,
		sealKey:  key,
	}, nil
}

// loadSealKey loads the sealing key, creating it on first use. A new key is
// only created while no sealed value exists; otherwise those values would
// become unreadable.
func loadSealKey(ctx context.Context, db *sql.DB, opts Options) ([]byte, error) {
	keyPath := storecrypto.KeyPath(opts.DBPath)
	key, err := storecrypto.LoadKey(keyPath)
	if opts.ReadOnly {
		if err != nil {
			log.Printf("[Store] WARNING: failed to load encryption key (read-only): %v", err)
			return nil, nil
		}
		return key, nil
	}
	if err != nil {
		return nil, err
	}
	if key != nil {
		return key, nil
	}

	sealed, err := storecrypto.HasSealedValues(ctx, db)
	if err != nil {
		return nil, err
	}
	if sealed {
		return nil, fmt.Errorf("store: encryption key %s is missing but the database holds sealed data points; restore the key file", keyPath)
	}
	return storecrypto.CreateKey(keyPath)
}

// Close finalises the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying sql.DB handle for internal usage.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the filesystem path of the backing database.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) writable(op string) error {
	if s.readOnly {
		return fmt.Errorf("store: %s: store opened read-only", op)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("store: rollback failed after %v: %w", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}
