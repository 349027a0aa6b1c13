// Package receipts mirrors committed per-transaction receipts into
// Postgres, per SPEC_FULL.md §4.10: the original Hyperledger Sawtooth
// validator serves receipts to a REST gateway over an in-process LMDB read
// path; that gateway is out of scope here, but the receipt data itself is a
// genuine core output, so this package gives a future query surface
// somewhere to read it from.
//
// Grounded on the teacher's pkg/database.Client: connection pooling via
// database/sql, an embedded-migration schema, and a thin query-helper
// surface over *sql.DB.
package receipts

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/certenlabs/ledgervalidator/pkg/ledgertypes"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// StoreConfig controls the Postgres connection pool.
type StoreConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// DefaultStoreConfig matches the teacher's own database client defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnMaxLifetime: time.Hour,
	}
}

// Store is the receipt index: an additive, non-gating write path consulted
// by ChainController on every commit.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// NewStore opens a connection pool against databaseURL and verifies it with
// a ping. Callers should follow with MigrateUp before first use.
func NewStore(databaseURL string, cfg StoreConfig) (*Store, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("receipts: database URL cannot be empty")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("receipts: open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("receipts: ping database: %w", err)
	}

	return &Store{
		db:     db,
		logger: log.New(os.Stderr, "[ReceiptStore] ", log.LstdFlags),
	}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// WriteBlockReceipts inserts one row per transaction receipt across every
// batch in results, keyed by transaction id. A write failure here is
// returned to the caller (not logged here), but per §4.10 is never treated as a
// reason to roll back the block commit itself — callers (pkg/chain) log
// and continue rather than propagate this as a fatal error.
func (s *Store) WriteBlockReceipts(ctx context.Context, blockID string, results []ledgertypes.BatchResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("receipts: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transaction_receipts (transaction_id, block_id, batch_id, result_kind, error_message)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (transaction_id) DO UPDATE SET
			block_id = EXCLUDED.block_id,
			batch_id = EXCLUDED.batch_id,
			result_kind = EXCLUDED.result_kind,
			error_message = EXCLUDED.error_message,
			committed_at = now()
	`)
	if err != nil {
		return fmt.Errorf("receipts: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, batch := range results {
		for _, r := range batch.Receipts {
			if _, err := stmt.ExecContext(ctx, r.TransactionID, blockID, batch.BatchID, int(r.Kind), r.ErrorMessage); err != nil {
				return fmt.Errorf("receipts: insert %s: %w", r.TransactionID, err)
			}
		}
	}
	return tx.Commit()
}

// TransactionReceiptRow is one row read back from the index.
type TransactionReceiptRow struct {
	TransactionID string
	BlockID       string
	BatchID       string
	Kind          ledgertypes.TransactionResultKind
	ErrorMessage  string
	CommittedAt   time.Time
}

// ByTransaction reads the receipt for a single transaction id, if present.
func (s *Store) ByTransaction(ctx context.Context, txID string) (TransactionReceiptRow, bool, error) {
	var row TransactionReceiptRow
	var kind int
	err := s.db.QueryRowContext(ctx, `
		SELECT transaction_id, block_id, batch_id, result_kind, error_message, committed_at
		FROM transaction_receipts WHERE transaction_id = $1
	`, txID).Scan(&row.TransactionID, &row.BlockID, &row.BatchID, &kind, &row.ErrorMessage, &row.CommittedAt)
	if err == sql.ErrNoRows {
		return TransactionReceiptRow{}, false, nil
	}
	if err != nil {
		return TransactionReceiptRow{}, false, fmt.Errorf("receipts: query %s: %w", txID, err)
	}
	row.Kind = ledgertypes.TransactionResultKind(kind)
	return row, true, nil
}

// ByBlock reads every receipt recorded for blockID.
func (s *Store) ByBlock(ctx context.Context, blockID string) ([]TransactionReceiptRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, block_id, batch_id, result_kind, error_message, committed_at
		FROM transaction_receipts WHERE block_id = $1
	`, blockID)
	if err != nil {
		return nil, fmt.Errorf("receipts: query block %s: %w", blockID, err)
	}
	defer rows.Close()

	var out []TransactionReceiptRow
	for rows.Next() {
		var row TransactionReceiptRow
		var kind int
		if err := rows.Scan(&row.TransactionID, &row.BlockID, &row.BatchID, &kind, &row.ErrorMessage, &row.CommittedAt); err != nil {
			return nil, fmt.Errorf("receipts: scan: %w", err)
		}
		row.Kind = ledgertypes.TransactionResultKind(kind)
		out = append(out, row)
	}
	return out, rows.Err()
}

// migration is one embedded SQL file.
type migration struct {
	Version  string
	Filename string
	SQL      string
}

func (s *Store) loadMigrations() ([]migration, error) {
	var migrations []migration
	err := fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".sql") {
			return nil
		}
		content, err := migrationsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		migrations = append(migrations, migration{
			Version:  strings.TrimSuffix(d.Name(), ".sql"),
			Filename: d.Name(),
			SQL:      string(content),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// MigrateUp applies every embedded migration not already recorded in
// schema_migrations.
func (s *Store) MigrateUp(ctx context.Context) error {
	migrations, err := s.loadMigrations()
	if err != nil {
		return fmt.Errorf("receipts: load migrations: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err == nil {
		for rows.Next() {
			var v string
			if err := rows.Scan(&v); err == nil {
				applied[v] = true
			}
		}
		rows.Close()
	} else if !strings.Contains(err.Error(), "does not exist") {
		return fmt.Errorf("receipts: read applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		s.logger.Printf("applying migration %s", m.Version)
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("receipts: begin migration tx: %w", err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("receipts: apply migration %s: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("receipts: commit migration %s: %w", m.Version, err)
		}
	}
	return nil
}
