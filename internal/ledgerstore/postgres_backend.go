package ledgerstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/agentworkforce/skillsync/internal/progress"
)

const (
	postgresLedgerTableName  = "skillsync_ledgers"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores one row per ledger key. The upsert only replaces a
// row whose stored version is not newer, so concurrent writers cannot move a
// ledger backwards.
type PostgresBackend struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, progress.ErrInvalidInput
	}
	return &PostgresBackend{
		dsn:       dsn,
		tableName: postgresLedgerTableName,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresBackend) Load(ctx context.Context, key string) (*progress.Ledger, error) {
	if b == nil {
		return nil, nil
	}
	key, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	if err := b.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE ledger_key = $1", postgresQuoteIdentifier(b.tableName))
	var payload string
	err = b.db.QueryRowContext(ctx, query, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeLedger([]byte(payload))
}

func (b *PostgresBackend) Save(ctx context.Context, key string, ledger *progress.Ledger) error {
	if b == nil || ledger == nil {
		return nil
	}
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(ledger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	table := postgresQuoteIdentifier(b.tableName)
	query := fmt.Sprintf(`
		INSERT INTO %s (ledger_key, user_id, version, snapshot, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (ledger_key)
		DO UPDATE SET user_id = EXCLUDED.user_id, version = EXCLUDED.version,
			snapshot = EXCLUDED.snapshot, updated_at = NOW()
		WHERE %s.version <= EXCLUDED.version`, table, table)
	res, err := b.db.ExecContext(ctx, query, key, ledger.UserID, int64(ledger.Version), string(payload))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &progress.StaleVersionError{Key: key, Incoming: ledger.Version}
	}
	return nil
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady(ctx context.Context) error {
	if b == nil {
		return progress.ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				ledger_key TEXT PRIMARY KEY,
				user_id TEXT NOT NULL DEFAULT '',
				version BIGINT NOT NULL DEFAULT 0,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
