package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DeviceState is one (device, wallet) accounting record. Counter baselines
// and the fractional kWh carry live here so a gateway restart never
// re-credits energy that was already minted. HasBaseline distinguishes a row
// whose counter baselines were set by a cumulative report from one the
// instantaneous path created; only the former may be credited deltas.
type DeviceState struct {
	DeviceID       string
	Wallet         string
	LastGenTotal   decimal.Decimal
	LastConsTotal  decimal.Decimal
	CreditFraction decimal.Decimal
	HasBaseline    bool
	LastNonce      uint64
	LastUnixTS     int64
	TotalMinted    uint64
	UpdatedAt      time.Time
}

// MeterStore persists accounting state keyed by (device_id, wallet).
// Implementations must make UpsertDeviceState atomic per key.
type MeterStore interface {
	DeviceState(ctx context.Context, deviceID, wallet string) (DeviceState, bool, error)
	UpsertDeviceState(ctx context.Context, state DeviceState) error
	Close() error
}

type PostgresStore struct {
	db *DB
}

type DB struct {
	raw *sql.DB
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// SQL escape: two single quotes inside a string literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func NewPostgresStore(dbDSN string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{db: &DB{raw: db}}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS device_accumulators (
			device_id TEXT NOT NULL,
			wallet TEXT NOT NULL,
			last_gen_total NUMERIC NOT NULL,
			last_cons_total NUMERIC NOT NULL,
			credit_fraction NUMERIC NOT NULL,
			has_baseline BOOLEAN NOT NULL,
			last_nonce BIGINT NOT NULL,
			last_unix_ts BIGINT NOT NULL,
			total_minted BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (device_id, wallet)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_device_accumulators_wallet ON device_accumulators(wallet);`,
	}

	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate device_accumulators: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) DeviceState(ctx context.Context, deviceID, wallet string) (DeviceState, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT device_id, wallet, last_gen_total, last_cons_total, credit_fraction,
			has_baseline, last_nonce, last_unix_ts, total_minted, updated_at
		FROM device_accumulators
		WHERE device_id = ? AND wallet = ?`, deviceID, wallet)

	var (
		state     DeviceState
		lastNonce int64
		total     int64
		updatedAt int64
	)
	err := row.Scan(
		&state.DeviceID,
		&state.Wallet,
		&state.LastGenTotal,
		&state.LastConsTotal,
		&state.CreditFraction,
		&state.HasBaseline,
		&lastNonce,
		&state.LastUnixTS,
		&total,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return DeviceState{}, false, nil
	}
	if err != nil {
		return DeviceState{}, false, fmt.Errorf("load device %q: %w", deviceID, err)
	}
	state.LastNonce = uint64(lastNonce)
	state.TotalMinted = uint64(total)
	state.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return state, true, nil
}

func (s *PostgresStore) UpsertDeviceState(ctx context.Context, state DeviceState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_accumulators (
			device_id, wallet, last_gen_total, last_cons_total, credit_fraction,
			has_baseline, last_nonce, last_unix_ts, total_minted, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (device_id, wallet) DO UPDATE SET
			last_gen_total = EXCLUDED.last_gen_total,
			last_cons_total = EXCLUDED.last_cons_total,
			credit_fraction = EXCLUDED.credit_fraction,
			has_baseline = EXCLUDED.has_baseline,
			last_nonce = EXCLUDED.last_nonce,
			last_unix_ts = EXCLUDED.last_unix_ts,
			total_minted = EXCLUDED.total_minted,
			updated_at = EXCLUDED.updated_at`,
		state.DeviceID,
		state.Wallet,
		state.LastGenTotal,
		state.LastConsTotal,
		state.CreditFraction,
		state.HasBaseline,
		int64(state.LastNonce),
		state.LastUnixTS,
		int64(state.TotalMinted),
		state.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert device %q: %w", state.DeviceID, err)
	}
	return nil
}
