// Package postgres is a ledger store on PostgreSQL. The ledger record is
// kept as JSONB next to queryable columns; fills and quotes get their own
// tables.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/tradeledger/pkg/app/core/ledger"
	"github.com/uhyunpark/tradeledger/pkg/app/core/pricebook"
	"github.com/uhyunpark/tradeledger/pkg/storage"
)

const Schema = `
CREATE TABLE IF NOT EXISTS ledgers (
  user_id    TEXT PRIMARY KEY,
  version    BIGINT      NOT NULL,
  cash       NUMERIC     NOT NULL,
  record     JSONB       NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS fills (
  fill_id      TEXT PRIMARY KEY,
  user_id      TEXT        NOT NULL,
  seq          BIGINT      NOT NULL,
  order_id     TEXT        NOT NULL,
  symbol       TEXT        NOT NULL,
  side         TEXT        NOT NULL,
  quantity     BIGINT      NOT NULL,
  price        NUMERIC     NOT NULL,
  realized_pnl NUMERIC     NOT NULL,
  executed_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS fills_user_seq ON fills (user_id, seq DESC);
CREATE TABLE IF NOT EXISTS quotes (
  symbol TEXT PRIMARY KEY,
  price  NUMERIC     NOT NULL,
  as_of  TIMESTAMPTZ NOT NULL
);`

// quoteTimeout bounds SaveQuote, which has no caller context.
const quoteTimeout = 2 * time.Second

type Store struct{ DB *pgxpool.Pool }

// Open connects and applies the schema.
func Open(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{DB: pool}, nil
}

func (s *Store) Close() error {
	s.DB.Close()
	return nil
}

// CommitLedger upserts the ledger and inserts its fills in one transaction.
// A record is only replaced by a higher version.
func (s *Store) CommitLedger(ctx context.Context, l *ledger.Ledger, fills []ledger.Fill) error {
	record, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	return pgx.BeginFunc(ctx, s.DB, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO ledgers (user_id, version, cash, record, updated_at)
			VALUES ($1, $2, $3::numeric, $4::jsonb, $5)
			ON CONFLICT (user_id)
			DO UPDATE SET version = EXCLUDED.version,
			              cash = EXCLUDED.cash,
			              record = EXCLUDED.record,
			              updated_at = EXCLUDED.updated_at
			WHERE ledgers.version < EXCLUDED.version`,
			l.UserID, int64(l.Version), l.Cash.String(), string(record), l.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert ledger %s: %w", l.UserID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("ledger %s: version %d is not newer than stored", l.UserID, l.Version)
		}
		for _, f := range fills {
			if _, err := tx.Exec(ctx, `
				INSERT INTO fills (fill_id, user_id, seq, order_id, symbol, side, quantity, price, realized_pnl, executed_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10)`,
				f.ID, f.UserID, int64(f.Seq), f.OrderID, f.Symbol, string(f.Side), f.Quantity,
				f.Price.String(), f.RealizedPnL.String(), f.ExecutedAt); err != nil {
				return fmt.Errorf("insert fill %s: %w", f.ID, err)
			}
		}
		return nil
	})
}

func (s *Store) LoadLedger(ctx context.Context, userID string) (*ledger.Ledger, error) {
	var record []byte
	err := s.DB.QueryRow(ctx, `SELECT record FROM ledgers WHERE user_id = $1`, userID).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ledger %s: %w", userID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load ledger %s: %w", userID, err)
	}
	var l ledger.Ledger
	if err := json.Unmarshal(record, &l); err != nil {
		return nil, fmt.Errorf("unmarshal ledger %s: %w", userID, err)
	}
	l.Normalize()
	return &l, nil
}

func (s *Store) UserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.DB.Query(ctx, `SELECT user_id FROM ledgers ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) RecentFills(ctx context.Context, userID string, limit int) ([]ledger.Fill, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT fill_id, user_id, seq, order_id, symbol, side, quantity, price::text, realized_pnl::text, executed_at
		FROM fills WHERE user_id = $1 ORDER BY seq DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ledger.Fill, 0)
	for rows.Next() {
		var (
			f          ledger.Fill
			seq        int64
			side       string
			price, pnl string
		)
		if err := rows.Scan(&f.ID, &f.UserID, &seq, &f.OrderID, &f.Symbol, &side, &f.Quantity, &price, &pnl, &f.ExecutedAt); err != nil {
			return nil, err
		}
		f.Seq = uint64(seq)
		f.Side = ledger.Side(side)
		if f.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("fill %s price: %w", f.ID, err)
		}
		if f.RealizedPnL, err = decimal.NewFromString(pnl); err != nil {
			return nil, fmt.Errorf("fill %s pnl: %w", f.ID, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// SaveQuote upserts q unless a newer quote is stored.
func (s *Store) SaveQuote(q pricebook.Quote) error {
	ctx, cancel := context.WithTimeout(context.Background(), quoteTimeout)
	defer cancel()
	_, err := s.DB.Exec(ctx, `
		INSERT INTO quotes (symbol, price, as_of) VALUES ($1, $2::numeric, $3)
		ON CONFLICT (symbol)
		DO UPDATE SET price = EXCLUDED.price, as_of = EXCLUDED.as_of
		WHERE quotes.as_of < EXCLUDED.as_of`,
		q.Symbol, q.Price.String(), q.AsOf)
	return err
}

func (s *Store) LoadQuotes() ([]pricebook.Quote, error) {
	ctx, cancel := context.WithTimeout(context.Background(), quoteTimeout)
	defer cancel()
	rows, err := s.DB.Query(ctx, `SELECT symbol, price::text, as_of FROM quotes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]pricebook.Quote, 0)
	for rows.Next() {
		var (
			q     pricebook.Quote
			price string
		)
		if err := rows.Scan(&q.Symbol, &price, &q.AsOf); err != nil {
			return nil, err
		}
		if q.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("quote %s: %w", q.Symbol, err)
		}
		q.AsOf = q.AsOf.UTC()
		out = append(out, q)
	}
	return out, rows.Err()
}
