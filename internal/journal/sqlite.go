// Package journal is the SQLite record of order previews, placements and
// balance history.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// MaxOrders is how many order records are kept.
const MaxOrders = 1000

const Schema = `
CREATE TABLE IF NOT EXISTS orders (
	id          TEXT PRIMARY KEY,
	ts          INTEGER NOT NULL,
	kind        TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	status      TEXT NOT NULL,
	quantity    TEXT NOT NULL,
	price       TEXT NOT NULL,
	notional    TEXT NOT NULL,
	budget      TEXT NOT NULL,
	stop_loss   TEXT,
	take_profit TEXT,
	order_id    TEXT,
	error       TEXT
);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS balance_points (
	id    TEXT PRIMARY KEY,
	ts    INTEGER NOT NULL,
	total TEXT NOT NULL,
	quote TEXT NOT NULL
);
`

// Order kinds.
const (
	KindPreview   = "preview"
	KindMarketBuy = "market_buy"
)

// OrderRecord is one journaled order action.
type OrderRecord struct {
	ID         string              `json:"id"`
	Time       time.Time           `json:"ts"`
	Kind       string              `json:"kind"`
	Symbol     string              `json:"symbol"`
	Status     string              `json:"status"`
	Quantity   decimal.Decimal     `json:"quantity"`
	Price      decimal.Decimal     `json:"price"`
	Notional   decimal.Decimal     `json:"notional"`
	Budget     decimal.Decimal     `json:"budget"`
	StopLoss   decimal.NullDecimal `json:"sl"`
	TakeProfit decimal.NullDecimal `json:"tp"`
	OrderID    string              `json:"order_id,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// BalancePoint is the total portfolio value at one moment.
type BalancePoint struct {
	ID    string          `json:"id"`
	Time  time.Time       `json:"ts"`
	Total decimal.Decimal `json:"total"`
	Quote string          `json:"quote"`
}

// SQLite is a journal backed by a SQLite database file.
type SQLite struct {
	db  *sql.DB
	ids *rowIDs
	now func() time.Time
}

// NewSQLite opens (creating if needed) the journal at path.
func NewSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	// A single connection keeps writes serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return &SQLite{db: db, ids: newRowIDs(), now: time.Now}, nil
}

// Close closes the database.
func (j *SQLite) Close() error {
	return j.db.Close()
}

// LogOrder appends rec, assigning its ID and timestamp, and trims the
// journal to the newest MaxOrders records.
func (j *SQLite) LogOrder(ctx context.Context, rec OrderRecord) (OrderRecord, error) {
	if rec.Time.IsZero() {
		rec.Time = j.now().UTC()
	}
	id, err := j.ids.next(rec.Time)
	if err != nil {
		return rec, err
	}
	rec.ID = id

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return rec, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders
		(id, ts, kind, symbol, status, quantity, price, notional, budget, stop_loss, take_profit, order_id, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Time.UnixMilli(), rec.Kind, rec.Symbol, rec.Status,
		rec.Quantity.String(), rec.Price.String(), rec.Notional.String(), rec.Budget.String(),
		nullString(rec.StopLoss), nullString(rec.TakeProfit), nullText(rec.OrderID), rec.Error,
	)
	if err != nil {
		return rec, fmt.Errorf("insert order: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM orders WHERE id NOT IN (
			SELECT id FROM orders ORDER BY id DESC LIMIT ?
		)`, MaxOrders)
	if err != nil {
		return rec, fmt.Errorf("trim orders: %w", err)
	}
	return rec, tx.Commit()
}

// ListOrders returns the newest limit records, oldest first.
func (j *SQLite) ListOrders(ctx context.Context, limit int) ([]OrderRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, ts, kind, symbol, status, quantity, price, notional, budget,
		       stop_loss, take_profit, order_id, error
		FROM (SELECT * FROM orders ORDER BY id DESC LIMIT ?)
		ORDER BY id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		var (
			rec                          OrderRecord
			ts                           int64
			qty, price, notional, budget string
			sl, tp, orderID, errText     sql.NullString
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.Kind, &rec.Symbol, &rec.Status,
			&qty, &price, &notional, &budget, &sl, &tp, &orderID, &errText); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		rec.Time = time.UnixMilli(ts).UTC()
		rec.Quantity = decimalOrZero(qty)
		rec.Price = decimalOrZero(price)
		rec.Notional = decimalOrZero(notional)
		rec.Budget = decimalOrZero(budget)
		rec.StopLoss = nullDecimal(sl)
		rec.TakeProfit = nullDecimal(tp)
		rec.OrderID = orderID.String
		rec.Error = errText.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AddBalancePoint records the portfolio total.
func (j *SQLite) AddBalancePoint(ctx context.Context, total decimal.Decimal, quote string) (BalancePoint, error) {
	p := BalancePoint{Time: j.now().UTC(), Total: total, Quote: quote}
	id, err := j.ids.next(p.Time)
	if err != nil {
		return p, err
	}
	p.ID = id
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO balance_points (id, ts, total, quote) VALUES (?, ?, ?, ?)`,
		p.ID, p.Time.UnixMilli(), p.Total.String(), p.Quote,
	)
	if err != nil {
		return p, fmt.Errorf("insert balance point: %w", err)
	}
	return p, nil
}

// BalancePoints returns the newest limit points, oldest first.
func (j *SQLite) BalancePoints(ctx context.Context, limit int) ([]BalancePoint, error) {
	if limit <= 0 {
		limit = 24 * 7
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, ts, total, quote
		FROM (SELECT * FROM balance_points ORDER BY id DESC LIMIT ?)
		ORDER BY id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("query balance points: %w", err)
	}
	defer rows.Close()

	var out []BalancePoint
	for rows.Next() {
		var (
			p     BalancePoint
			ts    int64
			total string
		)
		if err := rows.Scan(&p.ID, &ts, &total, &p.Quote); err != nil {
			return nil, fmt.Errorf("scan balance point: %w", err)
		}
		p.Time = time.UnixMilli(ts).UTC()
		p.Total = decimalOrZero(total)
		out = append(out, p)
	}
	return out, rows.Err()
}

// settingsKey is the settings row holding the preferences document.
const settingsKey = "preferences"

// LoadSettings returns the saved preferences document, or nil when none
// was saved.
func (j *SQLite) LoadSettings(ctx context.Context) ([]byte, error) {
	var value string
	err := j.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, settingsKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	return []byte(value), nil
}

// SaveSettings replaces the preferences document.
func (j *SQLite) SaveSettings(ctx context.Context, data []byte) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		settingsKey, string(data), j.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func nullString(v decimal.NullDecimal) sql.NullString {
	if !v.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: v.Decimal.String(), Valid: true}
}

func nullText(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullDecimal(s sql.NullString) decimal.NullDecimal {
	if !s.Valid {
		return decimal.NullDecimal{}
	}
	v, err := decimal.NewFromString(s.String)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(v)
}

func decimalOrZero(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}
