// Package journal persists the trading audit trail to SQLite: every order
// acknowledgement, every fired scheduling window and every alert record.
package journal

import (
	"database/sql"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"autotrader/internal/alertlog"
	"autotrader/internal/exchange"
)

// Journal is the durable audit log. It satisfies broker.Journal and
// scheduler.Journal and plugs into the alert logger's Persist hook.
type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (or creates) the journal database.
func Open(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL")
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS orders (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id    INTEGER NOT NULL,
		symbol      TEXT NOT NULL,
		side        TEXT NOT NULL,
		type        TEXT NOT NULL,
		status      TEXT NOT NULL,
		kind        TEXT NOT NULL,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol);
	CREATE INDEX IF NOT EXISTS idx_orders_order_id ON orders(order_id);

	CREATE TABLE IF NOT EXISTS windows (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		close_instant DATETIME NOT NULL,
		fired_at      DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_windows_close ON windows(close_instant);

	CREATE TABLE IF NOT EXISTS alerts (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		at         DATETIME NOT NULL,
		message    TEXT NOT NULL,
		is_alert   INTEGER NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("[journal] opened audit journal at %s", dbPath)
	return &Journal{db: db}, nil
}

// RecordOrder persists an order acknowledgement. kind names the intent
// (entry, stop, take, close, cancel).
func (j *Journal) RecordOrder(ack exchange.OrderAck, kind string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.db.Exec(
		`INSERT INTO orders (order_id, symbol, side, type, status, kind)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ack.OrderID, ack.Symbol, ack.Side, ack.Type, ack.Status, kind,
	); err != nil {
		log.Printf("[journal] record order %d: %v", ack.OrderID, err)
	}
}

// RecordWindow persists one fired scheduling window.
func (j *Journal) RecordWindow(closeInstant, firedAt time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.db.Exec(
		`INSERT INTO windows (close_instant, fired_at) VALUES (?, ?)`,
		closeInstant.Format(time.RFC3339), firedAt.Format(time.RFC3339),
	); err != nil {
		log.Printf("[journal] record window %s: %v", closeInstant.Format(time.RFC3339), err)
	}
}

// RecordAlert persists one alert-log record. Shaped for the alert logger's
// Persist hook.
func (j *Journal) RecordAlert(rec alertlog.Record) {
	j.mu.Lock()
	defer j.mu.Unlock()

	isAlert := 0
	if rec.Alert {
		isAlert = 1
	}
	if _, err := j.db.Exec(
		`INSERT INTO alerts (at, message, is_alert) VALUES (?, ?, ?)`,
		rec.Time.Format(time.RFC3339), rec.Message, isAlert,
	); err != nil {
		log.Printf("[journal] record alert: %v", err)
	}
}

// OrderRecord is one row of the orders table.
type OrderRecord struct {
	ID      int64  `json:"id"`
	OrderID int64  `json:"order_id"`
	Symbol  string `json:"symbol"`
	Side    string `json:"side"`
	Type    string `json:"type"`
	Status  string `json:"status"`
	Kind    string `json:"kind"`
}

// RecentOrders returns the last N recorded orders, newest first.
func (j *Journal) RecentOrders(limit int) ([]OrderRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(
		`SELECT id, order_id, symbol, side, type, status, kind
		 FROM orders ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []OrderRecord
	for rows.Next() {
		var o OrderRecord
		if err := rows.Scan(&o.ID, &o.OrderID, &o.Symbol, &o.Side, &o.Type, &o.Status, &o.Kind); err != nil {
			continue
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// RecentAlerts returns the last N persisted alert records, newest first.
// Used to answer history queries after a restart empties the in-memory ring.
func (j *Journal) RecentAlerts(limit int) ([]alertlog.Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(
		`SELECT at, message, is_alert FROM alerts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []alertlog.Record
	for rows.Next() {
		var at string
		var rec alertlog.Record
		var isAlert int
		if err := rows.Scan(&at, &rec.Message, &isAlert); err != nil {
			continue
		}
		rec.Time, _ = time.Parse(time.RFC3339, at)
		rec.Alert = isAlert == 1
		records = append(records, rec)
	}
	return records, nil
}

// DB exposes the underlying handle for health probes.
func (j *Journal) DB() *sql.DB { return j.db }

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
