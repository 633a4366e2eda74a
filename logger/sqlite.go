package logger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteRecorder persists the trading journal to a SQLite database.
type SQLiteRecorder struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteRecorder opens (or creates) the SQLite database and runs migrations.
func NewSQLiteRecorder(dbPath string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("📒 [日志] SQLite 交易日志已打开")
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS decision_logs (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp     INTEGER NOT NULL,
			cycle_number  INTEGER,
			success       INTEGER,
			decision_count INTEGER,
			error_message TEXT,
			duration_ms   INTEGER,
			record_json   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decision_ts ON decision_logs(timestamp)`,

		`CREATE TABLE IF NOT EXISTS executions (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp  INTEGER NOT NULL,
			record_id  TEXT,
			order_id   TEXT,
			symbol     TEXT,
			side       TEXT,
			amount_usd REAL,
			quantity   REAL,
			price      REAL,
			status     TEXT,
			success    INTEGER,
			error      TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_exec_ts ON executions(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_exec_symbol ON executions(symbol)`,

		`CREATE TABLE IF NOT EXISTS risk_alerts (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			type      TEXT,
			severity  TEXT,
			message   TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alert_ts ON risk_alerts(timestamp)`,
	}
	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func stamp(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixMilli()
}

func (r *SQLiteRecorder) LogDecision(record *DecisionRecord) error {
	if record == nil {
		return nil
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal decision record: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	_, err = r.db.Exec(`INSERT INTO decision_logs
		(timestamp, cycle_number, success, decision_count, error_message, duration_ms, record_json)
		VALUES (?,?,?,?,?,?,?)`,
		stamp(record.Timestamp), record.CycleNumber, boolToInt(record.Success),
		len(record.Decisions), record.ErrorMessage, record.DurationMs, string(payload),
	)
	return err
}

func (r *SQLiteRecorder) LogExecution(entry *ExecutionEntry) error {
	if entry == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(`INSERT INTO executions
		(timestamp, record_id, order_id, symbol, side, amount_usd, quantity, price, status, success, error)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		stamp(entry.Timestamp), entry.ID, entry.OrderID, entry.Symbol, entry.Side,
		entry.AmountUSD, entry.Quantity, entry.Price, entry.Status, boolToInt(entry.Success), entry.Error,
	)
	return err
}

func (r *SQLiteRecorder) LogAlert(entry *AlertEntry) error {
	if entry == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(`INSERT INTO risk_alerts (timestamp, type, severity, message) VALUES (?,?,?,?)`,
		stamp(entry.Timestamp), entry.Type, entry.Severity, entry.Message,
	)
	return err
}

// RecentDecisions 最近的决策日志，按时间倒序
func (r *SQLiteRecorder) RecentDecisions(limit int) ([]DecisionRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.Query(`SELECT record_json FROM decision_logs ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec DecisionRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode decision record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecentExecutions 最近的执行记录，symbol 为空时不过滤
func (r *SQLiteRecorder) RecentExecutions(symbol string, limit int) ([]ExecutionEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	query := `SELECT timestamp, record_id, order_id, symbol, side, amount_usd, quantity, price, status, success, error
		FROM executions`
	args := []any{}
	if symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []ExecutionEntry
	for rows.Next() {
		var (
			e       ExecutionEntry
			ts      int64
			success int
		)
		if err := rows.Scan(&ts, &e.ID, &e.OrderID, &e.Symbol, &e.Side, &e.AmountUSD, &e.Quantity, &e.Price, &e.Status, &success, &e.Error); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(ts)
		e.Success = success == 1
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentAlerts 最近的风控告警
func (r *SQLiteRecorder) RecentAlerts(limit int) ([]AlertEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.Query(`SELECT timestamp, type, severity, message FROM risk_alerts ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []AlertEntry
	for rows.Next() {
		var (
			a  AlertEntry
			ts int64
		)
		if err := rows.Scan(&ts, &a.Type, &a.Severity, &a.Message); err != nil {
			return nil, err
		}
		a.Timestamp = time.UnixMilli(ts)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *SQLiteRecorder) Close() error {
	log.Info().Msg("📒 [日志] 关闭 SQLite 交易日志")
	return r.db.Close()
}
