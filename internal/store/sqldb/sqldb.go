// Package sqldb is the database/sql implementation shared by the sqlite and
// postgres backends. The two differ only in their Dialect.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradegate/internal/domain"
)

// timeLayout is fixed width so text comparison orders rows by time.
const timeLayout = "2006-01-02T15:04:05.000000Z"

const (
	keyPause    = "pause"
	keySchedule = "schedule"
)

// Dialect captures what differs between backends.
type Dialect struct {
	Name string
	// Numbered switches "?" placeholders to "$1", "$2", ...
	Numbered bool
	RealType string
	// Columns lists the live column names of a table.
	Columns func(ctx context.Context, db *sql.DB, table string) (map[string]bool, error)
}

type column struct {
	name string
	real bool
}

// tradeColumns is the declared ledger schema. New columns are appended here
// and added to existing tables on open.
var tradeColumns = []column{
	{name: "dispatch_id"},
	{name: "timestamp"},
	{name: "platform"},
	{name: "symbol"},
	{name: "action"},
	{name: "volume", real: true},
	{name: "native_symbol"},
	{name: "native_volume", real: true},
	{name: "status"},
	{name: "error_kind"},
	{name: "latency_ms", real: true},
	{name: "details"},
	{name: "expected_price", real: true},
	{name: "executed_price", real: true},
	{name: "slippage", real: true},
	{name: "order_id"},
	{name: "webhook_received_at"},
	{name: "raw_webhook"},
	{name: "broker_response"},
	{name: "pre_trade_positions"},
	{name: "position_after"},
	{name: "equity_before", real: true},
	{name: "equity_after", real: true},
	{name: "bid_price", real: true},
	{name: "ask_price", real: true},
	{name: "spread", real: true},
	{name: "commission", real: true},
	{name: "pnl", real: true},
	{name: "rejected_reason"},
}

type Store struct {
	db      *sql.DB
	dialect Dialect
}

// New migrates db and wraps it.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", dialect.Name, err)
	}
	return s, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) colType(c column) string {
	if c.real {
		return s.dialect.RealType
	}
	return "TEXT"
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`create table if not exists trades (id TEXT primary key)`,
		`create table if not exists app_state (
			key TEXT primary key,
			value TEXT not null,
			updated_at TEXT not null
		)`,
		`create table if not exists events (
			id TEXT primary key,
			broker TEXT,
			event_type TEXT not null,
			payload TEXT,
			created_at TEXT not null
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	live, err := s.dialect.Columns(ctx, s.db, "trades")
	if err != nil {
		return fmt.Errorf("inspect trades: %w", err)
	}
	for _, c := range tradeColumns {
		if live[c.name] {
			continue
		}
		stmt := fmt.Sprintf(`alter table trades add column %s %s`, c.name, s.colType(c))
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %s: %w", c.name, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `create index if not exists trades_timestamp_idx on trades(timestamp)`); err != nil {
		return err
	}
	return nil
}

// rebind rewrites "?" placeholders for numbered dialects.
func (s *Store) rebind(query string) string {
	if !s.dialect.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, raw)
	}
	return t.UTC()
}

func (s *Store) SaveTrade(ctx context.Context, rec domain.TradeRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	names := make([]string, 0, len(tradeColumns)+1)
	names = append(names, "id")
	for _, c := range tradeColumns {
		names = append(names, c.name)
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")
	query := fmt.Sprintf(`insert into trades(%s) values (%s)`, strings.Join(names, ", "), marks)
	_, err := s.db.ExecContext(ctx, s.rebind(query),
		rec.ID,
		rec.DispatchID,
		formatTime(rec.Timestamp),
		rec.Platform,
		rec.Symbol,
		rec.Action,
		rec.Volume,
		rec.NativeSymbol,
		rec.NativeVolume,
		rec.Status,
		rec.ErrorKind,
		rec.LatencyMS,
		rec.Details,
		rec.ExpectedPrice,
		rec.ExecutedPrice,
		rec.Slippage,
		rec.OrderID,
		rec.WebhookReceivedAt,
		rec.RawWebhook,
		rec.BrokerResponse,
		rec.PositionsBefore,
		rec.PositionAfter,
		rec.EquityBefore,
		rec.EquityAfter,
		rec.BidPrice,
		rec.AskPrice,
		rec.Spread,
		rec.Commission,
		rec.PnL,
		rec.RejectedReason,
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// selectList coalesces every column so rows written before a column existed
// scan as zero values.
func selectList() string {
	parts := make([]string, 0, len(tradeColumns)+1)
	parts = append(parts, "id")
	for _, c := range tradeColumns {
		if c.real {
			parts = append(parts, fmt.Sprintf("coalesce(%s, 0)", c.name))
		} else {
			parts = append(parts, fmt.Sprintf("coalesce(%s, '')", c.name))
		}
	}
	return strings.Join(parts, ", ")
}

func (s *Store) ListTrades(ctx context.Context, filter domain.TradeFilter) ([]domain.TradeRecord, error) {
	var where []string
	var args []any
	if filter.Platform != "" {
		where = append(where, "platform = ?")
		args = append(args, filter.Platform)
	}
	if !filter.Start.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTime(filter.Start))
	}
	if !filter.End.IsZero() {
		where = append(where, "timestamp < ?")
		args = append(args, formatTime(filter.End))
	}
	query := `select ` + selectList() + ` from trades`
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, " and ")
	}
	query += ` order by timestamp desc`
	if filter.Limit > 0 {
		query += ` limit ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	out := make([]domain.TradeRecord, 0)
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) LastTrade(ctx context.Context) (domain.TradeRecord, bool, error) {
	rows, err := s.ListTrades(ctx, domain.TradeFilter{Limit: 1})
	if err != nil || len(rows) == 0 {
		return domain.TradeRecord{}, false, err
	}
	return rows[0], true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrade(row scanner) (domain.TradeRecord, error) {
	var rec domain.TradeRecord
	var ts string
	err := row.Scan(
		&rec.ID,
		&rec.DispatchID,
		&ts,
		&rec.Platform,
		&rec.Symbol,
		&rec.Action,
		&rec.Volume,
		&rec.NativeSymbol,
		&rec.NativeVolume,
		&rec.Status,
		&rec.ErrorKind,
		&rec.LatencyMS,
		&rec.Details,
		&rec.ExpectedPrice,
		&rec.ExecutedPrice,
		&rec.Slippage,
		&rec.OrderID,
		&rec.WebhookReceivedAt,
		&rec.RawWebhook,
		&rec.BrokerResponse,
		&rec.PositionsBefore,
		&rec.PositionAfter,
		&rec.EquityBefore,
		&rec.EquityAfter,
		&rec.BidPrice,
		&rec.AskPrice,
		&rec.Spread,
		&rec.Commission,
		&rec.PnL,
		&rec.RejectedReason,
	)
	if err != nil {
		return domain.TradeRecord{}, fmt.Errorf("scan trade: %w", err)
	}
	rec.Timestamp = parseTime(ts)
	return rec, nil
}

func (s *Store) loadState(ctx context.Context, key string, dst any) error {
	var raw string
	err := s.db.QueryRowContext(ctx, s.rebind(`select value from app_state where key = ?`), key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	return json.Unmarshal([]byte(raw), dst)
}

func (s *Store) saveState(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`insert into app_state(key, value, updated_at) values (?, ?, ?)
		 on conflict (key) do update
		 set value = excluded.value,
		     updated_at = excluded.updated_at`),
		key, string(raw), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

func (s *Store) LoadPause(ctx context.Context) (domain.PauseState, error) {
	var state domain.PauseState
	err := s.loadState(ctx, keyPause, &state)
	return state, err
}

func (s *Store) SavePause(ctx context.Context, state domain.PauseState) error {
	return s.saveState(ctx, keyPause, state)
}

func (s *Store) LoadSchedule(ctx context.Context) (domain.ScheduleState, error) {
	var state domain.ScheduleState
	err := s.loadState(ctx, keySchedule, &state)
	return state, err
}

func (s *Store) SaveSchedule(ctx context.Context, state domain.ScheduleState) error {
	return s.saveState(ctx, keySchedule, state)
}

func (s *Store) AppendEvent(ctx context.Context, event domain.Event) (domain.Event, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(event.Payload)
	if err != nil {
		return domain.Event{}, err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`insert into events(id, broker, event_type, payload, created_at) values (?, ?, ?, ?, ?)`),
		event.ID, event.Broker, string(event.Type), string(raw), formatTime(event.CreatedAt),
	)
	if err != nil {
		return domain.Event{}, fmt.Errorf("insert event: %w", err)
	}
	return event, nil
}

func (s *Store) ListEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`select id, coalesce(broker, ''), event_type, coalesce(payload, ''), created_at
		 from events
		 order by created_at desc
		 limit ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Event, 0, limit)
	for rows.Next() {
		var event domain.Event
		var eventType, payload, createdAt string
		if err := rows.Scan(&event.ID, &event.Broker, &eventType, &payload, &createdAt); err != nil {
			return nil, err
		}
		event.Type = domain.EventType(eventType)
		event.CreatedAt = parseTime(createdAt)
		if payload != "" {
			_ = json.Unmarshal([]byte(payload), &event.Payload)
		}
		out = append(out, event)
	}
	return out, rows.Err()
}
