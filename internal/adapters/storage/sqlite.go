package storage

// sqlite.go: ledger de trades, diagnósticos de ejecución y series de P&L.
//
// Estrategia:
//   - `trades`: una fila por lote. Nunca se borran; un cierre parcial inserta
//     una fila cerrada nueva y encoge la abierta.
//   - `portfolio`: fila única (id=1) con totales cacheados. Se comprueba
//     contra las filas con el trust gate.
//   - Todas las escrituras van en una transacción y se serializan con un
//     mutex compartido por todos los handles.
//   - Prune automático al arrancar: pnl_history > 30d.

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
-- Ledger de trades (abiertos y cerrados)
CREATE TABLE IF NOT EXISTS trades (
    id                   INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp            TEXT    NOT NULL,
    market               TEXT    NOT NULL,
    side                 TEXT    NOT NULL,
    size                 REAL    NOT NULL,
    price                REAL    NOT NULL,
    target_wallet        TEXT,
    market_slug          TEXT,
    outcome              TEXT,
    shares               REAL    NOT NULL,
    current_price        REAL,
    current_value        REAL    NOT NULL DEFAULT 0,
    sell_price           REAL,
    closed_at            TEXT,
    proceeds             REAL    NOT NULL DEFAULT 0,
    realized_pnl         REAL    NOT NULL DEFAULT 0,
    unrealized_pnl       REAL    NOT NULL DEFAULT 0,
    pnl                  REAL    NOT NULL DEFAULT 0,
    status               TEXT    NOT NULL DEFAULT 'open'
);

-- Totales cacheados, siempre id=1
CREATE TABLE IF NOT EXISTS portfolio (
    id              INTEGER PRIMARY KEY CHECK (id = 1),
    total_value     REAL NOT NULL DEFAULT 0,
    cash            REAL NOT NULL DEFAULT 0,
    initial_budget  REAL NOT NULL DEFAULT 0,
    pnl_24h         REAL NOT NULL DEFAULT 0,
    pnl_total       REAL NOT NULL DEFAULT 0,
    updated_at      TEXT NOT NULL
);

-- Serie temporal nuestra vs wallet objetivo
CREATE TABLE IF NOT EXISTS pnl_history (
    id                   INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp            TEXT NOT NULL,
    our_pnl_pct          REAL NOT NULL DEFAULT 0,
    whale_pnl_pct        REAL NOT NULL DEFAULT 0,
    our_total_invested   REAL NOT NULL DEFAULT 0,
    whale_total_invested REAL NOT NULL DEFAULT 0
);

-- Ciclo de vida de cada orden, clave (run_id, order_id)
CREATE TABLE IF NOT EXISTS execution_records (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id                TEXT NOT NULL,
    run_tag               TEXT NOT NULL DEFAULT 'default',
    order_id              TEXT NOT NULL,
    trade_id              INTEGER,
    market_id             TEXT NOT NULL,
    market_slug           TEXT,
    side                  TEXT NOT NULL,
    order_type            TEXT NOT NULL,
    qty_shares            REAL NOT NULL DEFAULT 0,
    intended_limit_price  REAL,
    time_in_force         TEXT,
    whale_signal_ts       TEXT,
    whale_entry_ref_price REAL,
    whale_ref_type        TEXT,
    our_decision_ts       TEXT,
    order_sent_ts         TEXT,
    exchange_ack_ts       TEXT,
    fill_ts               TEXT,
    best_bid              REAL,
    best_ask              REAL,
    mid_price             REAL,
    spread_abs            REAL,
    spread_pct            REAL,
    depth_bid_1           REAL,
    depth_ask_1           REAL,
    depth_bid_2           REAL,
    depth_ask_2           REAL,
    last_trade_price      REAL,
    fill_price            REAL,
    entry_price_source    TEXT,
    current_price_source  TEXT,
    exit_price_source     TEXT,
    fill_price_source     TEXT,
    filled_shares         REAL,
    fees_usd              REAL NOT NULL DEFAULT 0,
    is_partial_fill       INTEGER NOT NULL DEFAULT 0,
    fill_count            INTEGER NOT NULL DEFAULT 0,
    latency_ms            REAL,
    quote_slippage_pct    REAL,
    half_spread_pct       REAL,
    baseline_slippage_pct REAL,
    spread_crossed        INTEGER,
    impact_proxy_pct      REAL,
    liquidity_tier        TEXT,
    created_at            TEXT NOT NULL,
    updated_at            TEXT NOT NULL,
    UNIQUE (run_id, order_id)
);

-- Liquidity rewards cobrados por run de market making
CREATE TABLE IF NOT EXISTS market_making_rewards (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL,
    run_tag    TEXT NOT NULL DEFAULT 'default',
    market_id  TEXT,
    amount_usd REAL NOT NULL,
    source     TEXT,
    paid_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pnl_history_ts ON pnl_history(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_exec_run       ON execution_records(run_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_rewards_run    ON market_making_rewards(run_id, run_tag);
`

// Columnas añadidas después de la primera versión del schema.
// Fallan si ya existen, lo cual es correcto.
var migrations = []string{
	"ALTER TABLE trades ADD COLUMN entry_price_source TEXT",
	"ALTER TABLE trades ADD COLUMN current_price_source TEXT",
	"ALTER TABLE trades ADD COLUMN exit_price_source TEXT",
	"ALTER TABLE trades ADD COLUMN fill_price_source TEXT",
	"ALTER TABLE trades ADD COLUMN run_id TEXT",
	"ALTER TABLE trades ADD COLUMN run_tag TEXT",
	"ALTER TABLE portfolio ADD COLUMN session_started TEXT",
}

// Índices que dependen de columnas migradas.
const lateIndexes = `
CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_trades_market ON trades(market, status);
CREATE INDEX IF NOT EXISTS idx_trades_run    ON trades(run_id);
`

const retentionHistory = 30 * 24 * time.Hour

// tsLayout tiene ancho fijo para que el orden lexicográfico de TEXT sea
// el orden temporal.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// querier es lo común entre *sql.DB y *sql.Conn.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// SQLiteStorage implementa ports.Ledger, ports.ExecutionRecorder (vía
// Recorder) y ports.PnLRecorder usando SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db  *sql.DB
	q   querier
	mu  *sync.Mutex // compartido por todos los handles
	now func() time.Time
}

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada,
// aplica schema y migraciones y limpia histórico antiguo.
// ":memory:" usa una sola conexión: cada conexión sería otra base.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	dsn, conns := path, 4
	if path == ":memory:" {
		conns = 1
	} else if !strings.Contains(path, "?") {
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}
	for _, stmt := range migrations {
		db.Exec(stmt) // ignore errors (column already exists)
	}
	if _, err := db.Exec(lateIndexes); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply indexes: %w", err)
	}

	s := &SQLiteStorage{
		db:  db,
		q:   db,
		mu:  &sync.Mutex{},
		now: func() time.Time { return time.Now().UTC() },
	}
	s.pruneOld(context.Background())
	return s, nil
}

// SetClock reemplaza el reloj usado para timestamps. Solo para tests y
// backtests con tiempo simulado.
func (s *SQLiteStorage) SetClock(now func() time.Time) {
	s.now = func() time.Time { return now().UTC() }
}

// Close cierra la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Handle es una vista del storage atada a una conexión dedicada del pool.
// Comparte el mutex de escritura con el storage que lo creó.
type Handle struct {
	*SQLiteStorage
	Worker string
	conn   *sql.Conn
}

// Acquire reserva una conexión para un worker. Hay que llamar Release al
// terminar; con ":memory:" bloquea cualquier otro uso del storage mientras
// el handle está vivo.
func (s *SQLiteStorage) Acquire(ctx context.Context, worker string) (*Handle, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage.Acquire: conn for %q: %w", worker, err)
	}
	view := &SQLiteStorage{db: s.db, q: conn, mu: s.mu, now: s.now}
	return &Handle{SQLiteStorage: view, Worker: worker, conn: conn}, nil
}

// Release devuelve la conexión al pool.
func (h *Handle) Release() error {
	if err := h.conn.Close(); err != nil {
		return fmt.Errorf("storage.Release: %s: %w", h.Worker, err)
	}
	return nil
}

// Close en un handle solo libera su conexión; la base sigue abierta.
func (h *Handle) Close() error { return h.Release() }

// withTx ejecuta fn en una transacción serializada con el resto de escrituras.
func (s *SQLiteStorage) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.q.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.%s: begin tx: %w", op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.%s: commit: %w", op, err)
	}
	return nil
}

// pruneOld elimina puntos de pnl_history fuera de la ventana de retención.
func (s *SQLiteStorage) pruneOld(ctx context.Context) {
	cutoff := fmtTime(s.now().Add(-retentionHistory))
	s.q.ExecContext(ctx, `DELETE FROM pnl_history WHERE timestamp < ?`, cutoff)
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(tsLayout, s); err == nil {
		return t, nil
	}
	// filas escritas por herramientas externas
	return time.Parse(time.RFC3339Nano, s)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
