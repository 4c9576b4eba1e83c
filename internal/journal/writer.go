package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"ob-scalp-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// SignalRow is one cycle's analyzer output, recorded for offline review of
// regime flips and entry pricing.
type SignalRow struct {
	Time       time.Time
	Symbol     string
	Regime     string
	Imbalance  float64
	BestBid    float64
	BestAsk    float64
	EntryPrice float64
	ExitFloor  float64
	State      string
}

// FillRow is one completed order.
type FillRow struct {
	Time     time.Time
	Symbol   string
	Side     string
	OrderID  string
	Quantity float64
	Price    float64
}

// Writer persists signals and fills to Postgres asynchronously. Inserts run
// on a background goroutine fed by bounded queues; when a queue is full the
// row is dropped so the trading loop never blocks on the database.
type Writer struct {
	db          *sql.DB
	log         *zap.Logger
	schema      string
	signals     chan SignalRow
	fills       chan FillRow
	started     atomic.Bool
	dropSignals atomic.Uint64
	dropFills   atomic.Uint64
}

func New(cfg config.JournalConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("journal dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:      db,
		log:     log,
		schema:  schema,
		signals: make(chan SignalRow, queueSize),
		fills:   make(chan FillRow, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueSignal(row SignalRow) {
	if w == nil {
		return
	}
	select {
	case w.signals <- row:
		return
	default:
		if w.dropSignals.Add(1) == 1 && w.log != nil {
			w.log.Warn("journal signal queue full")
		}
	}
}

func (w *Writer) EnqueueFill(row FillRow) {
	if w == nil {
		return
	}
	select {
	case w.fills <- row:
		return
	default:
		if w.dropFills.Add(1) == 1 && w.log != nil {
			w.log.Warn("journal fill queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case row := <-w.signals:
			w.writeSignal(ctx, row)
		case row := <-w.fills:
			w.writeFill(ctx, row)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("journal db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		regime TEXT NOT NULL,
		imbalance DOUBLE PRECISION NOT NULL,
		best_bid DOUBLE PRECISION NOT NULL,
		best_ask DOUBLE PRECISION NOT NULL,
		entry_price DOUBLE PRECISION NOT NULL,
		exit_floor DOUBLE PRECISION NOT NULL,
		state TEXT NOT NULL
	)`, w.table("regime_signals"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		order_id TEXT NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		price DOUBLE PRECISION NOT NULL
	)`, w.table("trade_fills"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("regime_signals"))); err != nil && w.log != nil {
		w.log.Warn("regime_signals hypertable create failed", zap.Error(err))
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("trade_fills"))); err != nil && w.log != nil {
		w.log.Warn("trade_fills hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeSignal(ctx context.Context, row SignalRow) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, regime, imbalance, best_bid, best_ask, entry_price, exit_floor, state
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, w.table("regime_signals"))
	if _, err := w.db.ExecContext(ctx, query,
		row.Time,
		row.Symbol,
		row.Regime,
		row.Imbalance,
		row.BestBid,
		row.BestAsk,
		row.EntryPrice,
		row.ExitFloor,
		row.State,
	); err != nil && w.log != nil {
		w.log.Warn("journal signal insert failed", zap.Error(err))
	}
}

func (w *Writer) writeFill(ctx context.Context, row FillRow) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, side, order_id, quantity, price
	) VALUES ($1,$2,$3,$4,$5,$6)`, w.table("trade_fills"))
	if _, err := w.db.ExecContext(ctx, query,
		row.Time,
		row.Symbol,
		row.Side,
		row.OrderID,
		row.Quantity,
		row.Price,
	); err != nil && w.log != nil {
		w.log.Warn("journal fill insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
