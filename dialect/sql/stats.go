package sql

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/syssam/quarry/dialect"
)

// QueryStats holds query execution statistics. Counters are updated
// atomically and may be read while statements run.
type QueryStats struct {
	queries  atomic.Int64
	execs    atomic.Int64
	duration atomic.Int64 // nanoseconds
	slow     atomic.Int64
	errors   atomic.Int64
	affected atomic.Int64
}

// Stats returns a snapshot of the current statistics.
func (s *QueryStats) Stats() StatsSnapshot {
	return StatsSnapshot{
		TotalQueries:  s.queries.Load(),
		TotalExecs:    s.execs.Load(),
		TotalDuration: time.Duration(s.duration.Load()),
		SlowQueries:   s.slow.Load(),
		Errors:        s.errors.Load(),
		RowsAffected:  s.affected.Load(),
	}
}

// Reset resets all statistics to zero.
func (s *QueryStats) Reset() {
	for _, c := range []*atomic.Int64{&s.queries, &s.execs, &s.duration, &s.slow, &s.errors, &s.affected} {
		c.Store(0)
	}
}

// StatsSnapshot is a point-in-time snapshot of query statistics.
type StatsSnapshot struct {
	TotalQueries  int64
	TotalExecs    int64
	TotalDuration time.Duration
	SlowQueries   int64
	Errors        int64
	RowsAffected  int64 // of exec statements whose result was requested
}

// AvgQueryDuration returns the average statement duration.
func (s StatsSnapshot) AvgQueryDuration() time.Duration {
	total := s.TotalQueries + s.TotalExecs
	if total == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(total)
}

// String returns a human-readable summary of the statistics.
func (s StatsSnapshot) String() string {
	return fmt.Sprintf(
		"queries=%d execs=%d duration=%s avg=%s slow=%d errors=%d affected=%d",
		s.TotalQueries, s.TotalExecs, s.TotalDuration, s.AvgQueryDuration(),
		s.SlowQueries, s.Errors, s.RowsAffected,
	)
}

// SlowQueryHook is called for statements exceeding the slow threshold.
type SlowQueryHook func(ctx context.Context, query string, args []any, duration time.Duration)

// StatsDriver wraps a dialect.Driver with statement statistics. A batch
// sent as one command text counts as one query.
type StatsDriver struct {
	dialect.Driver
	stats     *QueryStats
	threshold atomic.Int64
	hook      SlowQueryHook
}

// StatsOption configures the StatsDriver.
type StatsOption func(*StatsDriver)

// WithSlowThreshold sets the threshold for slow statement detection.
// Default is 100ms.
func WithSlowThreshold(d time.Duration) StatsOption {
	return func(s *StatsDriver) { s.threshold.Store(int64(d)) }
}

// WithSlowQueryHook sets a callback for slow statements.
func WithSlowQueryHook(hook SlowQueryHook) StatsOption {
	return func(s *StatsDriver) { s.hook = hook }
}

// WithSlowQueryLog logs slow statements to the default logger.
func WithSlowQueryLog() StatsOption {
	return WithSlowQueryLogger(slog.Default())
}

// WithSlowQueryLogger logs slow statements at warn level to logger.
func WithSlowQueryLogger(logger *slog.Logger) StatsOption {
	return WithSlowQueryHook(func(ctx context.Context, query string, args []any, d time.Duration) {
		logger.WarnContext(ctx, "quarry: slow query",
			slog.Duration("duration", d),
			slog.String("sql", query),
			slog.Int("args", len(args)),
		)
	})
}

// NewStatsDriver wraps drv with statistics collection.
//
//	drv := sql.NewStatsDriver(base, sql.WithSlowThreshold(200*time.Millisecond), sql.WithSlowQueryLog())
//	db := client.New(cfg, drv)
//	fmt.Println(drv.QueryStats().Stats())
func NewStatsDriver(drv dialect.Driver, opts ...StatsOption) *StatsDriver {
	s := &StatsDriver{Driver: drv, stats: &QueryStats{}}
	s.threshold.Store(int64(100 * time.Millisecond))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// QueryStats returns the collected statistics.
func (d *StatsDriver) QueryStats() *QueryStats { return d.stats }

// SlowThreshold returns the current slow statement threshold.
func (d *StatsDriver) SlowThreshold() time.Duration { return time.Duration(d.threshold.Load()) }

// SetSlowThreshold updates the slow statement threshold.
func (d *StatsDriver) SetSlowThreshold(threshold time.Duration) { d.threshold.Store(int64(threshold)) }

// Query implements dialect.ExecQuerier.
func (d *StatsDriver) Query(ctx context.Context, query string, args, v any) error {
	return d.measure(ctx, d.Driver, true, query, args, v)
}

// Exec implements dialect.ExecQuerier.
func (d *StatsDriver) Exec(ctx context.Context, query string, args, v any) error {
	return d.measure(ctx, d.Driver, false, query, args, v)
}

// Tx starts a transaction whose statements are also measured.
func (d *StatsDriver) Tx(ctx context.Context) (dialect.Tx, error) {
	tx, err := d.Driver.Tx(ctx)
	if err != nil {
		return nil, err
	}
	return &StatsTx{Tx: tx, driver: d}, nil
}

func (d *StatsDriver) measure(ctx context.Context, ex dialect.ExecQuerier, query bool, text string, args, v any) error {
	start := time.Now()
	var err error
	if query {
		err = ex.Query(ctx, text, args, v)
		d.stats.queries.Add(1)
	} else {
		err = ex.Exec(ctx, text, args, v)
		d.stats.execs.Add(1)
		if res, ok := v.(*Result); ok && err == nil && *res != nil {
			if n, rerr := (*res).RowsAffected(); rerr == nil {
				d.stats.affected.Add(n)
			}
		}
	}
	elapsed := time.Since(start)
	d.stats.duration.Add(int64(elapsed))
	if err != nil {
		d.stats.errors.Add(1)
	}
	if elapsed > d.SlowThreshold() {
		d.stats.slow.Add(1)
		if d.hook != nil {
			argv, _ := args.([]any)
			d.hook(ctx, text, argv, elapsed)
		}
	}
	return err
}

// StatsTx is a transaction of a StatsDriver.
type StatsTx struct {
	dialect.Tx
	driver *StatsDriver
}

// Query implements dialect.ExecQuerier.
func (tx *StatsTx) Query(ctx context.Context, query string, args, v any) error {
	return tx.driver.measure(ctx, tx.Tx, true, query, args, v)
}

// Exec implements dialect.ExecQuerier.
func (tx *StatsTx) Exec(ctx context.Context, query string, args, v any) error {
	return tx.driver.measure(ctx, tx.Tx, false, query, args, v)
}

// DebugDriver logs every statement before it is sent.
type DebugDriver struct {
	dialect.Driver
	logger *slog.Logger
}

// NewDebugDriver wraps drv with debug logging to logger, or to the default
// logger when logger is nil.
func NewDebugDriver(drv dialect.Driver, logger *slog.Logger) *DebugDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &DebugDriver{Driver: drv, logger: logger}
}

func logStatement(ctx context.Context, l *slog.Logger, msg, query string, args any) {
	l.DebugContext(ctx, msg, slog.String("sql", query), slog.Any("args", args))
}

// Query implements dialect.ExecQuerier.
func (d *DebugDriver) Query(ctx context.Context, query string, args, v any) error {
	logStatement(ctx, d.logger, "quarry: query", query, args)
	return d.Driver.Query(ctx, query, args, v)
}

// Exec implements dialect.ExecQuerier.
func (d *DebugDriver) Exec(ctx context.Context, query string, args, v any) error {
	logStatement(ctx, d.logger, "quarry: exec", query, args)
	return d.Driver.Exec(ctx, query, args, v)
}

// Tx starts a transaction with debug logging.
func (d *DebugDriver) Tx(ctx context.Context) (dialect.Tx, error) {
	d.logger.DebugContext(ctx, "quarry: begin")
	tx, err := d.Driver.Tx(ctx)
	if err != nil {
		return nil, err
	}
	return &DebugTx{Tx: tx, logger: d.logger}, nil
}

// DebugTx is a transaction of a DebugDriver.
type DebugTx struct {
	dialect.Tx
	logger *slog.Logger
}

// Query implements dialect.ExecQuerier.
func (tx *DebugTx) Query(ctx context.Context, query string, args, v any) error {
	logStatement(ctx, tx.logger, "quarry: tx query", query, args)
	return tx.Tx.Query(ctx, query, args, v)
}

// Exec implements dialect.ExecQuerier.
func (tx *DebugTx) Exec(ctx context.Context, query string, args, v any) error {
	logStatement(ctx, tx.logger, "quarry: tx exec", query, args)
	return tx.Tx.Exec(ctx, query, args, v)
}

// Commit commits the transaction.
func (tx *DebugTx) Commit() error {
	tx.logger.Debug("quarry: commit")
	return tx.Tx.Commit()
}

// Rollback rolls back the transaction.
func (tx *DebugTx) Rollback() error {
	tx.logger.Debug("quarry: rollback")
	return tx.Tx.Rollback()
}

var (
	_ dialect.Driver = (*StatsDriver)(nil)
	_ dialect.Tx     = (*StatsTx)(nil)
	_ dialect.Driver = (*DebugDriver)(nil)
	_ dialect.Tx     = (*DebugTx)(nil)
)

// OpenWithStats opens a database connection with statistics collection.
func OpenWithStats(driverName, source string, opts ...StatsOption) (*StatsDriver, *QueryStats, error) {
	drv, err := Open(driverName, source)
	if err != nil {
		return nil, nil, err
	}
	s := NewStatsDriver(drv, opts...)
	return s, s.stats, nil
}
