package circuitbreaker

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
)

const (
	cbNamePostgres    = "postgres"
	cbServiceDataTier = "job-session-ledger-store"
)

// DatabaseWrapper guards the Postgres connection backing the job
// repository (§4.H), session repository (§4.J), and billing ledger (§4.F)
// with a circuit breaker, so a database outage fails fast instead of
// piling up blocked goroutines behind a dead connection pool.
type DatabaseWrapper struct {
	db     *sql.DB
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewDatabaseWrapper creates a database wrapper with circuit breaker
func NewDatabaseWrapper(db *sql.DB, logger *zap.Logger) *DatabaseWrapper {
	cb := NewCircuitBreaker(cbNamePostgres, GetDatabaseConfig().ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(cbNamePostgres, cbServiceDataTier, cb)
	return &DatabaseWrapper{db: db, cb: cb, logger: logger}
}

// guard runs fn through the breaker and records the outcome under the
// data-tier's metrics labels; it is the single choke point every wrapper
// method below routes through.
func (dw *DatabaseWrapper) guard(ctx context.Context, fn func() error) error {
	err := dw.cb.Execute(ctx, fn)
	GlobalMetricsCollector.RecordRequest(cbNamePostgres, cbServiceDataTier, dw.cb.State(), err == nil)
	return err
}

// PingContext wraps database ping with circuit breaker
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.guard(ctx, func() error { return dw.db.PingContext(ctx) })
}

// QueryContext wraps database query with circuit breaker
func (dw *DatabaseWrapper) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	var rows *sql.Rows
	err := dw.guard(ctx, func() error {
		var qErr error
		rows, qErr = dw.db.QueryContext(ctx, query, args...)
		return qErr
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// QueryRowContextCB wraps database query row with circuit breaker.
// Returns (*sql.Row, error) to properly propagate circuit breaker errors;
// row-level errors (no matching row, etc.) are still deferred to Scan().
func (dw *DatabaseWrapper) QueryRowContextCB(ctx context.Context, query string, args ...interface{}) (*sql.Row, error) {
	var row *sql.Row
	err := dw.guard(ctx, func() error {
		row = dw.db.QueryRowContext(ctx, query, args...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// QueryRowContext wraps database query row with circuit breaker (legacy API).
// Deprecated: use QueryRowContextCB so callers can observe breaker rejection.
func (dw *DatabaseWrapper) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	row, err := dw.QueryRowContextCB(ctx, query, args...)
	if err != nil {
		return &sql.Row{}
	}
	return row
}

// ExecContext wraps database exec with circuit breaker
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := dw.guard(ctx, func() error {
		var qErr error
		result, qErr = dw.db.ExecContext(ctx, query, args...)
		return qErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// TxWrapper wraps sql.Tx with circuit breaker protection
type TxWrapper struct {
	tx     *sql.Tx
	cb     *CircuitBreaker
	logger *zap.Logger
}

func (tw *TxWrapper) guard(ctx context.Context, fn func() error) error {
	err := tw.cb.Execute(ctx, fn)
	GlobalMetricsCollector.RecordRequest(cbNamePostgres, cbServiceDataTier, tw.cb.State(), err == nil)
	return err
}

// BeginTx wraps database transaction begin with circuit breaker
func (dw *DatabaseWrapper) BeginTx(ctx context.Context, opts *sql.TxOptions) (*TxWrapper, error) {
	var tx *sql.Tx
	err := dw.guard(ctx, func() error {
		var qErr error
		tx, qErr = dw.db.BeginTx(ctx, opts)
		return qErr
	})
	if err != nil {
		return nil, err
	}
	return &TxWrapper{tx: tx, cb: dw.cb, logger: dw.logger}, nil
}

// Transaction wrapper methods
func (tw *TxWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := tw.guard(ctx, func() error {
		var qErr error
		result, qErr = tw.tx.ExecContext(ctx, query, args...)
		return qErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (tw *TxWrapper) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	var rows *sql.Rows
	err := tw.guard(ctx, func() error {
		var qErr error
		rows, qErr = tw.tx.QueryContext(ctx, query, args...)
		return qErr
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (tw *TxWrapper) QueryRowContext(ctx context.Context, query string, args ...interface{}) (*sql.Row, error) {
	var row *sql.Row
	err := tw.guard(ctx, func() error {
		row = tw.tx.QueryRowContext(ctx, query, args...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (tw *TxWrapper) PrepareContext(ctx context.Context, query string) (*StmtWrapper, error) {
	var stmt *sql.Stmt
	err := tw.guard(ctx, func() error {
		var qErr error
		stmt, qErr = tw.tx.PrepareContext(ctx, query)
		return qErr
	})
	if err != nil {
		return nil, err
	}
	return &StmtWrapper{stmt: stmt, cb: tw.cb, logger: tw.logger}, nil
}

func (tw *TxWrapper) Commit() error {
	return tw.guard(context.Background(), func() error { return tw.tx.Commit() })
}

func (tw *TxWrapper) Rollback() error {
	// Never breaker-guard rollback: an open breaker must not block cleanup.
	return tw.tx.Rollback()
}

// StmtWrapper wraps sql.Stmt with circuit breaker protection
type StmtWrapper struct {
	stmt   *sql.Stmt
	cb     *CircuitBreaker
	logger *zap.Logger
}

func (sw *StmtWrapper) guard(ctx context.Context, fn func() error) error {
	err := sw.cb.Execute(ctx, fn)
	GlobalMetricsCollector.RecordRequest(cbNamePostgres, cbServiceDataTier, sw.cb.State(), err == nil)
	return err
}

// PrepareContext wraps database prepare with circuit breaker
func (dw *DatabaseWrapper) PrepareContext(ctx context.Context, query string) (*StmtWrapper, error) {
	var stmt *sql.Stmt
	err := dw.guard(ctx, func() error {
		var qErr error
		stmt, qErr = dw.db.PrepareContext(ctx, query)
		return qErr
	})
	if err != nil {
		return nil, err
	}
	return &StmtWrapper{stmt: stmt, cb: dw.cb, logger: dw.logger}, nil
}

// Statement wrapper methods
func (sw *StmtWrapper) ExecContext(ctx context.Context, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := sw.guard(ctx, func() error {
		var qErr error
		result, qErr = sw.stmt.ExecContext(ctx, args...)
		return qErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (sw *StmtWrapper) QueryContext(ctx context.Context, args ...interface{}) (*sql.Rows, error) {
	var rows *sql.Rows
	err := sw.guard(ctx, func() error {
		var qErr error
		rows, qErr = sw.stmt.QueryContext(ctx, args...)
		return qErr
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (sw *StmtWrapper) QueryRowContext(ctx context.Context, args ...interface{}) (*sql.Row, error) {
	var row *sql.Row
	err := sw.guard(ctx, func() error {
		row = sw.stmt.QueryRowContext(ctx, args...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (sw *StmtWrapper) Close() error {
	// Never breaker-guard close: an open breaker must not leak a statement handle.
	return sw.stmt.Close()
}

// Stats returns database stats
func (dw *DatabaseWrapper) Stats() sql.DBStats {
	return dw.db.Stats()
}

// Close closes the database connection
func (dw *DatabaseWrapper) Close() error {
	return dw.db.Close()
}

// SetMaxOpenConns sets the maximum number of open connections
func (dw *DatabaseWrapper) SetMaxOpenConns(n int) {
	dw.db.SetMaxOpenConns(n)
}

// SetMaxIdleConns sets the maximum number of idle connections
func (dw *DatabaseWrapper) SetMaxIdleConns(n int) {
	dw.db.SetMaxIdleConns(n)
}

// SetConnMaxLifetime sets the maximum connection lifetime
func (dw *DatabaseWrapper) SetConnMaxLifetime(d time.Duration) {
	dw.db.SetConnMaxLifetime(d)
}

// GetDB returns the underlying database connection for operations not covered by wrapper
func (dw *DatabaseWrapper) GetDB() *sql.DB {
	return dw.db
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool {
	return dw.cb.State() == StateOpen
}
