// Package ledger implements the billing ledger (§4.F): an append-only
// credit transaction log with an authoritative running balance. Every
// write happens inside a single row-locked transaction so balance_after
// is always the exact prefix sum of net_amount ordered by created_at,
// the same lock-then-mutate discipline the budget manager uses for its
// in-memory counters, carried through to a durable store.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/crestline-ai/llmgateway/internal/circuitbreaker"
	"github.com/crestline-ai/llmgateway/internal/db"
)

// TransactionType is the closed set of ledger entry kinds.
type TransactionType string

const (
	TypeReservation TransactionType = "reservation"
	TypeConsumption TransactionType = "consumption"
	TypeRefund      TransactionType = "refund"
	TypeDeposit     TransactionType = "deposit"
)

// DefaultPendingTimeout is how long an unfinalized reservation survives
// before expire_pending_reservations refunds it.
const DefaultPendingTimeout = 10 * time.Minute

// ErrInsufficientCredit is returned when a reservation would drive the
// balance negative.
var ErrInsufficientCredit = errors.New("ledger: insufficient credit")

// ErrReservationNotFound names the case where a request_id has no prior
// reservation and no prior consumption. FinalizeApiCharge does not return
// it: it settles such a request as a fresh consumption, and nothing in
// this package returns this error.
var ErrReservationNotFound = errors.New("ledger: no matching reservation")

// Transaction is one row of the append-only ledger (§3 CreditTransaction).
type Transaction struct {
	ID            uuid.UUID       `db:"id"`
	UserID        uuid.UUID       `db:"user_id"`
	RequestID     *string         `db:"request_id"`
	Type          TransactionType `db:"type"`
	NetAmount     string          `db:"net_amount"`
	BalanceAfter  string          `db:"balance_after"`
	RelatedUsageID *uuid.UUID     `db:"related_api_usage_id"`
	Metadata      db.JSONB        `db:"metadata"`
	CreatedAt     time.Time       `db:"created_at"`
}

// Ledger is the billing ledger's entry point, backed by Postgres through
// the shared circuit-breaker-wrapped client.
type Ledger struct {
	client *db.Client
	logger *zap.Logger
}

// New returns a Ledger backed by client.
func New(client *db.Client, logger *zap.Logger) *Ledger {
	return &Ledger{client: client, logger: logger}
}

func lockBalance(ctx context.Context, tx *circuitbreaker.TxWrapper, userID uuid.UUID) (decimal.Decimal, error) {
	var balanceStr string
	err := tx.QueryRowContext(ctx,
		`SELECT balance FROM credit_balances WHERE user_id = $1 FOR UPDATE`,
		userID,
	).Scan(&balanceStr)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO credit_balances (user_id, balance) VALUES ($1, '0')`,
			userID,
		); err != nil {
			return decimal.Zero, fmt.Errorf("ledger: seed balance: %w", err)
		}
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: lock balance: %w", err)
	}
	return decimal.NewFromString(balanceStr)
}

func setBalance(ctx context.Context, tx *circuitbreaker.TxWrapper, userID uuid.UUID, balance decimal.Decimal) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE credit_balances SET balance = $2, updated_at = now() WHERE user_id = $1`,
		userID, balance.String(),
	)
	return err
}

func insertTransaction(ctx context.Context, tx *circuitbreaker.TxWrapper, t *Transaction) error {
	t.ID = uuid.New()
	return tx.QueryRowContext(ctx, `
		INSERT INTO credit_transactions
			(id, user_id, request_id, type, net_amount, balance_after, related_api_usage_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		RETURNING created_at
	`, t.ID, t.UserID, t.RequestID, t.Type, t.NetAmount, t.BalanceAfter, t.RelatedUsageID, t.Metadata,
	).Scan(&t.CreatedAt)
}

// InitiateApiCharge reserves estimatedCost against userID's balance for
// requestID, failing atomically (no row written) if the balance would go
// negative.
func (l *Ledger) InitiateApiCharge(ctx context.Context, userID uuid.UUID, requestID string, estimatedCost decimal.Decimal) (*Transaction, error) {
	var result *Transaction
	err := l.client.WithTransactionCB(ctx, func(tx *circuitbreaker.TxWrapper) error {
		balance, err := lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}

		netAmount := estimatedCost.Neg()
		balanceAfter := balance.Add(netAmount)
		if balanceAfter.IsNegative() {
			return ErrInsufficientCredit
		}

		expiresAt := time.Now().Add(DefaultPendingTimeout)
		t := &Transaction{
			UserID:    userID,
			RequestID: &requestID,
			Type:      TypeReservation,
			NetAmount: netAmount.String(),
			BalanceAfter: balanceAfter.String(),
			Metadata: db.JSONB{
				"pending_timeout_minutes": int(DefaultPendingTimeout.Minutes()),
				"expires_at":              expiresAt.Format(time.RFC3339),
				"finalized":               false,
			},
		}
		if err := insertTransaction(ctx, tx, t); err != nil {
			return fmt.Errorf("ledger: insert reservation: %w", err)
		}
		if err := setBalance(ctx, tx, userID, balanceAfter); err != nil {
			return fmt.Errorf("ledger: update balance: %w", err)
		}
		result = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// FinalizeApiCharge settles a request's actual cost against its
// reservation (or, if none exists, records a fresh consumption). It is
// idempotent on requestID: a second call for an already-finalized request
// is a logged no-op that returns the existing consumption row.
func (l *Ledger) FinalizeApiCharge(ctx context.Context, userID uuid.UUID, requestID string, actualCost decimal.Decimal, usageMetadata map[string]interface{}) (*Transaction, error) {
	var result *Transaction
	err := l.client.WithTransactionCB(ctx, func(tx *circuitbreaker.TxWrapper) error {
		if existing, err := findConsumption(ctx, tx, requestID); err != nil {
			return err
		} else if existing != nil {
			l.logger.Info("ledger: duplicate finalize, ignoring",
				zap.String("request_id", requestID),
				zap.String("existing_transaction_id", existing.ID.String()))
			result = existing
			return nil
		}

		reservation, err := findReservation(ctx, tx, requestID)
		if err != nil {
			return err
		}

		reservationAmount := decimal.Zero
		if reservation != nil {
			amt, err := decimal.NewFromString(reservation.NetAmount)
			if err != nil {
				return fmt.Errorf("ledger: parse reservation amount: %w", err)
			}
			reservationAmount = amt.Abs()
		}

		balance, err := lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}

		netAmount := actualCost.Sub(reservationAmount).Neg()
		balanceAfter := balance.Add(netAmount)

		t := &Transaction{
			UserID:    userID,
			RequestID: &requestID,
			Type:      TypeConsumption,
			NetAmount: netAmount.String(),
			BalanceAfter: balanceAfter.String(),
			Metadata: db.JSONB{
				"actual_cost": actualCost.String(),
			},
		}
		if reservation != nil {
			t.Metadata["reservation_id"] = reservation.ID.String()
		}
		if len(usageMetadata) > 0 {
			t.Metadata["usage_metadata"] = usageMetadata
		}
		if err := insertTransaction(ctx, tx, t); err != nil {
			return fmt.Errorf("ledger: insert consumption: %w", err)
		}
		if err := setBalance(ctx, tx, userID, balanceAfter); err != nil {
			return fmt.Errorf("ledger: update balance: %w", err)
		}

		if reservation != nil {
			reservation.Metadata["finalized"] = true
			reservation.RelatedUsageID = &t.ID
			if _, err := tx.ExecContext(ctx,
				`UPDATE credit_transactions SET metadata = $2, related_api_usage_id = $3 WHERE id = $1`,
				reservation.ID, reservation.Metadata, t.ID,
			); err != nil {
				return fmt.Errorf("ledger: mark reservation finalized: %w", err)
			}
		}

		result = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ExpirePendingReservations refunds every reservation older than its
// pending timeout that was never finalized, returning the count refunded.
// Intended to run on a periodic reaper tick.
func (l *Ledger) ExpirePendingReservations(ctx context.Context, now time.Time) (int, error) {
	rows, err := l.client.GetDB().QueryContext(ctx, `
		SELECT id, user_id, net_amount, metadata
		FROM credit_transactions
		WHERE type = $1
		  AND COALESCE((metadata->>'finalized')::boolean, false) = false
		  AND (metadata->>'expires_at')::timestamptz < $2
	`, TypeReservation, now)
	if err != nil {
		return 0, fmt.Errorf("ledger: query pending reservations: %w", err)
	}
	type pending struct {
		id        uuid.UUID
		userID    uuid.UUID
		netAmount string
		metadata  db.JSONB
	}
	var expired []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.userID, &p.netAmount, &p.metadata); err != nil {
			rows.Close()
			return 0, fmt.Errorf("ledger: scan pending reservation: %w", err)
		}
		expired = append(expired, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	count := 0
	for _, p := range expired {
		err := l.client.WithTransactionCB(ctx, func(tx *circuitbreaker.TxWrapper) error {
			// Re-check under lock: another reaper tick or a late finalize
			// may have settled this reservation since the query above.
			var finalized bool
			if err := tx.QueryRowContext(ctx,
				`SELECT COALESCE((metadata->>'finalized')::boolean, false) FROM credit_transactions WHERE id = $1 FOR UPDATE`,
				p.id,
			).Scan(&finalized); err != nil {
				return err
			}
			if finalized {
				return nil
			}

			reserved, err := decimal.NewFromString(p.netAmount)
			if err != nil {
				return err
			}
			refundAmount := reserved.Neg() // reverse the reservation's debit

			balance, err := lockBalance(ctx, tx, p.userID)
			if err != nil {
				return err
			}
			balanceAfter := balance.Add(refundAmount)

			t := &Transaction{
				UserID:    p.userID,
				Type:      TypeRefund,
				NetAmount: refundAmount.String(),
				BalanceAfter: balanceAfter.String(),
				Metadata: db.JSONB{
					"reservation_id": p.id.String(),
					"reason":         "pending_reservation_expired",
				},
			}
			if err := insertTransaction(ctx, tx, t); err != nil {
				return err
			}
			if err := setBalance(ctx, tx, p.userID, balanceAfter); err != nil {
				return err
			}

			p.metadata["finalized"] = true
			p.metadata["expired"] = true
			_, err = tx.ExecContext(ctx,
				`UPDATE credit_transactions SET metadata = $2, related_api_usage_id = $3 WHERE id = $1`,
				p.id, p.metadata, t.ID,
			)
			return err
		})
		if err != nil {
			l.logger.Error("ledger: failed to expire reservation", zap.String("reservation_id", p.id.String()), zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// Balance returns userID's current authoritative balance.
func (l *Ledger) Balance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	var balanceStr string
	err := l.client.GetDB().QueryRowContext(ctx,
		`SELECT balance FROM credit_balances WHERE user_id = $1`, userID,
	).Scan(&balanceStr)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: read balance: %w", err)
	}
	return decimal.NewFromString(balanceStr)
}

// TransactionStats is the per-type aggregate over a user's ledger history
// (supplemented from original_source's credit_transaction_repository.rs
// `get_transaction_stats`), read-only and additive: it never touches the
// append-only transaction log.
type TransactionStats struct {
	Type   TransactionType
	Count  int64
	Total  decimal.Decimal
}

// TransactionStats aggregates count and net-amount sum per transaction
// type for userID.
func (l *Ledger) TransactionStats(ctx context.Context, userID uuid.UUID) ([]TransactionStats, error) {
	rows, err := l.client.GetDB().QueryContext(ctx, `
		SELECT type, COUNT(*), COALESCE(SUM(net_amount), 0)
		FROM credit_transactions
		WHERE user_id = $1
		GROUP BY type
		ORDER BY type
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("ledger: transaction stats: %w", err)
	}
	defer rows.Close()

	var stats []TransactionStats
	for rows.Next() {
		var s TransactionStats
		var total string
		if err := rows.Scan(&s.Type, &s.Count, &total); err != nil {
			return nil, fmt.Errorf("ledger: scan transaction stats: %w", err)
		}
		s.Total, err = decimal.NewFromString(total)
		if err != nil {
			return nil, fmt.Errorf("ledger: parse transaction stats total: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// TransactionCount returns the number of ledger rows for userID, optionally
// filtered to one TransactionType (pass "" for all types).
func (l *Ledger) TransactionCount(ctx context.Context, userID uuid.UUID, filter TransactionType) (int64, error) {
	var count int64
	var err error
	if filter == "" {
		err = l.client.GetDB().QueryRowContext(ctx,
			`SELECT COUNT(*) FROM credit_transactions WHERE user_id = $1`, userID,
		).Scan(&count)
	} else {
		err = l.client.GetDB().QueryRowContext(ctx,
			`SELECT COUNT(*) FROM credit_transactions WHERE user_id = $1 AND type = $2`, userID, filter,
		).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: transaction count: %w", err)
	}
	return count, nil
}

// ListTransactions returns userID's ledger history newest-first, paginated
// by limit/offset (supplemented from original_source's history
// search/pagination).
func (l *Ledger) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := l.client.GetDB().QueryContext(ctx, `
		SELECT id, user_id, request_id, type, net_amount, balance_after, related_api_usage_id, metadata, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ledger: list transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.RequestID, &t.Type, &t.NetAmount, &t.BalanceAfter, &t.RelatedUsageID, &t.Metadata, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func findConsumption(ctx context.Context, tx *circuitbreaker.TxWrapper, requestID string) (*Transaction, error) {
	return findOne(ctx, tx, requestID, TypeConsumption)
}

func findReservation(ctx context.Context, tx *circuitbreaker.TxWrapper, requestID string) (*Transaction, error) {
	return findOne(ctx, tx, requestID, TypeReservation)
}

func findOne(ctx context.Context, tx *circuitbreaker.TxWrapper, requestID string, typ TransactionType) (*Transaction, error) {
	var t Transaction
	err := tx.QueryRowContext(ctx, `
		SELECT id, user_id, request_id, type, net_amount, balance_after, related_api_usage_id, metadata, created_at
		FROM credit_transactions
		WHERE request_id = $1 AND type = $2
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE
	`, requestID, typ).Scan(&t.ID, &t.UserID, &t.RequestID, &t.Type, &t.NetAmount, &t.BalanceAfter, &t.RelatedUsageID, &t.Metadata, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: lookup %s: %w", typ, err)
	}
	return &t, nil
}
