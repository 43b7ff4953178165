package ledger

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/crestline-ai/llmgateway/internal/circuitbreaker"
	"github.com/crestline-ai/llmgateway/internal/db"
)

// FeeTier is one bracket of a tiered processor fee schedule: purchases at
// or above MinAmount (and below the next tier's MinAmount) pay Percent +
// Flat on top of the gross amount, matching the "Credit checkout mode"
// fee structure §6 describes at a high level.
type FeeTier struct {
	MinAmount decimal.Decimal
	Percent   decimal.Decimal // e.g. 0.029 for 2.9%
	Flat      decimal.Decimal
}

// FeeTierConfig is the ordered fee schedule a checkout computes against.
// Tiers must be sorted ascending by MinAmount; LoadFeeTierConfig sorts them.
type FeeTierConfig struct {
	Tiers []FeeTier
}

// DefaultFeeTierConfig mirrors a typical card-processor schedule: a flat
// per-transaction fee plus a percentage that steps down for larger
// purchases, the shape original_source's checkout handler assumes when no
// environment override is present.
func DefaultFeeTierConfig() FeeTierConfig {
	return FeeTierConfig{Tiers: []FeeTier{
		{MinAmount: decimal.Zero, Percent: decimal.NewFromFloat(0.029), Flat: decimal.NewFromFloat(0.30)},
		{MinAmount: decimal.NewFromInt(100), Percent: decimal.NewFromFloat(0.025), Flat: decimal.NewFromFloat(0.30)},
		{MinAmount: decimal.NewFromInt(1000), Percent: decimal.NewFromFloat(0.020), Flat: decimal.Zero},
	}}
}

// LoadFeeTierConfig reads CHECKOUT_FEE_TIERS, a ';'-separated list of
// "minAmount:percent:flat" entries (e.g. "0:0.029:0.30;100:0.025:0.30"),
// falling back to DefaultFeeTierConfig when unset or malformed.
func LoadFeeTierConfig() FeeTierConfig {
	raw := os.Getenv("CHECKOUT_FEE_TIERS")
	if raw == "" {
		return DefaultFeeTierConfig()
	}
	var tiers []FeeTier
	for _, entry := range strings.Split(raw, ";") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			return DefaultFeeTierConfig()
		}
		min, err1 := decimal.NewFromString(parts[0])
		pct, err2 := decimal.NewFromString(parts[1])
		flat, err3 := decimal.NewFromString(parts[2])
		if err1 != nil || err2 != nil || err3 != nil {
			return DefaultFeeTierConfig()
		}
		tiers = append(tiers, FeeTier{MinAmount: min, Percent: pct, Flat: flat})
	}
	if len(tiers) == 0 {
		return DefaultFeeTierConfig()
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinAmount.LessThan(tiers[j].MinAmount) })
	return FeeTierConfig{Tiers: tiers}
}

// tierFor returns the highest tier whose MinAmount does not exceed gross.
func (c FeeTierConfig) tierFor(gross decimal.Decimal) FeeTier {
	tier := c.Tiers[0]
	for _, t := range c.Tiers {
		if gross.GreaterThanOrEqual(t.MinAmount) {
			tier = t
		}
	}
	return tier
}

// Fee computes the processor fee charged on a gross purchase amount.
func (c FeeTierConfig) Fee(gross decimal.Decimal) decimal.Decimal {
	tier := c.tierFor(gross)
	return gross.Mul(tier.Percent).Add(tier.Flat).Round(2)
}

// Net computes the credit a user receives for a gross purchase amount
// after the processor fee is deducted.
func (c FeeTierConfig) Net(gross decimal.Decimal) decimal.Decimal {
	return gross.Sub(c.Fee(gross))
}

// PaymentIntent is the minimal shape this gateway needs back from whatever
// payment processor backs a checkout, independent of that processor's SDK.
type PaymentIntent struct {
	ID           string
	ClientSecret string
	Status       string
}

// PaymentIntentBuilder abstracts the processor call that turns a checkout
// request into a chargeable intent. It exists so the ledger's checkout
// flow can be exercised and tested without a live Stripe (or other
// processor) account — per §1's non-goal on treating payment processors
// as an external collaborator, this package only defines the seam; wiring
// a concrete `github.com/stripe/stripe-go` implementation is left to the
// gateway's deployment configuration.
type PaymentIntentBuilder interface {
	// CreateIntent requests a payment intent for grossAmount in the given
	// currency (ISO 4217, lowercase, e.g. "usd"), returning the processor's
	// intent id and client secret for the caller to complete client-side.
	CreateIntent(ctx context.Context, userID uuid.UUID, grossAmount decimal.Decimal, currency string) (*PaymentIntent, error)
}

// Deposit records a completed checkout as a TypeDeposit transaction: the
// net amount (gross minus processor fee) is credited to userID's balance.
// Unlike InitiateApiCharge/FinalizeApiCharge, a deposit never reserves —
// it is the terminal effect of an already-settled payment, identified by
// the processor's charge id so a webhook retry is a no-op.
func (l *Ledger) Deposit(ctx context.Context, userID uuid.UUID, chargeID string, grossAmount decimal.Decimal, fees FeeTierConfig) (*Transaction, error) {
	netAmount := fees.Net(grossAmount)
	if !netAmount.IsPositive() {
		return nil, fmt.Errorf("ledger: deposit net amount must be positive, got %s (gross %s)", netAmount, grossAmount)
	}

	var result *Transaction
	err := l.client.WithTransactionCB(ctx, func(tx *circuitbreaker.TxWrapper) error {
		if existing, err := findOne(ctx, tx, chargeID, TypeDeposit); err != nil {
			return err
		} else if existing != nil {
			result = existing
			return nil
		}

		balance, err := lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		balanceAfter := balance.Add(netAmount)

		t := &Transaction{
			UserID:    userID,
			RequestID: &chargeID,
			Type:      TypeDeposit,
			NetAmount: netAmount.String(),
			BalanceAfter: balanceAfter.String(),
			Metadata: db.JSONB{
				"gross_amount": grossAmount.String(),
				"fee_amount":   fees.Fee(grossAmount).String(),
				"charge_id":    chargeID,
			},
		}
		if err := insertTransaction(ctx, tx, t); err != nil {
			return fmt.Errorf("ledger: insert deposit: %w", err)
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
