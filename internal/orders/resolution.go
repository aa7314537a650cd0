package orders

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tobenna/marketledger/internal/apperr"
	"github.com/tobenna/marketledger/internal/logging"
	"github.com/tobenna/marketledger/internal/metrics"
)

// Dispute-authority settlements. These bypass the participant state
// machine because an administrator has adjudicated the outcome; the
// ledger's terminal-transaction guard still prevents double settlement.

// ResolveRefund returns the full held amount to the payer and closes
// the order as CANCELLED.
func (s *Service) ResolveRefund(ctx context.Context, kind Kind, id, resolverID string) (Settleable, error) {
	o, err := s.store.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if o.Escrow() != EscrowHeld {
		return nil, apperr.Conflict("order escrow is %s, nothing to refund", o.Escrow())
	}

	c := core(o)
	err = s.ledger.Refund(ctx, c.TxRef)
	if apperr.KindOf(err) == apperr.KindConflict && o.Payee() != "" {
		// after a pickup the fee sits in the dispatch escrow; a full
		// split pulls it back to the payer from there
		err = s.ledger.SettleSplit(ctx, c.TxRef, o.Payee(), o.Total(), decimal.Zero, decimal.Zero, string(kind))
	}
	if err != nil {
		return nil, err
	}

	st := o.OrderStatus()
	c.Status = StatusCancelled
	c.EscrowStatus = EscrowRefunded
	c.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, o, st); err != nil {
		logging.L(ctx).Error("order status write failed after dispute refund",
			logging.OrderID(id), logging.TxRef(c.TxRef), "error", err)
		return nil, err
	}

	s.transitioned(ctx, o, "DISPUTE_REFUNDED", resolverID)
	s.push(ctx, o.Payer(), "Dispute resolved",
		"Your payment of "+o.Total().StringFixed(2)+" has been refunded.", o)
	return o, nil
}

// ResolveRelease pays the payee their commission-adjusted share and
// closes the order as COMPLETED.
func (s *Service) ResolveRelease(ctx context.Context, kind Kind, id, resolverID string) (Settleable, error) {
	o, err := s.store.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if o.Escrow() != EscrowHeld {
		return nil, apperr.Conflict("order escrow is %s, nothing to release", o.Escrow())
	}
	if o.Payee() == "" {
		return nil, apperr.Validation("order has no payee to release to")
	}

	payeeAmount, commission, err := s.rates.Split(ctx, string(kind), o.Total())
	if err != nil {
		return nil, err
	}

	c := core(o)
	if err := s.ledger.Release(ctx, c.TxRef, o.Payee(), payeeAmount, commission, string(kind)); err != nil {
		return nil, err
	}

	st := o.OrderStatus()
	c.Status = StatusCompleted
	c.EscrowStatus = EscrowReleased
	c.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, o, st); err != nil {
		logging.L(ctx).Error("order status write failed after dispute release",
			logging.OrderID(id), logging.TxRef(c.TxRef), "error", err)
		return nil, err
	}

	metrics.CommissionCollected.WithLabelValues(string(kind)).Add(commissionFloat(commission))
	s.transitioned(ctx, o, "DISPUTE_RELEASED", resolverID)
	s.push(ctx, o.Payee(), "Dispute resolved",
		"Payment of "+payeeAmount.StringFixed(2)+" has been released to your wallet.", o)
	return o, nil
}

// ResolveSplit settles a compromise: refundFraction of the held amount
// returns to the payer, the remainder releases to the payee net of
// commission. The order closes as COMPLETED.
func (s *Service) ResolveSplit(ctx context.Context, kind Kind, id string, refundFraction decimal.Decimal, resolverID string) (Settleable, error) {
	one := decimal.NewFromInt(1)
	if refundFraction.LessThan(decimal.Zero) || refundFraction.GreaterThan(one) {
		return nil, apperr.Validation("refund fraction must be between 0 and 1")
	}

	o, err := s.store.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if o.Escrow() != EscrowHeld {
		return nil, apperr.Conflict("order escrow is %s, nothing to settle", o.Escrow())
	}
	if o.Payee() == "" {
		return nil, apperr.Validation("order has no payee to release to")
	}

	refund := o.Total().Mul(refundFraction).RoundBank(2)
	remainder := o.Total().Sub(refund)
	payeeAmount, commission, err := s.rates.Split(ctx, string(kind), remainder)
	if err != nil {
		return nil, err
	}

	c := core(o)
	if err := s.ledger.SettleSplit(ctx, c.TxRef, o.Payee(), refund, payeeAmount, commission, string(kind)); err != nil {
		return nil, err
	}

	st := o.OrderStatus()
	c.Status = StatusCompleted
	c.EscrowStatus = EscrowReleased
	c.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, o, st); err != nil {
		logging.L(ctx).Error("order status write failed after dispute split",
			logging.OrderID(id), logging.TxRef(c.TxRef), "error", err)
		return nil, err
	}

	metrics.CommissionCollected.WithLabelValues(string(kind)).Add(commissionFloat(commission))
	s.transitioned(ctx, o, "DISPUTE_SPLIT", resolverID)
	s.push(ctx, o.Payer(), "Dispute resolved",
		refund.StringFixed(2)+" was refunded to your wallet.", o)
	s.push(ctx, o.Payee(), "Dispute resolved",
		payeeAmount.StringFixed(2)+" was released to your wallet.", o)
	return o, nil
}
