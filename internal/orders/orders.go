// Package orders drives the lifecycle of the four paid order kinds.
// Orders come into existence only through payment materialization, so
// every order starts life PAID with its full amount held in the payer's
// escrow. Each transition re-checks the prior status with a
// compare-and-swap at the store layer; a ledger failure aborts the
// status write.
package orders

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Kind discriminates the four order state machines.
type Kind string

const (
	KindDelivery Kind = "DELIVERY"
	KindFood     Kind = "FOOD"
	KindLaundry  Kind = "LAUNDRY"
	KindProduct  Kind = "PRODUCT"
)

// Valid reports whether k is a known order kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDelivery, KindFood, KindLaundry, KindProduct:
		return true
	}
	return false
}

// Status values across all kinds. Delivery uses the rider states,
// food/laundry/product the vendor states.
type Status string

const (
	StatusPaidNeedsRider Status = "PAID_NEEDS_RIDER"
	StatusAssigned       Status = "ASSIGNED"
	StatusAccepted       Status = "ACCEPTED"
	StatusInTransit      Status = "IN_TRANSIT"
	StatusDelivered      Status = "DELIVERED"
	StatusPending        Status = "PENDING"
	StatusPreparing      Status = "PREPARING"
	StatusReady          Status = "READY"
	StatusCompleted      Status = "COMPLETED"
	StatusCancelled      Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// PaymentStatus of an order. Orders are only materialized after a
// confirmed payment, so this is PAID from birth.
type PaymentStatus string

const PaymentPaid PaymentStatus = "PAID"

// EscrowStatus mirrors the settlement state of the order's funds.
type EscrowStatus string

const (
	EscrowHeld     EscrowStatus = "HELD"
	EscrowReleased EscrowStatus = "RELEASED"
	EscrowRefunded EscrowStatus = "REFUNDED"
)

// transitions lists the allowed status graph per kind.
var transitions = map[Kind]map[Status][]Status{
	KindDelivery: {
		StatusPaidNeedsRider: {StatusAssigned, StatusCancelled},
		StatusAssigned:       {StatusAccepted, StatusInTransit, StatusPaidNeedsRider, StatusCancelled},
		StatusAccepted:       {StatusInTransit, StatusCancelled},
		StatusInTransit:      {StatusDelivered, StatusCancelled},
		StatusDelivered:      {StatusCompleted},
	},
	KindFood: {
		StatusPending:   {StatusPreparing, StatusCancelled},
		StatusPreparing: {StatusReady},
		StatusReady:     {StatusCompleted},
	},
	KindLaundry: {
		StatusPending:   {StatusPreparing, StatusCancelled},
		StatusPreparing: {StatusReady},
		StatusReady:     {StatusCompleted},
	},
	KindProduct: {
		StatusPending:  {StatusAccepted, StatusCancelled},
		StatusAccepted: {StatusReady},
		StatusReady:    {StatusCompleted},
	},
}

// CanTransition reports whether kind allows from → to.
func CanTransition(kind Kind, from, to Status) bool {
	for _, next := range transitions[kind][from] {
		if next == to {
			return true
		}
	}
	return false
}

// InitialStatus is the status an order of the given kind is born with.
func InitialStatus(kind Kind) Status {
	if kind == KindDelivery {
		return StatusPaidNeedsRider
	}
	return StatusPending
}

// Settleable is the view of an order the settlement logic needs: who
// paid, who gets paid, how much is held.
type Settleable interface {
	OrderID() string
	OrderKind() Kind
	Payer() string
	Payee() string
	Total() decimal.Decimal
	OrderStatus() Status
	Escrow() EscrowStatus
}

// Core carries the fields shared by every order kind.
type Core struct {
	ID            string          `json:"id"`
	TxRef         string          `json:"tx_ref"`
	PayerID       string          `json:"payer_id"`
	PayeeID       string          `json:"payee_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Status        Status          `json:"status"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
	EscrowStatus  EscrowStatus    `json:"escrow_status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (c *Core) OrderID() string        { return c.ID }
func (c *Core) Payer() string          { return c.PayerID }
func (c *Core) Payee() string          { return c.PayeeID }
func (c *Core) Total() decimal.Decimal { return c.Amount }
func (c *Core) OrderStatus() Status    { return c.Status }
func (c *Core) Escrow() EscrowStatus   { return c.EscrowStatus }

// DeliveryOrder is a package delivery. The payee slot is filled when a
// rider is assigned; until then the order sits in PAID_NEEDS_RIDER.
type DeliveryOrder struct {
	Core
	PickupLocation     string          `json:"pickup_location"`
	Destination        string          `json:"destination"`
	DistanceKm         decimal.Decimal `json:"distance_km"`
	PackageDescription string          `json:"package_description,omitempty"`
}

func (d *DeliveryOrder) OrderKind() Kind { return KindDelivery }

// LineItem is one purchasable entry on a food, laundry or product order.
type LineItem struct {
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// FoodOrder is a meal order against a vendor.
type FoodOrder struct {
	Core
	Items           []LineItem      `json:"items"`
	DeliveryAddress string          `json:"delivery_address"`
	DeliveryFee     decimal.Decimal `json:"delivery_fee"`
}

func (f *FoodOrder) OrderKind() Kind { return KindFood }

// LaundryOrder is a laundry service order.
type LaundryOrder struct {
	Core
	Items         []LineItem `json:"items"`
	PickupAddress string     `json:"pickup_address"`
	Instructions  string     `json:"instructions,omitempty"`
}

func (l *LaundryOrder) OrderKind() Kind { return KindLaundry }

// ProductOrder is a marketplace goods purchase.
type ProductOrder struct {
	Core
	Items           []LineItem `json:"items"`
	DeliveryAddress string     `json:"delivery_address"`
}

func (p *ProductOrder) OrderKind() Kind { return KindProduct }

// Store persists orders. Update is a compare-and-swap on status: it
// writes the full order only if the stored status still equals expect,
// otherwise it returns a conflict. That makes concurrent transitions on
// one order resolve to a single winner.
type Store interface {
	Create(ctx context.Context, o Settleable) error
	Get(ctx context.Context, kind Kind, id string) (Settleable, error)
	Update(ctx context.Context, o Settleable, expect Status) error
	ListByUser(ctx context.Context, userID string, limit int) ([]Settleable, error)
}
