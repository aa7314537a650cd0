// Package payments covers both ends of the gateway integration: quoting
// and staging a payment before the user is sent to the gateway SDK, and
// processing the confirmation webhook into orders and ledger holds.
package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tobenna/marketledger/internal/apperr"
	"github.com/tobenna/marketledger/internal/idgen"
	"github.com/tobenna/marketledger/internal/orders"
	"github.com/tobenna/marketledger/internal/pending"
	"github.com/tobenna/marketledger/internal/wallet"
)

// tx_ref prefixes, the webhook dispatch keys. Stable contract with the
// gateway configuration.
const (
	PrefixDelivery = "DEL"
	PrefixFood     = "FOOD"
	PrefixLaundry  = "LAUNDRY"
	PrefixProduct  = "PRODUCT"
	PrefixTopUp    = "TOPUP"
)

// Fees is the delivery pricing configuration.
type Fees struct {
	BaseDeliveryFee  decimal.Decimal
	DeliveryFeePerKm decimal.Decimal
}

// SDKPayload is what the client hands to the gateway's checkout SDK.
type SDKPayload struct {
	TxRef         string          `json:"tx_ref"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PublicKey     string          `json:"public_key"`
	CustomerID    string          `json:"customer_id"`
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	PaymentMethod string          `json:"payment_method"`
}

// stagedOrder is the typed snapshot held inside a pending intent. The
// kind tag tells materialization which variant to hydrate.
type stagedOrder struct {
	Kind     orders.Kind           `json:"kind"`
	Delivery *orders.DeliveryOrder `json:"delivery,omitempty"`
	Food     *orders.FoodOrder     `json:"food,omitempty"`
	Laundry  *orders.LaundryOrder  `json:"laundry,omitempty"`
	Product  *orders.ProductOrder  `json:"product,omitempty"`
}

// Wallets is the slice of the wallet service payments needs.
type Wallets interface {
	ValidateTopUp(ctx context.Context, userID string, amount decimal.Decimal) error
	CreditTopUp(ctx context.Context, userID string, amount decimal.Decimal, txRef string, details map[string]any) error
}

// Service stages payment intents and serves gateway SDK payloads.
type Service struct {
	intents   pending.Store
	wallets   Wallets
	fees      Fees
	publicKey string
	currency  string
}

// NewService creates a payment initiation service.
func NewService(intents pending.Store, wallets Wallets, fees Fees, publicKey, currency string) *Service {
	return &Service{
		intents:   intents,
		wallets:   wallets,
		fees:      fees,
		publicKey: publicKey,
		currency:  currency,
	}
}

// DeliveryQuoteRequest is the client's delivery pricing input. The
// distance comes from the client's mapping SDK; the fee formula is
// server-side so the amount cannot be tampered with.
type DeliveryQuoteRequest struct {
	PickupLocation     string          `json:"pickup_location" binding:"required"`
	Destination        string          `json:"destination" binding:"required"`
	DistanceKm         decimal.Decimal `json:"distance_km" binding:"required"`
	PackageDescription string          `json:"package_description"`
}

// QuoteDeliveryFee computes base + per-km x distance, rounded to 2dp.
func (s *Service) QuoteDeliveryFee(distanceKm decimal.Decimal) decimal.Decimal {
	return s.fees.BaseDeliveryFee.Add(s.fees.DeliveryFeePerKm.Mul(distanceKm)).RoundBank(2)
}

// InitiateDelivery stages a delivery payment and returns the SDK payload.
func (s *Service) InitiateDelivery(ctx context.Context, userID string, req *DeliveryQuoteRequest) (*SDKPayload, error) {
	if req.DistanceKm.LessThanOrEqual(decimal.Zero) {
		return nil, apperr.Validation("distance_km must be positive")
	}

	fee := s.QuoteDeliveryFee(req.DistanceKm)
	staged := &stagedOrder{
		Kind: orders.KindDelivery,
		Delivery: &orders.DeliveryOrder{
			Core:               orders.Core{PayerID: userID, Amount: fee},
			PickupLocation:     req.PickupLocation,
			Destination:        req.Destination,
			DistanceKm:         req.DistanceKm,
			PackageDescription: req.PackageDescription,
		},
	}
	return s.stage(ctx, PrefixDelivery, userID, fee, staged,
		"Delivery payment",
		fmt.Sprintf("From %s to %s (%s km)", req.PickupLocation, req.Destination, req.DistanceKm.StringFixed(1)))
}

// CheckoutRequest is the shared shape of the vendor-kind checkouts.
type CheckoutRequest struct {
	VendorID        string            `json:"vendor_id" binding:"required"`
	Items           []orders.LineItem `json:"items" binding:"required"`
	DeliveryAddress string            `json:"delivery_address"`
	PickupAddress   string            `json:"pickup_address"`
	Instructions    string            `json:"instructions"`
	WithDelivery    bool              `json:"with_delivery"`
}

func itemsTotal(items []orders.LineItem) (decimal.Decimal, error) {
	if len(items) == 0 {
		return decimal.Zero, apperr.Validation("at least one item is required")
	}
	total := decimal.Zero
	for i, it := range items {
		if it.Quantity <= 0 {
			return decimal.Zero, apperr.Validation("item %d: quantity must be positive", i)
		}
		if it.UnitPrice.LessThanOrEqual(decimal.Zero) {
			return decimal.Zero, apperr.Validation("item %d: unit_price must be positive", i)
		}
		total = total.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return total, nil
}

// InitiateCheckout stages a food, laundry or product payment.
func (s *Service) InitiateCheckout(ctx context.Context, kind orders.Kind, userID string, req *CheckoutRequest) (*SDKPayload, error) {
	if req.VendorID == userID {
		return nil, apperr.Validation("cannot order from yourself")
	}
	subtotal, err := itemsTotal(req.Items)
	if err != nil {
		return nil, err
	}

	deliveryFee := decimal.Zero
	if req.WithDelivery {
		deliveryFee = s.fees.BaseDeliveryFee
	}
	total := subtotal.Add(deliveryFee)

	core := orders.Core{PayerID: userID, PayeeID: req.VendorID, Amount: total}
	staged := &stagedOrder{Kind: kind}
	var prefix, title string
	switch kind {
	case orders.KindFood:
		prefix, title = PrefixFood, "Food order"
		staged.Food = &orders.FoodOrder{
			Core: core, Items: req.Items,
			DeliveryAddress: req.DeliveryAddress, DeliveryFee: deliveryFee,
		}
	case orders.KindLaundry:
		prefix, title = PrefixLaundry, "Laundry order"
		staged.Laundry = &orders.LaundryOrder{
			Core: core, Items: req.Items,
			PickupAddress: req.PickupAddress, Instructions: req.Instructions,
		}
	case orders.KindProduct:
		prefix, title = PrefixProduct, "Product order"
		staged.Product = &orders.ProductOrder{
			Core: core, Items: req.Items, DeliveryAddress: req.DeliveryAddress,
		}
	default:
		return nil, apperr.Validation("kind %s has no checkout flow", kind)
	}

	return s.stage(ctx, prefix, userID, total, staged, title,
		fmt.Sprintf("%d item(s), total %s", len(req.Items), total.StringFixed(2)))
}

// InitiateTopUp stages a wallet top-up after checking balance limits.
func (s *Service) InitiateTopUp(ctx context.Context, userID string, amount decimal.Decimal) (*SDKPayload, error) {
	if err := s.wallets.ValidateTopUp(ctx, userID, amount); err != nil {
		return nil, err
	}
	return s.stage(ctx, PrefixTopUp, userID, amount, &stagedOrder{}, "Wallet top-up",
		"Top-up of "+amount.StringFixed(2))
}

func (s *Service) stage(ctx context.Context, prefix, userID string, amount decimal.Decimal, staged *stagedOrder, title, description string) (*SDKPayload, error) {
	txRef := idgen.TxRef(prefix)
	details, err := json.Marshal(staged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode staged order: %w", err)
	}

	err = s.intents.Put(ctx, &pending.Intent{
		TxRef:     txRef,
		Kind:      kindForPrefix(prefix),
		UserID:    userID,
		Amount:    amount,
		Details:   details,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return nil, apperr.External(err, "failed to stage payment intent")
	}

	return &SDKPayload{
		TxRef:       txRef,
		Amount:      amount,
		Currency:    s.currency,
		PublicKey:   s.publicKey,
		CustomerID:  userID,
		Title:       title,
		Description: description,
	}, nil
}

// kindForPrefix maps a tx_ref prefix to the pending-intent kind segment.
func kindForPrefix(prefix string) string {
	switch prefix {
	case PrefixDelivery:
		return "delivery"
	case PrefixFood:
		return "food"
	case PrefixLaundry:
		return "laundry"
	case PrefixProduct:
		return "product"
	case PrefixTopUp:
		return "topup"
	}
	return ""
}

// txTypeForKind maps an order kind to its ledger transaction type.
func txTypeForKind(kind orders.Kind) wallet.TxType {
	switch kind {
	case orders.KindDelivery:
		return wallet.TxDeliveryFee
	case orders.KindFood:
		return wallet.TxFoodOrder
	case orders.KindLaundry:
		return wallet.TxLaundryOrder
	case orders.KindProduct:
		return wallet.TxProductOrder
	}
	return ""
}
