// Package admin provides operator endpoints for runtime settings and
// inspection. Money-moving admin actions live with their owning
// packages (wallet adjustments, dispute resolution, failed
// materialization jobs); this package covers what is left.
package admin

import "github.com/shopspring/decimal"

// RateSetting is one commission rate as exposed to operators. Rates are
// stored as the payee's share of a settled amount.
type RateSetting struct {
	Kind       string          `json:"kind"`
	PayeeShare decimal.Decimal `json:"payee_share"`
}
