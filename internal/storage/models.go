package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// PnLPoint is one realized exit: the proceeds of a confirmed sell relative
// to the position's entry price.
type PnLPoint struct {
	At       time.Time
	Token    string
	Reason   string
	Size     decimal.Decimal
	Price    decimal.Decimal
	Realized decimal.Decimal
}
