// Package orderbook models maker offers and the policies a taker uses to
// choose counterparties from them. Offers are owned by the external order
// book; this package only reads snapshots.
package orderbook

import (
	"context"
	"math"

	"github.com/btcsuite/btcd/btcutil"
)

// Kind discriminates how an offer prices its coinjoin fee.
type Kind string

const (
	// KindAbsolute offers charge a fixed satoshi fee per join.
	KindAbsolute Kind = "absoffer"
	// KindRelative offers charge a fraction of the coinjoin amount.
	KindRelative Kind = "reloffer"
)

// Offer is a maker's advertised terms, as read from the order book.
type Offer struct {
	Counterparty string
	OrderID      uint64
	Kind         Kind
	MinSize      btcutil.Amount
	MaxSize      btcutil.Amount
	// TxFeeContribution is what the maker chips in toward the miner fee.
	TxFeeContribution btcutil.Amount
	CJFeeAbs          btcutil.Amount
	CJFeeRel          float64
}

// Fee returns the coinjoin fee the maker charges for the given amount.
func (o Offer) Fee(amount btcutil.Amount) btcutil.Amount {
	if o.Kind == KindRelative {
		return btcutil.Amount(math.Round(float64(amount) * o.CJFeeRel))
	}
	return o.CJFeeAbs
}

// Cost is the taker's real expense for this offer: the coinjoin fee minus
// the maker's miner-fee contribution. It can be negative.
func (o Offer) Cost(amount btcutil.Amount) btcutil.Amount {
	return o.Fee(amount) - o.TxFeeContribution
}

// Accepts reports whether the amount falls within the offer's size limits.
func (o Offer) Accepts(amount btcutil.Amount) bool {
	return amount >= o.MinSize && amount <= o.MaxSize
}

// BookSource supplies order book snapshots. The snapshot is read-only; the
// taker never mutates maker state.
type BookSource interface {
	Offers(ctx context.Context) ([]Offer, error)
}
