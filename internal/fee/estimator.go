// Package fee produces the initial per-participant miner fee offer. The
// exact transaction size is only known after construction, so the estimate
// works from a conservative fixed shape and is re-adjusted downstream.
package fee

import (
	"github.com/btcsuite/btcd/btcutil"
)

// Assumed P2PKH sizes in vbytes.
const (
	txOverheadVBytes = 10
	inputVBytes      = 148
	outputVBytes     = 34
)

// DefaultInputs and DefaultOutputs are the conservative per-participant
// shape assumed before wallet coin selection has run.
const (
	DefaultInputs  = 2
	DefaultOutputs = 2
)

// Estimator converts an assumed transaction shape into a satoshi fee at a
// fixed feerate.
type Estimator struct {
	ratePerKVByte btcutil.Amount
}

// NewEstimator creates an estimator for the given feerate in sat/kvB.
// Non-positive rates are clamped to zero, which yields zero-fee estimates.
func NewEstimator(ratePerKVByte btcutil.Amount) *Estimator {
	if ratePerKVByte < 0 {
		ratePerKVByte = 0
	}
	return &Estimator{ratePerKVByte: ratePerKVByte}
}

// TxVBytes returns the assumed virtual size for a transaction with the
// given input and output counts.
func TxVBytes(inputs, outputs int) int {
	if inputs < 0 {
		inputs = 0
	}
	if outputs < 0 {
		outputs = 0
	}
	return txOverheadVBytes + inputs*inputVBytes + outputs*outputVBytes
}

// Estimate returns the per-participant fee for the assumed shape, rounded
// up to a whole satoshi. The result is never negative.
func (e *Estimator) Estimate(inputs, outputs int) btcutil.Amount {
	size := int64(TxVBytes(inputs, outputs))
	rate := int64(e.ratePerKVByte)
	fee := (size*rate + 999) / 1000
	return btcutil.Amount(fee)
}
