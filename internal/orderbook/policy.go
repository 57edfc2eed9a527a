package orderbook

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
)

var (
	// ErrInsufficientLiquidity means fewer qualifying offers exist than the
	// entry requires.
	ErrInsufficientLiquidity = errors.New("orderbook: insufficient liquidity")
	// ErrNoSweepOffers means no stable set of offers accepts the solved
	// sweep amount.
	ErrNoSweepOffers = errors.New("orderbook: no valid offers for sweep amount")
)

// Policy chooses counterparty offers for one coinjoin round. Implementations
// form a closed set selected once at configuration time.
type Policy interface {
	Name() string
	// Select returns exactly count offers qualifying for amount, or an
	// error wrapping ErrInsufficientLiquidity.
	Select(book []Offer, count int, amount btcutil.Amount) ([]Offer, error)
}

func qualifying(book []Offer, amount btcutil.Amount) []Offer {
	out := make([]Offer, 0, len(book))
	for _, o := range book {
		if o.Accepts(amount) {
			out = append(out, o)
		}
	}
	return out
}

func sortByCost(offers []Offer, amount btcutil.Amount) {
	sort.Slice(offers, func(i, j int) bool {
		ci, cj := offers[i].Cost(amount), offers[j].Cost(amount)
		if ci != cj {
			return ci < cj
		}
		if offers[i].Counterparty != offers[j].Counterparty {
			return offers[i].Counterparty < offers[j].Counterparty
		}
		return offers[i].OrderID < offers[j].OrderID
	})
}

// CheapestPolicy deterministically takes the lowest-cost offers. Weaker from
// an unlinkability standpoint: an adversary posting an artificially cheap
// offer is guaranteed to be picked, so this is opt-in only.
type CheapestPolicy struct{}

func (CheapestPolicy) Name() string { return "cheapest" }

func (CheapestPolicy) Select(book []Offer, count int, amount btcutil.Amount) ([]Offer, error) {
	candidates := qualifying(book, amount)
	if len(candidates) < count {
		return nil, fmt.Errorf("%w: need %d offers, %d qualify", ErrInsufficientLiquidity, count, len(candidates))
	}
	sortByCost(candidates, amount)
	return candidates[:count], nil
}

// WeightedPolicy draws offers at random with probability weighted inversely
// by cost, without replacement. Cost influences but never determines the
// outcome. Default policy.
type WeightedPolicy struct {
	rng *rand.Rand
}

// NewWeightedPolicy creates the weighted policy. A nil source falls back to
// the global generator; tests inject a seeded one.
func NewWeightedPolicy(rng *rand.Rand) *WeightedPolicy {
	return &WeightedPolicy{rng: rng}
}

func (*WeightedPolicy) Name() string { return "weighted" }

func (p *WeightedPolicy) Select(book []Offer, count int, amount btcutil.Amount) ([]Offer, error) {
	candidates := qualifying(book, amount)
	if len(candidates) < count {
		return nil, fmt.Errorf("%w: need %d offers, %d qualify", ErrInsufficientLiquidity, count, len(candidates))
	}
	sortByCost(candidates, amount)

	weights := costWeights(candidates, amount)
	chosen := make([]Offer, 0, count)
	for len(chosen) < count {
		idx := p.draw(weights)
		chosen = append(chosen, candidates[idx])
		candidates = append(candidates[:idx], candidates[idx+1:]...)
		weights = append(weights[:idx], weights[idx+1:]...)
	}
	return chosen, nil
}

// costWeights maps offer costs to exponential weights relative to the
// cheapest candidate, so expensive offers decay smoothly instead of being
// excluded outright.
func costWeights(offers []Offer, amount btcutil.Amount) []float64 {
	minCost := offers[0].Cost(amount)
	var spread float64
	for _, o := range offers {
		spread += float64(o.Cost(amount) - minCost)
	}
	scale := spread/float64(len(offers)) + 1

	weights := make([]float64, len(offers))
	for i, o := range offers {
		weights[i] = math.Exp(-float64(o.Cost(amount)-minCost) / scale)
	}
	return weights
}

func (p *WeightedPolicy) draw(weights []float64) int {
	var total float64
	for _, w := range weights {
		total += w
	}
	var r float64
	if p.rng != nil {
		r = p.rng.Float64() * total
	} else {
		r = rand.Float64() * total
	}
	for i, w := range weights {
		r -= w
		if r <= 0 {
			return i
		}
	}
	return len(weights) - 1
}

// Picker resolves a single manual choice: it receives the remaining
// candidates and returns the index of the offer to take. It has no timeout;
// the run suspends until the operator answers.
type Picker func(candidates []Offer, amount btcutil.Amount) (int, error)

// ManualPolicy defers every pick to an external operator. During a sweep
// the policy may be invoked several times because the final amount is only
// known once wallet state has been consulted.
type ManualPolicy struct {
	Pick Picker
}

func (ManualPolicy) Name() string { return "manual" }

func (p ManualPolicy) Select(book []Offer, count int, amount btcutil.Amount) ([]Offer, error) {
	candidates := qualifying(book, amount)
	if len(candidates) < count {
		return nil, fmt.Errorf("%w: need %d offers, %d qualify", ErrInsufficientLiquidity, count, len(candidates))
	}
	if p.Pick == nil {
		return nil, errors.New("orderbook: manual policy has no picker")
	}
	sortByCost(candidates, amount)

	chosen := make([]Offer, 0, count)
	for len(chosen) < count {
		idx, err := p.Pick(candidates, amount)
		if err != nil {
			return nil, fmt.Errorf("orderbook: manual pick failed: %w", err)
		}
		if idx < 0 || idx >= len(candidates) {
			return nil, fmt.Errorf("orderbook: manual pick index %d out of range", idx)
		}
		chosen = append(chosen, candidates[idx])
		candidates = append(candidates[:idx], candidates[idx+1:]...)
	}
	return chosen, nil
}

// maxSweepIterations bounds the solve/re-filter loop below.
const maxSweepIterations = 10

// SelectSweep chooses offers for a sweep entry and solves the coinjoin
// amount they imply. The requested count is advisory: it shrinks to the
// available liquidity, down to a single maker. The solve iterates because
// changing the amount changes which offers qualify.
func SelectSweep(policy Policy, book []Offer, count int, totalInput, ourTxFee btcutil.Amount) ([]Offer, btcutil.Amount, error) {
	if totalInput <= 0 {
		return nil, 0, fmt.Errorf("%w: mixdepth balance is %d", ErrNoSweepOffers, int64(totalInput))
	}

	estimate := totalInput
	for i := 0; i < maxSweepIterations; i++ {
		candidates := qualifying(book, estimate)
		if len(candidates) == 0 {
			return nil, 0, fmt.Errorf("%w: no offers accept %s", ErrNoSweepOffers, estimate)
		}
		n := count
		if n > len(candidates) {
			n = len(candidates)
		}
		if n < 1 {
			n = 1
		}

		chosen, err := policy.Select(candidates, n, estimate)
		if err != nil {
			return nil, 0, err
		}

		amount := solveSweepAmount(chosen, totalInput, ourTxFee)
		if amount <= 0 {
			return nil, 0, fmt.Errorf("%w: fees exceed mixdepth balance %s", ErrNoSweepOffers, totalInput)
		}

		stable := true
		for _, o := range chosen {
			if !o.Accepts(amount) {
				stable = false
				break
			}
		}
		if stable {
			return chosen, amount, nil
		}
		estimate = amount
	}

	return nil, 0, fmt.Errorf("%w: no stable offer set after %d attempts", ErrNoSweepOffers, maxSweepIterations)
}

// solveSweepAmount inverts totalInput = amount + ourTxFee + sum of offer
// costs at that amount. Absolute fees contribute a constant, relative fees a
// linear term, so amount = (total - ourTxFee - A) / (1 + R).
func solveSweepAmount(chosen []Offer, totalInput, ourTxFee btcutil.Amount) btcutil.Amount {
	var constant float64
	var relSum float64
	for _, o := range chosen {
		constant -= float64(o.TxFeeContribution)
		if o.Kind == KindRelative {
			relSum += o.CJFeeRel
		} else {
			constant += float64(o.CJFeeAbs)
		}
	}
	amount := (float64(totalInput) - float64(ourTxFee) - constant) / (1 + relSum)
	return btcutil.Amount(math.Floor(amount))
}
