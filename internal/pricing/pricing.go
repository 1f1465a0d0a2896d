// Package pricing implements closed-form option pricing, Greeks, and an
// implied-volatility root finder. All prices and rates are annualized
// decimals; time to expiry is in years.
package pricing

import (
	"math"
)

// OptionType distinguishes calls from puts.
type OptionType string

const (
	Call OptionType = "call"
	Put  OptionType = "put"
)

// Code returns the single-letter contract code used in OCC symbols.
func (t OptionType) Code() string {
	if t == Put {
		return "P"
	}
	return "C"
}

// DefaultRiskFreeRate is the standing rate assumption when the caller has
// no curve to supply.
const DefaultRiskFreeRate = 0.05

// Greeks holds first-order sensitivities at a given volatility. Theta is
// per calendar day, vega per 1-point volatility move.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	IV    float64 `json:"iv"`
}

// Price returns the model price for the contract.
func Price(s, k, t, r, sigma float64, typ OptionType) (float64, error) {
	if err := validateTerms(s, k, t); err != nil {
		return 0, err
	}
	if err := validatePositive("sigma", sigma); err != nil {
		return 0, err
	}
	d1, d2 := d1d2(s, k, t, r, sigma)
	disc := k * math.Exp(-r*t)
	switch typ {
	case Call:
		return s*normCDF(d1) - disc*normCDF(d2), nil
	case Put:
		return disc*normCDF(-d2) - s*normCDF(-d1), nil
	default:
		return 0, NewValidationError("type", "unknown option type %q", typ)
	}
}

// Compute returns the Greeks at the supplied volatility.
func Compute(s, k, t, r, sigma float64, typ OptionType) (Greeks, error) {
	if err := validateTerms(s, k, t); err != nil {
		return Greeks{}, err
	}
	if err := validatePositive("sigma", sigma); err != nil {
		return Greeks{}, err
	}
	d1, d2 := d1d2(s, k, t, r, sigma)
	sqrtT := math.Sqrt(t)
	pdf := normPDF(d1)
	disc := k * math.Exp(-r*t)

	g := Greeks{
		Gamma: pdf / (s * sigma * sqrtT),
		Vega:  s * pdf * sqrtT / 100,
		IV:    sigma,
	}
	switch typ {
	case Call:
		g.Delta = normCDF(d1)
		g.Theta = (-s*pdf*sigma/(2*sqrtT) - r*disc*normCDF(d2)) / 365
	case Put:
		g.Delta = normCDF(d1) - 1
		g.Theta = (-s*pdf*sigma/(2*sqrtT) + r*disc*normCDF(-d2)) / 365
	default:
		return Greeks{}, NewValidationError("type", "unknown option type %q", typ)
	}
	return g, nil
}

// GreeksFromMarket solves implied volatility from an observed premium and
// returns the Greeks at that volatility. Chain rows that arrive without a
// provider delta are strike-selected through this path.
func GreeksFromMarket(premium, s, k, t, r float64, typ OptionType) (Greeks, error) {
	iv, err := ImpliedVol(premium, s, k, t, r, typ)
	if err != nil {
		return Greeks{}, err
	}
	return Compute(s, k, t, r, iv, typ)
}

func d1d2(s, k, t, r, sigma float64) (float64, float64) {
	sqrtT := math.Sqrt(t)
	d1 := (math.Log(s/k) + (r+0.5*sigma*sigma)*t) / (sigma * sqrtT)
	return d1, d1 - sigma*sqrtT
}

// rawVega is dPrice/dSigma in raw volatility units, used by the solver.
func rawVega(s, k, t, r, sigma float64) float64 {
	d1, _ := d1d2(s, k, t, r, sigma)
	return s * normPDF(d1) * math.Sqrt(t)
}

func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

func validateTerms(s, k, t float64) error {
	if err := validatePositive("underlying", s); err != nil {
		return err
	}
	if err := validatePositive("strike", k); err != nil {
		return err
	}
	if err := validatePositive("expiry", t); err != nil {
		return err
	}
	return nil
}

func validatePositive(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return NewValidationError(field, "must be finite, got %g", v)
	}
	if v <= 0 {
		return NewValidationError(field, "must be positive, got %g", v)
	}
	return nil
}
