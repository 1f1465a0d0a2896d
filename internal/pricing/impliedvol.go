package pricing

import "math"

const (
	maxNewtonIterations = 100
	maxBisectIterations = 200
	priceTolerance      = 1e-6
	vegaFloor           = 1e-10
	ivBracketLow        = 1e-4
	ivBracketHigh       = 5.0
)

// ImpliedVol solves the volatility that reprices the observed premium.
// Newton-Raphson from a moneyness-scaled initial guess, falling back to
// bisection on [ivBracketLow, ivBracketHigh] when the derivative is too
// flat or the iterate escapes the bracket. Non-convergence is a
// NumericalError; callers must treat it as "no Greeks available".
func ImpliedVol(premium, s, k, t, r float64, typ OptionType) (float64, error) {
	if err := validateTerms(s, k, t); err != nil {
		return 0, err
	}
	if err := validatePositive("premium", premium); err != nil {
		return 0, err
	}

	lower, upper, err := arbitrageBounds(s, k, t, r, typ)
	if err != nil {
		return 0, err
	}
	if premium <= lower || premium >= upper {
		return 0, NewValidationError("premium",
			"%.4f outside no-arbitrage bounds (%.4f, %.4f)", premium, lower, upper)
	}

	sigma := initialGuess(premium, s, t)
	for i := 0; i < maxNewtonIterations; i++ {
		model, perr := Price(s, k, t, r, sigma, typ)
		if perr != nil {
			break
		}
		diff := model - premium
		if math.Abs(diff) < priceTolerance {
			return sigma, nil
		}
		v := rawVega(s, k, t, r, sigma)
		if v < vegaFloor {
			break
		}
		sigma -= diff / v
		if sigma <= ivBracketLow || sigma >= ivBracketHigh {
			break
		}
	}
	return bisectIV(premium, s, k, t, r, typ)
}

// arbitrageBounds returns the open interval a premium must lie in for a
// volatility solution to exist.
func arbitrageBounds(s, k, t, r float64, typ OptionType) (float64, float64, error) {
	disc := k * math.Exp(-r*t)
	switch typ {
	case Call:
		return math.Max(0, s-disc), s, nil
	case Put:
		return math.Max(0, disc-s), disc, nil
	default:
		return 0, 0, NewValidationError("type", "unknown option type %q", typ)
	}
}

// initialGuess is the sqrt(2π/T)·premium/S approximation clamped to a
// plausible volatility range.
func initialGuess(premium, s, t float64) float64 {
	g := premium / (s * math.Sqrt(t)) * math.Sqrt(2*math.Pi)
	return math.Min(math.Max(g, 0.10), 2.0)
}

func bisectIV(premium, s, k, t, r float64, typ OptionType) (float64, error) {
	lo, hi := ivBracketLow, ivBracketHigh
	plo, err := Price(s, k, t, r, lo, typ)
	if err != nil {
		return 0, err
	}
	phi, err := Price(s, k, t, r, hi, typ)
	if err != nil {
		return 0, err
	}
	if premium < plo || premium > phi {
		return 0, NewNumericalError("implied_vol", 0,
			"no volatility in [%g, %g] reprices premium %.4f", ivBracketLow, ivBracketHigh, premium)
	}

	// Model price is monotone increasing in volatility.
	for i := 0; i < maxBisectIterations; i++ {
		mid := (lo + hi) / 2
		pm, perr := Price(s, k, t, r, mid, typ)
		if perr != nil {
			return 0, perr
		}
		diff := pm - premium
		if math.Abs(diff) < priceTolerance {
			return mid, nil
		}
		if diff > 0 {
			hi = mid
		} else {
			lo = mid
		}
	}
	return 0, NewNumericalError("implied_vol", maxBisectIterations,
		"bisection did not converge below %g", priceTolerance)
}
