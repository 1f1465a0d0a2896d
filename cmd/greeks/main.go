// The greeks binary is a one-shot pricing calculator. Give it a
// contract and either a volatility or an observed premium; it prints
// the model price and first-order sensitivities. Handy for sanity
// checking strategy math against a broker screen.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/tradeforge/options-engine/internal/pricing"
)

func main() {
	log.SetFlags(0)
	var (
		spot    = flag.Float64("spot", 0, "underlying price")
		strike  = flag.Float64("strike", 0, "strike price")
		dte     = flag.Float64("dte", 0, "calendar days to expiry")
		rate    = flag.Float64("rate", pricing.DefaultRiskFreeRate, "annualized risk-free rate")
		iv      = flag.Float64("iv", 0, "implied volatility (e.g. 0.22)")
		premium = flag.Float64("premium", 0, "observed premium; solves IV when -iv is not given")
		typ     = flag.String("type", "call", "call or put")
	)
	flag.Parse()

	optType := pricing.OptionType(*typ)
	if optType != pricing.Call && optType != pricing.Put {
		log.Fatalf("-type must be call or put, got %q", *typ)
	}
	if *spot <= 0 || *strike <= 0 || *dte <= 0 {
		log.Fatal("-spot, -strike, and -dte are required and must be positive")
	}
	t := *dte / 365

	sigma := *iv
	if sigma <= 0 {
		if *premium <= 0 {
			log.Fatal("give either -iv or -premium")
		}
		solved, err := pricing.ImpliedVol(*premium, *spot, *strike, t, *rate, optType)
		if err != nil {
			log.Fatalf("solve implied vol: %v", err)
		}
		sigma = solved
		fmt.Printf("implied vol from premium %.2f: %.4f\n", *premium, sigma)
	}

	price, err := pricing.Price(*spot, *strike, t, *rate, sigma, optType)
	if err != nil {
		log.Fatalf("price: %v", err)
	}
	greeks, err := pricing.Compute(*spot, *strike, t, *rate, sigma, optType)
	if err != nil {
		log.Fatalf("greeks: %v", err)
	}

	fmt.Printf("%s S=%.2f K=%.2f dte=%.1f r=%.3f iv=%.4f\n",
		optType, *spot, *strike, *dte, *rate, sigma)
	fmt.Printf("  price %8.4f\n", price)
	fmt.Printf("  delta %8.4f\n", greeks.Delta)
	fmt.Printf("  gamma %8.4f\n", greeks.Gamma)
	fmt.Printf("  theta %8.4f per day\n", greeks.Theta)
	fmt.Printf("  vega  %8.4f per vol point\n", greeks.Vega)
}
