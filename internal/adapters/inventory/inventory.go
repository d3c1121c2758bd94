// Package inventory implements engine.InventoryOracle over
// internal/price's CoinGecko-backed USD quotes, converting base-unit
// amounts between BTC and other tokens via those quotes.
package inventory

import (
	"context"
	"fmt"
	"math/big"

	"github.com/Fantasim/rebalancer/internal/config"
	"github.com/Fantasim/rebalancer/internal/engine"
	"github.com/Fantasim/rebalancer/internal/models"
	"github.com/Fantasim/rebalancer/internal/price"
)

// Oracle converts between a token's base units and satoshis using
// USD-denominated spot prices.
type Oracle struct {
	prices *price.PriceService
}

// New builds an Oracle backed by ps.
func New(ps *price.PriceService) *Oracle {
	return &Oracle{prices: ps}
}

func decimalsFor(t models.Token) int {
	switch t {
	case models.TokenBTC, models.TokenBTCLN:
		return config.DecimalsBTC
	case models.TokenUSDC:
		return config.DecimalsUSDC
	case models.TokenUSDT:
		return config.DecimalsUSDT
	case models.TokenETH:
		return config.DecimalsETH
	case models.TokenSOL:
		return config.DecimalsSOL
	default:
		return config.DecimalsBTC
	}
}

// usdPrice looks up token's USD spot price, refreshing the cache if needed.
func (o *Oracle) usdPrice(ctx context.Context, token models.Token) (float64, error) {
	prices, err := o.prices.GetPrices(ctx)
	if err != nil {
		return 0, err
	}
	p, ok := prices[string(token)]
	if !ok || p <= 0 {
		return 0, fmt.Errorf("%w: no usable USD price for %s", config.ErrPriceFetchFailed, token)
	}
	return p, nil
}

// ToBtc converts amount (token's base units) into satoshis, via each side's
// USD price. BTC/BTC-LN pass through unchanged (still base-unit satoshis).
func (o *Oracle) ToBtc(ctx context.Context, amount *big.Int, token models.Token) (*big.Int, error) {
	if token.IsBTCLike() {
		return new(big.Int).Set(amount), nil
	}

	tokenUSD, err := o.usdPrice(ctx, token)
	if err != nil {
		return nil, err
	}
	btcUSD, err := o.usdPrice(ctx, models.TokenBTC)
	if err != nil {
		return nil, err
	}

	amountFloat := new(big.Float).SetInt(amount)
	scale := new(big.Float).SetFloat64(pow10(decimalsFor(token)))
	humanAmount := new(big.Float).Quo(amountFloat, scale)

	usdValue := new(big.Float).Mul(humanAmount, big.NewFloat(tokenUSD))
	btcValue := new(big.Float).Quo(usdValue, big.NewFloat(btcUSD))

	satsScale := new(big.Float).SetFloat64(pow10(config.DecimalsBTC))
	sats := new(big.Float).Mul(btcValue, satsScale)

	result, _ := sats.Int(nil)
	return result, nil
}

// FromBtc converts amountBTC (satoshis) into token's base units, rounding
// per the requested mode. Halves the rounding-mode ambiguity by always
// computing the exact quotient plus remainder in integer arithmetic, rather
// than round-tripping through float64 for the final step.
func (o *Oracle) FromBtc(ctx context.Context, amountBTC *big.Int, token models.Token, rounding engine.RoundingMode) (*big.Int, error) {
	if token.IsBTCLike() {
		return new(big.Int).Set(amountBTC), nil
	}

	tokenUSD, err := o.usdPrice(ctx, token)
	if err != nil {
		return nil, err
	}
	btcUSD, err := o.usdPrice(ctx, models.TokenBTC)
	if err != nil {
		return nil, err
	}
	if tokenUSD <= 0 {
		return nil, fmt.Errorf("%w: non-positive price for %s", config.ErrPriceFetchFailed, token)
	}

	// amountToken = amountBTC / 1e8 * btcUSD / tokenUSD * 1e(tokenDecimals)
	// Computed as a single rational scale to keep the rounding decision in
	// integer arithmetic: numerator / denominator, then round per mode.
	const priceScale = 1_000_000 // 6 decimal digits of price precision
	btcUSDScaled := big.NewInt(int64(btcUSD * priceScale))
	tokenUSDScaled := big.NewInt(int64(tokenUSD * priceScale))

	numerator := new(big.Int).Mul(amountBTC, btcUSDScaled)
	numerator.Mul(numerator, pow10Int(decimalsFor(token)))
	denominator := new(big.Int).Mul(tokenUSDScaled, pow10Int(config.DecimalsBTC))

	quotient, remainder := new(big.Int).QuoRem(numerator, denominator, new(big.Int))

	switch rounding {
	case engine.RoundUp:
		if remainder.Sign() != 0 {
			quotient.Add(quotient, big.NewInt(1))
		}
	case engine.RoundNearest:
		doubledRemainder := new(big.Int).Mul(remainder, big.NewInt(2))
		if doubledRemainder.CmpAbs(denominator) >= 0 {
			quotient.Add(quotient, big.NewInt(1))
		}
	case engine.RoundDown:
		// quotient is already truncated toward zero by QuoRem.
	}

	return quotient, nil
}

func pow10(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}

func pow10Int(n int) *big.Int {
	v := big.NewInt(1)
	ten := big.NewInt(10)
	for i := 0; i < n; i++ {
		v.Mul(v, ten)
	}
	return v
}

var _ engine.InventoryOracle = (*Oracle)(nil)
