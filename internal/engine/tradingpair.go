package engine

import (
	"fmt"

	"github.com/Fantasim/rebalancer/internal/config"
	"github.com/Fantasim/rebalancer/internal/models"
)

// TradingPair is the CEX instrument a (src,dst) rebalance leg trades
// through, plus the side the engine must submit on, derived from the
// instrument's base/quote ordering.
type TradingPair struct {
	Symbol string // e.g. "BTC-USDC"
	Buy    bool   // true: submit a buy order; false: submit a sell order
}

// pairTable lists every (non-BTC-like) token's instrument against BTC, one
// entry per token, in the form the venue quotes it: BTC-base for the
// stablecoins (BTC-USDC, BTC-USDT), BTC-quote for ETH and SOL (ETH-BTC,
// SOL-BTC).
var pairTable = map[models.Token]string{
	models.TokenUSDC: "BTC-USDC",
	models.TokenUSDT: "BTC-USDT",
	models.TokenETH:  "ETH-BTC",
	models.TokenSOL:  "SOL-BTC",
}

// GetTradingPair resolves the CEX instrument and buy/sell side for moving
// amount from src to dst. Exactly one side must be BTC-like (BTC or
// BTC-LN); the symbol is looked up by whichever side is the non-BTC token.
//
// The rule: if BTC is the base asset ("BTCxxx"), sell when moving value out
// of BTC, buy when moving into BTC. If BTC is the quote asset ("xxxBTC"),
// the sense is reversed. This makes GetTradingPair(src,dst) and
// GetTradingPair(dst,src) return the same Symbol with complementary Buy
// flags.
func GetTradingPair(src, dst models.Token) (TradingPair, error) {
	var other models.Token
	var movingFromBTC bool

	switch {
	case src.IsBTCLike() && !dst.IsBTCLike():
		other, movingFromBTC = dst, true
	case dst.IsBTCLike() && !src.IsBTCLike():
		other, movingFromBTC = src, false
	default:
		return TradingPair{}, fmt.Errorf("%w: (%s,%s) must have exactly one BTC-like side", config.ErrInvalidPair, src, dst)
	}

	symbol, ok := pairTable[other]
	if !ok {
		return TradingPair{}, fmt.Errorf("%w: no instrument for token %s", config.ErrInvalidPair, other)
	}

	btcIsBase := symbol[:3] == "BTC"

	// btcIsBase: moving from BTC means selling BTC for other -> sell.
	// !btcIsBase (BTC is quote, e.g. ETH-BTC): moving from BTC means buying
	// the base asset with BTC -> buy.
	buy := movingFromBTC != btcIsBase

	return TradingPair{Symbol: symbol, Buy: buy}, nil
}
