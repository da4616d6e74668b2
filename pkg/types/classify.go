package types

import "strings"

// FundingSymbolPrefix marks synthetic funding-accrual keys. Perp venues
// report funding payments on "venue:BaseToken:FUNDING_<symbol>", denominated
// in the settlement currency, so attribution can separate funding from price
// movement.
const FundingSymbolPrefix = "FUNDING_"

// ClassifyKey buckets a position key for exposure and P&L attribution.
// Classification is purely key-driven: instrument type plus symbol prefix.
func ClassifyKey(key PositionKey, shareClass string) AttributionCategory {
	_, instrument, symbol, err := key.Parse()
	if err != nil {
		return CategoryOther
	}
	if strings.HasPrefix(symbol, FundingSymbolPrefix) {
		return CategoryFunding
	}
	switch instrument {
	case InstrumentAToken, InstrumentDebtToken:
		return CategoryLending
	case InstrumentLST:
		return CategoryStaking
	case InstrumentPerp:
		return CategoryBasis
	case InstrumentBaseToken:
		if symbol == shareClass {
			return CategoryOther
		}
		return CategoryDelta
	default:
		return CategoryOther
	}
}

// IsFundingKey reports whether a key is a synthetic funding-accrual key.
// Funding balances are already in settlement currency and value at par.
func IsFundingKey(key PositionKey) bool {
	_, _, symbol, err := key.Parse()
	if err != nil {
		return false
	}
	return strings.HasPrefix(symbol, FundingSymbolPrefix)
}
