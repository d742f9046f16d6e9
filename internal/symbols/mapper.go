package symbols

import (
	"strings"

	"arbflow/internal/market"
)

// Canonical symbols use the dash-separated "BTC-USDT" form. Each venue
// speaks its own dialect; these helpers translate in both directions so
// adapters always emit canonical keys.

// ToVenue converts a canonical symbol into the identifier a venue expects
// for the given instrument kind.
func ToVenue(v market.Venue, sym market.Symbol, kind market.InstrumentKind) string {
	switch v {
	case market.VenueBinance, market.VenueBybit:
		return strings.ReplaceAll(sym, "-", "")
	case market.VenueOKX:
		if kind == market.Perpetual {
			return sym + "-SWAP"
		}
		return sym
	case market.VenueKucoin:
		if kind == market.Perpetual || kind == market.Future {
			s := strings.ReplaceAll(sym, "-", "")
			if strings.HasPrefix(s, "BTC") {
				s = "XBT" + s[3:]
			}
			return s + "M"
		}
		return sym
	default:
		return sym
	}
}

// ToCanonical converts a venue identifier back into the canonical form.
func ToCanonical(v market.Venue, raw string) market.Symbol {
	switch v {
	case market.VenueBinance, market.VenueBybit:
		return insertDash(normalizeBase(raw))
	case market.VenueOKX:
		return strings.TrimSuffix(raw, "-SWAP")
	case market.VenueKucoin:
		if strings.HasSuffix(raw, "M") && !strings.Contains(raw, "-") {
			s := strings.TrimSuffix(raw, "M")
			if strings.HasPrefix(s, "XBT") {
				s = "BTC" + s[3:]
			}
			return insertDash(s)
		}
		return raw
	default:
		return raw
	}
}

// normalizeBase maps venue quirks like 1000-multiplier contracts onto the
// plain base asset.
func normalizeBase(sym string) string {
	switch sym {
	case "1000BONKUSDT":
		return "BONKUSDT"
	case "1000PEPEUSDT":
		return "PEPEUSDT"
	case "1000SHIBUSDT", "SHIB1000USDT":
		return "SHIBUSDT"
	}
	return sym
}

// insertDash splits a concatenated pair on its quote currency. Only the
// quote assets the supported venues actually use are recognized.
func insertDash(sym string) string {
	if strings.Contains(sym, "-") {
		return sym
	}
	for _, quote := range []string{"USDT", "USDC", "USD", "BTC", "ETH"} {
		if strings.HasSuffix(sym, quote) && len(sym) > len(quote) {
			return sym[:len(sym)-len(quote)] + "-" + quote
		}
	}
	return sym
}
