package symbols

import (
	"testing"

	"arbflow/internal/market"
)

func TestToVenue(t *testing.T) {
	tests := []struct {
		venue market.Venue
		sym   string
		kind  market.InstrumentKind
		want  string
	}{
		{market.VenueBinance, "BTC-USDT", market.Spot, "BTCUSDT"},
		{market.VenueBinance, "BTC-USDT", market.Perpetual, "BTCUSDT"},
		{market.VenueBybit, "ETH-USDT", market.Spot, "ETHUSDT"},
		{market.VenueOKX, "BTC-USDT", market.Spot, "BTC-USDT"},
		{market.VenueOKX, "BTC-USDT", market.Perpetual, "BTC-USDT-SWAP"},
		{market.VenueKucoin, "BTC-USDT", market.Spot, "BTC-USDT"},
		{market.VenueKucoin, "BTC-USDT", market.Perpetual, "XBTUSDTM"},
		{market.VenueKucoin, "ETH-USDT", market.Perpetual, "ETHUSDTM"},
	}
	for _, tt := range tests {
		if got := ToVenue(tt.venue, tt.sym, tt.kind); got != tt.want {
			t.Errorf("ToVenue(%s,%s,%s)=%s want %s", tt.venue, tt.sym, tt.kind, got, tt.want)
		}
	}
}

func TestToCanonical(t *testing.T) {
	tests := []struct {
		venue market.Venue
		in    string
		want  string
	}{
		{market.VenueBinance, "BTCUSDT", "BTC-USDT"},
		{market.VenueBinance, "1000BONKUSDT", "BONK-USDT"},
		{market.VenueBybit, "SHIB1000USDT", "SHIB-USDT"},
		{market.VenueOKX, "BTC-USDT-SWAP", "BTC-USDT"},
		{market.VenueOKX, "BTC-USDT", "BTC-USDT"},
		{market.VenueKucoin, "XBTUSDTM", "BTC-USDT"},
		{market.VenueKucoin, "ETHUSDTM", "ETH-USDT"},
		{market.VenueKucoin, "BTC-USDT", "BTC-USDT"},
	}
	for _, tt := range tests {
		if got := ToCanonical(tt.venue, tt.in); got != tt.want {
			t.Errorf("ToCanonical(%s,%s)=%s want %s", tt.venue, tt.in, got, tt.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	syms := []string{"BTC-USDT", "ETH-USDT", "SOL-USDT"}
	for _, v := range market.Venues {
		for _, s := range syms {
			for _, kind := range []market.InstrumentKind{market.Spot, market.Perpetual} {
				raw := ToVenue(v, s, kind)
				if got := ToCanonical(v, raw); got != s {
					t.Errorf("round trip %s/%s/%s: %s -> %s", v, s, kind, raw, got)
				}
			}
		}
	}
}
