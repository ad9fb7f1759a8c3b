package polymarket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// DecodeMarkets lee un array JSON de mercados en formato Gamma. Lo usa
// también el provider de fixtures offline.
func DecodeMarkets(r io.Reader) ([]domain.Market, error) {
	var raw []gammaMarket
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("polymarket.DecodeMarkets: %w", err)
	}
	return mapGammaMarkets(raw), nil
}

func mapGammaMarkets(raw []gammaMarket) []domain.Market {
	markets := make([]domain.Market, 0, len(raw))
	for _, r := range raw {
		markets = append(markets, mapGammaMarket(r))
	}
	return markets
}

// mapGammaMarket convierte un gammaMarket DTO a domain.Market. Tokens solo
// se rellena si la fuente describe exactamente dos outcomes.
func mapGammaMarket(r gammaMarket) domain.Market {
	m := domain.Market{
		ConditionID: r.ConditionID,
		Question:    r.Question,
		Slug:        r.Slug,
		Active:      r.Active,
		Closed:      r.Closed,
	}
	if m.ConditionID == "" {
		m.ConditionID = r.ID
	}
	if v, err := r.Liquidity.Float64(); err == nil {
		m.Liquidity = v
	}
	if prices := r.OutcomePrices.floats(); len(prices) == 2 {
		m.OutcomePrices = prices
	}

	switch {
	case len(r.Tokens) == 2:
		for i, t := range r.Tokens {
			m.Tokens[i] = domain.Token{TokenID: t.TokenID, Outcome: t.Outcome, Price: t.Price}
		}
	case len(r.ClobTokenIDs) == 2 || len(r.Outcomes) == 2:
		for i := 0; i < 2; i++ {
			if i < len(r.ClobTokenIDs) {
				m.Tokens[i].TokenID = r.ClobTokenIDs[i]
			}
			if i < len(r.Outcomes) {
				m.Tokens[i].Outcome = r.Outcomes[i]
			}
			if i < len(m.OutcomePrices) {
				m.Tokens[i].Price = m.OutcomePrices[i]
			}
		}
	}
	return m
}

// mapCLOBMarket convierte la respuesta de GET /markets/{id} del CLOB.
func mapCLOBMarket(r clobMarket) domain.Market {
	m := domain.Market{
		ConditionID: r.ConditionID,
		Question:    r.Question,
		Slug:        r.MarketSlug,
		Active:      r.Active,
		Closed:      r.Closed,
	}
	if prices := r.OutcomePrices.floats(); len(prices) == 2 {
		m.OutcomePrices = prices
	}
	for i, t := range r.Tokens {
		if i >= 2 {
			break
		}
		m.Tokens[i] = domain.Token{TokenID: t.TokenID, Outcome: t.Outcome, Price: t.Price}
	}
	return m
}

// mapOrderBooks convierte la respuesta batch de /books a un map tokenID→OrderBook.
func mapOrderBooks(raw []orderBookResponse) map[string]domain.OrderBook {
	result := make(map[string]domain.OrderBook, len(raw))
	for _, r := range raw {
		result[r.AssetID] = domain.OrderBook{
			TokenID: r.AssetID,
			Bids:    mapBookEntries(r.Bids, false),
			Asks:    mapBookEntries(r.Asks, true),
		}
	}
	return result
}

// mapBookEntries convierte entries raw a domain.BookEntry y los ordena.
// ascending=true → menor a mayor (asks), ascending=false → mayor a menor (bids).
func mapBookEntries(raw []bookEntryRaw, ascending bool) []domain.BookEntry {
	entries := make([]domain.BookEntry, 0, len(raw))
	for _, r := range raw {
		price := domain.ParsePrice(r.Price)
		size := domain.ParsePrice(r.Size)
		if price <= 0 || size <= 0 {
			continue
		}
		entries = append(entries, domain.BookEntry{Price: price, Size: size})
	}

	sort.Slice(entries, func(i, j int) bool {
		if ascending {
			return entries[i].Price < entries[j].Price
		}
		return entries[i].Price > entries[j].Price
	})
	return entries
}

// mapPosition normaliza una posición de cualquiera de los dos esquemas.
// Los campos del esquema nuevo tienen prioridad.
func mapPosition(r dataPosition) domain.Position {
	p := domain.Position{
		MarketID:   firstNonEmpty(r.ConditionID, r.Market),
		MarketSlug: firstNonEmpty(r.Slug, r.Title, r.MarketSlug),
		Size:       firstFloat(r.Size),
		AvgPrice:   firstFloat(r.AvgPrice, r.AvgPriceOld),
		Value:      firstFloat(r.CurrentValue, r.Value),
		PnL:        firstFloat(r.CashPnl, r.PnL),
		Liquidity:  r.Liquidity,
	}

	switch o := strings.TrimSpace(r.Outcome); {
	case strings.EqualFold(o, "yes"), strings.EqualFold(o, "no"):
		p.Outcome = domain.Outcome(strings.ToUpper(o))
	case o != "":
		p.Outcome = domain.Outcome(o)
	default:
		idx := r.OutcomeIndex
		if idx == nil {
			idx = r.OutcomeIndexOld
		}
		p.Outcome = domain.OutcomeYes
		if idx != nil && *idx != 0 {
			p.Outcome = domain.OutcomeNo
		}
	}

	// Un precio 0 se trata como ausente.
	for _, v := range []*float64{r.CurPrice, r.CurrentPrice} {
		if v != nil && *v != 0 {
			p.CurrentPrice = domain.Ptr(*v)
			break
		}
	}

	if ts, ok := parseRawTimestamp(r.Timestamp); ok {
		p.UpdatedAt = &ts
	} else if ts, ok := parseTimestamp(r.UpdatedAt); ok {
		p.UpdatedAt = &ts
	}
	return p
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstFloat(vals ...*float64) float64 {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return 0
}

func parseRawTimestamp(raw json.RawMessage) (time.Time, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, false
		}
		return parseTimestamp(s)
	}
	return parseTimestamp(string(raw))
}

// parseTimestamp acepta unix (segundos o milisegundos) o ISO 8601.
func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		if sec > 1e12 {
			return time.UnixMilli(sec).UTC(), true
		}
		return time.Unix(sec, 0).UTC(), true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC(), true
	}
	for _, layout := range []string{
		time.RFC3339Nano, time.RFC3339,
		"2006-01-02T15:04:05.000Z", "2006-01-02T15:04:05Z",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
