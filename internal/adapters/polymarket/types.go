package polymarket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DTOs raw de la API de Polymarket. Solo se usan dentro de este paquete.
// La conversión a domain entities se hace en mapping.go.

// --- CLOB API ---

// clobMarket es la respuesta de GET /markets/{condition_id}.
type clobMarket struct {
	ConditionID   string      `json:"condition_id"`
	Question      string      `json:"question"`
	MarketSlug    string      `json:"market_slug"`
	Tokens        []clobToken `json:"tokens"`
	OutcomePrices flexList    `json:"outcome_prices"`
	Active        bool        `json:"active"`
	Closed        bool        `json:"closed"`
}

// clobToken representa un token (YES/NO) en el CLOB.
type clobToken struct {
	TokenID string  `json:"token_id"`
	Outcome string  `json:"outcome"`
	Price   float64 `json:"price"`
}

// orderBookRequest es el body del POST /books batch.
type orderBookRequest struct {
	TokenID string `json:"token_id"`
}

// orderBookResponse es la respuesta de un item en POST /books.
type orderBookResponse struct {
	AssetID string         `json:"asset_id"`
	Bids    []bookEntryRaw `json:"bids"`
	Asks    []bookEntryRaw `json:"asks"`
}

// bookEntryRaw es un nivel de precio raw de la API (strings para mayor precisión).
type bookEntryRaw struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// --- Gamma API ---

// gammaMarket es un item de GET /markets de Gamma. outcomes, outcomePrices y
// clobTokenIds llegan como arrays codificados dentro de un string JSON.
type gammaMarket struct {
	ID            string      `json:"id"`
	ConditionID   string      `json:"conditionId"`
	Question      string      `json:"question"`
	Slug          string      `json:"slug"`
	Outcomes      flexList    `json:"outcomes"`
	OutcomePrices flexList    `json:"outcomePrices"`
	ClobTokenIDs  flexList    `json:"clobTokenIds"`
	Tokens        []clobToken `json:"tokens"`
	Liquidity     json.Number `json:"liquidity"`
	Active        bool        `json:"active"`
	Closed        bool        `json:"closed"`
}

// --- Data API ---

// dataPosition acepta los dos esquemas de /positions: el nuevo (conditionId,
// curPrice, avgPrice, currentValue, cashPnl) y el antiguo (market,
// current_price, avg_price, value, pnl).
type dataPosition struct {
	ConditionID     string          `json:"conditionId"`
	Market          string          `json:"market"`
	Slug            string          `json:"slug"`
	Title           string          `json:"title"`
	MarketSlug      string          `json:"market_slug"`
	Outcome         string          `json:"outcome"`
	OutcomeIndex    *int            `json:"outcomeIndex"`
	OutcomeIndexOld *int            `json:"outcome_index"`
	Size            *float64        `json:"size"`
	AvgPrice        *float64        `json:"avgPrice"`
	AvgPriceOld     *float64        `json:"avg_price"`
	CurPrice        *float64        `json:"curPrice"`
	CurrentPrice    *float64        `json:"current_price"`
	CurrentValue    *float64        `json:"currentValue"`
	Value           *float64        `json:"value"`
	CashPnl         *float64        `json:"cashPnl"`
	PnL             *float64        `json:"pnl"`
	Liquidity       *float64        `json:"liquidity"`
	Timestamp       json.RawMessage `json:"timestamp"`
	UpdatedAt       string          `json:"updatedAt"`
}

// rawDataTrade es un trade público de GET /trades.
type rawDataTrade struct {
	ConditionID string      `json:"conditionId"`
	Asset       string      `json:"asset"`
	Side        string      `json:"side"`
	Price       json.Number `json:"price"`
	Size        json.Number `json:"size"`
	Timestamp   json.Number `json:"timestamp"`
}

// flexList decodifica un array JSON o un string que contiene un array JSON.
// Los elementos numéricos se guardan como texto.
type flexList []string

func (l *flexList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*l = nil
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*l = nil
			return nil
		}
		b = []byte(s)
	}
	var raw []any
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("flexList: %w", err)
	}
	out := make(flexList, 0, len(raw))
	for _, v := range raw {
		switch x := v.(type) {
		case string:
			out = append(out, x)
		case float64:
			out = append(out, strconv.FormatFloat(x, 'f', -1, 64))
		default:
			out = append(out, fmt.Sprint(x))
		}
	}
	*l = out
	return nil
}

// floats convierte los elementos a float64. nil si alguno no es numérico.
func (l flexList) floats() []float64 {
	if len(l) == 0 {
		return nil
	}
	out := make([]float64, 0, len(l))
	for _, s := range l {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil
		}
		out = append(out, f)
	}
	return out
}
