package domain

import "strings"

// Market representa un mercado binario de Polymarket tal como lo devuelve
// un DataProvider.
type Market struct {
	ConditionID   string
	Question      string
	Slug          string
	Tokens        [2]Token
	OutcomePrices []float64 // precios Gamma [YES, NO] si están disponibles
	Liquidity     float64
	Active        bool
	Closed        bool
}

// Token es uno de los dos lados del mercado (YES/NO).
type Token struct {
	TokenID string
	Outcome string  // "Yes" | "No"
	Price   float64 // último precio del CLOB
}

// TokenFor devuelve el token del outcome pedido. Cae a la posición 0/1.
func (m Market) TokenFor(outcome Outcome) Token {
	for _, t := range m.Tokens {
		if strings.EqualFold(t.Outcome, string(outcome)) {
			return t
		}
	}
	if outcome == OutcomeNo {
		return m.Tokens[1]
	}
	return m.Tokens[0]
}

// YesPrice devuelve el precio YES de Gamma si existe.
func (m Market) YesPrice() (float64, bool) {
	if len(m.OutcomePrices) == 0 {
		return 0, false
	}
	return m.OutcomePrices[0], true
}

// TruncateQuestion devuelve la pregunta del mercado truncada a maxLen caracteres.
// Si la pregunta está vacía usa los primeros caracteres del conditionID como fallback.
func TruncateQuestion(question, conditionID string, maxLen int) string {
	q := question
	if q == "" {
		if len(conditionID) > 20 {
			q = conditionID[:20] + "..."
		} else {
			q = conditionID
		}
	}
	if len(q) > maxLen {
		q = q[:maxLen-3] + "..."
	}
	return q
}

// IsBinary indica si el mercado tiene exactamente dos outcomes. Los adapters
// solo rellenan Tokens cuando la fuente trae dos.
func (m Market) IsBinary() bool {
	if len(m.OutcomePrices) == 2 {
		return true
	}
	return (m.Tokens[0].TokenID != "" && m.Tokens[1].TokenID != "") ||
		(m.Tokens[0].Outcome != "" && m.Tokens[1].Outcome != "")
}
