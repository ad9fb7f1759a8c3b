package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// positionsEnvelope cubre las dos formas de respuesta de /positions: un
// array directo o un objeto {"positions": [...]}.
type positionsEnvelope []dataPosition

func (e *positionsEnvelope) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '{' {
		var wrapped struct {
			Positions []dataPosition `json:"positions"`
		}
		if err := json.Unmarshal(b, &wrapped); err != nil {
			return err
		}
		*e = wrapped.Positions
		return nil
	}
	var list []dataPosition
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	*e = list
	return nil
}

// Positions devuelve las posiciones abiertas de una wallet normalizadas al
// esquema canónico. Filas sin mercado se descartan.
func (c *Client) Positions(ctx context.Context, wallet string) ([]domain.Position, error) {
	u := fmt.Sprintf("%s/positions?user=%s", c.dataBase, url.QueryEscape(wallet))

	var resp positionsEnvelope
	if err := c.get(ctx, c.dataLimiter, u, &resp); err != nil {
		return nil, fmt.Errorf("data-api.Positions: %w", err)
	}
	out := make([]domain.Position, 0, len(resp))
	for _, raw := range resp {
		p := mapPosition(raw)
		if p.MarketID == "" {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// PortfolioValue suma el valor actual de las posiciones de la wallet.
func (c *Client) PortfolioValue(ctx context.Context, wallet string) (float64, error) {
	positions, err := c.Positions(ctx, wallet)
	if err != nil {
		return 0, fmt.Errorf("data-api.PortfolioValue: %w", err)
	}
	var total float64
	for _, p := range positions {
		total += p.Value
	}
	return total, nil
}
