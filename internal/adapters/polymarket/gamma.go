package polymarket

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

const (
	gammaMarketsPath = "/markets"
	gammaPageSize    = 100
	gammaMaxPages    = 10
)

// FetchMarkets devuelve los mercados activos y abiertos de Gamma.
// Pagina por offset hasta una página incompleta o gammaMaxPages.
func (c *Client) FetchMarkets(ctx context.Context) ([]domain.Market, error) {
	var all []domain.Market
	for page := 0; page < gammaMaxPages; page++ {
		url := fmt.Sprintf("%s%s?active=true&closed=false&limit=%d&offset=%d",
			c.gammaBase, gammaMarketsPath, gammaPageSize, page*gammaPageSize)

		var resp []gammaMarket
		if err := c.get(ctx, c.gammaLimiter, url, &resp); err != nil {
			if page > 0 {
				slog.Warn("polymarket: gamma page failed, using partial list", "page", page, "err", err)
				break
			}
			return nil, fmt.Errorf("gamma.FetchMarkets: %w", err)
		}
		all = append(all, mapGammaMarkets(resp)...)

		slog.Debug("polymarket: fetched gamma page", "page", page, "count", len(resp), "total", len(all))
		if len(resp) < gammaPageSize {
			break
		}
	}
	slog.Info("polymarket: markets fetched", "total", len(all))
	return all, nil
}
