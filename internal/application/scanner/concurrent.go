package scanner

// concurrent.go: worker pool para leer snapshots de muchos mercados.

import (
	"context"
	"log/slog"
	"runtime"
	"sync"

	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/ports"
)

// classifyConcurrent lee el snapshot actual de cada mercado en paralelo y lo
// clasifica. El rate limiter del cliente HTTP sigue acotando las peticiones.
// Un mercado cuyo snapshot falla se descarta.
//
// Si workers <= 0 usa runtime.NumCPU() × 2.
func classifyConcurrent(
	ctx context.Context,
	data ports.DataProvider,
	markets []domain.Market,
	outcome domain.Outcome,
	workers int,
) []Candidate {
	if workers <= 0 {
		workers = runtime.NumCPU() * 2
	}

	workCh := make(chan domain.Market, len(markets))
	resultCh := make(chan Candidate, len(markets))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range workCh {
				if ctx.Err() != nil {
					return
				}
				snap, err := data.Snapshot(ctx, m.ConditionID, outcome, false)
				if err != nil {
					slog.Debug("scanner: snapshot failed", "market", m.ConditionID, "err", err)
					continue
				}
				snap.MarketID = m.ConditionID
				c := Classify(snap)
				c.Slug = m.Slug
				resultCh <- c
			}
		}()
	}

	for _, m := range markets {
		workCh <- m
	}
	close(workCh)

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	cands := make([]Candidate, 0, len(markets))
	for c := range resultCh {
		cands = append(cands, c)
	}

	slog.Debug("scanner: classification complete",
		"markets_queued", len(markets),
		"classified", len(cands),
		"workers", workers,
	)
	return cands
}
