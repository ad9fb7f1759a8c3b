package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

func mode(dryRun bool) string {
	if dryRun {
		return "Simulation"
	}
	return "Live"
}

// Startup anuncia el arranque de un loop.
func Startup(target string, budget float64, dryRun bool) domain.Event {
	return domain.Event{
		Kind:  domain.EventStartup,
		Title: "Copy trader started",
		Fields: []domain.Field{
			{Key: "Wallet", Value: shortWallet(target)},
			{Key: "Budget", Value: fmt.Sprintf("$%.2f", budget)},
			{Key: "Mode", Value: mode(dryRun)},
		},
		At: time.Now(),
	}
}

// MarketMakingStartup anuncia el arranque de un run de market making.
func MarketMakingStartup(runTag string, bankroll float64, dryRun bool) domain.Event {
	return domain.Event{
		Kind:  domain.EventStartup,
		Title: "Market making started",
		Fields: []domain.Field{
			{Key: "Run tag", Value: runTag},
			{Key: "Bankroll", Value: fmt.Sprintf("$%.2f", bankroll)},
			{Key: "Mode", Value: mode(dryRun)},
		},
		At: time.Now(),
	}
}

// Trade notifica una ejecución (simulada o real).
func Trade(action domain.Action, market string, sizeUSD, price float64, dryRun bool) domain.Event {
	return domain.Event{
		Kind:  domain.EventTrade,
		Title: fmt.Sprintf("%s %s", strings.ToUpper(string(action)), truncate(market, 40)),
		Fields: []domain.Field{
			{Key: "Size", Value: fmt.Sprintf("$%.2f", sizeUSD)},
			{Key: "Price", Value: fmt.Sprintf("%.4f", price)},
			{Key: "Mode", Value: mode(dryRun)},
		},
		At: time.Now(),
	}
}

// Risk notifica que el risk manager bloqueó el ciclo.
func Risk(reason string, totalPnL float64, dailyPnL *float64) domain.Event {
	ev := domain.Event{
		Kind:   domain.EventRisk,
		Title:  "Risk limit triggered: " + reason,
		Fields: []domain.Field{{Key: "Total P&L", Value: fmt.Sprintf("$%.2f", totalPnL)}},
		At:     time.Now(),
	}
	if dailyPnL != nil {
		ev.Fields = append(ev.Fields, domain.Field{Key: "Daily P&L", Value: fmt.Sprintf("$%.2f", *dailyPnL)})
	}
	return ev
}

// Gate notifica un trust gate fallido.
func Gate(stage string, issues int, bundle string) domain.Event {
	ev := domain.Event{
		Kind:  domain.EventGate,
		Title: "Trust gate failed at " + stage,
		Fields: []domain.Field{
			{Key: "Issues", Value: fmt.Sprintf("%d", issues)},
		},
		At: time.Now(),
	}
	if bundle != "" {
		ev.Fields = append(ev.Fields, domain.Field{Key: "Bundle", Value: bundle})
	}
	return ev
}

// Shutdown notifica la parada del loop.
func Shutdown(reason string, finalPnL *float64) domain.Event {
	ev := domain.Event{
		Kind:  domain.EventShutdown,
		Title: "Stopped: " + reason,
		At:    time.Now(),
	}
	if finalPnL != nil {
		ev.Fields = append(ev.Fields, domain.Field{Key: "Final P&L", Value: fmt.Sprintf("$%.2f", *finalPnL)})
	}
	return ev
}
