package domain

import (
	"fmt"
	"math"
)

const (
	// DefaultEpsilon es la tolerancia de reconciliación en USD.
	DefaultEpsilon = 1e-6
	// PriceEpsilon es la tolerancia para comparar precios entre sí.
	PriceEpsilon = 1e-9
)

// CheckPrice falla si el precio no es una probabilidad válida en [0,1].
// Nunca se hace clamp: un precio fuera de rango es un bug del caller.
func CheckPrice(field string, price float64) error {
	if math.IsNaN(price) || price < 0 || price > 1 {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("must be in [0,1], got %v", price)}
	}
	return nil
}

func checkPrices(fields []string, prices ...float64) error {
	for i, p := range prices {
		if err := CheckPrice(fields[i], p); err != nil {
			return err
		}
	}
	return nil
}

// Shares convierte un cost basis en USD a número de shares al precio de entrada.
func Shares(costUSD, entryPrice float64) (float64, error) {
	if err := CheckPrice("entry_price", entryPrice); err != nil {
		return 0, err
	}
	if entryPrice <= 0 {
		return 0, nil
	}
	return costUSD / entryPrice, nil
}

// CostBasis es la inversa de Shares.
func CostBasis(shares, entryPrice float64) (float64, error) {
	if err := CheckPrice("entry_price", entryPrice); err != nil {
		return 0, err
	}
	return shares * entryPrice, nil
}

// CurrentValue valora shares al precio actual.
func CurrentValue(shares, currentPrice float64) (float64, error) {
	if err := CheckPrice("current_price", currentPrice); err != nil {
		return 0, err
	}
	return shares * currentPrice, nil
}

// Unrealized devuelve el P&L no realizado de una posición larga.
func Unrealized(shares, entryPrice, currentPrice float64) (float64, error) {
	if err := checkPrices([]string{"entry_price", "current_price"}, entryPrice, currentPrice); err != nil {
		return 0, err
	}
	return shares * (currentPrice - entryPrice), nil
}

// Realized devuelve el P&L realizado de cerrar shares a exitPrice.
func Realized(shares, entryPrice, exitPrice float64) (float64, error) {
	if err := checkPrices([]string{"entry_price", "exit_price"}, entryPrice, exitPrice); err != nil {
		return 0, err
	}
	return shares * (exitPrice - entryPrice), nil
}

// Proceeds es el USD recibido al vender shares a exitPrice.
func Proceeds(shares, exitPrice float64) (float64, error) {
	if err := CheckPrice("exit_price", exitPrice); err != nil {
		return 0, err
	}
	return shares * exitPrice, nil
}

// PnLPct devuelve pnl/cost, 0 si cost es 0.
func PnLPct(pnl, cost float64) float64 {
	if cost == 0 {
		return 0
	}
	return pnl / cost
}

// CheckSharesConsistent detecta callers que confunden tamaño en USD con shares.
func CheckSharesConsistent(shares, entryPrice, costBasis, eps float64) error {
	if shares <= 0 {
		return &ValidationError{Field: "shares", Reason: fmt.Sprintf("must be > 0, got %v", shares)}
	}
	if err := CheckPrice("entry_price", entryPrice); err != nil {
		return err
	}
	if math.Abs(shares*entryPrice-costBasis) > eps {
		return &ValidationError{
			Field:  "shares",
			Reason: fmt.Sprintf("shares*entry=%.10f does not match cost_basis=%.10f", shares*entryPrice, costBasis),
		}
	}
	return nil
}

// Near compara dos floats con tolerancia absoluta.
func Near(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}

// SidedPnL es el P&L de una fila del ledger con el signo de su lado:
// un SELL gana cuando el precio baja.
func SidedPnL(side Side, shares, entryPrice, price float64) (float64, error) {
	pnl, err := Unrealized(shares, entryPrice, price)
	if err != nil {
		return 0, err
	}
	if side == SideSell {
		return -pnl, nil
	}
	return pnl, nil
}
