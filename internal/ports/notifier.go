package ports

import (
	"context"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// Notifier entrega eventos al usuario. Los errores no deben detener el loop.
type Notifier interface {
	Notify(ctx context.Context, ev domain.Event) error
}
