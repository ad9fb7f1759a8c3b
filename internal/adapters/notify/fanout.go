package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/ports"
)

// Fanout reparte cada evento entre varios notificadores. Un fallo en uno no
// impide entregar a los demás.
type Fanout []ports.Notifier

// Notify implementa ports.Notifier. Devuelve los errores combinados.
func (f Fanout) Notify(ctx context.Context, ev domain.Event) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			slog.Warn("notify: delivery failed", "kind", ev.Kind, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
