package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// Console implementa ports.Notifier escribiendo una línea por evento y
// registrándolo en el log. También imprime los reportes del CLI.
type Console struct {
	out io.Writer
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout}
}

// NewConsoleWriter crea un notificador sobre w. Para tests.
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w}
}

// Notify imprime el evento en una línea compacta.
func (c *Console) Notify(_ context.Context, ev domain.Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s %s", at.Format("15:04:05"), icon(ev.Kind), ev.Title)
	for _, f := range ev.Fields {
		fmt.Fprintf(&sb, " | %s: %s", f.Key, f.Value)
	}
	fmt.Fprintln(c.out, sb.String())

	args := []any{"kind", ev.Kind}
	for _, f := range ev.Fields {
		args = append(args, strings.ToLower(strings.ReplaceAll(f.Key, " ", "_")), f.Value)
	}
	slog.Info("notify: "+ev.Title, args...)
	return nil
}

func icon(k domain.EventKind) string {
	switch k {
	case domain.EventStartup:
		return "🚀"
	case domain.EventTrade:
		return "💱"
	case domain.EventRisk:
		return "⚠️"
	case domain.EventGate:
		return "🛡"
	case domain.EventShutdown:
		return "🛑"
	}
	return "•"
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// shortWallet deja los primeros 10 y los últimos 6 caracteres.
func shortWallet(w string) string {
	if len(w) <= 16 {
		return w
	}
	return w[:10] + "..." + w[len(w)-6:]
}
