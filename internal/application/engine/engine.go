package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MarketSelector es la interfaz mínima que los runners necesitan del scanner.
// Desacopla el runner de market making de *scanner.Scanner concreto.
type MarketSelector interface {
	Select(ctx context.Context) ([]string, error)
}

// NewRunID genera un id de run único: {prefix}-{20060102T150405}-{hex6}.
func NewRunID(prefix string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("%s-%s-%s", prefix, now.UTC().Format("20060102T150405"), suffix)
}
