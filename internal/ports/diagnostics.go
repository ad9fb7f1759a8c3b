package ports

import (
	"context"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// ExecutionRecorder valida y persiste registros de ejecución.
// En modo live un registro inválido devuelve error; en simulación se descarta.
type ExecutionRecorder interface {
	Record(ctx context.Context, rec domain.ExecutionRecord) error
	FetchRecords(ctx context.Context, runID string) ([]domain.ExecutionRecord, error)
}
