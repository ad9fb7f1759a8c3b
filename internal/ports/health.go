package ports

import "time"

// StatusSink recibe el resultado de cada iteración del loop (health server).
type StatusSink interface {
	Update(now time.Time, positions, trades int, err error)
}
