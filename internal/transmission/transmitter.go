package transmission

import (
	"context"

	"github.com/jkaberg/dock-station/internal/domain"
)

// Transmitter defines the interface for shipping station snapshots to a
// remote monitor
type Transmitter interface {
	Transmit(ctx context.Context, snap *domain.Snapshot) error
	IsConnected() bool
}
