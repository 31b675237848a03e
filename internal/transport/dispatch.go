package transport

import (
	"context"
	"fmt"

	"github.com/roach88/takedown/internal/outbox"
	"github.com/roach88/takedown/internal/store"
)

// Dispatcher routes operations to a sender by kind, falling back to
// Default.
type Dispatcher struct {
	Default outbox.Sender
	ByKind  map[string]outbox.Sender
}

// Send implements outbox.Sender.
func (d *Dispatcher) Send(ctx context.Context, op store.Operation) (outbox.Receipt, error) {
	if s, ok := d.ByKind[op.Kind]; ok {
		return s.Send(ctx, op)
	}
	if d.Default == nil {
		return outbox.Receipt{}, &DeliveryError{OpID: op.ID, Err: fmt.Errorf("no sender for kind %q", op.Kind)}
	}
	return d.Default.Send(ctx, op)
}
