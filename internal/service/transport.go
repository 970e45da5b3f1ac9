package service

import (
	"context"
	"fmt"

	"github.com/noah-isme/gema-realtime/internal/realtime"
)

// Transport writes frames to connections. *realtime.Hub satisfies it.
type Transport interface {
	// Send only reaches connections attached to this node.
	Send(connectionID string, frame realtime.Frame) error
	// Emit reaches the connection wherever it is attached.
	Emit(ctx context.Context, connectionID string, frame realtime.Frame) error
	EmitMany(ctx context.Context, connectionIDs []string, frame realtime.Frame) error
	Disconnect(ctx context.Context, connectionID string) error
}

func emitEvent(ctx context.Context, transport Transport, connectionID, event string, data interface{}) error {
	frame, err := realtime.NewFrame(event, data)
	if err != nil {
		return err
	}
	if err := transport.Emit(ctx, connectionID, frame); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

func broadcastEvent(ctx context.Context, transport Transport, connectionIDs []string, event string, data interface{}) error {
	if len(connectionIDs) == 0 {
		return nil
	}
	frame, err := realtime.NewFrame(event, data)
	if err != nil {
		return err
	}
	if err := transport.EmitMany(ctx, connectionIDs, frame); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

func without(connectionIDs []string, excluded string) []string {
	out := make([]string, 0, len(connectionIDs))
	for _, id := range connectionIDs {
		if id != excluded {
			out = append(out, id)
		}
	}
	return out
}
