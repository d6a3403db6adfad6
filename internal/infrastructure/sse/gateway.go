package sse

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mediation-hub/mediation-hub/internal/domain/notification"
)

// DisputeGroup is the SSE group watching every event of one dispute.
func DisputeGroup(disputeID string) string {
	return "dispute:" + disputeID
}

// Gateway pushes outbox events to connected recipients. A recipient with no
// open stream is not an error.
type Gateway struct {
	hub notification.SSEHub
}

func NewGateway(hub notification.SSEHub) *Gateway {
	return &Gateway{hub: hub}
}

func (g *Gateway) Name() string { return "sse" }

func (g *Gateway) Notify(ctx context.Context, ev *notification.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := notification.NewSSEMessage(ev.EventID.String(), string(ev.Kind), data)
	for _, r := range ev.Recipients {
		g.hub.BroadcastToUser(r, msg)
	}
	g.hub.BroadcastToGroup(DisputeGroup(ev.DisputeID.String()), msg)
	return nil
}
