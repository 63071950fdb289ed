package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"signflow/eventlog"
)

// Event names pushed to clients.
const (
	EventContractUpdated    = "contract:updated"
	EventSignatureRequested = "signature:requested"
	EventSignatureCompleted = "signature:completed"
	EventContractCompleted  = "contract:completed"
)

// EventEnvelope mirrors one Event Log row for contract:updated frames.
type EventEnvelope struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	ContractID string         `json:"contractId"`
	SignerID   string         `json:"signerId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

func Envelope(ev eventlog.Event) EventEnvelope {
	env := EventEnvelope{
		ID:         ev.ID,
		Type:       string(ev.Type),
		ContractID: ev.ContractID,
		Data:       ev.Data,
		CreatedAt:  ev.CreatedAt,
	}
	if ev.SignerID != nil {
		env.SignerID = *ev.SignerID
	}
	return env
}

// Broadcaster emits room-scoped frames to the connections of a Registry.
type Broadcaster struct {
	registry *Registry
	logger   *zap.Logger
}

func NewBroadcaster(registry *Registry, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{registry: registry, logger: logger}
}

// Emit queues one frame for every connection in the contract's channel and
// returns how many connections accepted it. A connection whose queue is full
// misses the frame; Emit never waits on a slow client.
func (b *Broadcaster) Emit(contractID, event string, payload any) (int, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("realtime: encode %s payload: %w", event, err)
	}
	frame := Frame{Type: event, Payload: raw}
	channel := Channel(contractID)

	delivered := 0
	for _, p := range b.registry.members(channel) {
		if !p.send(frame) {
			b.logger.Debug("realtime: frame dropped",
				zap.String("connection_id", p.id),
				zap.String("channel", channel),
				zap.String("event", event),
			)
			continue
		}
		delivered++
	}
	return delivered, nil
}

// EmitEvent pushes contract:updated with the envelope of ev.
func (b *Broadcaster) EmitEvent(ev eventlog.Event) (int, error) {
	return b.Emit(ev.ContractID, EventContractUpdated, Envelope(ev))
}
