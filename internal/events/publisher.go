package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Envelope is the wire form of every published event.
type Envelope struct {
	EventID   uuid.UUID       `json:"eventId"`
	EventType string          `json:"eventType"`
	MatchID   int64           `json:"matchId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Publisher ships match lifecycle events to the notification layer.
type Publisher interface {
	Publish(ctx context.Context, eventType string, matchID int64, payload any) error
}

// NewEnvelope marshals a payload into its wire envelope.
func NewEnvelope(eventType string, matchID int64, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:   uuid.New(),
		EventType: eventType,
		MatchID:   matchID,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// LogPublisher writes events to the log only. Used in development and tests,
// and as the fallback when NATS is not configured.
type LogPublisher struct{}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{}
}

func (p *LogPublisher) Publish(ctx context.Context, eventType string, matchID int64, payload any) error {
	env, err := NewEnvelope(eventType, matchID, payload)
	if err != nil {
		return err
	}
	log.Info().
		Str("event_id", env.EventID.String()).
		Str("event_type", env.EventType).
		Int64("match_id", env.MatchID).
		RawJSON("payload", env.Payload).
		Msg("publishing event")
	return nil
}
