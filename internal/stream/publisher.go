package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"MarginCore/internal/engine"
)

// EventStream is the JetStream stream carrying settled engine events for
// downstream consumers (risk dashboards, the liquidation keeper).
const EventStream = "MARGIN_EVENTS"

// Publisher publishes settlement records to NATS after the engine has
// committed them. Publishing is best-effort: the engine drops records when
// this side falls behind, and consumers can rebuild from the history table.
type Publisher struct {
	js  jetstream.JetStream
	log zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, log zerolog.Logger) *Publisher {
	return &Publisher{js: js, log: log}
}

// EnsureStream creates the outbound events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      EventStream,
		Subjects:  []string{"margin.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	return err
}

// Run drains the record channel until it closes or the context ends.
func (p *Publisher) Run(ctx context.Context, records <-chan engine.Record) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case rec, ok := <-records:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, rec); err != nil {
				p.log.Warn().Err(err).Str("record", rec.RecordID.String()).Msg("outbound publish failed")
				// Non-fatal: history is the source of truth
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, rec engine.Record) error {
	data, err := json.Marshal(wireRecord{
		RecordID:   rec.RecordID.String(),
		Kind:       rec.Kind.String(),
		Trader:     rec.Trader.String(),
		Liquidator: rec.Liquidator.String(),
		Market:     rec.Market,
		IsLong:     rec.IsLong,
		Size:       rec.Size,
		Price:      rec.Price,
		Payout:     rec.Payout,
		Fee:        rec.Fee,
		TimeUS:     rec.Time.UnixMicro(),
	})
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	// Subject: margin.events.{kind}.{market}
	subject := fmt.Sprintf("margin.events.%s.%s", strings.ToLower(rec.Kind.String()), rec.Market)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

type wireRecord struct {
	RecordID   string `json:"record_id"`
	Kind       string `json:"kind"`
	Trader     string `json:"trader"`
	Liquidator string `json:"liquidator,omitempty"`
	Market     string `json:"market"`
	IsLong     bool   `json:"is_long"`
	Size       uint64 `json:"size"`
	Price      uint64 `json:"price"`
	Payout     uint64 `json:"payout"`
	Fee        uint64 `json:"fee"`
	TimeUS     int64  `json:"time_us"`
}
