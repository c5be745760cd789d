package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// PriceSubject is the JetStream subject prices arrive on, one token per
// symbol: margin.prices.{symbol}.
const PriceSubject = "margin.prices.>"

// PriceStream is the JetStream stream backing PriceSubject.
const PriceStream = "MARGIN_PRICES"

// PriceUpdate is the wire format published by the external price service.
type PriceUpdate struct {
	Symbol      string `json:"symbol"`
	Price       uint64 `json:"price"`
	Confidence  uint64 `json:"confidence"`
	Sequence    int64  `json:"sequence"`
	TimestampUS int64  `json:"timestamp_us"`
}

type cachedQuote struct {
	quote    Quote
	sequence int64
}

// NATS is the primary price feed: a consumer goroutine keeps a per-symbol
// cache current from JetStream, and Quote answers from that cache without
// blocking.
type NATS struct {
	js       jetstream.JetStream
	log      zerolog.Logger
	consumer jetstream.ConsumeContext

	mu     sync.RWMutex
	quotes map[string]cachedQuote
}

func NewNATS(js jetstream.JetStream, log zerolog.Logger) *NATS {
	return &NATS{
		js:     js,
		log:    log,
		quotes: make(map[string]cachedQuote),
	}
}

// EnsureStream creates the price stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      PriceStream,
		Subjects:  []string{PriceSubject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    time.Hour,
		Replicas:  1,
	})
	return err
}

// Subscribe starts the consumer that feeds the cache. Out-of-order updates
// (sequence at or below the cached one) are silently dropped; price gaps are
// tolerated, unlike fill gaps.
func (n *NATS) Subscribe(ctx context.Context, consumerName string) error {
	consumer, err := n.js.CreateOrUpdateConsumer(ctx, PriceStream, jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: PriceSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create price consumer: %w", err)
	}

	consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
		var update PriceUpdate
		if err := json.Unmarshal(msg.Data(), &update); err != nil {
			n.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("malformed price update")
			msg.Ack()
			return
		}

		n.apply(update)
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume prices: %w", err)
	}

	n.consumer = consumerContext
	n.log.Info().Str("subject", PriceSubject).Str("consumer", consumerName).Msg("subscribed to price stream")
	return nil
}

func (n *NATS) apply(update PriceUpdate) {
	n.mu.Lock()
	defer n.mu.Unlock()

	current, ok := n.quotes[update.Symbol]
	if ok && update.Sequence <= current.sequence {
		return
	}

	n.quotes[update.Symbol] = cachedQuote{
		quote: Quote{
			Price:      update.Price,
			Confidence: update.Confidence,
			Time:       time.UnixMicro(update.TimestampUS),
		},
		sequence: update.Sequence,
	}
}

// Stop drains the consumer.
func (n *NATS) Stop() {
	if n.consumer != nil {
		n.consumer.Stop()
	}
}

func (n *NATS) Quote(symbol string, maxAge time.Duration) (Quote, error) {
	n.mu.RLock()
	cached, ok := n.quotes[symbol]
	n.mu.RUnlock()

	if !ok {
		return Quote{}, fmt.Errorf("%w: no feed for %s", ErrInvalidPrice, symbol)
	}
	if maxAge > 0 && time.Since(cached.quote.Time) > maxAge {
		return Quote{}, fmt.Errorf("%w: %s last updated %s ago", ErrStalePrice, symbol, time.Since(cached.quote.Time).Round(time.Millisecond))
	}
	return cached.quote, nil
}
