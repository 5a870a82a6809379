// Package bus implements the optional Cross-Instance Bus (spec.md §4.6):
// a Redis-backed directory mapping peer code to hosting instance, and a
// pub/sub channel used purely for fan-out when a forwarding target is not
// local. Grounded on the donor's distributed event bus and shared peer
// registry, trimmed to the directory+channel shape spec.md actually needs
// (no stream sets, no distributed locks: pairing state is not replicated).
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"rillnet/internal/relay"
	"rillnet/pkg/circuitbreaker"
	"rillnet/pkg/config"
	"rillnet/pkg/logger"
	"rillnet/pkg/retry"

	"github.com/redis/go-redis/v9"
)

// directoryTTL bounds how long a stale directory entry survives an
// instance crash that skipped Forget.
const directoryTTL = 5 * time.Minute

// Bus wires a Redis client to the signals channel and the peers directory.
type Bus struct {
	client *redis.Client
	cfg    *config.Config
	log    *logger.ContextLogger
	cb     *circuitbreaker.CircuitBreaker
	retry  retry.Config

	signalsChannel string
	peersKey       string

	deliver func(to relay.PeerCode, env relay.RelayedEnvelope) bool
	metricsIncError func()
	metricsSignal   func(kind string)
}

// New constructs a Bus from configuration. deliver resolves a locally
// hosted peer code to its supervisor and attempts delivery, returning
// whether the peer was found locally; it is supplied by the caller to
// avoid an import cycle with the registry/connection packages.
func New(cfg *config.Config, log *logger.ContextLogger, deliver func(to relay.PeerCode, env relay.RelayedEnvelope) bool, onError func(), onSignal func(kind string)) (*Bus, error) {
	opts, err := redis.ParseURL(cfg.CrossInstance.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid cross_instance.url: %w", err)
	}

	client := redis.NewClient(opts)

	cb := circuitbreaker.New(circuitbreaker.DefaultConfig())

	b := &Bus{
		client:          client,
		cfg:             cfg,
		log:             log,
		cb:              cb,
		retry:           retry.DefaultConfig(),
		signalsChannel:  cfg.CrossInstance.Prefix + "signals",
		peersKey:        cfg.CrossInstance.Prefix + "peers",
		deliver:         deliver,
		metricsIncError: onError,
		metricsSignal:   onSignal,
	}
	return b, nil
}

// Publish sends a signal destined for a peer not hosted locally, wrapped
// in a circuit breaker + bounded retry so a flaky broker degrades to
// dropped signals rather than blocking the forwarding supervisor (spec.md
// §4.6: delivery is at-most-once, best-effort).
func (b *Bus) Publish(msg relay.CrossInstanceMessage) error {
	msg.OriginInstance = b.cfg.CrossInstance.NodeID
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return b.cb.Execute(ctx, func() error {
		return retry.Retry(ctx, b.retry, func() error {
			return b.client.Publish(ctx, b.signalsChannel, data).Err()
		})
	})
}

// Announce records {code -> this instance} in the shared directory on
// connection registration (spec.md §4.6).
func (b *Bus) Announce(code relay.PeerCode) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := b.client.HSet(ctx, b.peersKey, string(code), b.cfg.CrossInstance.NodeID).Err(); err != nil {
		return err
	}
	return b.client.Expire(ctx, b.peersKey, directoryTTL).Err()
}

// Forget removes the directory entry on connection close.
func (b *Bus) Forget(code relay.PeerCode) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return b.client.HDel(ctx, b.peersKey, string(code)).Err()
}

// Run subscribes to the signals channel and delivers remote signals to
// locally hosted peers until ctx is cancelled. No further pairing gating
// is applied on receipt: the origin instance already enforced it (spec.md
// §4.6 rationale).
func (b *Bus) Run(ctx context.Context) {
	pubsub := b.client.Subscribe(ctx, b.signalsChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			b.handleMessage(raw.Payload)
		}
	}
}

func (b *Bus) handleMessage(payload string) {
	var msg relay.CrossInstanceMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		b.metricsIncError()
		return
	}

	// Run subscribes to the same channel Publish writes to, so every message
	// this instance publishes is also received here; skip those (the target
	// was already a local-registry miss when it was published).
	if msg.OriginInstance == b.cfg.CrossInstance.NodeID {
		return
	}

	env := relay.RelayedEnvelope{From: msg.From, Type: "signal", Payload: msg.Payload}
	if b.deliver(msg.To, env) {
		b.metricsSignal(string(msg.Payload.Type))
	}
	// Peer not hosted here either: drop. The directory written by
	// Announce/Forget is not read by this package: Publish broadcasts to
	// every instance, and each one delivers only to peers it hosts.
}

// Close releases the underlying Redis client.
func (b *Bus) Close() error {
	return b.client.Close()
}
