/*
Package events carries wallet events in and out of the engine.

OUTBOUND:
  Publisher receives a notification after every committed ledger write and
  every settled reward. Publishing is best effort: the ledger is the system
  of record and a lost event never rolls back a transaction.

INBOUND:
  ActivityConsumer reads "activity completed" messages from Kafka and hands
  them to the referral engine. Delivery is at-least-once; the engine is
  idempotent per referral, and the reconciliation job repairs anything a
  lost message left behind.
*/
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// WalletEventsChannel is the Redis pub/sub channel for ledger events.
	WalletEventsChannel = "wallet_events"

	TypeCreditAdded   = "credit.added"
	TypeDebitApplied  = "debit.applied"
	TypeReferralDone  = "referral.completed"
	TypeRewardSettled = "reward.settled"
	TypeRewardFailed  = "reward.failed"
)

// Event is the JSON envelope published for every wallet change.
type Event struct {
	Type          string            `json:"event_type"`
	UserID        string            `json:"user_id"`
	TransactionID string            `json:"transaction_id,omitempty"`
	ReferralID    string            `json:"referral_id,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Amount        string            `json:"amount,omitempty"` // decimal string
	Currency      string            `json:"currency,omitempty"`
	BalanceAfter  string            `json:"balance_after,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Publisher delivers events to interested services.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// =============================================================================
// REDIS PUBLISHER
// =============================================================================

type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: WalletEventsChannel}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}
