// Package events publishes platform events to a message broker so
// downstream consumers (reporting, email, billing reconciliation) can react
// without coupling to the generation path.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"teachforge/pkg/domain"
	"teachforge/pkg/subscription"
)

const (
	defaultExchange = "teachforge.events"

	routingUsageRecorded       = "usage.recorded"
	routingSubscriptionChanged = "subscription.changed"
)

// Publisher sends events to a topic exchange. All publishes are best
// effort; callers log failures and move on.
type Publisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewPublisher dials the broker and declares the topic exchange.
func NewPublisher(url, exchange string) (*Publisher, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = defaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &Publisher{conn: conn, channel: channel, exchange: exchange}, nil
}

// UsageRecordedEvent mirrors one ledger append.
type UsageRecordedEvent struct {
	EntryID   string          `json:"entryId"`
	UserID    string          `json:"userId"`
	Category  domain.Category `json:"category"`
	Tier      domain.Tier     `json:"tier"`
	CreatedAt time.Time       `json:"createdAt"`
}

// SubscriptionChangedEvent mirrors one applied billing transition.
type SubscriptionChangedEvent struct {
	UserID             string                    `json:"userId"`
	Tier               domain.Tier               `json:"tier"`
	SubscriptionStatus domain.SubscriptionStatus `json:"subscriptionStatus"`
	SubscriptionID     string                    `json:"subscriptionId,omitempty"`
	ProviderStatus     string                    `json:"providerStatus"`
}

// PublishUsageRecorded implements generate.UsagePublisher.
func (p *Publisher) PublishUsageRecorded(ctx context.Context, entry domain.UsageLogEntry) error {
	return p.publish(ctx, routingUsageRecorded, UsageRecordedEvent{
		EntryID:   entry.ID,
		UserID:    entry.UserID,
		Category:  entry.Category,
		Tier:      entry.Tier,
		CreatedAt: entry.CreatedAt,
	})
}

// PublishSubscriptionChanged implements subscription.ChangePublisher.
func (p *Publisher) PublishSubscriptionChanged(ctx context.Context, profile domain.ProfileState, ev subscription.Event) error {
	return p.publish(ctx, routingSubscriptionChanged, SubscriptionChangedEvent{
		UserID:             profile.UserID,
		Tier:               profile.Tier,
		SubscriptionStatus: profile.SubscriptionStatus,
		SubscriptionID:     profile.ExternalSubscriptionID,
		ProviderStatus:     ev.Status,
	})
}

func (p *Publisher) publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel == nil {
		return errors.New("publisher closed")
	}
	err = p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

// Close releases the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.channel != nil {
		errs = append(errs, p.channel.Close())
		p.channel = nil
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
		p.conn = nil
	}
	return errors.Join(errs...)
}
