// Package queue starts runs from messages popped off a Redis list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type Provider int

const (
	RedisProvider Provider = iota
)

var providerName = map[Provider]string{
	RedisProvider: "redis",
}

func getProviderByName(name string) (Provider, error) {
	for p, n := range providerName {
		if n == name {
			return p, nil
		}
	}

	return 0, fmt.Errorf("unsupported queue provider: %s", name)
}

// Message is the wire format of one queue entry. FlowID selects the flow to
// run; TriggerData becomes the input of the run's entry nodes.
type Message struct {
	FlowID      string         `json:"flow_id"`
	EntityID    string         `json:"entity_id,omitempty"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
}

// Callback receives each decoded message. Errors are logged and the message
// is dropped; the queue has no redelivery.
type Callback func(ctx context.Context, msg Message) error

// Trigger consumes a Redis list with BLPOP and starts one run per message.
type Trigger struct {
	Provider   Provider
	Connection map[string]string
	Queue      string
	Enabled    bool

	client   redis.UniversalClient
	callback Callback
	logger   *slog.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewTrigger(ctx context.Context, config map[string]any, logger *slog.Logger) (*Trigger, error) {
	provider, _ := config["provider"].(string)
	if provider == "" {
		provider = providerName[RedisProvider]
	}

	queue, _ := config["queue"].(string)

	connectionConfig, _ := config["connection"].(map[string]any)

	connection := make(map[string]string)
	for k, v := range connectionConfig {
		if str, ok := v.(string); ok {
			connection[k] = str
		}
	}

	providerEnum, err := getProviderByName(provider)
	if err != nil {
		return nil, err
	}

	trigger := &Trigger{
		Provider:   providerEnum,
		Connection: connection,
		Queue:      queue,
		Enabled:    true,
		stopCh:     make(chan struct{}),
		logger: logger.With(
			"module", "queue_trigger",
			"provider", provider,
			"queue", queue,
		),
	}

	err = trigger.Validate(ctx)
	if err != nil {
		return nil, err
	}

	return trigger, nil
}

func (t *Trigger) Validate(_ context.Context) error {
	if t.Queue == "" {
		return errors.New("queue trigger queue name is required")
	}

	return nil
}

func (t *Trigger) Start(ctx context.Context, callback Callback) error {
	if !t.Enabled {
		t.logger.InfoContext(ctx, "QueueTrigger is disabled.")

		return nil
	}

	t.logger.InfoContext(ctx, "Starting QueueTrigger")
	t.callback = callback

	err := t.initializeClient(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize queue client: %w", err)
	}

	t.wg.Add(1)

	go t.consume(ctx)

	return nil
}

func (t *Trigger) initializeClient(ctx context.Context) error {
	addr := t.Connection["addr"]
	if addr == "" {
		addr = "localhost:6379"
	}

	password := t.Connection["password"]
	db := 0

	if dbStr := t.Connection["db"]; dbStr != "" {
		var err error
		if db, err = t.parseDB(dbStr); err != nil {
			return fmt.Errorf("invalid db value: %w", err)
		}
	}

	t.client = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := t.client.Ping(ctx).Err()
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	t.logger.InfoContext(ctx, "Connected to Redis", "addr", addr, "db", db)

	return nil
}

func (t *Trigger) parseDB(dbStr string) (int, error) {
	var db int

	_, err := fmt.Sscanf(dbStr, "%d", &db)

	return db, err
}

func (t *Trigger) consume(ctx context.Context) {
	defer t.wg.Done()

	t.logger.InfoContext(ctx, "Starting queue consumer", "queue", t.Queue)

	for {
		select {
		case <-t.stopCh:
			t.logger.InfoContext(ctx, "Queue consumer stopped")

			return
		case <-ctx.Done():
			t.logger.InfoContext(ctx, "Context cancelled, stopping queue consumer")

			return
		default:
			err := t.processMessage(ctx)
			if err != nil {
				t.logger.ErrorContext(ctx, "Error processing message", "error", err)
				time.Sleep(1 * time.Second)
			}
		}
	}
}

func (t *Trigger) processMessage(ctx context.Context) error {
	result, err := t.client.BLPop(ctx, 1*time.Second, t.Queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}

		return fmt.Errorf("failed to pop message from queue: %w", err)
	}

	if len(result) < 2 {
		return nil
	}

	raw := result[1]

	msg, err := DecodeMessage([]byte(raw))
	if err != nil {
		// Malformed messages are dropped, not requeued: requeueing would
		// make the consumer spin on the same bad payload forever.
		t.logger.ErrorContext(ctx, "Dropping malformed queue message", "error", err, "message", raw)

		return nil
	}

	t.logger.InfoContext(ctx, "Received queue message", "flow_id", msg.FlowID, "entity_id", msg.EntityID)

	go func() {
		err := t.callback(ctx, msg)
		if err != nil {
			t.logger.ErrorContext(ctx, "Error starting run for queue message", "flow_id", msg.FlowID, "error", err)
		}
	}()

	return nil
}

// DecodeMessage parses and validates one queue payload.
func DecodeMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("invalid queue message: %w", err)
	}

	if msg.FlowID == "" {
		return Message{}, errors.New("queue message is missing flow_id")
	}

	return msg, nil
}

func (t *Trigger) Stop(ctx context.Context) error {
	t.logger.InfoContext(ctx, "Stopping QueueTrigger")

	close(t.stopCh)
	t.wg.Wait()

	if t.client != nil {
		err := t.client.Close()
		if err != nil {
			t.logger.ErrorContext(ctx, "Error closing Redis client", "error", err)
		}
	}

	return nil
}
