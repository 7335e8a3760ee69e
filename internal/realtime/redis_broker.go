package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const roomChannelPrefix = "room:"

// roomEnvelope is the wire format of a forwarded room broadcast.
type roomEnvelope struct {
	Origin     string          `json:"origin"`
	DocumentID string          `json:"document_id"`
	Payload    json.RawMessage `json:"payload"`
}

type RedisBrokerConfig struct {
	Client     *redis.Client
	Manager    *Manager
	InstanceID string
	Logger     *zap.Logger
}

// RedisBroker fans room broadcasts out across instances over Redis pub/sub.
// Each instance publishes on room:<document_id> and delivers what it receives
// to its own room members, dropping its own echoes.
type RedisBroker struct {
	client     *redis.Client
	manager    *Manager
	instanceID string
	logger     *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisClient parses url and verifies the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func NewRedisBroker(cfg RedisBrokerConfig) (*RedisBroker, error) {
	if cfg.Client == nil || cfg.Manager == nil {
		return nil, errors.New("realtime: redis client and manager are required")
	}
	if cfg.InstanceID == "" {
		return nil, errors.New("realtime: instance id is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroker{
		client:     cfg.Client,
		manager:    cfg.Manager,
		instanceID: cfg.InstanceID,
		logger:     logger,
	}, nil
}

// Start subscribes to every room channel and installs the broker as the
// manager's fanout. It returns once the subscription is confirmed.
func (b *RedisBroker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return nil
	}
	pubsub := b.client.PSubscribe(ctx, roomChannelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe room channels: %w", err)
	}
	b.pubsub = pubsub
	b.done = make(chan struct{})
	go b.consume(pubsub.Channel(), b.done)
	b.manager.SetFanout(b)
	return nil
}

// Publish forwards an encoded room frame to the other instances.
func (b *RedisBroker) Publish(ctx context.Context, documentID string, payload []byte) error {
	message, err := json.Marshal(roomEnvelope{Origin: b.instanceID, DocumentID: documentID, Payload: payload})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, roomChannelPrefix+documentID, message).Err()
}

// Close detaches from the manager and ends the subscription.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	pubsub, done := b.pubsub, b.done
	b.pubsub = nil
	b.mu.Unlock()
	if pubsub == nil {
		return nil
	}
	b.manager.SetFanout(nil)
	err := pubsub.Close()
	<-done
	return err
}

func (b *RedisBroker) consume(messages <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for message := range messages {
		var envelope roomEnvelope
		if err := json.Unmarshal([]byte(message.Payload), &envelope); err != nil {
			b.logger.Warn("invalid room envelope", zap.String("channel", message.Channel), zap.Error(err))
			continue
		}
		if envelope.Origin == b.instanceID {
			continue
		}
		documentID := envelope.DocumentID
		if documentID == "" {
			documentID = strings.TrimPrefix(message.Channel, roomChannelPrefix)
		}
		b.manager.DeliverLocal(documentID, envelope.Payload, "")
	}
}
