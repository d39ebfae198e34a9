package msglog

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// Message is the envelope handed to a HandlerFunc: the decoded payload
// plus enough coordinates to commit it. It stands in for the teacher's
// erebos.Transport, generalized from that library's host-inventory
// format to a plain byte payload any component can unmarshal itself.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       string
	Value     []byte
	Timestamp time.Time
}

// HandlerFunc processes one Message. Returning an error does not crash
// the consumer: the caller logs it and the message is still marked
// (at-least-once, idempotent-sink semantics); every delivered message is
// marked whatever the handler returns.
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer wraps a sarama consumer group: named group, session timeout
// 30s, heartbeat 3s, auto-commit every 5s, per spec §4.1.
type Consumer struct {
	group  sarama.ConsumerGroup
	topics []string
	log    *logrus.Entry
}

// NewConsumer joins consumerGroup on brokers, subscribed to topics.
func NewConsumer(brokers []string, clientID, consumerGroup string, topics []string, log *logrus.Entry) (*Consumer, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Offsets.AutoCommit.Enable = true
	cfg.Consumer.Offsets.AutoCommit.Interval = 5 * time.Second
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, consumerGroup, cfg)
	if err != nil {
		return nil, fmt.Errorf("msglog: join consumer group %s: %w", consumerGroup, err)
	}
	return &Consumer{group: group, topics: topics, log: log}, nil
}

// Run consumes until ctx is cancelled. On a consumer crash the library
// reconnects and resubscribes automatically via the outer for-loop, the
// same resilience the teacher relies on from wvanbergen/consumergroup's
// auto-rejoin, here driven by sarama.ConsumerGroup.Consume's own
// rebalance handling.
func (c *Consumer) Run(ctx context.Context, handle HandlerFunc) error {
	h := &groupHandler{handle: handle, log: c.log}

	go func() {
		for err := range c.group.Errors() {
			c.log.WithError(err).Warn("consumer group error")
		}
	}()

	for {
		if err := c.group.Consume(ctx, c.topics, h); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.WithError(err).Error("consume session ended, rejoining")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close leaves the consumer group.
func (c *Consumer) Close() error {
	return c.group.Close()
}

type groupHandler struct {
	handle HandlerFunc
	log    *logrus.Entry
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			m := Message{
				Topic:     msg.Topic,
				Partition: msg.Partition,
				Offset:    msg.Offset,
				Key:       string(msg.Key),
				Value:     msg.Value,
				Timestamp: msg.Timestamp,
			}
			if err := h.handle(sess.Context(), m); err != nil {
				h.log.WithError(err).WithFields(logrus.Fields{
					"topic": m.Topic, "partition": m.Partition, "offset": m.Offset,
				}).Error("handler error, message still marked (at-least-once)")
			}
			sess.MarkMessage(msg, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}
