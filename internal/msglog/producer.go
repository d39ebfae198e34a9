// Package msglog wraps the message-log (Kafka) client used by every
// gridflow component: retried, partition-key-aware publish and
// consumer-group consumption with an at-least-once delivery contract.
// It replaces the teacher's bespoke erebos.Transport/erebos.Handler
// wrapper with a direct, generalized use of github.com/IBM/sarama — the
// same wire protocol Stars1233-sarama in the example pack implements.
package msglog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// Receipt describes where a published message landed, returned to HTTP
// callers per spec §4.4 ("200 with {topic, partition, offset}").
type Receipt struct {
	Topic     string
	Partition int32
	Offset    int64
}

// KeyValue is one message's key/value pair for a batch produce call.
type KeyValue struct {
	Key   string
	Value []byte
}

// BatchReceipt pairs a batched message's key with where it landed.
type BatchReceipt struct {
	Key       string
	Partition int32
	Offset    int64
}

// RetryConfig controls the publish backoff: initial 300ms, up to 8
// attempts, exponential, capped at 30s, per spec §4.1.
type RetryConfig struct {
	Initial    time.Duration
	MaxRetries int
	Cap        time.Duration
}

// DefaultRetry is the spec-mandated backoff schedule.
var DefaultRetry = RetryConfig{Initial: 300 * time.Millisecond, MaxRetries: 8, Cap: 30 * time.Second}

// Producer publishes keyed messages with headers to the message log.
type Producer struct {
	sp     sarama.SyncProducer
	retry  RetryConfig
	log    *logrus.Entry
}

// NewProducer connects a synchronous, idempotent-enough producer (keyed
// partitioning, required-acks=all) to brokers.
func NewProducer(brokers []string, clientID string, log *logrus.Entry) (*Producer, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1

	sp, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("msglog: connect producer: %w", err)
	}
	return &Producer{sp: sp, retry: DefaultRetry, log: log}, nil
}

// Publish sends one message, retrying transient failures with
// exponential backoff, at most retry.MaxRetries attempts in all. A permanent failure (e.g.
// message too large, unknown topic after retries) is returned to the
// caller for counter-bump-and-drop handling.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte, headers map[string][]byte) (Receipt, error) {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: v})
	}

	wait := p.retry.Initial
	var lastErr error
	for attempt := 0; attempt < p.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Receipt{}, ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
			if wait > p.retry.Cap {
				wait = p.retry.Cap
			}
		}

		partition, offset, err := p.sp.SendMessage(msg)
		if err == nil {
			return Receipt{Topic: topic, Partition: partition, Offset: offset}, nil
		}
		lastErr = err
		if !isRetriable(err) {
			p.log.WithError(err).WithField("topic", topic).Error("permanent publish failure, dropping message")
			return Receipt{}, fmt.Errorf("msglog: permanent publish failure: %w", err)
		}
		p.log.WithError(err).WithFields(logrus.Fields{"topic": topic, "attempt": attempt}).Warn("transient publish failure, retrying")
	}
	return Receipt{}, fmt.Errorf("msglog: publish retries exhausted: %w", lastErr)
}

// PublishBatch publishes items to topic in a single produce call via
// sarama's multi-message send path, retrying the whole batch on
// transient failure. Used by the gateway's batch ingestion endpoint so
// N readings cost one produce round-trip instead of N.
func (p *Producer) PublishBatch(ctx context.Context, topic string, items []KeyValue) ([]BatchReceipt, error) {
	if len(items) == 0 {
		return nil, nil
	}
	msgs := make([]*sarama.ProducerMessage, len(items))
	for i, item := range items {
		msgs[i] = &sarama.ProducerMessage{
			Topic: topic,
			Key:   sarama.StringEncoder(item.Key),
			Value: sarama.ByteEncoder(item.Value),
		}
	}

	wait := p.retry.Initial
	var lastErr error
	for attempt := 0; attempt < p.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
			if wait > p.retry.Cap {
				wait = p.retry.Cap
			}
		}

		err := p.sp.SendMessages(msgs)
		if err == nil {
			receipts := make([]BatchReceipt, len(items))
			for i, msg := range msgs {
				receipts[i] = BatchReceipt{Key: items[i].Key, Partition: msg.Partition, Offset: msg.Offset}
			}
			return receipts, nil
		}
		lastErr = err
		if !isBatchRetriable(err) {
			p.log.WithError(err).WithFields(logrus.Fields{"topic": topic, "count": len(items)}).Error("permanent batch publish failure, dropping batch")
			return nil, fmt.Errorf("msglog: permanent batch publish failure: %w", err)
		}
		p.log.WithError(err).WithFields(logrus.Fields{"topic": topic, "attempt": attempt, "count": len(items)}).Warn("transient batch publish failure, retrying")
	}
	return nil, fmt.Errorf("msglog: batch publish retries exhausted: %w", lastErr)
}

func isBatchRetriable(err error) bool {
	var perrs sarama.ProducerErrors
	if errors.As(err, &perrs) {
		for _, pe := range perrs {
			if !isRetriable(pe.Err) {
				return false
			}
		}
		return true
	}
	return isRetriable(err)
}

func isRetriable(err error) bool {
	var kerr sarama.KError
	if errors.As(err, &kerr) {
		switch kerr {
		case sarama.ErrMessageSizeTooLarge, sarama.ErrInvalidMessage, sarama.ErrTopicAuthorizationFailed:
			return false
		}
	}
	return true
}

// Close releases the underlying producer connection.
func (p *Producer) Close() error {
	return p.sp.Close()
}
