package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/portfolio-rag/backend/internal/storage/models"
	"github.com/portfolio-rag/backend/internal/storage/sqlite"
)

type AnalyticsWriter interface {
	InsertAnalytics(ctx context.Context, a *models.ChatAnalytics) error
}

// Consumer drains the analytics queue into a writer with a fixed number of
// workers. Malformed messages are dead-lettered; failed writes are requeued
// once and dead-lettered on the second failure.
type Consumer struct {
	conn         *amqp.Connection
	ch           *amqp.Channel
	queue        string
	concurrency  int
	writeTimeout time.Duration
	logger       *zap.Logger
}

func NewConsumer(url, queue string, concurrency int, writeTimeout time.Duration, logger *zap.Logger) (*Consumer, error) {
	if concurrency <= 0 {
		concurrency = 2
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbit dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbit channel: %w", err)
	}
	if err := DeclareQueues(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("qos: %w", err)
	}

	return &Consumer{
		conn:         conn,
		ch:           ch,
		queue:        queue,
		concurrency:  concurrency,
		writeTimeout: writeTimeout,
		logger:       logger,
	}, nil
}

func (c *Consumer) Close() error {
	_ = c.ch.Close()
	return c.conn.Close()
}

// Run consumes until ctx is cancelled or the broker closes the channel.
// In-flight deliveries finish before it returns.
func (c *Consumer) Run(ctx context.Context, writer AnalyticsWriter) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	c.logger.Info("Analytics consumer started",
		zap.String("queue", c.queue),
		zap.Int("concurrency", c.concurrency),
	)

	jobs := make(chan amqp.Delivery, c.concurrency*2)

	var wg sync.WaitGroup
	wg.Add(c.concurrency)
	for i := 0; i < c.concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				c.Handle(writer, d, workerID)
			}
		}(i)
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Analytics consumer shutting down")
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			jobs <- d
		}
	}
}

// Handle writes one delivery and settles it. A record that already exists
// counts as written, since the broker may redeliver after a lost ack.
func (c *Consumer) Handle(writer AnalyticsWriter, d amqp.Delivery, workerID int) {
	record, err := DecodeAnalytics(d.Body)
	if err != nil {
		c.logger.Warn("Dead-lettering malformed analytics message",
			zap.Int("worker", workerID),
			zap.String("message_id", d.MessageId),
			zap.Error(err),
		)
		_ = d.Nack(false, false)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()

	err = writer.InsertAnalytics(ctx, record)
	if err != nil && !errors.Is(err, sqlite.ErrDuplicateKey) {
		requeue := !d.Redelivered
		c.logger.Error("Failed to write analytics record",
			zap.Int("worker", workerID),
			zap.String("id", record.ID),
			zap.Bool("requeue", requeue),
			zap.Error(err),
		)
		_ = d.Nack(false, requeue)
		return
	}

	if err := d.Ack(false); err != nil {
		c.logger.Warn("Ack failed", zap.Int("worker", workerID), zap.String("id", record.ID), zap.Error(err))
	}
}
