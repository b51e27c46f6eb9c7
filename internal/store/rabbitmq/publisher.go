package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/portfolio-rag/backend/internal/storage/models"
)

// Publisher ships analytics records to a durable queue instead of writing
// them to the local datastore. The analytics worker drains the queue.
type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string

	mu sync.Mutex
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := DeclareQueues(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

// DeclareQueues declares the analytics queue and its dead-letter queue. The
// publisher and the worker both call it so either may start first.
func DeclareQueues(ch *amqp.Channel, queue string) error {
	dlq := queue + ".dlq"

	if _, err := ch.QueueDeclare(
		dlq,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		return fmt.Errorf("declare %s: %w", dlq, err)
	}

	if _, err := ch.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlq,
		},
	); err != nil {
		return fmt.Errorf("declare %s: %w", queue, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// InsertAnalytics publishes one record.
func (p *Publisher) InsertAnalytics(ctx context.Context, a *models.ChatAnalytics) error {
	msg, err := EncodeAnalytics(a)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(cctx,
		"",      // default exchange
		p.queue, // routing key = queue
		false,
		false,
		msg,
	)
}

func EncodeAnalytics(a *models.ChatAnalytics) (amqp.Publishing, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	body, err := json.Marshal(a)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal analytics: %w", err)
	}

	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    a.ID,
		Body:         body,
		Timestamp:    a.CreatedAt,
	}, nil
}

func DecodeAnalytics(body []byte) (*models.ChatAnalytics, error) {
	var a models.ChatAnalytics
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal analytics: %w", err)
	}
	if a.ID == "" || a.Query == "" {
		return nil, fmt.Errorf("analytics message missing id or query")
	}
	return &a, nil
}
