package conversation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/portfolio-rag/backend/internal/errors"
	"github.com/portfolio-rag/backend/internal/metrics"
	"github.com/portfolio-rag/backend/internal/storage/models"
)

// AnalyticsSink persists one analytics record. Implemented by the sqlite
// client and the rabbitmq publisher.
type AnalyticsSink interface {
	InsertAnalytics(ctx context.Context, a *models.ChatAnalytics) error
}

type AnalyticsEntry struct {
	Query     string
	Response  string
	SessionID string
	UserID    *string
	Results   []models.SearchResult
	Metadata  map[string]any
}

type RecorderConfig struct {
	QueueSize    int
	Workers      int
	WriteTimeout time.Duration
}

// Recorder writes analytics off the request path. Records are queued and
// written by a fixed set of workers, each write bounded by WriteTimeout and
// detached from the request context. A full queue drops the record.
type Recorder struct {
	sink    AnalyticsSink
	queue   chan *models.ChatAnalytics
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewRecorder(sink AnalyticsSink, cfg RecorderConfig, logger *zap.Logger) *Recorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Recorder{
		sink:    sink,
		queue:   make(chan *models.ChatAnalytics, cfg.QueueSize),
		timeout: cfg.WriteTimeout,
		logger:  logger,
	}
	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Record never blocks and never fails the caller. It is a no-op when
// conversations are not persisted.
func (r *Recorder) Record(cfg models.ChatSystemConfig, entry AnalyticsEntry) {
	if !cfg.PersistConversations {
		return
	}

	record := &models.ChatAnalytics{
		Query:         entry.Query,
		Response:      entry.Response,
		SessionID:     entry.SessionID,
		UserID:        entry.UserID,
		SearchResults: append([]models.SearchResult(nil), entry.Results...),
		CreatedAt:     time.Now().UTC(),
	}
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			r.drop(record, "encode", err)
			return
		}
		record.Metadata = raw
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(record, "closed", nil)
		return
	}
	select {
	case r.queue <- record:
	default:
		r.drop(record, "queue_full", nil)
	}
}

// Close stops accepting records and waits for queued writes until ctx ends.
// Records still queued at that point are lost.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("Analytics recorder drained")
		return nil
	case <-ctx.Done():
		r.logger.Warn("Analytics recorder shutdown timed out",
			zap.Int("pending", len(r.queue)),
		)
		return ctx.Err()
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for record := range r.queue {
		r.write(record)
	}
}

func (r *Recorder) write(record *models.ChatAnalytics) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.sink.InsertAnalytics(ctx, record); err != nil {
		metrics.AnalyticsWrites.WithLabelValues("failed").Inc()
		r.logger.Warn("Analytics record dropped",
			zap.String("session_id", record.SessionID),
			zap.Error(apperrors.AnalyticsWriteFailed(err)),
		)
		return
	}
	metrics.AnalyticsWrites.WithLabelValues("ok").Inc()
}

func (r *Recorder) drop(record *models.ChatAnalytics, reason string, err error) {
	metrics.AnalyticsWrites.WithLabelValues("dropped").Inc()
	fields := []zap.Field{
		zap.String("session_id", record.SessionID),
		zap.String("reason", reason),
	}
	if err != nil {
		fields = append(fields, zap.Error(apperrors.AnalyticsWriteFailed(err)))
	}
	r.logger.Warn("Analytics record dropped", fields...)
}
