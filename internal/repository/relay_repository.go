package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/bggone/internal/logging"
)

// OutcomeOK marks a relay request that returned an image.
const OutcomeOK = "ok"

// RelayLog is the audit row written for every relay request. Image
// content is never stored. RequestID may come from the caller, so it is
// not unique.
type RelayLog struct {
	ID          uint      `gorm:"primaryKey"`
	RequestID   string    `gorm:"column:request_id;index;size:64"`
	ClientIP    string    `gorm:"column:client_ip;size:64"`
	MediaType   string    `gorm:"column:media_type;size:32"`
	InputBytes  int64     `gorm:"column:input_bytes"`
	OutputBytes int64     `gorm:"column:output_bytes"`
	Outcome     string    `gorm:"column:outcome;size:32;index"`
	LatencyMs   int64     `gorm:"column:latency_ms"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (RelayLog) TableName() string {
	return "relay_logs"
}

// MetricsAggregation is the raw summary computed over relay logs.
type MetricsAggregation struct {
	TotalCount       int64
	SuccessCount     int64
	AverageLatencyMs float64
	AverageInputSize float64
}

// RelayRepository provides persistence APIs for relay logs.
type RelayRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Open connects to the audit store. DSNs starting with "file:" or ending
// in ".db" use sqlite, anything else is treated as a postgres DSN.
func Open(dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	if strings.HasPrefix(dsn, "file:") || strings.HasSuffix(dsn, ".db") {
		return gorm.Open(sqlite.Open(dsn), cfg)
	}
	return gorm.Open(postgres.Open(dsn), cfg)
}

// NewRelayRepository creates a new repository instance.
func NewRelayRepository(db *gorm.DB, logger *zap.Logger) *RelayRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RelayRepository{
		db:             db,
		logger:         logger.Named("relay_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *RelayRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&RelayLog{})
}

// SaveLog persists a relay log entry.
func (r *RelayRepository) SaveLog(ctx context.Context, log *RelayLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves the earliest relay log with the request id.
func (r *RelayRepository) FindByRequestID(ctx context.Context, requestID string) (*RelayLog, error) {
	var log RelayLog
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics summarises every stored relay log.
func (r *RelayRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		TotalCount       int64
		SuccessCount     int64
		AverageLatencyMs float64
		AverageInputSize float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&RelayLog{}).
			Select(
				"COUNT(*) AS total_count, "+
					"COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) AS success_count, "+
					"COALESCE(AVG(latency_ms), 0) AS average_latency_ms, "+
					"COALESCE(AVG(input_bytes), 0) AS average_input_size",
				OutcomeOK,
			).
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &MetricsAggregation{
		TotalCount:       row.TotalCount,
		SuccessCount:     row.SuccessCount,
		AverageLatencyMs: row.AverageLatencyMs,
		AverageInputSize: row.AverageInputSize,
	}, nil
}

func (r *RelayRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == attempts-1 {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}
