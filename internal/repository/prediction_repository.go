package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/leftright/internal/logging"
)

// PredictionLog is one persisted classification.
type PredictionLog struct {
	ID            uint      `gorm:"primaryKey"`
	RequestID     string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID        string    `gorm:"column:user_id;index;size:64"`
	Source        string    `gorm:"column:source;size:16"`
	Label         string    `gorm:"column:label;index;size:64"`
	LabelIndex    int       `gorm:"column:label_index"`
	Found         bool      `gorm:"column:found"`
	Probabilities string    `gorm:"column:probabilities;type:text"`
	SHA1Hash      string    `gorm:"column:sha1_hash;index;size:40"`
	Orientation   int       `gorm:"column:orientation"`
	LatencyMs     float64   `gorm:"column:latency_ms"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (PredictionLog) TableName() string {
	return "prediction_logs"
}

// LabelCount is the number of predictions reported under one label.
type LabelCount struct {
	Label string `json:"label"`
	Count int64  `json:"count"`
}

// MetricsAggregation is the raw result of the metrics query.
type MetricsAggregation struct {
	TotalCount       int64
	FoundCount       int64
	AverageLatencyMs float64
	Labels           []LabelCount
}

// PredictionRepository persists prediction logs with gorm.
type PredictionRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewPredictionRepository creates a repository that retries transient
// database errors.
func NewPredictionRepository(db *gorm.DB, logger *zap.Logger) *PredictionRepository {
	return &PredictionRepository{
		db:             db,
		logger:         logger.Named("prediction_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *PredictionRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&PredictionLog{})
}

// SaveLog persists a prediction log entry.
func (r *PredictionRepository) SaveLog(ctx context.Context, log *PredictionLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestIDAndUser retrieves the log for a request owned by userID.
func (r *PredictionRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*PredictionLog, error) {
	var log PredictionLog
	err := r.executeWithRetry(ctx, "repository.find_by_request", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ? AND user_id = ?", requestID, userID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// FindDuplicatesByHash lists the user's other predictions on identical bytes.
func (r *PredictionRepository) FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*PredictionLog, error) {
	var logs []*PredictionLog
	err := r.executeWithRetry(ctx, "repository.find_duplicates", excludeRequestID, func() error {
		return r.db.WithContext(ctx).
			Where("user_id = ? AND sha1_hash = ? AND request_id <> ?", userID, hash, excludeRequestID).
			Order("created_at DESC").
			Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// AggregateMetrics computes totals, average latency and per-label counts.
func (r *PredictionRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var totals struct {
		TotalCount       int64
		FoundCount       int64
		AverageLatencyMs float64
	}
	var labels []LabelCount

	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		if err := r.db.WithContext(ctx).Model(&PredictionLog{}).
			Select("COUNT(*) AS total_count, " +
				"COALESCE(SUM(CASE WHEN found THEN 1 ELSE 0 END), 0) AS found_count, " +
				"COALESCE(AVG(latency_ms), 0) AS average_latency_ms").
			Scan(&totals).Error; err != nil {
			return err
		}
		labels = labels[:0]
		return r.db.WithContext(ctx).Model(&PredictionLog{}).
			Select("label, COUNT(*) AS count").
			Group("label").
			Order("label").
			Scan(&labels).Error
	})
	if err != nil {
		return nil, err
	}

	return &MetricsAggregation{
		TotalCount:       totals.TotalCount,
		FoundCount:       totals.FoundCount,
		AverageLatencyMs: totals.AverageLatencyMs,
		Labels:           labels,
	}, nil
}

func (r *PredictionRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	backoff := r.initialBackoff
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

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

		if errors.Is(err, gorm.ErrRecordNotFound) || !IsTransientError(err) || attempt == attempts-1 {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

// IsTransientError reports whether err is worth retrying: deadlines and
// errors that declare themselves timeouts or temporary.
func IsTransientError(err error) bool {
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
