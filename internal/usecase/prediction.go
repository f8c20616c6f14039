// Package usecase orchestrates decoding, classification, caching and
// persistence of predictions.
package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/leftright/internal/classifier"
	"github.com/example/leftright/internal/logging"
	"github.com/example/leftright/internal/photo"
	"github.com/example/leftright/internal/repository"
	"github.com/example/leftright/internal/worker"
)

// Sources a prediction can come from.
const (
	SourceHTTP  = "http"
	SourcePhoto = "photo"
	SourceMQTT  = "mqtt"
	SourceSQS   = "sqs"
)

const (
	processingTTL = time.Minute
	resultTTL     = 5 * time.Minute
	statusPending = "processing"
)

// PredictionRepository defines the persistence operations needed by the use case.
type PredictionRepository interface {
	SaveLog(ctx context.Context, log *repository.PredictionLog) error
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.PredictionLog, error)
	FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*repository.PredictionLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Runner classifies upright photos off the caller's goroutine.
// *worker.Pool satisfies it.
type Runner interface {
	Classify(ctx context.Context, img image.Image) (worker.Result, error)
	ClassifyBatch(ctx context.Context, imgs []image.Image) ([]worker.Result, error)
}

// Outcome is what a caller gets back from Predict.
type Outcome struct {
	RequestID   string                `json:"request_id"`
	Prediction  classifier.Prediction `json:"prediction"`
	Text        string                `json:"text"`
	Orientation int                   `json:"orientation"`
	LatencyMs   float64               `json:"latency_ms"`
	CreatedAt   time.Time             `json:"created_at"`
}

// DuplicateReport lists earlier predictions on the same image bytes.
type DuplicateReport struct {
	Request    *repository.PredictionLog
	Duplicates []*repository.PredictionLog
}

// PredictionUseCase is the entry point shared by every transport.
type PredictionUseCase struct {
	repo           PredictionRepository
	cache          Cache
	runner         Runner
	logger         *zap.Logger
	now            func() time.Time
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

type cachedPrediction struct {
	RequestID     string    `json:"request_id"`
	UserID        string    `json:"user_id"`
	Source        string    `json:"source"`
	Label         string    `json:"label"`
	LabelIndex    int       `json:"label_index"`
	Found         bool      `json:"found"`
	Probabilities string    `json:"probabilities"`
	Hash          string    `json:"sha1_hash"`
	Orientation   int       `json:"orientation"`
	LatencyMs     float64   `json:"latency_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewPredictionUseCase wires the use case.
func NewPredictionUseCase(repo PredictionRepository, cache Cache, runner Runner, logger *zap.Logger) *PredictionUseCase {
	return &PredictionUseCase{
		repo:           repo,
		cache:          cache,
		runner:         runner,
		logger:         logger.Named("prediction_usecase"),
		now:            time.Now,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

func cacheKey(requestID string) string {
	return fmt.Sprintf("prediction:%s", requestID)
}

// Predict decodes imageBytes, classifies them and records the outcome.
func (uc *PredictionUseCase) Predict(ctx context.Context, userID, source string, imageBytes []byte) (*Outcome, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.predict", requestID, zap.String("source", source))

	if len(imageBytes) == 0 {
		return nil, logging.NewOperationError("usecase.decode_image", requestID, photo.ErrNoImage)
	}

	key := cacheKey(requestID)
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, key, statusPending, processingTTL)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}

	decoded, err := photo.Decode(imageBytes)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.decode_image", requestID, err)
		opLogger.Warn("image rejected", zap.Error(wrapped))
		return nil, wrapped
	}
	if decoded.Orientation != photo.OrientationNormal {
		opLogger.Debug("applied exif orientation", zap.Int("orientation", decoded.Orientation))
	}

	result, err := uc.runner.Classify(ctx, decoded.Image)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.classify", requestID, err)
		opLogger.Error("classification failed", zap.Error(wrapped))
		return nil, wrapped
	}

	return uc.record(ctx, requestID, userID, source, imageBytes, decoded, result)
}

// PredictBatch classifies several photos concurrently. Every photo must
// decode before any is classified; outcomes keep the input order.
func (uc *PredictionUseCase) PredictBatch(ctx context.Context, userID, source string, images [][]byte) ([]*Outcome, error) {
	batchID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.predict_batch", batchID,
		zap.String("source", source), zap.Int("size", len(images)))

	if len(images) == 0 {
		return nil, logging.NewOperationError("usecase.decode_image", batchID, photo.ErrNoImage)
	}

	decoded := make([]*photo.Decoded, len(images))
	imgs := make([]image.Image, len(images))
	for i, data := range images {
		if len(data) == 0 {
			return nil, logging.NewOperationError("usecase.decode_image", batchID, fmt.Errorf("image %d: %w", i, photo.ErrNoImage))
		}
		d, err := photo.Decode(data)
		if err != nil {
			wrapped := logging.NewOperationError("usecase.decode_image", batchID, fmt.Errorf("image %d: %w", i, err))
			opLogger.Warn("image rejected", zap.Error(wrapped))
			return nil, wrapped
		}
		decoded[i], imgs[i] = d, d.Image
	}

	results, err := uc.runner.ClassifyBatch(ctx, imgs)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.classify", batchID, err)
		opLogger.Error("batch classification failed", zap.Error(wrapped))
		return nil, wrapped
	}

	outcomes := make([]*Outcome, len(results))
	for i, result := range results {
		out, err := uc.record(ctx, uuid.NewString(), userID, source, images[i], decoded[i], result)
		if err != nil {
			return nil, err
		}
		outcomes[i] = out
	}
	opLogger.Info("batch completed")
	return outcomes, nil
}

// record persists a classified photo and caches the result.
func (uc *PredictionUseCase) record(ctx context.Context, requestID, userID, source string, imageBytes []byte, decoded *photo.Decoded, result worker.Result) (*Outcome, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.record", requestID, zap.String("source", source))

	pred := result.Prediction
	probabilities, err := json.Marshal(pred.Probabilities)
	if err != nil {
		return nil, logging.NewOperationError("usecase.encode_scores", requestID, err)
	}

	hash := sha1.Sum(imageBytes)
	log := &repository.PredictionLog{
		RequestID:     requestID,
		UserID:        userID,
		Source:        source,
		Label:         pred.Label,
		LabelIndex:    pred.Index,
		Found:         pred.Found,
		Probabilities: string(probabilities),
		SHA1Hash:      hex.EncodeToString(hash[:]),
		Orientation:   decoded.Orientation,
		LatencyMs:     float64(result.Latency.Microseconds()) / 1000,
		CreatedAt:     uc.now().UTC(),
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", requestID, err)
		opLogger.Error("failed to persist prediction log", zap.Error(wrapped))
		return nil, wrapped
	}

	serialized, err := json.Marshal(toCached(log))
	if err != nil {
		opLogger.Error("failed to serialize prediction", zap.Error(err))
		return nil, err
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, cacheKey(requestID), string(serialized), resultTTL)
	}); err != nil {
		opLogger.Error("failed to cache prediction", zap.Error(err))
		return nil, err
	}

	opLogger.Info("prediction completed",
		zap.String("label", pred.Label),
		zap.Int("index", pred.Index),
		zap.Float64("latency_ms", log.LatencyMs))

	return &Outcome{
		RequestID:   requestID,
		Prediction:  pred,
		Text:        pred.Text(),
		Orientation: decoded.Orientation,
		LatencyMs:   log.LatencyMs,
		CreatedAt:   log.CreatedAt,
	}, nil
}

// GetResult returns a prediction owned by userID, from cache when possible.
func (uc *PredictionUseCase) GetResult(ctx context.Context, userID, requestID string) (*repository.PredictionLog, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", cacheKey(requestID))
	switch {
	case err == nil && cached != statusPending:
		var payload cachedPrediction
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			opLogger.Warn("failed to decode cached result", zap.Error(err))
		} else if payload.UserID == userID {
			return fromCached(payload), nil
		}
	case err != nil && !IsCacheMiss(err):
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	return uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
}

// GetDuplicateReport finds the user's other predictions on identical bytes.
func (uc *PredictionUseCase) GetDuplicateReport(ctx context.Context, userID, requestID string) (*DuplicateReport, error) {
	log, err := uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}
	duplicates, err := uc.repo.FindDuplicatesByHash(ctx, userID, log.SHA1Hash, log.RequestID)
	if err != nil {
		return nil, err
	}
	return &DuplicateReport{Request: log, Duplicates: duplicates}, nil
}

func toCached(log *repository.PredictionLog) cachedPrediction {
	return cachedPrediction{
		RequestID:     log.RequestID,
		UserID:        log.UserID,
		Source:        log.Source,
		Label:         log.Label,
		LabelIndex:    log.LabelIndex,
		Found:         log.Found,
		Probabilities: log.Probabilities,
		Hash:          log.SHA1Hash,
		Orientation:   log.Orientation,
		LatencyMs:     log.LatencyMs,
		CreatedAt:     log.CreatedAt,
	}
}

func fromCached(c cachedPrediction) *repository.PredictionLog {
	return &repository.PredictionLog{
		RequestID:     c.RequestID,
		UserID:        c.UserID,
		Source:        c.Source,
		Label:         c.Label,
		LabelIndex:    c.LabelIndex,
		Found:         c.Found,
		Probabilities: c.Probabilities,
		SHA1Hash:      c.Hash,
		Orientation:   c.Orientation,
		LatencyMs:     c.LatencyMs,
		CreatedAt:     c.CreatedAt,
	}
}

// Scores decodes the persisted probability vector.
func Scores(log *repository.PredictionLog) []float32 {
	var scores []float32
	if log == nil || log.Probabilities == "" {
		return scores
	}
	_ = json.Unmarshal([]byte(log.Probabilities), &scores)
	return scores
}

// PredictionOf rebuilds the user-facing prediction from a stored log.
func PredictionOf(log *repository.PredictionLog) classifier.Prediction {
	return classifier.Prediction{
		Index:         log.LabelIndex,
		Label:         log.Label,
		Probabilities: Scores(log),
		Found:         log.Found,
	}
}

func (uc *PredictionUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	attempts := uc.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if IsCacheMiss(err) {
			return logging.NewOperationError(operation, requestID, err)
		}
		if !repository.IsTransientError(err) || attempt == attempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *PredictionUseCase) withRedisGet(ctx context.Context, requestID, operation, key string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
