package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/leftright/internal/auth"
	"github.com/example/leftright/internal/inference"
	"github.com/example/leftright/internal/logging"
	"github.com/example/leftright/internal/photo"
	"github.com/example/leftright/internal/preprocess"
	"github.com/example/leftright/internal/repository"
	"github.com/example/leftright/internal/usecase"
	"github.com/example/leftright/internal/worker"
)

// MaxUploadSize caps an uploaded photo.
const MaxUploadSize = 10 << 20

// MaxBatchSize caps the photos in one batch request.
const MaxBatchSize = 8

// multipartOverhead leaves room for boundaries and part headers.
const multipartOverhead = 1 << 20

// PredictionService is implemented by *usecase.PredictionUseCase.
type PredictionService interface {
	Predict(ctx context.Context, userID, source string, imageBytes []byte) (*usecase.Outcome, error)
	PredictBatch(ctx context.Context, userID, source string, images [][]byte) ([]*usecase.Outcome, error)
	GetResult(ctx context.Context, userID, requestID string) (*repository.PredictionLog, error)
	GetDuplicateReport(ctx context.Context, userID, requestID string) (*usecase.DuplicateReport, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// PhotoStore is implemented by *photo.Store.
type PhotoStore interface {
	Save(data []byte) (*photo.Photo, error)
	Read(name string) ([]byte, error)
	Delete(name string) error
	List() ([]photo.Photo, error)
}

type handler struct {
	svc    PredictionService
	photos PhotoStore
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc PredictionService, photos PhotoStore, authMiddleware gin.HandlerFunc) {
	h := &handler{svc: svc, photos: photos}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/", authMiddleware)
	api.POST("/predict", h.predict)
	api.POST("/predict/batch", h.predictBatch)
	api.GET("/result/:id", h.result)
	api.GET("/result/:id/duplicates", h.duplicates)
	api.GET("/metrics/summary", h.metrics)

	api.GET("/photos", h.listPhotos)
	api.POST("/photos", h.savePhoto)
	api.POST("/photos/:name/predict", h.predictPhoto)
	api.DELETE("/photos/:name", h.deletePhoto)
}

func (h *handler) predict(c *gin.Context) {
	data, ok := readUpload(c)
	if !ok {
		return
	}
	userID, _ := auth.GetUserID(c.Request.Context())
	h.respondPrediction(c, userID, usecase.SourceHTTP, data)
}

func (h *handler) predictBatch(c *gin.Context) {
	images, ok := readBatch(c)
	if !ok {
		return
	}
	userID, _ := auth.GetUserID(c.Request.Context())
	outs, err := h.svc.PredictBatch(c.Request.Context(), userID, usecase.SourceHTTP, images)
	if err != nil {
		c.JSON(predictionStatus(err), gin.H{"error": predictionMessage(err)})
		return
	}
	views := make([]gin.H, 0, len(outs))
	for _, out := range outs {
		views = append(views, outcomeView(out))
	}
	c.JSON(http.StatusOK, gin.H{"predictions": views})
}

func (h *handler) respondPrediction(c *gin.Context, userID, source string, data []byte) {
	out, err := h.svc.Predict(c.Request.Context(), userID, source, data)
	if err != nil {
		c.JSON(predictionStatus(err), gin.H{"error": predictionMessage(err)})
		return
	}
	c.JSON(http.StatusOK, outcomeView(out))
}

func outcomeView(out *usecase.Outcome) gin.H {
	return gin.H{
		"request_id":    out.RequestID,
		"label":         out.Prediction.Label,
		"index":         out.Prediction.Index,
		"found":         out.Prediction.Found,
		"probabilities": out.Prediction.Probabilities,
		"text":          out.Text,
		"orientation":   out.Orientation,
		"latency_ms":    out.LatencyMs,
	}
}

func (h *handler) result(c *gin.Context) {
	userID, _ := auth.GetUserID(c.Request.Context())
	log, err := h.svc.GetResult(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	}
	c.JSON(http.StatusOK, logView(log))
}

func (h *handler) duplicates(c *gin.Context) {
	userID, _ := auth.GetUserID(c.Request.Context())
	report, err := h.svc.GetDuplicateReport(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	}
	dups := make([]gin.H, 0, len(report.Duplicates))
	for _, d := range report.Duplicates {
		dups = append(dups, logView(d))
	}
	c.JSON(http.StatusOK, gin.H{"request": logView(report.Request), "duplicates": dups})
}

func (h *handler) metrics(c *gin.Context) {
	summary, err := h.svc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) listPhotos(c *gin.Context) {
	photos, err := h.photos.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list photos"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"photos": photos})
}

func (h *handler) savePhoto(c *gin.Context) {
	data, ok := readUpload(c)
	if !ok {
		return
	}
	saved, err := h.photos.Save(data)
	if err != nil {
		c.JSON(photoStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, saved)
}

func (h *handler) predictPhoto(c *gin.Context) {
	data, err := h.photos.Read(c.Param("name"))
	if err != nil {
		c.JSON(photoStatus(err), gin.H{"error": err.Error()})
		return
	}
	userID, _ := auth.GetUserID(c.Request.Context())
	h.respondPrediction(c, userID, usecase.SourcePhoto, data)
}

func (h *handler) deletePhoto(c *gin.Context) {
	if err := h.photos.Delete(c.Param("name")); err != nil {
		c.JSON(photoStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// readUpload extracts the "image" form file, writing the error response
// itself when it returns false.
func readUpload(c *gin.Context) ([]byte, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

	file, err := c.FormFile("image")
	if err != nil {
		if isTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return nil, false
	}
	data, status, message := readImage(file)
	if status != http.StatusOK {
		c.JSON(status, gin.H{"error": message})
		return nil, false
	}
	return data, true
}

// readBatch extracts every "image" form file, up to MaxBatchSize.
func readBatch(c *gin.Context) ([][]byte, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxBatchSize*MaxUploadSize+multipartOverhead)

	form, err := c.MultipartForm()
	if err != nil {
		if isTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "batch too large"})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image files are required"})
		return nil, false
	}
	files := form.File["image"]
	switch {
	case len(files) == 0:
		c.JSON(http.StatusBadRequest, gin.H{"error": "image files are required"})
		return nil, false
	case len(files) > MaxBatchSize:
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("at most %d images per batch", MaxBatchSize)})
		return nil, false
	}

	images := make([][]byte, 0, len(files))
	for i, file := range files {
		data, status, message := readImage(file)
		if status != http.StatusOK {
			c.JSON(status, gin.H{"error": message, "index": i})
			return nil, false
		}
		images = append(images, data)
	}
	return images, true
}

func isTooLarge(err error) bool {
	var tooLarge *http.MaxBytesError
	return errors.As(err, &tooLarge)
}

// readImage validates one uploaded file, returning http.StatusOK with its
// bytes or the status and message to reply with.
func readImage(file *multipart.FileHeader) ([]byte, int, string) {
	if file.Size > MaxUploadSize {
		return nil, http.StatusRequestEntityTooLarge, "image too large"
	}
	if !isSupportedImage(file.Header.Get("Content-Type")) {
		return nil, http.StatusUnsupportedMediaType, "only JPEG and PNG images are supported"
	}

	data, err := readFile(file)
	if err != nil {
		return nil, http.StatusInternalServerError, "failed to read image"
	}
	if len(data) == 0 {
		return nil, http.StatusUnprocessableEntity, photo.ErrNoImage.Error()
	}
	if !isSupportedImage(http.DetectContentType(data)) {
		return nil, http.StatusUnsupportedMediaType, "only JPEG and PNG images are supported"
	}
	return data, http.StatusOK, ""
}

func readFile(file *multipart.FileHeader) ([]byte, error) {
	src, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(src)
}

func isSupportedImage(contentType string) bool {
	switch contentType {
	case "image/jpeg", "image/jpg", "image/png":
		return true
	}
	return false
}

func predictionStatus(err error) int {
	switch {
	case errors.Is(err, photo.ErrNoImage), errors.Is(err, preprocess.ErrEmptyImage):
		return http.StatusUnprocessableEntity
	case errors.Is(err, photo.ErrImageTooLarge):
		return http.StatusRequestEntityTooLarge
	case logging.OperationOf(err) == "usecase.decode_image":
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, inference.ErrPoolClosed), errors.Is(err, worker.ErrPoolClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func predictionMessage(err error) string {
	switch predictionStatus(err) {
	case http.StatusUnprocessableEntity:
		return photo.ErrNoImage.Error()
	case http.StatusRequestEntityTooLarge:
		return photo.ErrImageTooLarge.Error()
	case http.StatusBadRequest:
		return "image could not be decoded"
	case http.StatusGatewayTimeout:
		return "prediction timed out"
	case http.StatusServiceUnavailable:
		return "service is shutting down"
	default:
		return "prediction failed"
	}
}

func photoStatus(err error) int {
	switch {
	case errors.Is(err, photo.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, photo.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, photo.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, photo.ErrNoImage):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func logView(log *repository.PredictionLog) gin.H {
	pred := usecase.PredictionOf(log)
	return gin.H{
		"request_id":    log.RequestID,
		"user_id":       log.UserID,
		"source":        log.Source,
		"label":         pred.Label,
		"index":         pred.Index,
		"found":         pred.Found,
		"probabilities": pred.Probabilities,
		"text":          pred.Text(),
		"latency_ms":    log.LatencyMs,
		"created_at":    log.CreatedAt,
	}
}
