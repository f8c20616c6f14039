package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/leftright/internal/auth"
	"github.com/example/leftright/internal/classifier"
	"github.com/example/leftright/internal/logging"
	"github.com/example/leftright/internal/photo"
	"github.com/example/leftright/internal/repository"
	"github.com/example/leftright/internal/usecase"
)

const testJWTSecret = "test-secret"

type stubService struct {
	predictErr error
	calls      int
	lastUser   string
	lastSource string
	logs       map[string]*repository.PredictionLog
	batchSizes []int
}

func (s *stubService) Predict(ctx context.Context, userID, source string, imageBytes []byte) (*usecase.Outcome, error) {
	s.calls++
	s.lastUser, s.lastSource = userID, source
	if s.predictErr != nil {
		return nil, s.predictErr
	}
	pred := classifier.Select([]float32{0.2, 0.9}, []string{"Izquierdo", "Derecho"})
	return &usecase.Outcome{RequestID: "req-1", Prediction: pred, Text: pred.Text()}, nil
}

func (s *stubService) PredictBatch(ctx context.Context, userID, source string, images [][]byte) ([]*usecase.Outcome, error) {
	s.batchSizes = append(s.batchSizes, len(images))
	outs := make([]*usecase.Outcome, 0, len(images))
	for range images {
		out, err := s.Predict(ctx, userID, source, nil)
		if err != nil {
			return nil, err
		}
		outs = append(outs, out)
	}
	return outs, nil
}

func (s *stubService) GetResult(ctx context.Context, userID, requestID string) (*repository.PredictionLog, error) {
	if log, ok := s.logs[requestID]; ok && log.UserID == userID {
		return log, nil
	}
	return nil, errors.New("not found")
}

func (s *stubService) GetDuplicateReport(ctx context.Context, userID, requestID string) (*usecase.DuplicateReport, error) {
	log, err := s.GetResult(ctx, userID, requestID)
	if err != nil {
		return nil, err
	}
	return &usecase.DuplicateReport{Request: log, Duplicates: []*repository.PredictionLog{log}}, nil
}

func (s *stubService) GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error) {
	return &usecase.MetricsSummary{TotalRequests: 1}, nil
}

func newTestRouter(t *testing.T, svc PredictionService, photos PhotoStore) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	verifier, err := auth.NewVerifier(testJWTSecret, "")
	if err != nil {
		t.Fatalf("failed to build verifier: %v", err)
	}
	token, err := verifier.Issue("user-123", time.Hour)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(router, svc, photos, verifier.Middleware())
	return router, token
}

func newPhotoStore(t *testing.T) *photo.Store {
	t.Helper()
	store, err := photo.NewStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func do(router http.Handler, token, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestHealthIsPublic(t *testing.T) {
	router, _ := newTestRouter(t, &stubService{}, newPhotoStore(t))
	if resp := do(router, "", http.MethodGet, "/health", nil, ""); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestPredictRequiresToken(t *testing.T) {
	router, _ := newTestRouter(t, &stubService{}, newPhotoStore(t))
	body, contentType := buildMultipartBody(t, "image/png", pngBytes(t))
	if resp := do(router, "", http.MethodPost, "/predict", body, contentType); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestPredictReturnsPrediction(t *testing.T) {
	svc := &stubService{}
	router, token := newTestRouter(t, svc, newPhotoStore(t))

	body, contentType := buildMultipartBody(t, "image/png", pngBytes(t))
	resp := do(router, token, http.MethodPost, "/predict", body, contentType)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var payload struct {
		RequestID     string    `json:"request_id"`
		Label         string    `json:"label"`
		Index         int       `json:"index"`
		Probabilities []float32 `json:"probabilities"`
		Text          string    `json:"text"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if payload.Label != "Derecho" || payload.Index != 1 || len(payload.Probabilities) != 2 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if svc.lastUser != "user-123" || svc.lastSource != usecase.SourceHTTP {
		t.Fatalf("unexpected call: user=%s source=%s", svc.lastUser, svc.lastSource)
	}
}

func TestPredictRejectsLargeUpload(t *testing.T) {
	svc := &stubService{}
	router, token := newTestRouter(t, svc, newPhotoStore(t))

	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1))
	resp := do(router, token, http.MethodPost, "/predict", body, contentType)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
	if svc.calls != 0 {
		t.Fatal("oversized uploads must not reach the use case")
	}
}

func TestPredictRejectsUnsupportedContentType(t *testing.T) {
	router, token := newTestRouter(t, &stubService{}, newPhotoStore(t))

	body, contentType := buildMultipartBody(t, "text/plain", []byte("hello"))
	resp := do(router, token, http.MethodPost, "/predict", body, contentType)

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestPredictRejectsMislabelledBytes(t *testing.T) {
	router, token := newTestRouter(t, &stubService{}, newPhotoStore(t))

	body, contentType := buildMultipartBody(t, "image/png", []byte("plain text pretending to be png"))
	resp := do(router, token, http.MethodPost, "/predict", body, contentType)

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestPredictEmptyFileHasNoImageNotice(t *testing.T) {
	router, token := newTestRouter(t, &stubService{}, newPhotoStore(t))

	body, contentType := buildMultipartBody(t, "image/jpeg", nil)
	resp := do(router, token, http.MethodPost, "/predict", body, contentType)

	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status %d, got %d", http.StatusUnprocessableEntity, resp.Code)
	}
	if !bytes.Contains(resp.Body.Bytes(), []byte("no image to predict")) {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}
}

func TestPredictMapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{logging.NewOperationError("usecase.decode_image", "r", errors.New("bad jpeg")), http.StatusBadRequest},
		{logging.NewOperationError("usecase.decode_image", "r", fmt.Errorf("%w: 20000x20000", photo.ErrImageTooLarge)), http.StatusRequestEntityTooLarge},
		{logging.NewOperationError("usecase.classify", "r", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{logging.NewOperationError("usecase.classify", "r", errors.New("onnx failure")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		router, token := newTestRouter(t, &stubService{predictErr: tc.err}, newPhotoStore(t))
		body, contentType := buildMultipartBody(t, "image/png", pngBytes(t))
		if resp := do(router, token, http.MethodPost, "/predict", body, contentType); resp.Code != tc.code {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.code, resp.Code)
		}
	}
}

func TestResultIsScopedToUser(t *testing.T) {
	svc := &stubService{logs: map[string]*repository.PredictionLog{
		"mine":   {RequestID: "mine", UserID: "user-123", Label: "Izquierdo", Found: true, Probabilities: "[0.7,0.3]"},
		"theirs": {RequestID: "theirs", UserID: "user-999", Label: "Derecho"},
	}}
	router, token := newTestRouter(t, svc, newPhotoStore(t))

	resp := do(router, token, http.MethodGet, "/result/mine", nil, "")
	if resp.Code != http.StatusOK || !bytes.Contains(resp.Body.Bytes(), []byte("Izquierdo")) {
		t.Fatalf("unexpected response %d: %s", resp.Code, resp.Body.String())
	}
	if resp := do(router, token, http.MethodGet, "/result/theirs", nil, ""); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	if resp := do(router, token, http.MethodGet, "/result/mine/duplicates", nil, ""); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if resp := do(router, token, http.MethodGet, "/metrics/summary", nil, ""); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestPhotoLifecycle(t *testing.T) {
	svc := &stubService{}
	router, token := newTestRouter(t, svc, newPhotoStore(t))

	body, contentType := buildMultipartBody(t, "image/png", pngBytes(t))
	resp := do(router, token, http.MethodPost, "/photos", body, contentType)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var saved photo.Photo
	if err := json.Unmarshal(resp.Body.Bytes(), &saved); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if resp := do(router, token, http.MethodGet, "/photos", nil, ""); resp.Code != http.StatusOK || !bytes.Contains(resp.Body.Bytes(), []byte(saved.Name)) {
		t.Fatalf("expected saved photo in listing, got %d: %s", resp.Code, resp.Body.String())
	}

	predictPath := fmt.Sprintf("/photos/%s/predict", saved.Name)
	if resp := do(router, token, http.MethodPost, predictPath, nil, ""); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if svc.lastSource != usecase.SourcePhoto {
		t.Fatalf("expected photo source, got %s", svc.lastSource)
	}

	if resp := do(router, token, http.MethodDelete, "/photos/"+saved.Name, nil, ""); resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if resp := do(router, token, http.MethodDelete, "/photos/"+saved.Name, nil, ""); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	if resp := do(router, token, http.MethodPost, "/photos/notes.txt/predict", nil, ""); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildBatchBody(t *testing.T, payloads ...[]byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for i, payload := range payloads {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="upload-%d"`, i))
		header.Set("Content-Type", "image/png")
		part, err := writer.CreatePart(header)
		if err != nil {
			t.Fatalf("failed to create multipart part: %v", err)
		}
		if _, err := part.Write(payload); err != nil {
			t.Fatalf("failed to write payload: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func TestPredictBatchReturnsOnePredictionPerImage(t *testing.T) {
	svc := &stubService{}
	router, token := newTestRouter(t, svc, newPhotoStore(t))

	body, contentType := buildBatchBody(t, pngBytes(t), pngBytes(t), pngBytes(t))
	resp := do(router, token, http.MethodPost, "/predict/batch", body, contentType)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}

	var payload struct {
		Predictions []struct {
			Label string `json:"label"`
		} `json:"predictions"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(payload.Predictions) != 3 || payload.Predictions[2].Label != "Derecho" {
		t.Fatalf("unexpected predictions: %+v", payload.Predictions)
	}
	if len(svc.batchSizes) != 1 || svc.batchSizes[0] != 3 {
		t.Fatalf("expected one batch of 3, got %v", svc.batchSizes)
	}
}

func TestPredictBatchValidatesEveryImage(t *testing.T) {
	svc := &stubService{}
	router, token := newTestRouter(t, svc, newPhotoStore(t))

	body, contentType := buildBatchBody(t, pngBytes(t), nil)
	if resp := do(router, token, http.MethodPost, "/predict/batch", body, contentType); resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status %d, got %d", http.StatusUnprocessableEntity, resp.Code)
	}

	payloads := make([][]byte, MaxBatchSize+1)
	for i := range payloads {
		payloads[i] = pngBytes(t)
	}
	body, contentType = buildBatchBody(t, payloads...)
	if resp := do(router, token, http.MethodPost, "/predict/batch", body, contentType); resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
	if len(svc.batchSizes) != 0 {
		t.Fatal("rejected batches must not reach the service")
	}
}
