package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/fruit-quality/internal/auth"
	"github.com/example/fruit-quality/internal/healthcheck"
	"github.com/example/fruit-quality/internal/mlclient"
	"github.com/example/fruit-quality/internal/repository"
	"github.com/example/fruit-quality/internal/usecase"
)

type memoryRepository struct {
	logs []*repository.ClassificationLog
}

func (m *memoryRepository) SaveLog(ctx context.Context, log *repository.ClassificationLog) error {
	m.logs = append(m.logs, log)
	return nil
}

func (m *memoryRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.ClassificationLog, error) {
	for _, log := range m.logs {
		if log.RequestID == requestID && log.UserID == userID {
			return log, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memoryRepository) FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*repository.ClassificationLog, error) {
	var out []*repository.ClassificationLog
	for _, log := range m.logs {
		if log.UserID == userID && log.ImageSHA1 == hash && log.RequestID != excludeRequestID {
			out = append(out, log)
		}
	}
	return out, nil
}

func (m *memoryRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	return &repository.MetricsAggregation{TotalCount: int64(len(m.logs))}, nil
}

// missCache behaves like an empty redis so lookups fall through to the repository.
type missCache struct{}

func (missCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return nil
}

func (missCache) Get(ctx context.Context, key string) (string, error) {
	return "", redis.Nil
}

type staticHealth struct{}

func (staticHealth) Snapshot() healthcheck.Snapshot {
	return healthcheck.Snapshot{Status: healthcheck.StatusServing, DemoMode: true}
}

func newTestRouter(t *testing.T, mlHandler http.HandlerFunc, secret string) (*gin.Engine, *memoryRepository) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	endpoint := ""
	if mlHandler != nil {
		server := httptest.NewServer(mlHandler)
		t.Cleanup(server.Close)
		endpoint = server.URL
	}

	repo := &memoryRepository{}
	client := mlclient.New(endpoint, mlclient.WithTimeout(200*time.Millisecond))
	uc := usecase.NewClassificationUseCase(repo, missCache{}, client, zap.NewNop())

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(router, uc, auth.Middleware(secret, ""), staticHealth{})
	return router, repo
}

func respondWith(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 4), 180, uint8(y * 5), 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
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

func postMultipart(t *testing.T, router *gin.Engine, contentType string, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, formType := buildMultipartBody(t, contentType, payload)
	req := httptest.NewRequest(http.MethodPost, "/classify", body)
	req.Header.Set("Content-Type", formType)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, resp.Body.String())
	}
	return body
}

func TestClassifyMultipartUpload(t *testing.T) {
	router, repo := newTestRouter(t, respondWith(http.StatusOK, `{"result":"Good","confidence":0.93,"processing_time":0.45}`), "")

	resp := postMultipart(t, router, "image/png", testPNG(t))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}

	body := decodeBody(t, resp)
	if body["result"] != "Good" || body["confidence"] != 0.93 || body["processing_time"] != 0.45 {
		t.Fatalf("unexpected body: %v", body)
	}
	if body["demo_mode"] != nil {
		t.Fatalf("demo_mode must not be synthesized, got %v", body["demo_mode"])
	}
	if body["request_id"] == "" || len(repo.logs) != 1 || repo.logs[0].UserID != auth.AnonymousUser {
		t.Fatalf("expected attempt to be recorded for the anonymous user, got %+v", repo.logs)
	}
}

func TestClassifyJSONDataURI(t *testing.T) {
	router, _ := newTestRouter(t, respondWith(http.StatusOK, `{"result":"Bad","confidence":0.81,"demo_mode":true}`), "")

	payload, _ := json.Marshal(map[string]string{
		"image": "data:image/png;base64," + base64.StdEncoding.EncodeToString(testPNG(t)),
	})
	req := httptest.NewRequest(http.MethodPost, "/classify", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
	body := decodeBody(t, resp)
	if body["result"] != "Bad" || body["demo_mode"] != true {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestClassifyJSONWithoutImage(t *testing.T) {
	router, _ := newTestRouter(t, respondWith(http.StatusOK, `{}`), "")

	req := httptest.NewRequest(http.MethodPost, "/classify", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestClassifyRejectsLargeUpload(t *testing.T) {
	router, _ := newTestRouter(t, respondWith(http.StatusOK, `{"result":"Good","confidence":1}`), "")

	resp := postMultipart(t, router, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1))
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
	if body := decodeBody(t, resp); body["code"] != "VALIDATION_ERROR" || body["retryable"] != false {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestClassifyRejectsExcessiveResolution(t *testing.T) {
	router, _ := newTestRouter(t, respondWith(http.StatusOK, `{"result":"Good","confidence":1}`), "")

	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], 8000)
	binary.BigEndian.PutUint32(ihdr[4:8], 7000)
	ihdr[8] = 8
	chunk := append([]byte("IHDR"), ihdr...)
	var header bytes.Buffer
	header.WriteString("\x89PNG\r\n\x1a\n")
	_ = binary.Write(&header, binary.BigEndian, uint32(len(ihdr)))
	header.Write(chunk)
	_ = binary.Write(&header, binary.BigEndian, crc32.ChecksumIEEE(chunk))

	resp := postMultipart(t, router, "image/png", header.Bytes())
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d: %s", http.StatusRequestEntityTooLarge, resp.Code, resp.Body.String())
	}
	if body := decodeBody(t, resp); body["error"] != "Image resolution is too large" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestClassifyRejectsUnsupportedContentType(t *testing.T) {
	router, _ := newTestRouter(t, respondWith(http.StatusOK, `{"result":"Good","confidence":1}`), "")

	resp := postMultipart(t, router, "text/plain", []byte("hello"))
	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestClassifyRejectsMissingFile(t *testing.T) {
	router, _ := newTestRouter(t, respondWith(http.StatusOK, `{}`), "")

	req := httptest.NewRequest(http.MethodPost, "/classify", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestClassifyMapsUpstreamFailures(t *testing.T) {
	slow := func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}

	cases := []struct {
		name      string
		handler   http.HandlerFunc
		status    int
		code      string
		retryable bool
	}{
		{"overloaded", respondWith(http.StatusServiceUnavailable, `{"detail":"model overloaded"}`), http.StatusServiceUnavailable, "HTTP_503", true},
		{"bad request", respondWith(http.StatusBadRequest, `{"detail":"Invalid image data"}`), http.StatusServiceUnavailable, "HTTP_400", false},
		{"invalid verdict", respondWith(http.StatusOK, `{"result":"Maybe","confidence":0.5}`), http.StatusBadGateway, "INVALID_RESPONSE", false},
		{"timeout", slow, http.StatusGatewayTimeout, "TIMEOUT", true},
		{"not configured", nil, http.StatusServiceUnavailable, "CONNECTION_ERROR", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router, repo := newTestRouter(t, tc.handler, "")

			resp := postMultipart(t, router, "image/png", testPNG(t))
			if resp.Code != tc.status {
				t.Fatalf("expected status %d, got %d: %s", tc.status, resp.Code, resp.Body.String())
			}
			body := decodeBody(t, resp)
			if body["code"] != tc.code || body["retryable"] != tc.retryable {
				t.Fatalf("unexpected body: %v", body)
			}
			if body["request_id"] == nil {
				t.Fatal("expected request id on classification failures")
			}
			if len(repo.logs) != 1 || repo.logs[0].ErrorKind == "" {
				t.Fatalf("expected failed attempt to be recorded, got %+v", repo.logs)
			}
		})
	}
}

func TestClassifyUpstreamMessageIsSurfaced(t *testing.T) {
	router, _ := newTestRouter(t, respondWith(http.StatusServiceUnavailable, `{"detail":"model overloaded"}`), "")

	body := decodeBody(t, postMultipart(t, router, "image/png", testPNG(t)))
	if body["error"] != "model overloaded" || body["upstream_status"] != float64(503) {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestClassifyRequiresTokenWhenSecretConfigured(t *testing.T) {
	router, _ := newTestRouter(t, respondWith(http.StatusOK, `{"result":"Good","confidence":1}`), "test-secret")

	resp := postMultipart(t, router, "image/png", testPNG(t))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.Code)
	}
}

func TestResultLookup(t *testing.T) {
	router, _ := newTestRouter(t, respondWith(http.StatusOK, `{"result":"Good","confidence":0.9}`), "")

	classified := decodeBody(t, postMultipart(t, router, "image/png", testPNG(t)))
	requestID := classified["request_id"].(string)

	for _, path := range []string{"/result/" + requestID, "/result/" + requestID + "/duplicates"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		if resp.Code != http.StatusOK {
			t.Fatalf("%s: expected status %d, got %d", path, http.StatusOK, resp.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/result/unknown", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.Code)
	}
}

func TestDuplicatesAreReported(t *testing.T) {
	router, _ := newTestRouter(t, respondWith(http.StatusOK, `{"result":"Good","confidence":0.9}`), "")

	payload := testPNG(t)
	first := decodeBody(t, postMultipart(t, router, "image/png", payload))
	second := decodeBody(t, postMultipart(t, router, "image/png", payload))

	req := httptest.NewRequest(http.MethodGet, "/result/"+second["request_id"].(string)+"/duplicates", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	body := decodeBody(t, resp)
	duplicates, ok := body["duplicates"].([]any)
	if !ok || len(duplicates) != 1 {
		t.Fatalf("expected one duplicate, got %v", body["duplicates"])
	}
	if duplicates[0].(map[string]any)["request_id"] != first["request_id"] {
		t.Fatalf("unexpected duplicate: %v", duplicates[0])
	}
}

func TestHealthAndMetrics(t *testing.T) {
	router, _ := newTestRouter(t, respondWith(http.StatusOK, `{}`), "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	body := decodeBody(t, resp)
	mlService, ok := body["ml_service"].(map[string]any)
	if resp.Code != http.StatusOK || !ok || mlService["status"] != healthcheck.StatusServing {
		t.Fatalf("unexpected health response %d: %v", resp.Code, body)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics/summary", nil)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	if _, ok := decodeBody(t, resp)["total_requests"]; !ok {
		t.Fatal("expected total_requests in summary")
	}
}
