package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/geomemo/internal/auth"
	"github.com/MarcoPoloResearchLab/geomemo/internal/geo"
	"github.com/MarcoPoloResearchLab/geomemo/internal/metrics"
	"github.com/MarcoPoloResearchLab/geomemo/internal/notes"
	"github.com/MarcoPoloResearchLab/geomemo/internal/remotestore"
)

type sequenceIDs struct {
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("change-%03d", s.next), nil
}

type testServer struct {
	handler    http.Handler
	issuer     *auth.TokenIssuer
	metrics    *metrics.Collectors
	realtime   *RealtimeDispatcher
	tokenOwner string
	token      string
}

func newTestServer(t *testing.T, store Store) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if store == nil {
		db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{})
		if err != nil {
			t.Fatalf("failed to open sqlite: %v", err)
		}
		if err := db.AutoMigrate(remotestore.Models()...); err != nil {
			t.Fatalf("failed to migrate schema: %v", err)
		}
		service, err := remotestore.NewService(remotestore.ServiceConfig{Database: db, IDProvider: &sequenceIDs{}})
		if err != nil {
			t.Fatalf("failed to construct service: %v", err)
		}
		store = service
	}

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	token, _, err := issuer.Issue(context.Background(), "user-123")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	registry := prometheus.NewRegistry()
	collectors, err := metrics.New(registry)
	if err != nil {
		t.Fatalf("failed to register metrics: %v", err)
	}
	realtime := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		Store:           store,
		TokenValidator:  issuer,
		Logger:          zap.NewNop(),
		Metrics:         collectors,
		Gatherer:        registry,
		Realtime:        realtime,
		HeartbeatPeriod: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return &testServer{handler: handler, issuer: issuer, metrics: collectors, realtime: realtime, tokenOwner: "user-123", token: token}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Authorization", "Bearer "+s.token)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeMarker(t *testing.T, recorder *httptest.ResponseRecorder) notes.Marker {
	t.Helper()
	var marker notes.Marker
	if err := json.Unmarshal(recorder.Body.Bytes(), &marker); err != nil {
		t.Fatalf("failed to decode marker: %v (%s)", err, recorder.Body.String())
	}
	return marker
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{TokenValidator: &auth.TokenIssuer{}}); !errors.Is(err, errMissingStore) {
		t.Fatalf("expected missing store error, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{Store: &stubStore{}}); !errors.Is(err, errMissingTokenValidator) {
		t.Fatalf("expected missing token validator error, got %v", err)
	}
}

func TestHealthzIsPublic(t *testing.T) {
	server := newTestServer(t, nil)
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	if recorder.Code != http.StatusOK || recorder.Body.String() != `{"status":"ok"}` {
		t.Fatalf("unexpected health response %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server := newTestServer(t, nil)
	testCases := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "wrong scheme", header: "Token abc"},
		{name: "invalid token", header: "Bearer invalid.token"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, "/v1/regions?key=9q8yy", http.NoBody)
			if testCase.header != "" {
				request.Header.Set("Authorization", testCase.header)
			}
			recorder := httptest.NewRecorder()
			server.handler.ServeHTTP(recorder, request)
			if recorder.Code != http.StatusUnauthorized {
				t.Fatalf("expected unauthorized, got %d", recorder.Code)
			}
		})
	}
}

func TestMarkerRoutesMapStoreOutcomes(t *testing.T) {
	server := newTestServer(t, nil)

	created := server.do(t, http.MethodPost, "/v1/markers", `{"id":"m1","position":{"lat":37.7749,"lon":-122.4194}}`)
	if created.Code != http.StatusCreated {
		t.Fatalf("expected created, got %d %s", created.Code, created.Body.String())
	}
	marker := decodeMarker(t, created)
	if marker.Version != 1 || marker.OwnerID != server.tokenOwner || marker.SpatialKey == "" {
		t.Fatalf("unexpected created marker %+v", marker)
	}

	moved := server.do(t, http.MethodPut, "/v1/markers/m1", `{"position":{"lat":37.7750,"lon":-122.4195},"version":1}`)
	if moved.Code != http.StatusOK || decodeMarker(t, moved).Version != 2 {
		t.Fatalf("expected the move accepted, got %d %s", moved.Code, moved.Body.String())
	}

	testCases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{name: "stale version", method: http.MethodPut, path: "/v1/markers/m1", body: `{"position":{"lat":1,"lon":1},"version":1}`, status: http.StatusConflict, code: "conflict"},
		{name: "missing marker", method: http.MethodPut, path: "/v1/markers/nope", body: `{"position":{"lat":1,"lon":1},"version":1}`, status: http.StatusNotFound, code: "not_found"},
		{name: "bad position", method: http.MethodPost, path: "/v1/markers", body: `{"id":"m2","position":{"lat":120,"lon":1}}`, status: http.StatusBadRequest, code: "validation"},
		{name: "malformed body", method: http.MethodPost, path: "/v1/markers", body: `{"id":`, status: http.StatusBadRequest, code: "invalid_request"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := server.do(t, testCase.method, testCase.path, testCase.body)
			if recorder.Code != testCase.status {
				t.Fatalf("expected %d, got %d %s", testCase.status, recorder.Code, recorder.Body.String())
			}
			var payload errorPayload
			if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil || payload.Error != testCase.code {
				t.Fatalf("expected error code %s, got %s", testCase.code, recorder.Body.String())
			}
		})
	}

	deleted := server.do(t, http.MethodDelete, "/v1/markers/m1", "")
	if deleted.Code != http.StatusNoContent {
		t.Fatalf("expected no content, got %d", deleted.Code)
	}
	if again := server.do(t, http.MethodDelete, "/v1/markers/m1", ""); again.Code != http.StatusNotFound {
		t.Fatalf("expected a second delete to be not found, got %d", again.Code)
	}
}

func TestMemoRoutesAndRegionFetch(t *testing.T) {
	server := newTestServer(t, nil)
	created := server.do(t, http.MethodPost, "/v1/markers", `{"id":"m1","position":{"lat":37.7749,"lon":-122.4194}}`)
	marker := decodeMarker(t, created)

	if recorder := server.do(t, http.MethodPost, "/v1/memos", `{"id":"n1","marker_id":"m1","content":"coffee"}`); recorder.Code != http.StatusCreated {
		t.Fatalf("expected memo created, got %d %s", recorder.Code, recorder.Body.String())
	}
	if recorder := server.do(t, http.MethodPut, "/v1/memos/n1", `{"content":"better coffee","version":1}`); recorder.Code != http.StatusOK {
		t.Fatalf("expected memo updated, got %d %s", recorder.Code, recorder.Body.String())
	}
	if recorder := server.do(t, http.MethodPost, "/v1/memos", `{"id":"n2","marker_id":"m1","content":"soon gone"}`); recorder.Code != http.StatusCreated {
		t.Fatalf("expected memo created, got %d", recorder.Code)
	}
	if recorder := server.do(t, http.MethodDelete, "/v1/memos/n2", ""); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected memo deleted, got %d", recorder.Code)
	}

	region := server.do(t, http.MethodGet, "/v1/regions?key="+marker.SpatialKey.String()+"&key=9q8yz", "")
	if region.Code != http.StatusOK {
		t.Fatalf("expected region, got %d %s", region.Code, region.Body.String())
	}
	var snapshot notes.RegionSnapshot
	if err := json.Unmarshal(region.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if len(snapshot.Markers) != 1 || snapshot.Markers[0].MemoCount != 1 {
		t.Fatalf("unexpected markers %+v", snapshot.Markers)
	}
	if len(snapshot.Memos) != 1 || snapshot.Memos[0].Content != "better coffee" {
		t.Fatalf("unexpected memos %+v", snapshot.Memos)
	}
	if len(snapshot.DeletedIDs) != 1 || snapshot.DeletedIDs[0] != "n2" {
		t.Fatalf("unexpected deleted ids %v", snapshot.DeletedIDs)
	}

	if recorder := server.do(t, http.MethodGet, "/v1/regions", ""); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected a region without keys rejected, got %d", recorder.Code)
	}
}

type stubStore struct {
	Store
	fetchErr error
}

func (s *stubStore) FetchRegion(context.Context, string, []geo.SpatialKey) (notes.RegionSnapshot, error) {
	return notes.RegionSnapshot{}, s.fetchErr
}

type codedError struct{}

func (codedError) Error() string { return "remotestore.fetch_region.marker_query_failed: disk I/O" }
func (codedError) Code() string  { return "remotestore.fetch_region.marker_query_failed" }

func TestInfrastructureFailuresReportServiceCode(t *testing.T) {
	server := newTestServer(t, &stubStore{fetchErr: codedError{}})
	recorder := server.do(t, http.MethodGet, "/v1/regions?key=9q8yy", "")
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected internal error, got %d", recorder.Code)
	}
	expected := `{"error":"remotestore.fetch_region.marker_query_failed"}`
	if recorder.Body.String() != expected {
		t.Fatalf("unexpected response body: %s", recorder.Body.String())
	}
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	server := newTestServer(t, nil)
	server.do(t, http.MethodPost, "/v1/markers", `{"id":"m1","position":{"lat":1,"lon":1}}`)
	if value := testutil.ToFloat64(server.metrics.HTTPRequestCounter("/v1/markers", "201")); value != 1 {
		t.Fatalf("expected one counted create, got %v", value)
	}

	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), "geomemo_server_requests_total") {
		t.Fatalf("expected exposition with request counter, got %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestCORSPreflightAllowsAuthorization(t *testing.T) {
	server := newTestServer(t, nil)
	request := httptest.NewRequest(http.MethodOptions, "/v1/markers", http.NoBody)
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")

	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	allowHeaders := recorder.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(strings.ToLower(allowHeaders), "authorization") {
		t.Fatalf("expected Access-Control-Allow-Headers to include Authorization, got %q", allowHeaders)
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be enabled")
	}
}

func TestStreamEmitsRegionChangeEvents(t *testing.T) {
	server := newTestServer(t, nil)
	httpServer := httptest.NewServer(server.handler)
	t.Cleanup(httpServer.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	streamRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, httpServer.URL+"/v1/stream?access_token="+server.token, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResponse, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer streamResponse.Body.Close()
	if streamResponse.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResponse.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for server.realtime.subscriberCount(server.tokenOwner) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	createRequest, err := http.NewRequest(http.MethodPost, httpServer.URL+"/v1/markers", strings.NewReader(`{"id":"m1","position":{"lat":37.7749,"lon":-122.4194}}`))
	if err != nil {
		t.Fatalf("failed to construct create request: %v", err)
	}
	createRequest.Header.Set("Authorization", "Bearer "+server.token)
	createRequest.Header.Set("Content-Type", "application/json")
	createResponse, err := http.DefaultClient.Do(createRequest)
	if err != nil {
		t.Fatalf("create request failed: %v", err)
	}
	_ = createResponse.Body.Close()
	if createResponse.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected create status: %d", createResponse.StatusCode)
	}

	type readResult struct {
		line string
		err  error
	}
	lines := make(chan readResult, 16)
	go func() {
		reader := bufio.NewReader(streamResponse.Body)
		for {
			line, err := reader.ReadString('\n')
			lines <- readResult{line: line, err: err}
			if err != nil {
				return
			}
		}
	}()

	currentEventType := ""
	timeout := time.After(5 * time.Second)
	for {
		select {
		case <-timeout:
			t.Fatal("timed out waiting for realtime event")
		case res := <-lines:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") || currentEventType != RealtimeEventRegionChanged {
				continue
			}
			var payload streamPayload
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if len(payload.EntityIDs) != 1 || payload.EntityIDs[0] != "m1" || len(payload.SpatialKeys) != 1 {
				t.Fatalf("unexpected event payload: %#v", payload)
			}
			return
		}
	}
}
