package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"educate-attendance/internal/attendance"
	"educate-attendance/internal/auth"
	"educate-attendance/internal/ratelimit"
	"educate-attendance/internal/token"
)

const (
	authKey     = "auth-test-key"
	authIssuer  = "educate-portal"
	qrKey       = "qr-test-key"
	testSession = "3f0c8dc4-8f4b-4a77-9e37-0f2a9c9f51a2"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]attendance.Record
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]attendance.Record)}
}

func (s *memStore) Create(_ context.Context, rec attendance.Record) (attendance.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rec.ExternalSessionID + "|" + rec.StudentID
	if _, ok := s.records[key]; ok {
		return attendance.Record{}, attendance.ErrDuplicate
	}
	rec.ID = "rec-" + key
	rec.MarkedAt = time.Now().UTC()
	s.records[key] = rec
	return rec, nil
}

func (s *memStore) FindBySessionAndStudent(_ context.Context, sessionID, studentID string) (*attendance.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[sessionID+"|"+studentID]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (s *memStore) ListBySession(_ context.Context, sessionID string, limit, offset int) ([]attendance.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []attendance.Record
	for _, rec := range s.records {
		if rec.ExternalSessionID == sessionID {
			out = append(out, rec)
		}
	}
	return out, nil
}

type testEnv struct {
	router *gin.Engine
	store  *memStore
	tokens *token.Service
}

func newTestEnv(t *testing.T, rate string) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tokens := token.New(qrKey, "spoc-dashboard", "educate-portal", 10*time.Minute)
	store := newMemStore()
	limiter := ratelimit.NewMemory(rate)
	svc := attendance.NewService(store, tokens, limiter, nil)
	handler := NewHandler(svc, store)

	r := gin.New()
	authed := r.Group("/v1", auth.StudentAuth(authKey, authIssuer))
	handler.Register(r, authed)

	return &testEnv{router: r, store: store, tokens: tokens}
}

func (e *testEnv) bearer(t *testing.T, userID, externalID string) string {
	t.Helper()
	tok, err := auth.Issue(userID, externalID, "student", authIssuer, authKey, time.Hour)
	if err != nil {
		t.Fatalf("issue bearer: %v", err)
	}
	return "Bearer " + tok
}

func (e *testEnv) do(t *testing.T, method, path, authz string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, w)
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("response %q has no error envelope", w.Body.String())
	}
	code, _ := errObj["code"].(string)
	return code
}

func TestMarkEndpoint(t *testing.T) {
	env := newTestEnv(t, "100/minute")
	signed, _, err := env.tokens.Issue(testSession, "course-1", "teacher-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	authz := env.bearer(t, "student-1", "EXT-1")
	body := map[string]string{"session_id": testSession, "token": signed}

	w := env.do(t, http.MethodPost, "/v1/attendance/mark", authz, body)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["status"] != "ok" {
		t.Errorf("status field = %v", resp["status"])
	}
	if resp["attendance_id"] == "" || resp["marked_at"] == nil {
		t.Errorf("response missing record fields: %v", resp)
	}
	if resp["course_id"] != "course-1" {
		t.Errorf("course_id = %v", resp["course_id"])
	}

	// Repeat is idempotent: 200 already_marked, same record, still one row.
	w = env.do(t, http.MethodPost, "/v1/attendance/mark", authz, body)
	if w.Code != http.StatusOK {
		t.Fatalf("repeat status = %d, body = %s", w.Code, w.Body.String())
	}
	repeat := decode(t, w)
	if repeat["status"] != "already_marked" {
		t.Errorf("repeat status field = %v", repeat["status"])
	}
	if repeat["attendance_id"] != resp["attendance_id"] {
		t.Errorf("repeat returned different record: %v vs %v", repeat["attendance_id"], resp["attendance_id"])
	}
	if len(env.store.records) != 1 {
		t.Errorf("row count = %d, want 1", len(env.store.records))
	}
}

func TestMarkRequiresAuth(t *testing.T) {
	env := newTestEnv(t, "100/minute")
	w := env.do(t, http.MethodPost, "/v1/attendance/mark", "", map[string]string{
		"session_id": testSession, "token": "x",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if code := errorCode(t, w); code != CodeInvalidToken {
		t.Errorf("code = %q", code)
	}
}

func TestMarkExpiredToken(t *testing.T) {
	env := newTestEnv(t, "100/minute")

	// Sign with the QR service but an already-passed validity window.
	expiredSigner := token.New(qrKey, "spoc-dashboard", "educate-portal", time.Millisecond)
	signed, _, err := expiredSigner.Issue(testSession, "c", "t")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	w := env.do(t, http.MethodPost, "/v1/attendance/mark", env.bearer(t, "student-1", "EXT-1"),
		map[string]string{"session_id": testSession, "token": signed})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	errObj := body["error"].(map[string]any)
	if errObj["code"] != CodeTokenExpired {
		t.Errorf("code = %v", errObj["code"])
	}
	details, _ := errObj["details"].(map[string]any)
	if details == nil || details["expired_at"] == nil {
		t.Errorf("expired response must carry expired_at, got %v", body)
	}
}

func TestMarkSessionMismatch(t *testing.T) {
	env := newTestEnv(t, "100/minute")
	signed, _, _ := env.tokens.Issue("00000000-0000-0000-0000-000000000001", "c", "t")

	w := env.do(t, http.MethodPost, "/v1/attendance/mark", env.bearer(t, "student-1", "EXT-1"),
		map[string]string{"session_id": testSession, "token": signed})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != CodeInvalidSession {
		t.Errorf("code = %q", code)
	}
}

func TestMarkValidation(t *testing.T) {
	env := newTestEnv(t, "100/minute")
	authz := env.bearer(t, "student-1", "EXT-1")

	cases := []struct {
		name string
		body map[string]string
	}{
		{"missing token", map[string]string{"session_id": testSession}},
		{"missing session", map[string]string{"token": "x"}},
		{"bad uuid", map[string]string{"session_id": "not-a-uuid", "token": "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/v1/attendance/mark", authz, tc.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", w.Code)
			}
			if code := errorCode(t, w); code != CodeValidationError {
				t.Errorf("code = %q", code)
			}
		})
	}
}

func TestMarkRateLimited(t *testing.T) {
	env := newTestEnv(t, "2/minute")
	signed, _, _ := env.tokens.Issue(testSession, "c", "t")
	authz := env.bearer(t, "student-1", "EXT-1")
	body := map[string]string{"session_id": testSession, "token": signed}

	env.do(t, http.MethodPost, "/v1/attendance/mark", authz, body)
	env.do(t, http.MethodPost, "/v1/attendance/mark", authz, body)
	w := env.do(t, http.MethodPost, "/v1/attendance/mark", authz, body)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if code := errorCode(t, w); code != CodeRateLimited {
		t.Errorf("code = %q", code)
	}
}

func TestScanEndpoint(t *testing.T) {
	env := newTestEnv(t, "100/minute")
	signed, _, _ := env.tokens.Issue(testSession, "course-1", "teacher-1")
	authz := env.bearer(t, "student-1", "EXT-1")

	w := env.do(t, http.MethodPost, "/v1/attendance/scan", authz,
		map[string]string{"session_id": testSession, "token": signed})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["status"] != "valid" {
		t.Errorf("status = %v", resp["status"])
	}
	session, _ := resp["session"].(map[string]any)
	if session == nil || session["course_id"] != "course-1" {
		t.Errorf("session = %v", session)
	}
	if expires, _ := session["expires_in"].(float64); expires <= 0 {
		t.Errorf("expires_in = %v", session["expires_in"])
	}

	// QR payload form: same result through qr_data.
	qrData, _ := json.Marshal(map[string]string{"session_id": testSession, "token": signed})
	w = env.do(t, http.MethodPost, "/v1/attendance/scan", authz,
		map[string]string{"qr_data": string(qrData)})
	if w.Code != http.StatusOK {
		t.Fatalf("qr_data scan status = %d", w.Code)
	}

	// After marking, scan reports already_marked.
	w = env.do(t, http.MethodPost, "/v1/attendance/mark", authz,
		map[string]string{"session_id": testSession, "token": signed})
	if w.Code != http.StatusCreated {
		t.Fatalf("mark status = %d", w.Code)
	}
	w = env.do(t, http.MethodPost, "/v1/attendance/scan", authz,
		map[string]string{"session_id": testSession, "token": signed})
	resp = decode(t, w)
	if w.Code != http.StatusOK || resp["status"] != "already_marked" {
		t.Errorf("scan after mark = %d %v", w.Code, resp["status"])
	}
}

func TestScanRejectsBadQRData(t *testing.T) {
	env := newTestEnv(t, "100/minute")
	authz := env.bearer(t, "student-1", "EXT-1")

	w := env.do(t, http.MethodPost, "/v1/attendance/scan", authz,
		map[string]string{"qr_data": "not json"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if code := errorCode(t, w); code != CodeValidationError {
		t.Errorf("code = %q", code)
	}
}

func TestIssueQREndpoint(t *testing.T) {
	env := newTestEnv(t, "100/minute")
	authz := env.bearer(t, "teacher-1", "")

	w := env.do(t, http.MethodPost, "/v1/attendance/qr", authz, map[string]string{
		"session_id": testSession, "course_id": "course-1", "teacher_id": "teacher-1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	qr, _ := resp["qr_data"].(map[string]any)
	if qr == nil || qr["session_id"] != testSession || qr["token"] == "" {
		t.Fatalf("qr_data = %v", resp["qr_data"])
	}

	// The minted token is accepted by the scan endpoint.
	tokenStr, _ := qr["token"].(string)
	w = env.do(t, http.MethodPost, "/v1/attendance/scan", env.bearer(t, "student-1", "EXT-1"),
		map[string]string{"session_id": testSession, "token": tokenStr})
	if w.Code != http.StatusOK {
		t.Fatalf("scan of issued qr = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestListRecords(t *testing.T) {
	env := newTestEnv(t, "100/minute")
	signed, _, _ := env.tokens.Issue(testSession, "c", "t")
	w := env.do(t, http.MethodPost, "/v1/attendance/mark", env.bearer(t, "student-1", "EXT-1"),
		map[string]string{"session_id": testSession, "token": signed})
	if w.Code != http.StatusCreated {
		t.Fatalf("mark status = %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/v1/attendance/records?session_id="+testSession,
		env.bearer(t, "teacher-1", ""), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if count, _ := resp["count"].(float64); count != 1 {
		t.Errorf("count = %v", resp["count"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, "100/minute")
	w := env.do(t, http.MethodGet, "/attendance/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode(t, w)
	if resp["status"] != "ok" || resp["service"] != "attendance" || resp["timestamp"] == nil {
		t.Errorf("health body = %v", resp)
	}
}
