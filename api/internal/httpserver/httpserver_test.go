package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"exam-grader/api/internal/handle"
	"exam-grader/api/internal/types"
)

type stubRecognizer struct{}

func (stubRecognizer) RecognizeBlankSheet(context.Context, string) (types.RecognitionResult, error) {
	return types.RecognitionResult{}, nil
}

func (stubRecognizer) RecognizeCombined(context.Context, []string, []string) (types.RecognitionResult, error) {
	return types.RecognitionResult{}, nil
}

func (stubRecognizer) RecognizeAnswers(context.Context, []string) (types.AnswerRecognitionResponse, error) {
	return types.AnswerRecognitionResponse{}, nil
}

type stubSubmitter struct{}

func (stubSubmitter) Submit(req types.GradeBatchRequest) (types.GradeBatchAccepted, error) {
	return types.GradeBatchAccepted{Success: true, SubmittedCount: len(req.Sheets)}, nil
}

func newRoutes(opts Options) http.Handler {
	return Routes(opts, handle.New(stubRecognizer{}, stubSubmitter{}, nil, handle.Limits{}))
}

func TestRoutes(t *testing.T) {
	h := newRoutes(Options{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/recognition/blank-sheet", strings.NewReader(`{"imageUrl":"http://x"}`)))
	if rr.Code != http.StatusOK {
		t.Fatalf("blank-sheet: %d %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/recognition/answers", nil))
	if rr.Code != http.StatusMethodNotAllowed || rr.Header().Get("Allow") != http.MethodPost {
		t.Fatalf("GET on POST route: %d allow=%q", rr.Code, rr.Header().Get("Allow"))
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/grading/sheets/7", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("sheet status without ledger: %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/grading/sheets/7", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST on sheet status: %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/nope", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown route: %d", rr.Code)
	}
}

func TestRateLimit(t *testing.T) {
	h := newRoutes(Options{RateLimitEvery: time.Hour, RateLimitBurst: 2})

	send := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/recognition/blank-sheet", strings.NewReader(`{"imageUrl":"http://x"}`))
		req.Header.Set("X-Forwarded-For", ip+", 10.0.0.1")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code == http.StatusTooManyRequests && rr.Header().Get("Retry-After") == "" {
			t.Fatal("429 without Retry-After")
		}
		return rr.Code
	}
	for i := 0; i < 2; i++ {
		if code := send("1.1.1.1"); code != http.StatusOK {
			t.Fatalf("request %d: %d", i, code)
		}
	}
	if code := send("1.1.1.1"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
	if code := send("2.2.2.2"); code != http.StatusOK {
		t.Fatalf("other client must have its own budget, got %d", code)
	}
}

func TestRecovery(t *testing.T) {
	h := withRecovery(withLogging(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	})))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError || !strings.Contains(rr.Body.String(), "internal server error") {
		t.Fatalf("got %d %s", rr.Code, rr.Body.String())
	}
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"forwarded list", map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, "10.0.0.1:1234", "203.0.113.5"},
		{"forwarded single", map[string]string{"X-Forwarded-For": " 203.0.113.6 "}, "10.0.0.1:1234", "203.0.113.6"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.7"}, "10.0.0.1:1234", "198.51.100.7"},
		{"remote addr", nil, "192.0.2.1:5555", "192.0.2.1"},
		{"remote without port", nil, "192.0.2.2", "192.0.2.2"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tc.remote
		for k, v := range tc.header {
			req.Header.Set(k, v)
		}
		if got := clientIP(req); got != tc.want {
			t.Errorf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestNew(t *testing.T) {
	srv := New(Options{Addr: ":0", ReadHeaderTimeout: time.Second}, handle.New(stubRecognizer{}, stubSubmitter{}, nil, handle.Limits{}))
	if srv.Addr != ":0" || srv.ReadHeaderTimeout != time.Second || srv.Handler == nil {
		t.Fatalf("server: %+v", srv)
	}
}
