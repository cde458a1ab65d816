package httpserver

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"exam-grader/api/internal/handle"
)

type Options struct {
	Addr              string
	RateLimitEvery    time.Duration
	RateLimitBurst    int
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

// New собирает маршруты и middleware в http.Server.
func New(opts Options, h *handle.Handle) *http.Server {
	return &http.Server{
		Addr:              opts.Addr,
		Handler:           Routes(opts, h),
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
		ReadTimeout:       opts.ReadTimeout,
		WriteTimeout:      opts.WriteTimeout,
		IdleTimeout:       opts.IdleTimeout,
		MaxHeaderBytes:    1 << 20,
	}
}

func Routes(opts Options, h *handle.Handle) http.Handler {
	rl := newRateLimiter(opts.RateLimitEvery, opts.RateLimitBurst)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.Healthz)
	mux.HandleFunc("/recognition/blank-sheet", withMethod(http.MethodPost, rl.wrap(h.BlankSheet)))
	mux.HandleFunc("/recognition/answers", withMethod(http.MethodPost, rl.wrap(h.Answers)))
	mux.HandleFunc("/recognition/combined", withMethod(http.MethodPost, rl.wrap(h.Combined)))
	mux.HandleFunc("/grading/grade-batch", withMethod(http.MethodPost, rl.wrap(h.GradeBatch)))
	mux.HandleFunc("/grading/sheets/{id}", withMethod(http.MethodGet, rl.wrap(h.SheetStatus)))

	return withRecovery(withLogging(mux))
}

// ---------- Middleware ----------

func writeErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func withMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			writeErr(w, http.StatusMethodNotAllowed, "method must be "+method)
			return
		}
		next(w, r)
	}
}

type rateLimiter struct {
	every    time.Duration
	burst    int
	limiters sync.Map // ip -> *rate.Limiter
}

func newRateLimiter(every time.Duration, burst int) *rateLimiter {
	if every <= 0 {
		every = 600 * time.Millisecond // ~100/min
	}
	if burst <= 0 {
		burst = 20
	}
	return &rateLimiter{every: every, burst: burst}
}

func (rl *rateLimiter) get(ip string) *rate.Limiter {
	if v, ok := rl.limiters.Load(ip); ok {
		return v.(*rate.Limiter)
	}
	v, _ := rl.limiters.LoadOrStore(ip, rate.NewLimiter(rate.Every(rl.every), rl.burst))
	return v.(*rate.Limiter)
}

func (rl *rateLimiter) wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.get(clientIP(r)).Allow() {
			w.Header().Set("Retry-After", "60")
			writeErr(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic in handler", slog.String("path", r.URL.Path), slog.Any("panic", err))
				writeErr(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &wrapWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.status),
			slog.Duration("took", time.Since(start)))
	})
}

type wrapWriter struct {
	http.ResponseWriter
	status int
}

func (w *wrapWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		if idx := strings.Index(ip, ","); idx > 0 {
			return strings.TrimSpace(ip[:idx])
		}
		return strings.TrimSpace(ip)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
