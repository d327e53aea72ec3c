package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAccessLog(t *testing.T) {
	core, obs := observer.New(zapcore.InfoLevel)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	})

	final := NewChain(
		Correlation(CorrelationConfig{}),
		AccessLog(AccessLogConfig{Logger: zap.New(core)}),
	).Then(handler)

	req := httptest.NewRequest("POST", "/items", nil)
	req.Header.Set("X-Correlation-Id", "abc-123")
	rr := httptest.NewRecorder()
	final.ServeHTTP(rr, req)

	entries := obs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["correlation_id"] != "abc-123" {
		t.Errorf("expected correlation_id abc-123, got %v", fields["correlation_id"])
	}
	if fields["status"] != int64(http.StatusCreated) {
		t.Errorf("expected status 201, got %v", fields["status"])
	}
	if fields["body_bytes"] != int64(len("created")) {
		t.Errorf("expected body_bytes 7, got %v", fields["body_bytes"])
	}
}

func TestAccessLogSkipPaths(t *testing.T) {
	core, obs := observer.New(zapcore.InfoLevel)

	final := AccessLog(AccessLogConfig{Logger: zap.New(core), SkipPaths: []string{"/health"}})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}),
	)

	final.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/health", nil))
	if obs.Len() != 0 {
		t.Errorf("expected no entries for skipped path, got %d", obs.Len())
	}

	final.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/other", nil))
	if obs.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", obs.Len())
	}
}

func TestLoggingResponseWriterFlushDelegates(t *testing.T) {
	rr := httptest.NewRecorder()
	lrw := &loggingResponseWriter{ResponseWriter: rr, status: http.StatusOK}
	lrw.Flush()

	if !rr.Flushed {
		t.Error("expected Flush to delegate to the underlying writer")
	}
	if lrw.Unwrap() != rr {
		t.Error("expected Unwrap to return the underlying writer")
	}
}
