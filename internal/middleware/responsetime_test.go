package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestResponseTime(t *testing.T) {
	final := ResponseTime()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	rr := httptest.NewRecorder()
	final.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	got := rr.Header().Get(ResponseTimeHeader)
	if !strings.HasSuffix(got, "ms") {
		t.Errorf("expected millisecond value, got %q", got)
	}
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status to pass through, got %d", rr.Code)
	}
}

func TestResponseTimeOnImplicitOK(t *testing.T) {
	final := ResponseTime()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("body"))
	}))

	rr := httptest.NewRecorder()
	final.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	if rr.Header().Get(ResponseTimeHeader) == "" {
		t.Error("expected response time header on implicit 200")
	}
	if rr.Body.String() != "body" {
		t.Errorf("unexpected body %q", rr.Body.String())
	}
}
