package middleware

import (
	"net/http"
	"sync"
)

var hookRWPool = sync.Pool{
	New: func() any { return &hookResponseWriter{} },
}

// hookResponseWriter runs a callback against the response headers exactly
// once, immediately before they are sent.
type hookResponseWriter struct {
	http.ResponseWriter
	before      func(http.Header)
	wroteHeader bool
}

func acquireHookWriter(w http.ResponseWriter, before func(http.Header)) *hookResponseWriter {
	hw := hookRWPool.Get().(*hookResponseWriter)
	hw.ResponseWriter = w
	hw.before = before
	hw.wroteHeader = false
	return hw
}

func releaseHookWriter(hw *hookResponseWriter) {
	hw.ResponseWriter = nil
	hw.before = nil
	hookRWPool.Put(hw)
}

func (hw *hookResponseWriter) WriteHeader(status int) {
	if !hw.wroteHeader {
		hw.wroteHeader = true
		hw.before(hw.ResponseWriter.Header())
	}
	hw.ResponseWriter.WriteHeader(status)
}

func (hw *hookResponseWriter) Write(b []byte) (int, error) {
	if !hw.wroteHeader {
		hw.WriteHeader(http.StatusOK)
	}
	return hw.ResponseWriter.Write(b)
}

// finish commits headers for handlers that returned without writing.
func (hw *hookResponseWriter) finish() {
	if !hw.wroteHeader {
		hw.WriteHeader(http.StatusOK)
	}
}

// Flush implements http.Flusher
func (hw *hookResponseWriter) Flush() {
	if !hw.wroteHeader {
		hw.WriteHeader(http.StatusOK)
	}
	if f, ok := hw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (hw *hookResponseWriter) Unwrap() http.ResponseWriter {
	return hw.ResponseWriter
}
