//go:build ignore

// Mock microservice for exercising the gateway locally.
// Run with: go run scripts/mock-backend.go -port 9000 -name cards -fail-rate 0.3
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"time"
)

func main() {
	port := flag.Int("port", 9000, "Port to listen on")
	name := flag.String("name", "cards", "Service name reported in responses")
	failRate := flag.Float64("fail-rate", 0, "Fraction of requests answered with 503")
	delay := flag.Duration("delay", 0, "Delay before every response")
	flag.Parse()

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "service": *name})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if *delay > 0 {
			time.Sleep(*delay)
		}
		w.Header().Set("Content-Type", "application/json")
		if rand.Float64() < *failRate {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"error": "simulated failure"})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service":        *name,
			"path":           r.URL.Path,
			"method":         r.Method,
			"query":          r.URL.RawQuery,
			"correlation_id": r.Header.Get("X-Correlation-Id"),
			"forwarded_for":  r.Header.Get("X-Forwarded-For"),
			"traceparent":    r.Header.Get("Traceparent"),
			"timestamp":      time.Now().Format(time.RFC3339),
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("mock %s service listening on %s (fail-rate %.2f, delay %v)", *name, addr, *failRate, *delay)
	log.Fatal(http.ListenAndServe(addr, mux))
}
