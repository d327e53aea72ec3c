package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/microbank/gateway/internal/circuitbreaker"
	"github.com/microbank/gateway/internal/fallback"
	"github.com/microbank/gateway/internal/logging"
	"github.com/microbank/gateway/internal/metrics"
	"github.com/microbank/gateway/internal/middleware/auth"
	"github.com/microbank/gateway/internal/proxy"
	"github.com/microbank/gateway/internal/retry"
	"github.com/microbank/gateway/internal/router"
	"github.com/microbank/gateway/internal/tracing"
	"github.com/microbank/gateway/internal/variables"
)

// upstreamStatusError is an attempt that reached the upstream but got a 5xx.
type upstreamStatusError struct {
	code int
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.code)
}

// dispatcher runs one request through match, authorize, limit and the
// breaker-guarded retry loop. It keeps no per-request state of its own.
type dispatcher struct {
	env     *environment
	metrics *metrics.Collector
	tracer  *tracing.Tracer
}

func (d *dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	vc := variables.GetFromRequest(r)
	start := time.Now()

	route, ok := d.env.routes.Match(r.URL.Path, r.Method)
	if !ok {
		d.reject(w, r, vc, fallback.ReasonRouteNotFound, start)
		return
	}
	vc.Route = route

	decision := d.env.gate.Authorize(auth.BearerToken(r), route, r.Method)
	if !decision.Allowed {
		reason := fallback.ReasonUnauthenticated
		if decision.Reason == auth.ReasonForbidden {
			reason = fallback.ReasonForbidden
		}
		d.reject(w, r, vc, reason, start)
		return
	}
	vc.Subject = decision.Subject
	vc.CallerRoles = decision.Roles

	if res, limited := d.env.limiters.Allow(r, route.ID); limited {
		res.SetHeaders(w.Header())
		if !res.Allowed {
			w.Header().Set("Retry-After", retryAfterSeconds(res.RetryAfter))
			d.metrics.RecordRateLimited(route.ID)
			d.reject(w, r, vc, fallback.ReasonRateLimited, start)
			return
		}
	}

	resp, err := d.call(r, vc, route)
	if err != nil {
		d.reject(w, r, vc, classify(err), start)
		return
	}

	if err := proxy.WriteResponse(w, resp); err != nil {
		logging.Debug("failed to relay upstream response",
			zap.String("correlation_id", vc.CorrelationID),
			zap.String("route", route.ID),
			zap.Error(err),
		)
	}
	d.metrics.RecordRequest(route.ID, r.Method, resp.StatusCode, time.Since(start))

	logging.Debug("request dispatched",
		zap.String("correlation_id", vc.CorrelationID),
		zap.String("route", route.ID),
		zap.String("upstream", vc.UpstreamAddr),
		zap.Int("status", resp.StatusCode),
		zap.Int("attempts", vc.Attempts),
	)
}

// call runs the upstream attempts for route. Each attempt is admitted by the
// route's breaker, reports its own outcome to it, and is retried per the
// route's retry policy. The returned response is never a 5xx.
func (d *dispatcher) call(r *http.Request, vc *variables.Context, route *router.Route) (*http.Response, error) {
	policy, _ := d.env.retries.Get(route.ID)
	breaker := d.env.breakers.GetBreaker(route.ID)

	var body []byte
	if policy.Applies(r.Method) {
		var err error
		if body, err = proxy.BufferBody(r); err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
	}

	var resp *http.Response
	op := func(attempt int) error {
		vc.Attempts = attempt

		var done func(success bool)
		if breaker != nil {
			var err error
			if done, err = breaker.Allow(); err != nil {
				return retry.Permanent(err)
			}
		}

		ctx, span := d.tracer.StartSpan(r.Context(), "upstream "+route.Service)
		span.SetAttributes(
			attribute.String("gateway.route", route.ID),
			attribute.Int("gateway.attempt", attempt),
		)
		res, err := d.env.forwarder.Forward(r.WithContext(ctx), route, body)

		status := 0
		if res != nil {
			status = res.StatusCode
		}
		failed := circuitbreaker.IsFailure(status, err)
		if done != nil {
			done(!failed)
		}
		endAttemptSpan(span, vc.UpstreamAddr, status, err)

		if err != nil {
			return err
		}
		if failed {
			res.Body.Close()
			return &upstreamStatusError{code: status}
		}
		resp = res
		return nil
	}

	notify := func(err error, delay time.Duration) {
		d.metrics.RecordRetry(route.ID)
		logging.Debug("retrying upstream call",
			zap.String("correlation_id", vc.CorrelationID),
			zap.String("route", route.ID),
			zap.Int("attempt", vc.Attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	if err := policy.Execute(r.Context(), r.Method, op, notify); err != nil {
		return nil, err
	}
	return resp, nil
}

func endAttemptSpan(span trace.Span, upstream string, status int, err error) {
	if upstream != "" {
		span.SetAttributes(attribute.String("gateway.upstream", upstream))
	}
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream call failed")
	case status >= 500:
		span.SetStatus(codes.Error, http.StatusText(status))
	}
	if status > 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", status))
	}
	span.End()
}

// reject answers the request from the fallback dispatcher.
func (d *dispatcher) reject(w http.ResponseWriter, r *http.Request, vc *variables.Context, reason fallback.Reason, start time.Time) {
	routeID := vc.RouteID()
	d.env.fallback.Respond(w, reason, vc.Route, vc.CorrelationID)
	d.metrics.RecordFallback(routeID, reason.String())
	d.metrics.RecordRequest(routeID, r.Method, reason.Status(), time.Since(start))

	logging.Debug("request answered by fallback",
		zap.String("correlation_id", vc.CorrelationID),
		zap.String("route", routeID),
		zap.String("path", r.URL.Path),
		zap.String("reason", reason.String()),
		zap.Int("attempts", vc.Attempts),
	)
}

// classify maps the error that ended an upstream call to a fallback reason.
func classify(err error) fallback.Reason {
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return fallback.ReasonCircuitOpen
	case errors.Is(err, context.Canceled):
		return fallback.ReasonUpstreamError
	case proxy.IsTimeout(err):
		return fallback.ReasonUpstreamTimeout
	default:
		return fallback.ReasonUpstreamError
	}
}

// retryAfterSeconds renders a wait as whole seconds, rounded up, at least 1.
func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
