package circuitbreaker

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper guards an outbound HTTP client with a circuit breaker. The
// gateway uses one per upstream provider host (§4.D) so a single flaky
// provider trips its own breaker without throttling requests routed to a
// healthy one.
type HTTPWrapper struct {
	client  *http.Client
	cb      *CircuitBreaker
	name    string
	service string
	logger  *zap.Logger
}

// NewHTTPWrapper creates an HTTP wrapper with circuit breaker and metrics,
// sized from the CB_HTTP_* environment variables (GetHTTPConfig).
// name identifies the guarded host (e.g. "upstream-provider"); service
// identifies the calling gateway component (e.g. "chat-completions").
func NewHTTPWrapper(client *http.Client, name, service string, logger *zap.Logger) *HTTPWrapper {
	return NewHTTPWrapperWithConfig(client, name, service, GetHTTPConfig(), logger)
}

// NewHTTPWrapperWithConfig is NewHTTPWrapper with an explicit breaker
// config, letting a caller (cmd/gateway/main.go) seed the breaker from
// config.BudgetConfig.CircuitBreaker (features.yaml) instead of the
// CB_HTTP_* env vars alone.
func NewHTTPWrapperWithConfig(client *http.Client, name, service string, cfg CircuitBreakerConfig, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	cb := NewCircuitBreaker(name, cfg.ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(name, service, cb)
	return &HTTPWrapper{client: client, cb: cb, name: name, service: service, logger: logger}
}

// Do executes req through the circuit breaker. A transport error or a 5xx
// response trips the breaker; 4xx responses are the provider working as
// intended (bad request, rate limit, auth failure) and do not count against it.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	cbErr := hw.cb.Execute(req.Context(), func() error {
		var err error
		resp, err = hw.client.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return &httpStatusError{code: resp.StatusCode}
		}
		return nil
	})

	if statusErr, ok := cbErr.(*httpStatusError); ok {
		GlobalMetricsCollector.RecordRequest(hw.name, hw.service, hw.cb.State(), false)
		_ = statusErr
		return resp, nil
	}
	GlobalMetricsCollector.RecordRequest(hw.name, hw.service, hw.cb.State(), cbErr == nil)
	return resp, cbErr
}

// httpStatusError marks a 5xx response as a breaker failure while still
// letting the caller see the real response.
type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return http.StatusText(e.code) }
