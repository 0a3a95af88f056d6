package resilience

import (
	"context"
	"errors"
	"net/http"
)

// Transport is an http.RoundTripper that consults a Breaker before every
// outbound request. Network errors and 5xx responses count as failures; a
// request cancelled by its caller is not reported at all. Retries are left to
// the client using the transport.
type Transport struct {
	Base    http.RoundTripper
	Breaker *Breaker
}

// RoundTrip implements http.RoundTripper.
func (t Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Breaker == nil {
		return base.RoundTrip(req)
	}
	ctx := req.Context()
	if !t.Breaker.Allow(ctx) {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, ErrOpenCircuit
	}
	resp, err := base.RoundTrip(req)
	switch {
	case err != nil && (errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled)):
	case err != nil:
		t.Breaker.Report(ctx, false)
	default:
		t.Breaker.Report(ctx, resp.StatusCode < http.StatusInternalServerError)
	}
	return resp, err
}
