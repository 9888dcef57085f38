package tracing

import (
	"net/http"

	"github.com/smallbiznis/genquota/pkg/telemetry/correlation"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// WrapHTTPClient instruments outbound calls and forwards the correlation id.
func WrapHTTPClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	wrapped := *client
	wrapped.Transport = otelhttp.NewTransport(correlationTransport{next: base})
	return &wrapped
}

type correlationTransport struct {
	next http.RoundTripper
}

func (t correlationTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if cid := correlation.ExtractCorrelationID(req.Context()); cid != "" && req.Header.Get(correlation.HeaderName) == "" {
		req = req.Clone(req.Context())
		req.Header.Set(correlation.HeaderName, cid)
	}
	return t.next.RoundTrip(req)
}
