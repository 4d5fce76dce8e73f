package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// opsHandler answers the ops routes with the given statuses and 404s the rest.
func opsHandler(m *Metrics, statuses map[string]int) http.Handler {
	return Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if code, ok := statuses[r.URL.Path]; ok {
			w.WriteHeader(code)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
}

func TestRoute(t *testing.T) {
	t.Parallel()

	for path, want := range map[string]string{
		"/healthz":   "/healthz",
		"/readyz":    "/readyz",
		"/metrics":   "/metrics",
		"/wp-login":  routeOther,
		"/healthz/x": routeOther,
		"":           routeOther,
	} {
		if got := route(path); got != want {
			t.Errorf("route(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestMiddleware_Spans(t *testing.T) {
	exp := useTestTracer(t)
	m, _ := newTestMetrics(t)
	h := opsHandler(m, map[string]int{"/readyz": http.StatusServiceUnavailable})

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/readyz", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/.env", nil))

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Name != "HTTP GET /readyz" || spans[1].Name != "HTTP GET other" {
		t.Errorf("span names = %q, %q", spans[0].Name, spans[1].Name)
	}
	if v, ok := spanAttr(spans[0], "http.response.status_code"); !ok || v.AsInt64() != 503 {
		t.Errorf("status attribute = %v, %v", v.AsInt64(), ok)
	}
}

func TestMiddleware_CorrelationID(t *testing.T) {
	useTestTracer(t)
	m, _ := newTestMetrics(t)

	var seen string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	}))

	t.Run("new trace", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
		if len(seen) != 32 {
			t.Fatalf("correlation ID = %q", seen)
		}
		if got := rec.Header().Get("X-Correlation-ID"); got != seen {
			t.Errorf("X-Correlation-ID = %q, want %q", got, seen)
		}
	})

	t.Run("propagated trace", func(t *testing.T) {
		const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
		req := httptest.NewRequest("GET", "/readyz", nil)
		req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if seen != traceID {
			t.Errorf("correlation ID = %q, want %q", seen, traceID)
		}
		if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
			t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
		}
	})
}

func TestMiddleware_RecordsDurationByRoute(t *testing.T) {
	useTestTracer(t)
	m, reader := newTestMetrics(t)
	h := opsHandler(m, map[string]int{"/metrics": http.StatusOK})

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/metrics", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/admin", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/phpmyadmin", nil))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "yomiage.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric is %T, want histogram", met.Data)
	}

	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		rt, _ := dp.Attributes.Value(attribute.Key("route"))
		st, _ := dp.Attributes.Value(attribute.Key("status"))
		counts[rt.AsString()+" "+st.Emit()] += dp.Count
	}
	if counts["/metrics 200"] != 1 || counts["other 404"] != 2 || len(counts) != 2 {
		t.Errorf("samples by route and status = %v", counts)
	}
}

func TestMiddleware_LogLevels(t *testing.T) {
	useTestTracer(t)
	m, _ := newTestMetrics(t)
	h := opsHandler(m, map[string]int{
		"/healthz": http.StatusOK,
		"/readyz":  http.StatusServiceUnavailable,
	})

	tests := []struct {
		path      string
		wantLevel string
	}{
		{"/healthz", "level=DEBUG"},
		{"/readyz", "level=INFO"},
		{"/unknown", "level=INFO"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			buf := captureLogs(t)
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", tt.path, nil))
			out := buf.String()
			if !strings.Contains(out, tt.wantLevel) || !strings.Contains(out, "path="+tt.path) {
				t.Errorf("log = %q, want %s for %s", out, tt.wantLevel, tt.path)
			}
		})
	}
}
