package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"go.opentelemetry.io/otel/attribute"
)

func scrape(t *testing.T, tel *telemetry) string {
	t.Helper()
	if tel.metrics == nil {
		t.Fatal("expected a metrics handler")
	}
	rec := httptest.NewRecorder()
	tel.metrics.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestTelemetryRegistryPerNode(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	cfgA := config.Default()
	cfgA.Node.ID = "node-a"
	a, err := setupTelemetry(cfgA, logger)
	if err != nil {
		t.Fatalf("setup telemetry a: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(ctx) })

	cfgB := config.Default()
	cfgB.Node.ID = "node-b"
	b, err := setupTelemetry(cfgB, logger)
	if err != nil {
		t.Fatalf("setup telemetry b: %v", err)
	}
	t.Cleanup(func() { _ = b.Shutdown(ctx) })

	counter, err := a.meterProvider.Meter("scribe-test").Int64Counter("scribe_test_sessions")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(ctx, 3)

	if body := scrape(t, a); !strings.Contains(body, "scribe_test_sessions_total") {
		t.Fatalf("node a metrics missing counter:\n%s", body)
	}
	body := scrape(t, b)
	if strings.Contains(body, "scribe_test_sessions") {
		t.Fatal("node b exposed node a's counter")
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Fatal("expected runtime collectors on /metrics")
	}
	if a.exporter != "none" {
		t.Fatalf("expected no trace exporter by default, got %q", a.exporter)
	}
}

func TestNodeResourceDescribesRecognizer(t *testing.T) {
	cfg := config.Default()
	cfg.Node.ID = "kitchen-1"
	cfg.Recognizer.Mode = "google"
	cfg.Recognizer.Language = "en-GB"

	res, err := nodeResource(context.Background(), cfg)
	if err != nil {
		t.Fatalf("node resource: %v", err)
	}
	want := map[attribute.Key]string{
		"service.instance.id":        "kitchen-1",
		"scribe.recognizer.mode":     "google",
		"scribe.recognizer.language": "en-GB",
		"service.name":               cfg.RuntimeName,
	}
	set := res.Set()
	for key, value := range want {
		got, ok := set.Value(key)
		if !ok || got.AsString() != value {
			t.Errorf("%s = %q, want %q", key, got.AsString(), value)
		}
	}
}
