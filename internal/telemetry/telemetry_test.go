package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()
	m.ObserveCall("local", "authenticate", "ok", 20*time.Millisecond)
	m.ObserveCall("local", "authenticate", "ok", 30*time.Millisecond)
	m.ObserveCall("local", "list_challenges", "session_expired", time.Millisecond)
	m.RecordSubmission("local", true)
	m.RecordSubmission("local", false)
	m.RecordSubmission("local", false)
	m.RecordRefresh("ops|file:///tmp/r.yaml", "ok", 4)
	m.RecordRefresh("ops|file:///tmp/r.yaml", "platform_unavailable", 0)

	if got := testutil.ToFloat64(m.adapterCalls.WithLabelValues("local", "authenticate", "ok")); got != 2 {
		t.Errorf("authenticate ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.submissions.WithLabelValues("local", "rejected")); got != 2 {
		t.Errorf("rejected = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.rosterSize.WithLabelValues("ops|file:///tmp/r.yaml")); got != 4 {
		t.Errorf("roster size = %v, want 4", got)
	}
	if got := testutil.CollectAndCount(m.refreshes); got != 2 {
		t.Errorf("refresh series = %d, want 2", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveCall("a", "b", "ok", time.Second)
	m.RecordSubmission("a", true)
	m.RecordRefresh("k", "ok", 1)
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.RecordSubmission("local", true)

	ts := httptest.NewServer(m.Handler())
	defer ts.Close()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, ts.URL, nil)
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `ctfops_submissions_total{adapter="local",verdict="accepted"} 1`) {
		t.Errorf("metrics output missing submission counter:\n%s", body)
	}
}

func TestCorrelationID(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "")
	id := CorrelationID(ctx)
	if len(id) != 26 {
		t.Fatalf("generated id %q is not a ULID", id)
	}
	if got := CorrelationID(WithCorrelationID(ctx, "fixed")); got != "fixed" {
		t.Errorf("explicit id = %q", got)
	}
	if CorrelationID(context.Background()) != "" {
		t.Error("empty context has a correlation id")
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	ctx := WithCorrelationID(context.Background(), "cid-1")
	RequestLogger(logger, ctx, "login").Info("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["command"] != "login" || line["correlation_id"] != "cid-1" {
		t.Errorf("log line = %v", line)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo, "loud": slog.LevelInfo,
	} {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTracer_Spans(t *testing.T) {
	var spans []Span
	tr := NewTracer(func(s Span) { spans = append(spans, s) })
	ctx := WithCorrelationID(context.Background(), "trace-1")

	ctx, parent := tr.Start(ctx, "solve", KeyAttrs("https://ctf", "ops")...)
	_, child := tr.Start(ctx, "login")
	child.End("")
	parent.End("invalid_flag")

	if len(spans) != 2 {
		t.Fatalf("exported %d spans", len(spans))
	}
	if spans[0].TraceID != "trace-1" || spans[0].ParentID != parent.SpanID || spans[0].Outcome != "ok" {
		t.Errorf("child span = %+v", spans[0])
	}
	if spans[1].Outcome != "invalid_flag" || len(spans[1].Attrs) != 2 {
		t.Errorf("parent span = %+v", spans[1])
	}
}

func TestTracer_RootWithoutCorrelationID(t *testing.T) {
	_, span := NewTracer(nil).Start(context.Background(), "refresh")
	if span.TraceID == "" || span.ParentID != "" {
		t.Errorf("root span = %+v", span)
	}
	span.End("")
}

func TestLogExporter(t *testing.T) {
	var buf bytes.Buffer
	tr := NewTracer(LogExporter(NewLogger(&buf, slog.LevelDebug)))
	_, span := tr.Start(context.Background(), "refresh", slog.String("url", "u"))
	span.End("")
	out := buf.String()
	if !strings.Contains(out, `"op":"refresh"`) || !strings.Contains(out, `"url":"u"`) {
		t.Errorf("span not logged: %s", out)
	}
}
