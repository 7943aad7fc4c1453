package engine

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"dataguard/internal/config"
	"dataguard/internal/instrument"
	"dataguard/internal/metadata"
)

func newTestEngine(t *testing.T) (*Engine, *Metrics) {
	t.Helper()
	reg := newTestRegistry()
	reg.PutPolicy(reportPolicy())

	metrics, err := NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("register metrics: %v", err)
	}
	e := New(reg, Options{
		Exempt:  map[metadata.SensitiveDataType][]metadata.Permission{metadata.DataPhone: {userManage}},
		Metrics: metrics,
	})
	return e, metrics
}

func TestEngine_CheckPermission(t *testing.T) {
	e, metrics := newTestEngine(t)
	sink := &instrument.MemorySink{}
	buf := instrument.NewEventBuffer([]instrument.Sink{sink}, 100, 60000, nil)
	defer buf.Stop()
	ctx := instrument.WithInstrumenter(context.Background(), instrument.NewInstrumenter(buf))

	if d := e.CheckPermission(ctx, "alice", metadata.ResourceReport, metadata.ActionRead); !d.Granted {
		t.Fatalf("expected grant, got %+v", d)
	}
	if d := e.CheckPermission(ctx, "alice", metadata.ResourceUser, metadata.ActionManage); d.Granted {
		t.Fatal("expected denial")
	}

	if got := testutil.ToFloat64(metrics.checks.WithLabelValues("report", ResultGranted)); got != 1 {
		t.Fatalf("expected 1 granted check, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.checks.WithLabelValues("user", ResultDenied)); got != 1 {
		t.Fatalf("expected 1 denied check, got %v", got)
	}

	stats := e.PermissionUsageStats(0)
	if len(stats) != 1 || stats[0].Permission != "report:read" {
		t.Fatalf("expected only the granted check in usage, got %+v", stats)
	}

	buf.Flush()
	var access int
	for _, ev := range sink.Events() {
		if ev.EventType == instrument.EventTypeAccess {
			access++
		}
	}
	if access != 2 {
		t.Fatalf("expected 2 access events, got %d", access)
	}
}

func TestEngine_FilterAndMaskRecords(t *testing.T) {
	e, metrics := newTestEngine(t)
	ctx := context.Background()

	records := []metadata.Record{
		{"id": 1, "owner": "bob"},
		{"id": 2, "owner": "alice", "ssn": "123-45-6789", "phone": "13812345678"},
	}

	out := e.FilterAndMaskRecords(ctx, "alice", "report", records, nil)
	if len(out) != 1 {
		t.Fatalf("expected 1 visible record, got %d", len(out))
	}
	if _, ok := out[0]["ssn"]; ok {
		t.Fatal("expected ssn to be removed")
	}
	if out[0]["phone"] != "138****5678" {
		t.Fatalf("expected masked phone, got %v", out[0]["phone"])
	}
	if got := testutil.ToFloat64(metrics.rowsDropped.WithLabelValues("report")); got != 1 {
		t.Fatalf("expected 1 dropped row, got %v", got)
	}

	usage := e.UserPermissionUsage("alice", 0)
	if len(usage) != 1 || usage[0].Permission != "report:read" {
		t.Fatalf("expected report:read usage from the row rule, got %+v", usage)
	}

	if got := e.FilterAndMaskRecords(ctx, "nobody", "report", records, nil); len(got) != 0 {
		t.Fatalf("expected nothing for an unknown user, got %v", got)
	}
}

func TestEngine_FilterWithoutPolicy(t *testing.T) {
	e, _ := newTestEngine(t)

	out := e.FilterAndMaskRecords(context.Background(), "alice", "dashboard", []metadata.Record{{"id": 1}}, nil)
	if len(out) != 1 {
		t.Fatalf("expected pass-through for a resource without policy, got %v", out)
	}
}

func TestEngine_ApplyFieldControls(t *testing.T) {
	e, _ := newTestEngine(t)
	rec := metadata.Record{"ssn": "123-45-6789", "phone": "13812345678"}

	out := e.ApplyFieldControls(context.Background(), "bob", "report", rec)
	if out["ssn"] != "123-45-6789" {
		t.Fatalf("expected bob to see ssn, got %v", out)
	}

	out = e.ApplyFieldControls(context.Background(), "nobody", "report", rec)
	if _, ok := out["ssn"]; ok {
		t.Fatal("expected unknown user to lose ssn")
	}
}

func TestEngine_ApplyFieldControls_UnknownUserIsRecorded(t *testing.T) {
	e, _ := newTestEngine(t)
	sink := &instrument.MemorySink{}
	buf := instrument.NewEventBuffer([]instrument.Sink{sink}, 100, 60000, nil)
	defer buf.Stop()
	ctx := instrument.WithInstrumenter(context.Background(), instrument.NewInstrumenter(buf))

	e.ApplyFieldControls(ctx, "nobody", "report", metadata.Record{"ssn": "123-45-6789"})
	buf.Flush()

	var denied int
	for _, ev := range sink.Events() {
		if ev.EventType == instrument.EventTypeAccess && ev.Status != nil && *ev.Status == ResultDenied {
			denied++
		}
	}
	if denied != 1 {
		t.Fatalf("expected 1 denied access event, got %d", denied)
	}
}

func TestEngine_MaskValue(t *testing.T) {
	e, _ := newTestEngine(t)

	if got := e.MaskValue("13812345678", metadata.DataPhone, ""); got != "138****5678" {
		t.Fatalf("expected masked phone, got %s", got)
	}
	if got := e.MaskValue("13812345678", metadata.DataPhone, "alice"); got != "138****5678" {
		t.Fatalf("expected alice to see the masked phone, got %s", got)
	}
	if got := e.MaskValue("13812345678", metadata.DataPhone, "bob"); got != "13812345678" {
		t.Fatalf("expected exempt user to see the raw phone, got %s", got)
	}
}

func TestNewFromConfig(t *testing.T) {
	cfg := &config.Config{
		Masking: config.MaskingConfig{
			Functions: map[string]string{"initials": `value[0:1] + "."`},
			Exempt:    map[string][]string{"phone": {"user:manage"}},
		},
	}
	e, err := NewFromConfig(newTestRegistry(), cfg, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rule := metadata.MaskingRule{DataType: metadata.DataHealth, Strategy: metadata.StrategyCustom, CustomFunc: "initials"}
	if got := e.Masker().Apply("Alice", rule); got != "A." {
		t.Fatalf("expected A., got %s", got)
	}

	cfg.Masking.Exempt = map[string][]string{"dna": {"user:manage"}}
	if _, err := NewFromConfig(newTestRegistry(), cfg, nil, nil); err == nil {
		t.Fatal("expected error for unknown data type")
	}

	cfg.Masking.Exempt = nil
	cfg.Masking.Functions = map[string]string{"bad": "value +"}
	if _, err := NewFromConfig(newTestRegistry(), cfg, nil, nil); err == nil {
		t.Fatal("expected error for invalid expression")
	}
}

func TestNewFromConfig_ExampleFile(t *testing.T) {
	cfg, err := config.Load("../../dataguard.yaml")
	if err != nil {
		t.Fatalf("load example config: %v", err)
	}
	e, err := NewFromConfig(newTestRegistry(), cfg, nil, nil)
	if err != nil {
		t.Fatalf("example config does not build an engine: %v", err)
	}
	rule := metadata.MaskingRule{DataType: metadata.DataHealth, Strategy: metadata.StrategyCustom, CustomFunc: "keep_two"}
	if got := e.Masker().Apply("asthma", rule); got != "as****" {
		t.Fatalf("expected as****, got %s", got)
	}
}
