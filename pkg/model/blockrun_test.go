package model

import (
	"testing"
	"time"
)

func TestParseBlockRunUUID(t *testing.T) {
	tests := []struct {
		in   string
		want BlockRunUUID
	}{
		{"load", BlockRunUUID{Base: "load", Index: -1}},
		{"export:load", BlockRunUUID{Base: "export", Replica: "load", Index: -1}},
		{"child:3", BlockRunUUID{Base: "child", Index: 3}},
		{"load:users:0", BlockRunUUID{Base: "load", Stream: "users", Index: 0}},
		{"b:a:users:2", BlockRunUUID{Base: "b", Replica: "a", Stream: "users", Index: 2}},
	}
	for _, tt := range tests {
		got := ParseBlockRunUUID(tt.in)
		if got != tt.want {
			t.Errorf("ParseBlockRunUUID(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
		if got.String() != tt.in {
			t.Errorf("round trip %q → %q", tt.in, got.String())
		}
	}
}

func TestBlockRun_DynamicUpstreamBlockUUIDs(t *testing.T) {
	br := &BlockRun{Metrics: map[string]any{
		MetricDynamicUpstreamBlockUUIDs: []any{"a:0", "a:1", 7},
	}}
	got := br.DynamicUpstreamBlockUUIDs()
	if len(got) != 2 || got[0] != "a:0" || got[1] != "a:1" {
		t.Errorf("DynamicUpstreamBlockUUIDs() = %v", got)
	}
	if (&BlockRun{}).DynamicUpstreamBlockUUIDs() != nil {
		t.Error("expected nil for empty metrics")
	}
}

func TestPipelineRun_ExecutionPartition(t *testing.T) {
	r := &PipelineRun{
		PipelineScheduleID: "sched_1",
		ExecutionDate:      time.Date(2023, 10, 11, 0, 0, 0, 0, time.UTC),
	}
	if got, want := r.ExecutionPartition(), "sched_1/20231011T000000"; got != want {
		t.Errorf("ExecutionPartition() = %q, want %q", got, want)
	}
	r.Variables = map[string]any{VariableExecutionPartition: "custom/key"}
	if got := r.ExecutionPartition(); got != "custom/key" {
		t.Errorf("override ignored: %q", got)
	}
}

func TestPipeline_DynamicDescendants(t *testing.T) {
	p := &Pipeline{Blocks: []Block{
		{UUID: "root", DownstreamBlocks: []string{"fan"}},
		{UUID: "fan", Dynamic: true, UpstreamBlocks: []string{"root"}, DownstreamBlocks: []string{"child"}},
		{UUID: "child", UpstreamBlocks: []string{"fan"}, DownstreamBlocks: []string{"reduce"}},
		{UUID: "reduce", UpstreamBlocks: []string{"child"}},
	}}
	d := p.DynamicDescendants()
	if len(d) != 2 || !d["child"] || !d["reduce"] {
		t.Errorf("DynamicDescendants() = %v", d)
	}
	if b := p.BlockForRun("child:4"); b == nil || b.UUID != "child" {
		t.Errorf("BlockForRun(child:4) = %v", b)
	}
}

func TestPipeline_IntegrationChain(t *testing.T) {
	p := &Pipeline{Blocks: []Block{
		{UUID: "export", Type: BlockTypeDataExporter},
		{UUID: "clean", Type: BlockTypeTransformer},
		{UUID: "source", Type: BlockTypeDataLoader},
	}}
	chain := p.IntegrationChain()
	if len(chain) != 3 || chain[0].UUID != "source" || chain[1].UUID != "clean" || chain[2].UUID != "export" {
		t.Errorf("IntegrationChain order wrong: %v %v %v", chain[0].UUID, chain[1].UUID, chain[2].UUID)
	}
}
