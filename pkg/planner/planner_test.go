package planner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opsconductor/opsconductor/pkg/cache"
	"github.com/opsconductor/opsconductor/pkg/catalog"
	"github.com/opsconductor/opsconductor/pkg/llm"
	"github.com/opsconductor/opsconductor/pkg/types"
)

type fakeChatCompleter struct {
	content     string
	calls       int
	lastRequest llm.ChatRequest
}

func (f *fakeChatCompleter) ChatCompletion(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	f.calls++
	f.lastRequest = req
	return llm.ChatResponse{Content: f.content}, nil
}

func newTestStore(t *testing.T, logger logrus.FieldLogger) *catalog.Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(path, []byte(`
tools:
  - name: restart_service
    description: restarts a service
  - name: delete_volume
    description: deletes a volume
    destructive: true
`), 0644); err != nil {
		t.Fatal(err)
	}
	store, err := catalog.Load(path, logger)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func newPlanner(t *testing.T, content string) *Planner {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	store := newTestStore(t, logger)
	mgr := cache.NewManager(cache.Config{StageCTTL: time.Minute, MaxEntries: 100}, nil)
	return New(&fakeChatCompleter{content: content}, store, mgr, logger)
}

func TestPlanner_Plan(t *testing.T) {
	tests := []struct {
		name        string
		llmOutput   string
		risk        types.Risk
		wantErr     bool
		errContains string
	}{
		{
			name:      "valid non-destructive plan",
			llmOutput: `{"steps":[{"id":"s1","tool":"restart_service","estimated_duration_s":5}]}`,
			wantErr:   false,
		},
		{
			name:        "unknown tool is rejected",
			llmOutput:   `{"steps":[{"id":"s1","tool":"does_not_exist"}]}`,
			wantErr:     true,
			errContains: "unknown tool",
		},
		{
			name:        "destructive step without rollback is rejected",
			llmOutput:   `{"steps":[{"id":"s1","tool":"delete_volume","destructive":true}]}`,
			wantErr:     true,
			errContains: "no rollback_plan entry",
		},
		{
			name: "destructive step with rollback passes",
			llmOutput: `{"steps":[{"id":"s1","tool":"delete_volume","destructive":true}],
				"rollback_plan":[{"step_id":"s1","rollback_action":"restore from snapshot"}]}`,
			wantErr: false,
		},
		{
			name: "production step under a high-risk decision without a before-stage approval gate is rejected",
			llmOutput: `{"steps":[{"id":"s1","tool":"delete_volume","destructive":true,"targets_production":true}],
				"rollback_plan":[{"step_id":"s1","rollback_action":"restore from snapshot"}]}`,
			risk:        types.RiskHigh,
			wantErr:     true,
			errContains: "no approval_gates entry",
		},
		{
			name: "production step under a critical-risk decision without a before-stage approval gate is rejected",
			llmOutput: `{"steps":[{"id":"s1","tool":"delete_volume","destructive":true,"targets_production":true}],
				"rollback_plan":[{"step_id":"s1","rollback_action":"restore from snapshot"}]}`,
			risk:        types.RiskCritical,
			wantErr:     true,
			errContains: "no approval_gates entry",
		},
		{
			name: "production step under a high-risk decision with a before-stage approval gate passes",
			llmOutput: `{"steps":[{"id":"s1","tool":"delete_volume","destructive":true,"targets_production":true}],
				"rollback_plan":[{"step_id":"s1","rollback_action":"restore from snapshot"}],
				"approval_gates":[{"id":"g1","stage":"before","covers_step":"s1","description":"confirm volume deletion"}]}`,
			risk:    types.RiskHigh,
			wantErr: false,
		},
		{
			name: "production step under a low-risk decision needs no approval gate",
			llmOutput: `{"steps":[{"id":"s1","tool":"restart_service","targets_production":true}]}`,
			risk:    types.RiskLow,
			wantErr: false,
		},
		{
			name: "an approval gate with stage=after does not satisfy the before-stage requirement",
			llmOutput: `{"steps":[{"id":"s1","tool":"delete_volume","destructive":true,"targets_production":true}],
				"rollback_plan":[{"step_id":"s1","rollback_action":"restore from snapshot"}],
				"approval_gates":[{"id":"g1","stage":"after","covers_step":"s1","description":"confirm volume deletion"}]}`,
			risk:        types.RiskHigh,
			wantErr:     true,
			errContains: "no approval_gates entry",
		},
		{
			name:        "a step depending on an unknown step is rejected",
			llmOutput:   `{"steps":[{"id":"s1","tool":"restart_service","depends_on":["ghost"]}]}`,
			wantErr:     true,
			errContains: "depends on unknown step",
		},
		{
			name:        "malformed JSON surfaces a protocol error",
			llmOutput:   `not json`,
			wantErr:     true,
			errContains: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPlanner(t, tt.llmOutput)
			_, err := p.Plan(context.Background(), types.Decision{RequestID: "r1", Risk: tt.risk}, types.ToolSelection{RequestID: "r1"})

			if tt.wantErr && err == nil {
				t.Fatalf("expected an error, got none")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if tt.errContains != "" && err != nil && !contains(err.Error(), tt.errContains) {
				t.Fatalf("expected error to contain %q, got %q", tt.errContains, err.Error())
			}
		})
	}
}

func TestPlanner_Plan_CachesSecondIdenticalCall(t *testing.T) {
	p := newPlanner(t, `{"steps":[{"id":"s1","tool":"restart_service"}]}`)
	decision := types.Decision{RequestID: "r2"}
	selection := types.ToolSelection{RequestID: "r2", SelectedTools: []types.SelectedTool{{Name: "restart_service"}}}

	if _, err := p.Plan(context.Background(), decision, selection); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := p.Plan(context.Background(), decision, selection); err != nil {
		t.Fatalf("second call: %v", err)
	}

	fake := p.llmClient.(*fakeChatCompleter)
	if fake.calls != 1 {
		t.Fatalf("expected 1 LLM call, got %d", fake.calls)
	}
}

func TestPlanner_Plan_RendersAssetContextWhenProvided(t *testing.T) {
	p := newPlanner(t, `{"steps":[{"id":"s1","tool":"restart_service"}]}`)
	decision := types.Decision{RequestID: "r3"}
	selection := types.ToolSelection{RequestID: "r3"}
	asset := types.AssetContext{AssetID: "checkout-api", Type: "service", Environment: "prod"}

	if _, err := p.Plan(context.Background(), decision, selection, asset); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fake := p.llmClient.(*fakeChatCompleter)
	rendered := fake.lastRequest.Messages[0].Content
	if !contains(rendered, "checkout-api") {
		t.Fatalf("expected rendered prompt to include asset context, got %q", rendered)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (substr == "" || indexOf(s, substr) >= 0)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
