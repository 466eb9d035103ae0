package selector

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/opsconductor/opsconductor/pkg/cache"
	"github.com/opsconductor/opsconductor/pkg/catalog"
	"github.com/opsconductor/opsconductor/pkg/llm"
	"github.com/opsconductor/opsconductor/pkg/types"
)

func TestSelector(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Selector Suite")
}

type fakeChatCompleter struct {
	response llm.ChatResponse
	err      error
	calls    int
}

func (f *fakeChatCompleter) ChatCompletion(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	f.calls++
	return f.response, f.err
}

type testTB interface {
	TempDir() string
	Fatal(args ...interface{})
}

func writeCatalog(t testTB, logger logrus.FieldLogger, yamlContent string) *catalog.Store {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0644); err != nil {
		t.Fatal(err)
	}
	store, err := catalog.Load(path, logger)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func newTestCatalog(t testTB, logger logrus.FieldLogger) *catalog.Store {
	return writeCatalog(t, logger, `
tools:
  - name: check_health
    description: checks service health
    category: diagnostics
    read_only: true
    production_safe: true
    risk: low
    expected_duration_s: 5
  - name: restart_service
    description: restarts a service
    category: service
    risk: medium
    expected_duration_s: 30
  - name: restart_service_prod
    description: restarts a service in a production-safe way
    category: service
    production_safe: true
    risk: medium
    expected_duration_s: 45
  - name: read_only_diagnostics
    description: reads diagnostics only, no mutation
    category: service
    read_only: true
    production_safe: true
    risk: low
    expected_duration_s: 10
`)
}

var _ = Describe("Selector", func() {
	var (
		ctx    context.Context
		logger *logrus.Logger
		mgr    *cache.Manager
		fake   *fakeChatCompleter
		store  *catalog.Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		logger = logrus.New()
		logger.SetLevel(logrus.FatalLevel)
		mgr = cache.NewManager(cache.Config{StageBTTL: time.Minute, MaxEntries: 100}, nil)
		fake = &fakeChatCompleter{}
		store = newTestCatalog(GinkgoT(), logger)
	})

	Describe("Select (deterministic scoring)", func() {
		It("selects the category-matching tool without calling the LLM", func() {
			sel := New(fake, store, mgr, Config{}, logger)

			selection, err := sel.Select(ctx, types.Decision{RequestID: "r1", Intent: types.Intent{Category: "diagnostics", Action: "check"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(fake.calls).To(Equal(0))
			Expect(selection.SelectedTools).To(HaveLen(1))
			Expect(selection.SelectedTools[0].Name).To(Equal("check_health"))
			Expect(selection.SelectedTools[0].Score).To(Equal(1.0))
		})

		It("requires production_safe when the decision targets a production entity", func() {
			sel := New(fake, store, mgr, Config{}, logger)

			decision := types.Decision{
				RequestID: "r2",
				Intent:    types.Intent{Category: "service", Action: "restart"},
				Entities:  []types.Entity{{Type: "environment", Value: "production"}},
			}
			selection, err := sel.Select(ctx, decision)
			Expect(err).NotTo(HaveOccurred())

			var names []string
			for _, t := range selection.SelectedTools {
				names = append(names, t.Name)
			}
			Expect(names).To(ContainElement("restart_service_prod"))
			Expect(names).NotTo(ContainElement("restart_service"))
		})

		It("prefers a read-only tool over a mutating one in the same category when the intent permits", func() {
			sel := New(fake, store, mgr, Config{}, logger)

			decision := types.Decision{RequestID: "r3", Intent: types.Intent{Category: "service", Action: "check"}}
			selection, err := sel.Select(ctx, decision)
			Expect(err).NotTo(HaveOccurred())

			var names []string
			for _, t := range selection.SelectedTools {
				names = append(names, t.Name)
			}
			Expect(names).To(ContainElement("read_only_diagnostics"))
			Expect(names).NotTo(ContainElement("restart_service"))
			Expect(names).NotTo(ContainElement("restart_service_prod"))
		})

		It("does not apply the read-only preference when the action itself is mutating", func() {
			sel := New(fake, store, mgr, Config{}, logger)

			decision := types.Decision{RequestID: "r4", Intent: types.Intent{Category: "service", Action: "restart"}}
			selection, err := sel.Select(ctx, decision)
			Expect(err).NotTo(HaveOccurred())

			var names []string
			for _, t := range selection.SelectedTools {
				names = append(names, t.Name)
			}
			Expect(names).To(ContainElement("restart_service"))
		})

		It("propagates approval_required from the Decision", func() {
			sel := New(fake, store, mgr, Config{}, logger)

			selection, err := sel.Select(ctx, types.Decision{
				RequestID: "r5", RequiresApproval: true,
				Intent: types.Intent{Category: "diagnostics", Action: "check"},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(selection.ApprovalRequired).To(BeTrue())
		})

		It("emits clarification_needed, capped at 3 candidates in tie-break order, when nothing clears the selection threshold", func() {
			sel := New(fake, store, mgr, Config{}, logger)

			// No tool's category matches "unknown_category" and none of this
			// catalog's tools declare required_entity_types or platforms, so
			// every tool ties at the 0.3+0.2 trivially-satisfied floor: a
			// clarification case, not a total-unmet one.
			selection, err := sel.Select(ctx, types.Decision{RequestID: "r6", Intent: types.Intent{Category: "unknown_category", Action: "noop"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(selection.SelectedTools).To(BeEmpty())
			Expect(selection.ClarificationNeeded).To(Equal([]string{"check_health", "read_only_diagnostics", "restart_service"}))
		})

		It("emits unmet_capabilities when even the clarification floor isn't cleared", func() {
			store := writeCatalog(GinkgoT(), logger, `
tools:
  - name: provision_host
    description: provisions a new host
    category: provisioning
    required_entity_types: ["host"]
`)
			sel := New(fake, store, mgr, Config{}, logger)

			selection, err := sel.Select(ctx, types.Decision{RequestID: "r6b", Intent: types.Intent{Category: "unrelated", Action: "noop"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(selection.SelectedTools).To(BeEmpty())
			Expect(selection.ClarificationNeeded).To(BeEmpty())
			Expect(selection.UnmetCapabilities).NotTo(BeEmpty())
		})

		It("serves identical decisions from cache without a second scoring pass", func() {
			sel := New(fake, store, mgr, Config{}, logger)

			decision := types.Decision{RequestID: "r7", Intent: types.Intent{Category: "diagnostics", Action: "check"}}
			first, err := sel.Select(ctx, decision)
			Expect(err).NotTo(HaveOccurred())
			second, err := sel.Select(ctx, decision)
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(Equal(first))
		})
	})

	Describe("Select with LLM justification enabled", func() {
		It("enriches the deterministic selection's justification text without changing which tools were selected", func() {
			fake.response = llm.ChatResponse{
				Content: `{"selected_tools":[{"name":"check_health","justification":"confirms the service is up before acting","inputs_needed":["service_name"]}]}`,
			}
			sel := New(fake, store, mgr, Config{EnableLLMJustification: true}, logger)

			selection, err := sel.Select(ctx, types.Decision{RequestID: "r8", Intent: types.Intent{Category: "diagnostics", Action: "check"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(fake.calls).To(Equal(1))
			Expect(selection.SelectedTools).To(HaveLen(1))
			Expect(selection.SelectedTools[0].Name).To(Equal("check_health"))
			Expect(selection.SelectedTools[0].Justification).To(Equal("confirms the service is up before acting"))
			Expect(selection.SelectedTools[0].InputsNeeded).To(Equal([]string{"service_name"}))
		})

		It("keeps the deterministic selection when the LLM call fails", func() {
			fake.err = context.DeadlineExceeded
			sel := New(fake, store, mgr, Config{EnableLLMJustification: true}, logger)

			selection, err := sel.Select(ctx, types.Decision{RequestID: "r9", Intent: types.Intent{Category: "diagnostics", Action: "check"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(selection.SelectedTools).To(HaveLen(1))
			Expect(selection.SelectedTools[0].Name).To(Equal("check_health"))
		})

		It("ignores an LLM-named tool the deterministic pass didn't select", func() {
			fake.response = llm.ChatResponse{
				Content: `{"selected_tools":[{"name":"restart_service","justification":"should not appear"}]}`,
			}
			sel := New(fake, store, mgr, Config{EnableLLMJustification: true}, logger)

			selection, err := sel.Select(ctx, types.Decision{RequestID: "r10", Intent: types.Intent{Category: "diagnostics", Action: "check"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(selection.SelectedTools).To(HaveLen(1))
			Expect(selection.SelectedTools[0].Name).To(Equal("check_health"))
			Expect(selection.SelectedTools[0].Justification).NotTo(Equal("should not appear"))
		})
	})
})
