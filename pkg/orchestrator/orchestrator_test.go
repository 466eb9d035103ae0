package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	pipelineerrors "github.com/opsconductor/opsconductor/internal/errors"
	"github.com/opsconductor/opsconductor/pkg/types"
)

func TestOrchestrator(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Orchestrator Suite")
}

type fakeClassifier struct {
	decision types.Decision
	err      error
	calls    int
}

func (f *fakeClassifier) Classify(ctx context.Context, req types.Request) (types.Decision, error) {
	f.calls++
	return f.decision, f.err
}

type fakeSelector struct {
	selection types.ToolSelection
	err       error
}

func (f *fakeSelector) Select(ctx context.Context, decision types.Decision) (types.ToolSelection, error) {
	return f.selection, f.err
}

type fakePlanner struct {
	plan          types.Plan
	err           error
	assetContexts []types.AssetContext
}

func (f *fakePlanner) Plan(ctx context.Context, decision types.Decision, selection types.ToolSelection, assetContexts ...types.AssetContext) (types.Plan, error) {
	f.assetContexts = assetContexts
	return f.plan, f.err
}

type fakeAnswerer struct {
	response types.Response
	err      error
}

func (f *fakeAnswerer) Answer(ctx context.Context, req types.Request, plan types.Plan, results []types.ToolResult) (types.Response, error) {
	return f.response, f.err
}

type fakeExecutor struct {
	results []types.ToolResult
	err     error
	calls   int
}

func (f *fakeExecutor) Execute(ctx context.Context, requestID string, plan types.Plan, approvalToken string) ([]types.ToolResult, error) {
	f.calls++
	return f.results, f.err
}

type fakeAssetHydrator struct {
	contexts map[string]types.AssetContext
}

func (f *fakeAssetHydrator) Hydrate(ctx context.Context, assetID string) (types.AssetContext, error) {
	ac, ok := f.contexts[assetID]
	if !ok {
		return types.AssetContext{}, fmt.Errorf("no such asset: %s", assetID)
	}
	return ac, nil
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	return l
}

var _ = Describe("Orchestrator", func() {
	var (
		ctx       context.Context
		cls       *fakeClassifier
		sel       *fakeSelector
		pln       *fakePlanner
		ans       *fakeAnswerer
		exe       *fakeExecutor
		deadlines Deadlines
	)

	BeforeEach(func() {
		ctx = context.Background()
		cls = &fakeClassifier{decision: types.Decision{RequestID: "r1", Intent: types.Intent{Category: "service", Action: "restart"}}}
		sel = &fakeSelector{selection: types.ToolSelection{RequestID: "r1"}}
		pln = &fakePlanner{plan: types.Plan{RequestID: "r1", Steps: []types.Step{{ID: "s1", Tool: "restart_service"}}}}
		ans = &fakeAnswerer{response: types.Response{RequestID: "r1", Text: "done"}}
		exe = &fakeExecutor{results: []types.ToolResult{{StepID: "s1", Success: true}}}
		deadlines = Deadlines{Classifier: time.Second, Selector: time.Second, Planner: time.Second, Answerer: time.Second, Executor: time.Second}
	})

	Describe("Execute", func() {
		It("runs all five stages in order and assembles a Response with timings", func() {
			o := New(cls, sel, pln, ans, exe, deadlines, testLogger())
			req := types.Request{RequestID: "r1", Text: "restart the service", ReceivedAt: time.Now()}

			resp, err := o.Execute(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Text).To(Equal("done"))
			Expect(exe.calls).To(Equal(1))
			Expect(o.State("r1")).To(Equal(StateDone))
		})

		It("short-circuits to awaiting_approval when the plan has approval gates, without dispatching execution", func() {
			pln.plan.ApprovalGates = []types.ApprovalGate{{ID: "g1", CoversStep: "s1"}}
			o := New(cls, sel, pln, ans, exe, deadlines, testLogger())
			req := types.Request{RequestID: "r2", Text: "delete the volume", ReceivedAt: time.Now()}

			_, err := o.Execute(ctx, req)
			Expect(err).To(HaveOccurred())
			Expect(pipelineerrors.IsType(err, pipelineerrors.ErrorTypeApprovalRequired)).To(BeTrue())
			Expect(exe.calls).To(Equal(0))
			Expect(o.State("r2")).To(Equal(StateAwaitingApproval))
		})

		It("fails fast with a validation error on an empty request text", func() {
			o := New(cls, sel, pln, ans, exe, deadlines, testLogger())
			_, err := o.Execute(ctx, types.Request{RequestID: "r3", ReceivedAt: time.Now()})
			Expect(err).To(HaveOccurred())
			Expect(pipelineerrors.IsType(err, pipelineerrors.ErrorTypeValidation)).To(BeTrue())
			Expect(cls.calls).To(Equal(0))
		})

		It("surfaces a classifier failure without calling later stages", func() {
			cls.err = pipelineerrors.New(pipelineerrors.ErrorTypeLLMUnavailable, "llm down")
			o := New(cls, sel, pln, ans, exe, deadlines, testLogger())
			_, err := o.Execute(ctx, types.Request{RequestID: "r4", Text: "restart it", ReceivedAt: time.Now()})
			Expect(err).To(HaveOccurred())
			Expect(o.State("r4")).To(Equal(StateFailed))
			Expect(exe.calls).To(Equal(0))
		})

		It("still produces a Response when Stage E reports an upstream failure", func() {
			exe.err = pipelineerrors.New(pipelineerrors.ErrorTypeUpstream, "automation service unreachable")
			o := New(cls, sel, pln, ans, exe, deadlines, testLogger())
			resp, err := o.Execute(ctx, types.Request{RequestID: "r5", Text: "restart it", ReceivedAt: time.Now()})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Text).To(Equal("done"))
		})

		It("pre-fetches asset context for the decision's entities and passes it to the Planner", func() {
			cls.decision.Entities = []types.Entity{{Type: "service", Value: "checkout-api"}, {Type: "service", Value: "unknown-thing"}}
			o := New(cls, sel, pln, ans, exe, deadlines, testLogger()).WithAssetHydrator(&fakeAssetHydrator{
				contexts: map[string]types.AssetContext{"checkout-api": {AssetID: "checkout-api", Type: "service"}},
			})
			req := types.Request{RequestID: "r9", Text: "restart the service", ReceivedAt: time.Now()}

			_, err := o.Execute(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(pln.assetContexts).To(HaveLen(1))
			Expect(pln.assetContexts[0].AssetID).To(Equal("checkout-api"))
		})

		It("rejects a request whose deadline has already elapsed", func() {
			o := New(cls, sel, pln, ans, exe, deadlines, testLogger())
			req := types.Request{RequestID: "r6", Text: "restart it", ReceivedAt: time.Now().Add(-time.Hour), Deadline: time.Now().Add(-time.Minute)}
			_, err := o.Execute(ctx, req)
			Expect(err).To(HaveOccurred())
			Expect(pipelineerrors.IsType(err, pipelineerrors.ErrorTypeTimeout)).To(BeTrue())
		})
	})

	Describe("Resume", func() {
		It("continues an awaiting_approval request from Stage E through to a Response", func() {
			pln.plan.ApprovalGates = []types.ApprovalGate{{ID: "g1", CoversStep: "s1"}}
			o := New(cls, sel, pln, ans, exe, deadlines, testLogger())
			req := types.Request{RequestID: "r7", Text: "delete the volume", ReceivedAt: time.Now()}

			_, err := o.Execute(ctx, req)
			Expect(pipelineerrors.IsType(err, pipelineerrors.ErrorTypeApprovalRequired)).To(BeTrue())

			resp, err := o.Resume(ctx, "r7", "approved-token")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Text).To(Equal("done"))
			Expect(exe.calls).To(Equal(1))
			Expect(o.State("r7")).To(Equal(StateDone))
		})

		It("returns an error when resuming an unknown request id", func() {
			o := New(cls, sel, pln, ans, exe, deadlines, testLogger())
			_, err := o.Resume(ctx, "does-not-exist", "tok")
			Expect(err).To(HaveOccurred())
			Expect(pipelineerrors.IsType(err, pipelineerrors.ErrorTypeNotFound)).To(BeTrue())
		})
	})

	Describe("Cancel", func() {
		It("clears persisted awaiting_approval state so Resume no longer finds it", func() {
			pln.plan.ApprovalGates = []types.ApprovalGate{{ID: "g1", CoversStep: "s1"}}
			o := New(cls, sel, pln, ans, exe, deadlines, testLogger())
			req := types.Request{RequestID: "r8", Text: "delete the volume", ReceivedAt: time.Now()}
			_, _ = o.Execute(ctx, req)

			o.Cancel("r8")
			Expect(o.State("r8")).To(Equal(StateCancelled))

			_, err := o.Resume(ctx, "r8", "tok")
			Expect(err).To(HaveOccurred())
		})
	})
})

var _ = Describe("EffectiveDeadlines", func() {
	It("returns the defaults unchanged when they fit the request deadline", func() {
		defaults := Deadlines{Classifier: time.Second, Selector: time.Second, Planner: time.Second, Answerer: time.Second}
		got := EffectiveDeadlines(defaults, 10*time.Second)
		Expect(got).To(Equal(defaults))
	})

	It("shrinks A/B/C/D proportionally when their sum exceeds the request deadline", func() {
		defaults := Deadlines{Classifier: 4 * time.Second, Selector: 2 * time.Second, Planner: 8 * time.Second, Answerer: 6 * time.Second, Executor: time.Minute}
		got := EffectiveDeadlines(defaults, 10*time.Second)
		total := got.Classifier + got.Selector + got.Planner + got.Answerer
		Expect(total).To(BeNumerically("<=", 10*time.Second))
		Expect(got.Executor).To(Equal(time.Minute), "Stage E is unbounded by design and must not be shrunk")
	})
})
