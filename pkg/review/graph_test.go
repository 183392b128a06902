package review

import (
	"context"
	"errors"
	"testing"

	"github.com/redlineai/redline/pkg/agent"
	"github.com/redlineai/redline/pkg/clausetree"
	"github.com/redlineai/redline/pkg/domain"
	"github.com/redlineai/redline/pkg/events"
	"github.com/redlineai/redline/pkg/llms"
	"github.com/redlineai/redline/pkg/skill"
)

const clauseText = "The Advance Payment shall be repaid through percentage deductions in Payment Certificates."

// stubProvider replays canned responses for the three call shapes the
// graph uses: tool-loop analysis, diff streaming, and summary chat.
type stubProvider struct {
	findingsText string
	diffJSON     string
	streamCalls  int
	streamErr    error
	chatText     string
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Chat(ctx context.Context, messages []llms.Message, opts llms.Options) (string, error) {
	return p.chatText, nil
}

func (p *stubProvider) ChatStream(ctx context.Context, messages []llms.Message, opts llms.Options) (<-chan llms.StreamChunk, error) {
	p.streamCalls++
	if p.streamErr != nil {
		return nil, p.streamErr
	}
	ch := make(chan llms.StreamChunk)
	go func() {
		defer close(ch)
		// Deliver in small chunks so object boundaries split mid-stream.
		payload := p.diffJSON
		for len(payload) > 0 {
			n := min(7, len(payload))
			ch <- llms.StreamChunk{Text: payload[:n]}
			payload = payload[n:]
		}
	}()
	return ch, nil
}

func (p *stubProvider) ChatWithTools(ctx context.Context, messages []llms.Message, tools []llms.ToolDefinition, opts llms.Options) (*llms.ToolResponse, error) {
	return &llms.ToolResponse{Text: p.findingsText}, nil
}

func testDoc(t *testing.T) *skill.DocumentContext {
	t.Helper()
	tree := clausetree.NewTree([]*clausetree.Clause{
		{ID: "14", Title: "Contract Price and Payment", Depth: 1, Children: []*clausetree.Clause{
			{ID: "14.2", Title: "Advance Payment", Text: clauseText, Depth: 2},
		}},
	})
	return &skill.DocumentContext{
		Tree:        tree,
		CrossRefs:   map[string][]string{},
		Definitions: map[string]string{"Advance Payment": "An interest-free loan for mobilization."},
	}
}

func testPlugin() *domain.Plugin {
	return &domain.Plugin{
		ID:           "construction",
		Name:         "Construction",
		SystemPrompt: "You review construction contracts.",
		Checklist: []domain.ChecklistItem{
			{ClauseID: "14.2", Name: "Advance Payment", Description: "Check repayment terms.", Priority: domain.PriorityHigh},
		},
	}
}

func newTestGraph(t *testing.T, provider llms.Provider, bus *events.Bus) *Graph {
	t.Helper()
	doc := testDoc(t)
	plugin := testPlugin()

	reg := skill.NewRegistry()
	if err := skill.RegisterBuiltins(reg, doc); err != nil {
		t.Fatal(err)
	}
	dispatcher := skill.NewDispatcher(reg, nil, nil)
	loop := agent.NewLoop(provider, dispatcher, bus)

	state := NewGraphState("task-1", plugin, "en")
	return NewGraph(state, doc, plugin, loop, provider, bus, nil)
}

// drive steps until the graph stops continuing.
func drive(t *testing.T, g *Graph) (Outcome, error) {
	t.Helper()
	for i := 0; i < 100; i++ {
		outcome, err := g.Step(context.Background())
		if outcome != OutcomeContinue {
			return outcome, err
		}
	}
	t.Fatal("graph did not settle within 100 steps")
	return OutcomeFailed, nil
}

const highRiskFindings = `[{"risk_level":"high","risk_type":"financial","description":"No repayment cap","original_text":"percentage deductions"}]`

const diffStream = `{"diffs":[{"action":"replace","original_text":"percentage deductions","proposed_text":"equal monthly installments","reason":"Predictable repayment","risk_level":"high"}]}`

func TestGraphCompletesWithoutDiffs(t *testing.T) {
	provider := &stubProvider{findingsText: "[]", chatText: "All reviewed clauses are acceptable."}
	g := newTestGraph(t, provider, nil)

	outcome, err := drive(t, g)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeDone {
		t.Fatalf("outcome = %v, want done", outcome)
	}

	st := g.State()
	if !st.IsComplete {
		t.Error("state not marked complete")
	}
	f := st.Findings["14.2"]
	if f == nil {
		t.Fatal("no findings recorded for 14.2")
	}
	if len(f.Risks) != 0 || len(f.Diffs) != 0 {
		t.Errorf("expected empty findings, got %d risks %d diffs", len(f.Risks), len(f.Diffs))
	}
	if provider.streamCalls != 0 {
		t.Errorf("diff stream called %d times with no actionable risks", provider.streamCalls)
	}
	if st.SummaryNotes == "" {
		t.Error("summary notes empty")
	}
}

func TestGraphSupplementsDefinitions(t *testing.T) {
	provider := &stubProvider{
		findingsText: "[]",
		chatText:     `{"Defects Liability Period": "The period stated in the Appendix.", "Advance Payment": "a model rewrite"}`,
	}
	g := newTestGraph(t, provider, nil)
	g.plugin.ParserConfig.DefinitionsSectionID = "14"

	outcome, err := drive(t, g)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeDone {
		t.Fatalf("outcome = %v, want done", outcome)
	}

	defs := g.doc.Definitions
	if defs["Defects Liability Period"] != "The period stated in the Appendix." {
		t.Errorf("model-discovered term not merged: %q", defs["Defects Liability Period"])
	}
	if defs["Advance Payment"] != "An interest-free loan for mobilization." {
		t.Errorf("regex definition overwritten by the model: %q", defs["Advance Payment"])
	}
}

func TestGraphSuspendsAndApproves(t *testing.T) {
	provider := &stubProvider{findingsText: highRiskFindings, diffJSON: diffStream, chatText: "summary"}
	g := newTestGraph(t, provider, nil)

	outcome, err := drive(t, g)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeSuspend {
		t.Fatalf("outcome = %v, want suspend", outcome)
	}

	st := g.State()
	if st.Node != NodeHumanApproval {
		t.Fatalf("node = %s, want human_approval", st.Node)
	}
	if len(st.PendingDiffs) != 1 {
		t.Fatalf("pending diffs = %d, want 1", len(st.PendingDiffs))
	}
	d := st.PendingDiffs[0]
	if d.Action != ActionReplace || d.Status != DiffPending {
		t.Errorf("unexpected diff %+v", d)
	}

	if !st.ApplyDecision(d.DiffID, DecisionApprove, "looks right") {
		t.Fatal("decision refused")
	}
	if err := st.ValidateDecisions(); err != nil {
		t.Fatal(err)
	}
	g.Resume()

	outcome, err = drive(t, g)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeDone {
		t.Fatalf("outcome = %v, want done", outcome)
	}
	f := st.Findings["14.2"]
	if f == nil || len(f.Diffs) != 1 {
		t.Fatalf("findings missing approved diff: %+v", f)
	}
	if f.Diffs[0].Status != DiffApproved {
		t.Errorf("diff status = %s, want approved", f.Diffs[0].Status)
	}
	if len(st.PendingDiffs) != 0 {
		t.Error("pending diffs not cleared after save")
	}
}

func TestGraphRegenerationBounded(t *testing.T) {
	provider := &stubProvider{findingsText: highRiskFindings, diffJSON: diffStream, chatText: "summary"}
	g := newTestGraph(t, provider, nil)
	st := g.State()

	rejectAll := func() {
		for _, d := range st.PendingDiffs {
			if !st.ApplyDecision(d.DiffID, DecisionReject, "") {
				t.Fatal("reject refused")
			}
		}
	}

	suspensions := 0
	for {
		outcome, err := drive(t, g)
		if err != nil {
			t.Fatal(err)
		}
		if outcome == OutcomeDone {
			break
		}
		if outcome != OutcomeSuspend {
			t.Fatalf("outcome = %v", outcome)
		}
		suspensions++
		if suspensions > 10 {
			t.Fatal("regeneration not bounded")
		}
		rejectAll()
		g.Resume()
	}

	// Initial round plus two regeneration rounds.
	if suspensions != 3 {
		t.Errorf("suspensions = %d, want 3", suspensions)
	}
	if provider.streamCalls != 3 {
		t.Errorf("stream calls = %d, want 3", provider.streamCalls)
	}
	f := st.Findings["14.2"]
	if f == nil {
		t.Fatal("no findings after exhausted regeneration")
	}
	if len(f.Diffs) != 0 {
		t.Errorf("approved diffs = %d after all rejections, want 0", len(f.Diffs))
	}
	if !st.IsComplete {
		t.Error("review did not complete after regeneration exhausted")
	}
}

func TestValidateDecisionsReportsMissing(t *testing.T) {
	provider := &stubProvider{findingsText: highRiskFindings, diffJSON: diffStream}
	g := newTestGraph(t, provider, nil)

	outcome, err := drive(t, g)
	if err != nil || outcome != OutcomeSuspend {
		t.Fatalf("outcome = %v err = %v, want suspend", outcome, err)
	}

	st := g.State()
	err = st.ValidateDecisions()
	var incomplete *DecisionsIncompleteError
	if !errors.As(err, &incomplete) {
		t.Fatalf("err = %v, want DecisionsIncompleteError", err)
	}
	if !errors.Is(err, ErrDecisionsIncomplete) {
		t.Error("error does not unwrap to ErrDecisionsIncomplete")
	}
	if len(incomplete.MissingDiffIDs) != 1 || incomplete.MissingDiffIDs[0] != st.PendingDiffs[0].DiffID {
		t.Errorf("missing ids = %v", incomplete.MissingDiffIDs)
	}

	if st.ApplyDecision("no-such-diff", DecisionApprove, "") {
		t.Error("decision on unknown diff id accepted")
	}
	if st.ApplyDecision(st.PendingDiffs[0].DiffID, "maybe", "") {
		t.Error("unknown decision value accepted")
	}
}

func TestGraphFailsOnProviderExhaustion(t *testing.T) {
	provider := &stubProvider{findingsText: highRiskFindings, streamErr: llms.ErrProviderUnavailable}
	g := newTestGraph(t, provider, nil)

	outcome, err := drive(t, g)
	if outcome != OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", outcome)
	}
	if !errors.Is(err, llms.ErrProviderUnavailable) {
		t.Errorf("err = %v", err)
	}
	if g.State().Node != NodeFailed {
		t.Errorf("node = %s, want failed", g.State().Node)
	}
}

func TestGraphSkipsAbsentClause(t *testing.T) {
	provider := &stubProvider{findingsText: highRiskFindings, chatText: "summary"}
	g := newTestGraph(t, provider, nil)
	g.State().Checklist = []domain.ChecklistItem{
		{ClauseID: "99.9", Name: "Phantom", Priority: domain.PriorityLow},
	}

	outcome, err := drive(t, g)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeDone {
		t.Fatalf("outcome = %v, want done", outcome)
	}
	f := g.State().Findings["99.9"]
	if f == nil {
		t.Fatal("absent clause left no empty finding")
	}
	if len(f.Risks) != 0 {
		t.Errorf("risks = %d for absent clause", len(f.Risks))
	}
}

func TestDiffValidation(t *testing.T) {
	cases := []struct {
		name string
		diff DocumentDiff
		keep bool
	}{
		{"valid replace", DocumentDiff{Action: ActionReplace, OriginalText: "percentage deductions", ProposedText: "installments"}, true},
		{"replace missing proposed", DocumentDiff{Action: ActionReplace, OriginalText: "percentage deductions"}, false},
		{"replace text absent", DocumentDiff{Action: ActionReplace, OriginalText: "no such words", ProposedText: "x"}, false},
		{"valid insert", DocumentDiff{Action: ActionInsert, ProposedText: "new sentence"}, true},
		{"insert missing proposed", DocumentDiff{Action: ActionInsert}, false},
		{"valid delete", DocumentDiff{Action: ActionDelete, OriginalText: "in Payment Certificates"}, true},
		{"delete text absent", DocumentDiff{Action: ActionDelete, OriginalText: "missing"}, false},
		{"unknown action", DocumentDiff{Action: "rewrite", OriginalText: "percentage deductions", ProposedText: "x"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kept := validateDiffs("task", []DocumentDiff{tc.diff}, clauseText)
			if (len(kept) == 1) != tc.keep {
				t.Errorf("keep = %v, want %v", len(kept) == 1, tc.keep)
			}
		})
	}
}

func TestDedupeDiffs(t *testing.T) {
	diffs := []DocumentDiff{
		{DiffID: "a", Action: ActionReplace, OriginalText: "x", ProposedText: "y"},
		{DiffID: "b", Action: ActionReplace, OriginalText: "x", ProposedText: "z"},
		{DiffID: "c", Action: ActionDelete, OriginalText: "x"},
	}
	out := dedupeDiffs(diffs)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0].DiffID != "a" || out[1].DiffID != "c" {
		t.Errorf("kept %s and %s, want a and c", out[0].DiffID, out[1].DiffID)
	}
}
