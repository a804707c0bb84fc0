package checkpoint

import (
	"testing"

	"github.com/mkallio/fanout/internal/workitem"
)

func TestPlanResume_SkipRetryPending(t *testing.T) {
	cp := newTestCheckpoint(t, "job-p1", 5)
	items := cp.PendingItems

	// completed={0,1,2}, failed={3} retryable, pending={4}
	cp.CompletedItems = []workitem.Item{
		completed(t, items[0]), completed(t, items[1]), completed(t, items[2]),
	}
	cp.FailedItems = []workitem.Item{failed(t, items[3], true)}
	cp.PendingItems = []workitem.Item{items[4]}

	plan := PlanResume(cp)

	if got := len(plan.Process); got != 2 {
		t.Fatalf("Process has %d items, want 2", got)
	}
	processIDs := map[string]bool{}
	for _, item := range plan.Process {
		processIDs[item.ID] = true
		if item.Status != workitem.StatusPending {
			t.Errorf("item %s in plan has status %s, want pending", item.ID, item.Status)
		}
	}
	for _, id := range []string{items[3].ID, items[4].ID} {
		if !processIDs[id] {
			t.Errorf("item %s missing from processing set", id)
		}
	}

	for _, id := range []string{items[0].ID, items[1].ID, items[2].ID} {
		if !plan.SkipSet[id] {
			t.Errorf("completed item %s missing from skip set", id)
		}
	}
	if len(plan.SkipSet) != 3 {
		t.Errorf("SkipSet size = %d, want 3", len(plan.SkipSet))
	}

	if !plan.RetrySet[items[3].ID] || len(plan.RetrySet) != 1 {
		t.Errorf("RetrySet = %v, want exactly {%s}", plan.RetrySet, items[3].ID)
	}
}

func TestPlanResume_NonRetryableCarriedButNotRetried(t *testing.T) {
	cp := newTestCheckpoint(t, "job-p2", 2)
	items := cp.PendingItems

	cp.FailedItems = []workitem.Item{
		failed(t, items[0], false),
		failed(t, items[1], true),
	}
	cp.PendingItems = nil

	plan := PlanResume(cp)
	if len(plan.Process) != 1 {
		t.Fatalf("Process has %d items, want 1", len(plan.Process))
	}
	if plan.Process[0].ID != items[1].ID {
		t.Errorf("Process[0] = %s, want %s", plan.Process[0].ID, items[1].ID)
	}
	if plan.Process[0].RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1 preserved through retry", plan.Process[0].RetryCount)
	}

	// The terminal failure is not work, but it stays in the plan so the
	// resumed job's accounting still covers both items.
	if len(plan.Failed) != 1 || plan.Failed[0].ID != items[0].ID {
		t.Fatalf("Failed = %v, want exactly the non-retryable item %s", plan.Failed, items[0].ID)
	}
	if plan.Failed[0].Status != workitem.StatusFailed {
		t.Errorf("carried item status = %s, want failed", plan.Failed[0].Status)
	}
	if got := len(plan.Completed) + len(plan.Failed) + len(plan.Process); got != 2 {
		t.Errorf("plan accounts for %d of 2 items", got)
	}
}

func TestPlanResume_SetupCompleteSkipsSetup(t *testing.T) {
	cp := newTestCheckpoint(t, "job-p3", 2)
	cp.Phase = PhaseSetup
	cp.Setup = &SetupState{
		Complete: true,
		Outputs:  map[string]string{"branch": "main"},
	}

	plan := PlanResume(cp)
	if plan.Phase != PhaseMap {
		t.Errorf("Phase = %s, want map (setup already complete)", plan.Phase)
	}
	if !plan.SetupComplete() {
		t.Error("SetupComplete() = false, want true")
	}
	if plan.SetupOutputs["branch"] != "main" {
		t.Errorf("SetupOutputs = %v, want captured outputs injected", plan.SetupOutputs)
	}
}

func TestPlanResume_SetupIncompleteRestartsSetup(t *testing.T) {
	cp := newTestCheckpoint(t, "job-p4", 2)
	cp.Phase = PhaseSetup
	cp.Setup = &SetupState{Complete: false}

	plan := PlanResume(cp)
	if plan.Phase != PhaseSetup {
		t.Errorf("Phase = %s, want setup", plan.Phase)
	}
	if plan.SetupComplete() {
		t.Error("incomplete setup must be recomputed")
	}
}

func TestPlanResume_MidReduce(t *testing.T) {
	cp := newTestCheckpoint(t, "job-p5", 3)
	items := cp.PendingItems
	cp.CompletedItems = []workitem.Item{
		completed(t, items[0]), completed(t, items[1]), completed(t, items[2]),
	}
	cp.PendingItems = nil
	cp.Phase = PhaseReduce
	cp.Setup = &SetupState{Complete: true}
	cp.Reduce = &ReduceState{StepIndex: 2, TotalSteps: 4}
	cp.Variables = map[string]string{"map.results": `["a","b","c"]`}

	plan := PlanResume(cp)
	if plan.Phase != PhaseReduce {
		t.Errorf("Phase = %s, want reduce", plan.Phase)
	}
	if plan.ReduceStep != 2 {
		t.Errorf("ReduceStep = %d, want 2 (resume at the exact failed step)", plan.ReduceStep)
	}
	if plan.Variables["map.results"] != `["a","b","c"]` {
		t.Error("aggregated map results must be carried into the resume plan")
	}
	if len(plan.Process) != 0 {
		t.Errorf("Process has %d items, want 0 for a mid-reduce resume", len(plan.Process))
	}
	if len(plan.Completed) != 3 {
		t.Errorf("Completed carries %d items, want 3", len(plan.Completed))
	}
}

// completed runs an item through start+complete.
func completed(t *testing.T, item workitem.Item) workitem.Item {
	t.Helper()
	item, err := workitem.Transition(item, workitem.Event{Kind: workitem.EventAgentStart, AgentID: "a"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	item, err = workitem.Transition(item, workitem.Event{Kind: workitem.EventAgentComplete})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	return item
}

// failed runs an item through start+fail.
func failed(t *testing.T, item workitem.Item, retryable bool) workitem.Item {
	t.Helper()
	item, err := workitem.Transition(item, workitem.Event{Kind: workitem.EventAgentStart, AgentID: "a"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	item, err = workitem.Transition(item, workitem.Event{
		Kind: workitem.EventAgentFail, Failure: "boom", Retryable: retryable,
	})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	return item
}
