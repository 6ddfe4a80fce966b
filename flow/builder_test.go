package flow

import (
	"errors"
	"strings"
	"testing"
)

func noop(state any) (any, error) { return state, nil }

func isApproved(state any) bool { return state.(bool) }

func TestBuilderLinearChainClassification(t *testing.T) {
	fl, err := NewBuilder().
		Stage("start", noop).Initial().
		Stage("middle", noop).
		Stage("done").End().
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	start, _ := fl.Stage("start")
	if start.Kind() != KindActive || start.NextStage != "middle" {
		t.Fatalf("start = %+v", start)
	}
	middle, _ := fl.Stage("middle")
	if middle.Kind() != KindActive || middle.NextStage != "done" {
		t.Fatalf("middle = %+v", middle)
	}
	done, _ := fl.Stage("done")
	if done.Kind() != KindTerminal {
		t.Fatalf("done = %+v, want terminal", done)
	}
	if fl.InitialStage != "start" {
		t.Fatalf("InitialStage = %q, want start", fl.InitialStage)
	}
}

func TestBuilderWaitForAttachesHandler(t *testing.T) {
	fl, err := NewBuilder().
		Stage("wait").Initial().
		WaitFor("go", func(w *WaitBuilder) { w.Stage("done") }).End().
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	wait, _ := fl.Stage("wait")
	if wait.Kind() != KindWaiting {
		t.Fatalf("wait = %+v, want waiting", wait)
	}
	if len(wait.EventHandlers) != 1 || wait.EventHandlers[0].Event != "go" || wait.EventHandlers[0].Target.Stage != "done" {
		t.Fatalf("handlers = %+v", wait.EventHandlers)
	}
}

func TestBuilderWaitForMultipleSiblingHandlers(t *testing.T) {
	fl, err := NewBuilder().
		Stage("wait").Initial().
		WaitFor("a", func(w *WaitBuilder) { w.Stage("doneA") }).
		WaitFor("b", func(w *WaitBuilder) { w.Stage("doneB") }).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	wait, _ := fl.Stage("wait")
	if len(wait.EventHandlers) != 2 {
		t.Fatalf("handlers = %+v, want 2", wait.EventHandlers)
	}
	byEvent := map[EventID]StageID{}
	for _, h := range wait.EventHandlers {
		byEvent[h.Event] = h.Target.Stage
	}
	if byEvent["a"] != "doneA" || byEvent["b"] != "doneB" {
		t.Fatalf("handlers = %+v", byEvent)
	}
	doneA, _ := fl.Stage("doneA")
	if doneA.Kind() != KindTerminal {
		t.Fatalf("doneA = %+v, want terminal (sibling waitFor must not pollute it)", doneA)
	}
}

func TestBuilderConditionBranches(t *testing.T) {
	fl, err := NewBuilder().
		Stage("check").Initial().
		Condition(isApproved,
			func(c *ConditionBuilder) { c.Stage("approved") },
			func(c *ConditionBuilder) { c.Stage("rejected") },
		).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	check, _ := fl.Stage("check")
	if check.Kind() != KindActive || check.Condition == nil {
		t.Fatalf("check = %+v", check)
	}
	if check.Condition.Description != "isApproved" {
		t.Fatalf("Description = %q, want isApproved", check.Condition.Description)
	}
	if check.Condition.OnTrue.Stage != "approved" || check.Condition.OnFalse.Stage != "rejected" {
		t.Fatalf("condition targets = %+v", check.Condition)
	}
}

func TestBuilderConditionDescriptionFallsBackForClosures(t *testing.T) {
	fl, err := NewBuilder().
		Stage("check").Initial().
		Condition(func(any) bool { return true },
			func(c *ConditionBuilder) { c.Stage("a") },
			func(c *ConditionBuilder) { c.Stage("b") },
		).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	check, _ := fl.Stage("check")
	if check.Condition.Description != "condition" {
		t.Fatalf("Description = %q, want condition", check.Condition.Description)
	}
}

func TestBuilderConditionExplicitDescription(t *testing.T) {
	fl, err := NewBuilder().
		Stage("check").Initial().
		Condition(isApproved,
			func(c *ConditionBuilder) { c.Stage("a") },
			func(c *ConditionBuilder) { c.Stage("b") },
			"customer approved the quote",
		).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	check, _ := fl.Stage("check")
	if check.Condition.Description != "customer approved the quote" {
		t.Fatalf("Description = %q", check.Condition.Description)
	}
}

func TestBuilderNestedConditionInWaitHandler(t *testing.T) {
	fl, err := NewBuilder().
		Stage("wait").Initial().
		WaitFor("submit", func(w *WaitBuilder) {
			w.Condition(isApproved,
				func(c *ConditionBuilder) { c.Stage("approved") },
				func(c *ConditionBuilder) { c.Stage("rejected") },
			)
		}).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	wait, _ := fl.Stage("wait")
	if len(wait.EventHandlers) != 1 {
		t.Fatalf("handlers = %+v", wait.EventHandlers)
	}
	h := wait.EventHandlers[0]
	if h.Event != "submit" || h.Target.Condition == nil {
		t.Fatalf("handler target = %+v, want nested condition", h.Target)
	}
}

func TestBuilderInitialConditionResolvesFirstStage(t *testing.T) {
	fl, err := NewBuilder().
		InitialCondition(isApproved,
			func(c *ConditionBuilder) { c.Stage("fast-track") },
			func(c *ConditionBuilder) { c.Stage("review") },
		).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if fl.InitialStage != "" {
		t.Fatalf("InitialStage = %q, want empty when InitialCondition is set", fl.InitialStage)
	}
	if fl.InitialCondition == nil {
		t.Fatalf("InitialCondition not set")
	}
}

func TestBuilderJoinClosesLoop(t *testing.T) {
	fl, err := NewBuilder().
		Stage("retry", noop).Initial().
		Stage("check", noop).
		Condition(isApproved,
			func(c *ConditionBuilder) { c.Stage("done") },
			func(c *ConditionBuilder) { c.Join("retry") },
		).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	check, _ := fl.Stage("check")
	if check.Condition.OnFalse.Stage != "retry" {
		t.Fatalf("OnFalse = %+v, want retry", check.Condition.OnFalse)
	}
}

func TestBuilderRejectsDuplicateAction(t *testing.T) {
	_, err := NewBuilder().
		Stage("a", noop).Initial().
		Stage("a", noop).
		Build()
	if err == nil || !containsRule(err, "duplicate-action") {
		t.Fatalf("err = %v, want duplicate-action", err)
	}
}

func TestBuilderRejectsDuplicateEventHandler(t *testing.T) {
	_, err := NewBuilder().
		Stage("wait").Initial().
		WaitFor("go", func(w *WaitBuilder) { w.Join("wait") }).
		WaitFor("go", func(w *WaitBuilder) { w.Join("wait") }).
		Build()
	if err == nil || !containsRule(err, "duplicate-event-handler") {
		t.Fatalf("err = %v, want duplicate-event-handler", err)
	}
}

func TestBuilderRejectsUnknownTarget(t *testing.T) {
	fl := &Flow{
		Stages:       map[StageID]StageDef{"a": {ID: "a", NextStage: "ghost"}},
		InitialStage: "a",
	}
	if err := validate(fl); err == nil || !containsRule(err, "unknown-target") {
		t.Fatalf("err = %v, want unknown-target", err)
	}
}

func TestBuilderRejectsMixedStageShape(t *testing.T) {
	fl := &Flow{
		Stages: map[StageID]StageDef{
			"a": {ID: "a", Action: noop, EventHandlers: []EventHandler{{Event: "go", Target: stageTarget("a")}}},
		},
		InitialStage: "a",
	}
	if err := validate(fl); err == nil || !containsRule(err, "mixed-stage-shape") {
		t.Fatalf("err = %v, want mixed-stage-shape", err)
	}
}

func TestBuilderRejectsAmbiguousInitial(t *testing.T) {
	b := NewBuilder().Stage("a").Initial()
	b.initialCondition = &Condition{Predicate: isApproved, OnTrue: stageTarget("a"), OnFalse: stageTarget("a")}
	_, err := b.Build()
	if err == nil || !containsRule(err, "ambiguous-initial") {
		t.Fatalf("err = %v, want ambiguous-initial", err)
	}
}

func TestBuilderRejectsMissingInitial(t *testing.T) {
	_, err := NewBuilder().Stage("a").End().Build()
	if err == nil || !containsRule(err, "missing-initial") {
		t.Fatalf("err = %v, want missing-initial", err)
	}
}

func TestBuilderRejectsEmptyConditionBranch(t *testing.T) {
	fl := &Flow{
		Stages: map[StageID]StageDef{
			"a": {ID: "a", Condition: &Condition{Predicate: isApproved, OnTrue: stageTarget("a")}},
		},
		InitialStage: "a",
	}
	if err := validate(fl); err == nil || !containsRule(err, "empty-condition-branch") {
		t.Fatalf("err = %v, want empty-condition-branch", err)
	}
}

func containsRule(err error, rule string) bool {
	var ve *ValidationError
	if !errors.As(err, &ve) {
		return false
	}
	return ve.Rule == rule || strings.Contains(err.Error(), rule)
}
