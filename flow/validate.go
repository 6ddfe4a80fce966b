package flow

// validate checks a freshly folded Flow against the build-time invariants
// from spec.md §3. StageDef.Kind is derived, and the builder refuses a
// second action or a second condition on one stage as it runs. validate
// checks invariant 1 (a stage mixing event handlers with an action,
// nextStage, or condition) and the graph-wide properties the builder
// cannot check locally: dangling targets, duplicate sibling event ids,
// and empty condition branches.
func validate(fl *Flow) error {
	if fl.InitialStage != "" {
		if _, ok := fl.Stages[fl.InitialStage]; !ok {
			return &ValidationError{Stage: fl.InitialStage, Rule: "unknown-target", Detail: "initial stage is not defined in this flow"}
		}
	}
	if fl.InitialCondition != nil {
		if err := validateCondition(fl, fl.InitialCondition); err != nil {
			return err
		}
	}

	for id, def := range fl.Stages {
		if err := validateShape(id, def); err != nil {
			return err
		}
		if def.NextStage != "" {
			if _, ok := fl.Stages[def.NextStage]; !ok {
				return &ValidationError{Stage: id, Rule: "unknown-target", Detail: "nextStage " + string(def.NextStage) + " is not defined in this flow"}
			}
		}
		if def.Condition != nil {
			if err := validateCondition(fl, def.Condition); err != nil {
				return err
			}
		}
		if err := validateHandlers(fl, id, def.EventHandlers); err != nil {
			return err
		}
	}
	return nil
}

// validateShape enforces invariant 1 (a stage never mixes event handlers
// with action/nextStage/condition). The builder does not prevent this
// shape as it runs (WaitFor on a stage that has an action, or a Stage
// call chained after WaitFor, produces it), and a Flow built by hand
// (e.g. in a test) can carry it too.
func validateShape(id StageID, def StageDef) error {
	hasActiveFields := def.Action != nil || def.NextStage != "" || def.Condition != nil
	if len(def.EventHandlers) > 0 && hasActiveFields {
		return &ValidationError{Stage: id, Rule: "mixed-stage-shape", Detail: "a stage cannot declare both event handlers and an action, nextStage, or condition"}
	}
	return nil
}

// validateHandlers enforces invariant 4: no two sibling waitFor
// declarations on the same stage share an event id.
func validateHandlers(fl *Flow, id StageID, handlers []EventHandler) error {
	seen := make(map[EventID]bool, len(handlers))
	for _, h := range handlers {
		if seen[h.Event] {
			return &ValidationError{Stage: id, Event: h.Event, Rule: "duplicate-event-handler", Detail: "two sibling waitFor declarations use the same event id"}
		}
		seen[h.Event] = true
		if err := validateTarget(fl, id, h.Event, h.Target); err != nil {
			return err
		}
	}
	return nil
}

// validateCondition enforces invariant 5: every branch of a condition
// must resolve to a stage or a nested condition, and walks nested
// conditions recursively.
func validateCondition(fl *Flow, c *Condition) error {
	if c.OnTrue.IsZero() {
		return &ValidationError{Rule: "empty-condition-branch", Detail: "condition " + describeCondition(c) + ": onTrue branch never resolved to a target"}
	}
	if c.OnFalse.IsZero() {
		return &ValidationError{Rule: "empty-condition-branch", Detail: "condition " + describeCondition(c) + ": onFalse branch never resolved to a target"}
	}
	if err := validateTarget(fl, "", "", c.OnTrue); err != nil {
		return err
	}
	return validateTarget(fl, "", "", c.OnFalse)
}

func validateTarget(fl *Flow, stage StageID, event EventID, t Target) error {
	if t.IsZero() {
		return &ValidationError{Stage: stage, Event: event, Rule: "unresolved-target", Detail: "a handler or transition was declared without ever resolving its target"}
	}
	if t.Condition != nil {
		return validateCondition(fl, t.Condition)
	}
	if _, ok := fl.Stages[t.Stage]; !ok {
		return &ValidationError{Stage: stage, Event: event, Rule: "unknown-target", Detail: "target stage " + string(t.Stage) + " is not defined in this flow"}
	}
	return nil
}

func describeCondition(c *Condition) string {
	if c.Description != "" {
		return c.Description
	}
	return "condition"
}
