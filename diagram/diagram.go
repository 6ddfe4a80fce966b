// Package diagram renders a flow.Flow as Mermaid stateDiagram-v2 text.
// Render is a pure function of the flow definition: no I/O, no
// randomness, deterministic node ids and edge ordering for the same
// Flow value every time.
package diagram

import (
	"fmt"
	"reflect"
	"regexp"
	"runtime"
	"sort"
	"strings"

	"github.com/marcingurbisz/flowlite-sub000/flow"
)

var nonIdentChar = regexp.MustCompile(`[^a-z0-9_]+`)

func sanitize(s string) string {
	s = strings.ToLower(s)
	s = nonIdentChar.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		s = "n"
	}
	return s
}

// actionName recovers a named action's short name via reflection, the
// same trick flow.Builder uses to default a condition's description
// from its predicate. Anonymous closures report "" and fall back to no
// label, since there's nothing stable to print.
func actionName(action flow.Action) string {
	if action == nil {
		return ""
	}
	full := runtime.FuncForPC(reflect.ValueOf(action).Pointer()).Name()
	if full == "" || strings.Contains(full, ".func") {
		return ""
	}
	if idx := strings.LastIndex(full, "."); idx >= 0 {
		return full[idx+1:]
	}
	return full
}

type renderer struct {
	lines []string

	slugCounts      map[string]int
	conditionIDs    map[*flow.Condition]string
	conditionsWired map[*flow.Condition]bool
}

// Render produces Mermaid stateDiagram-v2 source for f: one node per
// stage (labeled with its attached action, if any), one choice node per
// condition (stable id if_<description-slug>, duplicates disambiguated
// with _2, _3, ...), and edges for automatic transitions, conditions,
// events, and terminal stages.
func Render(f *flow.Flow) string {
	r := &renderer{
		slugCounts:      map[string]int{},
		conditionIDs:    map[*flow.Condition]string{},
		conditionsWired: map[*flow.Condition]bool{},
	}
	r.lines = append(r.lines, "stateDiagram-v2")

	ids := make([]flow.StageID, 0, len(f.Stages))
	for id := range f.Stages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		r.declareStage(id, f.Stages[id])
	}

	if f.InitialStage != "" {
		r.edge("[*]", sanitize(string(f.InitialStage)), "")
	} else if f.InitialCondition != nil {
		condID := r.conditionNode(f.InitialCondition)
		r.edge("[*]", condID, "")
		r.wireCondition(f.InitialCondition, condID)
	}

	for _, id := range ids {
		r.wireStage(id, f.Stages[id])
	}

	return strings.Join(r.lines, "\n")
}

func (r *renderer) declareStage(id flow.StageID, def flow.StageDef) {
	nodeID := sanitize(string(id))
	label := string(id)
	if name := actionName(def.Action); name != "" {
		label += ": " + name + "()"
	}
	r.lines = append(r.lines, fmt.Sprintf("    state %q as %s", label, nodeID))
}

func (r *renderer) wireStage(id flow.StageID, def flow.StageDef) {
	nodeID := sanitize(string(id))
	switch def.Kind() {
	case flow.KindTerminal:
		r.edge(nodeID, "[*]", "")
	case flow.KindActive:
		if def.Condition != nil {
			condID := r.conditionNode(def.Condition)
			r.edge(nodeID, condID, "")
			r.wireCondition(def.Condition, condID)
		} else if def.NextStage != "" {
			r.edge(nodeID, sanitize(string(def.NextStage)), "")
		}
	case flow.KindWaiting:
		for _, h := range def.EventHandlers {
			target := r.resolveTarget(h.Target)
			r.edge(nodeID, target, "onEvent "+string(h.Event))
		}
	}
}

// conditionNode returns cond's stable node id, declaring the choice
// pseudostate the first time cond is seen.
func (r *renderer) conditionNode(cond *flow.Condition) string {
	if id, ok := r.conditionIDs[cond]; ok {
		return id
	}
	base := "if_" + sanitize(cond.Description)
	r.slugCounts[base]++
	id := base
	if n := r.slugCounts[base]; n > 1 {
		id = fmt.Sprintf("%s_%d", base, n)
	}
	r.conditionIDs[cond] = id
	r.lines = append(r.lines, fmt.Sprintf("    state %s <<choice>>", id))
	return id
}

// wireCondition emits cond's true/false edges exactly once.
func (r *renderer) wireCondition(cond *flow.Condition, id string) {
	if r.conditionsWired[cond] {
		return
	}
	r.conditionsWired[cond] = true
	trueTarget := r.resolveTarget(cond.OnTrue)
	falseTarget := r.resolveTarget(cond.OnFalse)
	r.edge(id, trueTarget, cond.Description)
	r.edge(id, falseTarget, "NOT ("+cond.Description+")")
}

// resolveTarget returns the node id a Target resolves to, recursively
// declaring and wiring a nested condition chain as needed.
func (r *renderer) resolveTarget(t flow.Target) string {
	if t.Condition != nil {
		id := r.conditionNode(t.Condition)
		r.wireCondition(t.Condition, id)
		return id
	}
	return sanitize(string(t.Stage))
}

func (r *renderer) edge(from, to, label string) {
	if label == "" {
		r.lines = append(r.lines, fmt.Sprintf("    %s --> %s", from, to))
		return
	}
	r.lines = append(r.lines, fmt.Sprintf("    %s --> %s : %s", from, to, label))
}
