// Package observer implements the cockpit's read-only facade directly
// against the store interfaces and the engine — the same shape as the
// teacher's JobService, which reads straight through to JobRunRepo
// rather than through a separate projection.
package observer

import (
	"context"
	"sort"

	"github.com/marcingurbisz/flowlite-sub000/diagram"
	"github.com/marcingurbisz/flowlite-sub000/engine"
	"github.com/marcingurbisz/flowlite-sub000/flow"
	"github.com/marcingurbisz/flowlite-sub000/internal/platform/logger"
	"github.com/marcingurbisz/flowlite-sub000/store"
)

// FlowSummary is one row of the listFlows query.
type FlowSummary struct {
	FlowID       string
	Diagram      string
	Stages       int
	NotCompleted int
	Errors       int
	Active       int
	Completed    int
}

// Observer is the four-query/four-mutation read-write facade consumed
// by an HTTP cockpit (see package httpapi).
type Observer struct {
	engine  *engine.Engine
	history store.HistoryStore
	log     *logger.Logger
}

func New(e *engine.Engine, history store.HistoryStore, baseLog *logger.Logger) *Observer {
	return &Observer{engine: e, history: history, log: baseLog.With("component", "observer.Observer")}
}

// ListFlows summarizes every registered flow: its diagram, stage count,
// and instance counts by bucket. A flow whose Persister does not also
// implement store.InstanceLister reports zero counts rather than
// failing the whole query.
func (o *Observer) ListFlows(ctx context.Context) ([]FlowSummary, error) {
	ids := o.engine.RegisteredFlowIDs()
	out := make([]FlowSummary, 0, len(ids))
	for _, flowID := range ids {
		fl, ok := o.engine.FlowDefinition(flowID)
		if !ok {
			continue
		}
		summary := FlowSummary{FlowID: flowID, Diagram: diagram.Render(fl), Stages: len(fl.Stages)}

		if lister, ok := o.engine.InstanceLister(flowID); ok {
			active, err := lister.ListInstances(ctx, flowID, store.BucketActive)
			if err != nil {
				return nil, err
			}
			errored, err := lister.ListInstances(ctx, flowID, store.BucketError)
			if err != nil {
				return nil, err
			}
			completed, err := lister.ListInstances(ctx, flowID, store.BucketCompleted)
			if err != nil {
				return nil, err
			}
			summary.Active = len(active)
			summary.Errors = len(errored)
			summary.Completed = len(completed)
			summary.NotCompleted = summary.Active + summary.Errors
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlowID < out[j].FlowID })
	return out, nil
}

// ListInstances returns flowID's instances in bucket.
func (o *Observer) ListInstances(ctx context.Context, flowID string, bucket store.Bucket) ([]store.InstanceData, error) {
	lister, ok := o.engine.InstanceLister(flowID)
	if !ok {
		return nil, &store.ErrUnknownFlow{FlowID: flowID}
	}
	return lister.ListInstances(ctx, flowID, bucket)
}

// ListErrorGroups groups instances currently in Error by (flowId, stage),
// queried live from each flow's Persister rather than reconstructed from
// history: the Persister is the authoritative source of an instance's
// current stage and status.
func (o *Observer) ListErrorGroups(ctx context.Context, flowIDFilter string) ([]store.ErrorGroup, error) {
	flowIDs := []string{flowIDFilter}
	if flowIDFilter == "" {
		flowIDs = o.engine.RegisteredFlowIDs()
	}

	counts := map[string]map[flow.StageID]int{}
	for _, flowID := range flowIDs {
		lister, ok := o.engine.InstanceLister(flowID)
		if !ok {
			continue
		}
		rows, err := lister.ListInstances(ctx, flowID, store.BucketError)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if counts[flowID] == nil {
				counts[flowID] = map[flow.StageID]int{}
			}
			counts[flowID][row.Stage]++
		}
	}

	out := make([]store.ErrorGroup, 0, len(counts))
	for flowID, byStage := range counts {
		for stage, count := range byStage {
			out = append(out, store.ErrorGroup{FlowID: flowID, Stage: stage, Count: count})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FlowID != out[j].FlowID {
			return out[i].FlowID < out[j].FlowID
		}
		return out[i].Stage < out[j].Stage
	})
	return out, nil
}

// Timeline returns one instance's history, chronologically.
func (o *Observer) Timeline(ctx context.Context, flowID, instanceID string) ([]store.HistoryEntry, error) {
	return o.history.Timeline(ctx, flowID, instanceID)
}

// Retry, Cancel, ChangeStage and SendEvent pass straight through to the
// engine operation of the same name; the observer adds no behavior of
// its own to the four mutations.
func (o *Observer) Retry(ctx context.Context, flowID, instanceID string) error {
	return o.engine.Retry(ctx, flowID, instanceID)
}

func (o *Observer) Cancel(ctx context.Context, flowID, instanceID string) error {
	return o.engine.Cancel(ctx, flowID, instanceID)
}

func (o *Observer) ChangeStage(ctx context.Context, flowID, instanceID string, stage flow.StageID) error {
	return o.engine.ChangeStage(ctx, flowID, instanceID, stage)
}

func (o *Observer) SendEvent(ctx context.Context, flowID, instanceID string, event flow.EventID) error {
	return o.engine.SendEvent(ctx, flowID, instanceID, event)
}
