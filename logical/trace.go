package logical

import (
	"sync"

	"github.com/sugawarayuuta/sonnet"

	"github.com/outofforest/strata/mask"
	"github.com/outofforest/strata/types"
)

// TraceEdge is one recorded dependence edge.
type TraceEdge struct {
	From   types.OperationID `json:"from"`
	To     types.OperationID `json:"to"`
	Type   string            `json:"type"`
	Fields []types.FieldID   `json:"fields"`
}

// Trace records every dependence edge the analyzer produces, for debugging
// and for reconstructing execution orders offline.
type Trace struct {
	mu    sync.Mutex
	edges []TraceEdge
}

// EnableTrace starts recording dependence edges. Safe to call while other
// goroutines register operations; edges produced before the call are not
// recorded.
func (a *Analyzer) EnableTrace() {
	a.trace.Store(&Trace{})
}

// TraceEdges returns a snapshot of the recorded edges.
func (a *Analyzer) TraceEdges() []TraceEdge {
	tr := a.trace.Load()
	if tr == nil {
		return nil
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]TraceEdge(nil), tr.edges...)
}

// TraceJSON exports the recorded edges as JSON.
func (a *Analyzer) TraceJSON() ([]byte, error) {
	return sonnet.Marshal(a.TraceEdges())
}

var dependenceNames = map[types.DependenceType]string{
	types.TrueDependence:         "true",
	types.AntiDependence:         "anti",
	types.AtomicDependence:       "atomic",
	types.SimultaneousDependence: "simultaneous",
}

func (a *Analyzer) traceEdge(
	from, to types.OperationID,
	dep types.DependenceType,
	fields mask.FieldMask,
) {
	tr := a.trace.Load()
	if tr == nil {
		return
	}

	edge := TraceEdge{
		From: from,
		To:   to,
		Type: dependenceNames[dep],
	}
	for f := range fields.Iterate() {
		edge.Fields = append(edge.Fields, f)
	}

	tr.mu.Lock()
	tr.edges = append(tr.edges, edge)
	tr.mu.Unlock()
}
