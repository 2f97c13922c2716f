package logical

import (
	"github.com/outofforest/strata/mask"
	"github.com/outofforest/strata/tree"
	"github.com/outofforest/strata/types"
)

func (fs *fieldState) childIndex(color types.Color) int {
	for i := range fs.children {
		if fs.children[i].color == color {
			return i
		}
	}
	return -1
}

// recompute restores the invariant that a field state covers exactly the
// union of its children.
func (fs *fieldState) recompute() {
	kept := fs.children[:0]
	var fields mask.FieldMask
	for _, ch := range fs.children {
		if ch.fields.IsEmpty() {
			continue
		}
		fields = fields.Union(ch.fields)
		kept = append(kept, ch)
	}
	fs.children = kept
	fs.fields = fields
}

func compactFieldStates(state *nodeState) {
	kept := state.fieldStates[:0]
	for i := range state.fieldStates {
		if !state.fieldStates[i].fields.IsEmpty() {
			kept = append(kept, state.fieldStates[i])
		}
	}
	state.fieldStates = kept
}

// compatible tells whether a new access may merge into an existing open
// state without flushing it first.
func compatible(fs *fieldState, req Requirement) bool {
	switch fs.open {
	case types.OpenReadOnly:
		return req.Privilege == types.ReadOnly
	case types.OpenSingleReduce, types.OpenMultiReduce:
		return req.Privilege == types.Reduce && fs.redop == req.Redop
	default:
		return false
	}
}

// closeConflicting flushes every open child incompatible with the new
// requirement. When the registration continues into a child, that branch is
// left open: conflicts inside one branch are resolved deeper down.
func (a *Analyzer) closeConflicting(
	step tree.Step,
	state *nodeState,
	req Requirement,
	pathColor types.Color,
	hasPath bool,
	result *Result,
) error {
	for idx := range state.fieldStates {
		fs := &state.fieldStates[idx]
		overlap := fs.fields.Intersect(req.Fields)
		if overlap.IsEmpty() || compatible(fs, req) {
			continue
		}

		toClose := mask.NewFieldSet[types.Color]()
		var closeMask mask.FieldMask
		for _, ch := range fs.children {
			chOverlap := ch.fields.Intersect(req.Fields)
			if chOverlap.IsEmpty() {
				continue
			}
			if hasPath && ch.color == pathColor {
				continue
			}
			toClose.Insert(ch.color, chOverlap)
			closeMask = closeMask.Union(chOverlap)
		}
		if toClose.Len() == 0 {
			continue
		}

		closeOp := a.config.NextOp()
		deps, err := a.closeChildren(step, toClose, closeOp)
		if err != nil {
			return err
		}

		a.subtractClosed(fs, toClose)

		// The close acts as an exclusive writer over the flushed fields.
		state.users = append(state.users, a.newUser(closeOp, Requirement{
			Fields:    closeMask,
			Privilege: types.ReadWrite,
			Coherence: types.Exclusive,
		}))

		result.Closes = append(result.Closes, Close{
			Op:     closeOp,
			Fields: closeMask,
			Deps:   deps,
		})
		result.Deps = append(result.Deps, Dependence{
			Predecessor: closeOp,
			Fields:      closeMask,
			Type:        types.TrueDependence,
		})
	}

	compactFieldStates(state)
	return nil
}

// closeChildren flushes the subtrees below the given child colors, each for
// exactly the fields it holds open, returning the wait-set of the close
// operation: every user it retires.
func (a *Analyzer) closeChildren(
	step tree.Step,
	toClose *mask.FieldSet[types.Color],
	closeOp types.OperationID,
) ([]Dependence, error) {
	var deps []Dependence
	for color, m := range toClose.Iterate() {
		childStep, err := a.childStep(step, color)
		if err != nil {
			return nil, err
		}
		if err := a.closeNode(childStep, m, closeOp, &deps); err != nil {
			return nil, err
		}
	}
	return deps, nil
}

func (a *Analyzer) subtractClosed(fs *fieldState, toClose *mask.FieldSet[types.Color]) {
	for color, m := range toClose.Iterate() {
		if i := fs.childIndex(color); i >= 0 {
			fs.children[i].fields = fs.children[i].fields.Subtract(m)
		}
	}
	fs.recompute()
}

func (a *Analyzer) childStep(step tree.Step, color types.Color) (tree.Step, error) {
	if step.IsRegion {
		p, err := a.config.Forest.RegionChild(step.Region, color)
		if err != nil {
			return tree.Step{}, err
		}
		return tree.Step{Partition: p}, nil
	}
	r, err := a.config.Forest.PartitionChild(step.Partition, color)
	if err != nil {
		return tree.Step{}, err
	}
	return tree.Step{IsRegion: true, Region: r}, nil
}

// closeNode flushes one node and, transitively, its open children for the
// given fields. Users whose accesses are flushed become predecessors of the
// close operation.
func (a *Analyzer) closeNode(
	step tree.Step,
	m mask.FieldMask,
	closeOp types.OperationID,
	deps *[]Dependence,
) error {
	state := a.node(keyOf(step))
	state.mu.Lock()
	defer state.mu.Unlock()

	kept := state.users[:0]
	for _, u := range state.users {
		overlap := u.fields.Intersect(m)
		if overlap.IsEmpty() {
			kept = append(kept, u)
			continue
		}
		*deps = append(*deps, Dependence{
			Predecessor: u.op,
			Fields:      overlap,
			Type:        types.TrueDependence,
		})
		a.traceEdge(u.op, closeOp, types.TrueDependence, overlap)

		u.fields = u.fields.Subtract(m)
		if !u.fields.IsEmpty() {
			kept = append(kept, u)
		}
	}
	state.users = kept

	for idx := range state.fieldStates {
		fs := &state.fieldStates[idx]
		if fs.fields.IsDisjoint(m) {
			continue
		}

		var closeColors []types.Color
		for _, ch := range fs.children {
			if !ch.fields.IsDisjoint(m) {
				closeColors = append(closeColors, ch.color)
			}
		}
		for _, color := range closeColors {
			childStep, err := a.childStep(step, color)
			if err != nil {
				return err
			}
			if err := a.closeNode(childStep, m, closeOp, deps); err != nil {
				return err
			}
			if i := fs.childIndex(color); i >= 0 {
				fs.children[i].fields = fs.children[i].fields.Subtract(m)
			}
		}
		fs.recompute()
	}
	compactFieldStates(state)
	return nil
}

// openChild records that the path child now holds the requested fields
// open in the mode implied by the privilege.
func (a *Analyzer) openChild(state *nodeState, color types.Color, req Requirement) {
	desired := desiredOpen(req.Privilege)
	remaining := req.Fields

	for idx := range state.fieldStates {
		fs := &state.fieldStates[idx]
		overlap := fs.fields.Intersect(remaining)
		if overlap.IsEmpty() {
			continue
		}

		newColor := fs.childIndex(color) < 0
		if i := fs.childIndex(color); i >= 0 {
			fs.children[i].fields = fs.children[i].fields.Union(overlap)
		} else {
			fs.children = append(fs.children, childOpen{color: color, fields: overlap})
		}
		fs.fields = fs.fields.Union(overlap)

		switch {
		case fs.open == types.OpenReadOnly && desired == types.OpenReadOnly:
		case (fs.open == types.OpenSingleReduce || fs.open == types.OpenMultiReduce) &&
			desired == types.OpenSingleReduce && fs.redop == req.Redop:
			if newColor && len(fs.children) > 1 {
				fs.open = types.OpenMultiReduce
			}
		default:
			// Conflicting siblings were closed already; the surviving branch
			// flips to the strongest requested mode.
			fs.open = types.OpenReadWrite
			if desired == types.OpenSingleReduce {
				fs.open = types.OpenSingleReduce
				fs.redop = req.Redop
			} else {
				fs.redop = 0
			}
		}

		remaining = remaining.Subtract(overlap)
		if remaining.IsEmpty() {
			break
		}
	}

	if !remaining.IsEmpty() {
		state.fieldStates = append(state.fieldStates, fieldState{
			open:     desired,
			redop:    req.Redop,
			fields:   remaining,
			children: []childOpen{{color: color, fields: remaining}},
		})
	}
}

// CloseSubtree flushes every open child of a region node for the given
// fields, independent of any registration. The returned close operation
// waits on every user it retired.
func (a *Analyzer) CloseSubtree(region types.LogicalRegion, m mask.FieldMask) (Close, error) {
	step := tree.Step{IsRegion: true, Region: region}
	state := a.node(keyOf(step))

	state.mu.Lock()
	defer state.mu.Unlock()

	closeOp := a.config.NextOp()
	var deps []Dependence
	for idx := range state.fieldStates {
		fs := &state.fieldStates[idx]
		if fs.fields.IsDisjoint(m) {
			continue
		}

		toClose := mask.NewFieldSet[types.Color]()
		for _, ch := range fs.children {
			chOverlap := ch.fields.Intersect(m)
			if !chOverlap.IsEmpty() {
				toClose.Insert(ch.color, chOverlap)
			}
		}
		if toClose.Len() == 0 {
			continue
		}

		closeDeps, err := a.closeChildren(step, toClose, closeOp)
		if err != nil {
			return Close{}, err
		}
		deps = append(deps, closeDeps...)
		a.subtractClosed(fs, toClose)
	}
	compactFieldStates(state)

	closed := Close{
		Op:   closeOp,
		Deps: deps,
	}
	for _, d := range deps {
		closed.Fields = closed.Fields.Union(d.Fields)
	}
	if !closed.Fields.IsEmpty() {
		state.users = append(state.users, a.newUser(closeOp, Requirement{
			Fields:    closed.Fields,
			Privilege: types.ReadWrite,
			Coherence: types.Exclusive,
		}))
	}
	return closed, nil
}
