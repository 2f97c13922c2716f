// Package logical implements the dependence analysis state machine. Every
// region tree node carries, per field subset, an open state describing the
// unflushed accesses living in its subtree. Registering an operation walks
// the tree from the root to the target region, records dependence edges
// against earlier users field by field, and emits synthetic close
// operations whenever the requested access is incompatible with the open
// children below a branching node.
package logical

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/outofforest/mass"
	"github.com/outofforest/strata/dist"
	"github.com/outofforest/strata/mask"
	"github.com/outofforest/strata/tree"
	"github.com/outofforest/strata/types"
)

// ErrPrivilegeConflict reports a privilege/coherence combination with no
// defined open-state transition. Surfaced to the submitting context, never
// retried.
var ErrPrivilegeConflict = errors.New("no defined transition for requested privilege and coherence")

// Requirement is one (region, fields, privilege, coherence) access request.
type Requirement struct {
	Region    types.LogicalRegion
	Fields    mask.FieldMask
	Privilege types.PrivilegeMode
	Coherence types.CoherenceProperty
	Redop     types.ReductionOpID
}

// Dependence is one edge of an operation's wait-set.
type Dependence struct {
	Predecessor types.OperationID
	Fields      mask.FieldMask
	Type        types.DependenceType
}

// Close describes a synthetic close operation emitted during registration.
type Close struct {
	Op     types.OperationID
	Fields mask.FieldMask
	Deps   []Dependence
}

// Result is the outcome of registering one requirement.
type Result struct {
	// Deps is the ordered wait-set of the registered operation.
	Deps []Dependence

	// Closes are the synthetic close operations the registration emitted,
	// each with its own wait-set.
	Closes []Close
}

// user is a recorded access attached to a tree node.
type user struct {
	op        types.OperationID
	privilege types.PrivilegeMode
	coherence types.CoherenceProperty
	redop     types.ReductionOpID
	fields    mask.FieldMask
}

// childOpen tracks the fields a child color holds open.
type childOpen struct {
	color  types.Color
	fields mask.FieldMask
}

// fieldState is the open state of one disjoint field subset at a node.
type fieldState struct {
	open     types.OpenState
	redop    types.ReductionOpID
	fields   mask.FieldMask
	children []childOpen
}

type nodeKey struct {
	isRegion  bool
	region    types.LogicalRegion
	partition types.LogicalPartition
}

func keyOf(step tree.Step) nodeKey {
	if step.IsRegion {
		return nodeKey{isRegion: true, region: step.Region}
	}
	return nodeKey{partition: step.Partition}
}

type nodeState struct {
	mu          sync.Mutex
	fieldStates []fieldState
	users       []*user
}

// Config stores analyzer configuration.
type Config struct {
	Forest   *tree.Forest
	Registry *dist.Registry

	// NextOp mints operation IDs for synthetic close operations.
	NextOp func() types.OperationID
}

// New creates a dependence analyzer.
func New(config Config) *Analyzer {
	return &Analyzer{
		config:   config,
		massUser: mass.New[user](1000),
		nodes:    map[nodeKey]*nodeState{},
		retained: map[types.OperationID][]*dist.Collectable{},
	}
}

// Analyzer owns the logical state of every tree node on this address space.
type Analyzer struct {
	config Config

	massMu   sync.Mutex
	massUser *mass.Mass[user]

	mu    sync.Mutex
	nodes map[nodeKey]*nodeState

	retainedMu sync.Mutex
	retained   map[types.OperationID][]*dist.Collectable

	trace atomic.Pointer[Trace]
}

func (a *Analyzer) node(key nodeKey) *nodeState {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, exists := a.nodes[key]
	if !exists {
		s = &nodeState{}
		a.nodes[key] = s
	}
	return s
}

func (a *Analyzer) newUser(op types.OperationID, req Requirement) *user {
	a.massMu.Lock()
	u := a.massUser.New()
	a.massMu.Unlock()

	u.op = op
	u.privilege = req.Privilege
	u.coherence = req.Coherence
	u.redop = req.Redop
	u.fields = req.Fields
	return u
}

func validate(req Requirement) error {
	if req.Privilege > types.Reduce {
		return errors.Wrapf(ErrPrivilegeConflict, "unknown privilege %d", req.Privilege)
	}
	if req.Coherence > types.Relaxed {
		return errors.Wrapf(ErrPrivilegeConflict, "unknown coherence %d", req.Coherence)
	}
	if req.Privilege == types.NoAccess && !req.Fields.IsEmpty() {
		return errors.Wrap(ErrPrivilegeConflict, "no-access requirement names fields")
	}
	if req.Privilege == types.Reduce && req.Redop == 0 {
		return errors.Wrap(ErrPrivilegeConflict, "reduction requirement without an operator")
	}
	if req.Privilege != types.Reduce && req.Redop != 0 {
		return errors.Wrap(ErrPrivilegeConflict, "reduction operator without reduce privilege")
	}
	return nil
}

// dependenceType classifies the edge a new access forms against an earlier
// user, considering only overlapping fields.
func dependenceType(prev *user, req Requirement) types.DependenceType {
	prevReadOnly := prev.privilege == types.ReadOnly
	nextReadOnly := req.Privilege == types.ReadOnly
	if prevReadOnly && nextReadOnly {
		return types.NoDependence
	}
	if prev.privilege == types.Reduce && req.Privilege == types.Reduce && prev.redop == req.Redop {
		return types.NoDependence
	}

	prevRelaxed := prev.coherence == types.Simultaneous || prev.coherence == types.Relaxed
	nextRelaxed := req.Coherence == types.Simultaneous || req.Coherence == types.Relaxed
	switch {
	case prevRelaxed && nextRelaxed:
		return types.SimultaneousDependence
	case prev.coherence == types.Atomic && req.Coherence == types.Atomic:
		return types.AtomicDependence
	case prevReadOnly && req.Privilege.IsWrite():
		return types.AntiDependence
	default:
		return types.TrueDependence
	}
}

// desiredOpen maps a privilege onto the open state it needs below a
// branching node.
func desiredOpen(privilege types.PrivilegeMode) types.OpenState {
	switch privilege {
	case types.ReadOnly:
		return types.OpenReadOnly
	case types.Reduce:
		return types.OpenSingleReduce
	default:
		return types.OpenReadWrite
	}
}

// Register computes the wait-set of an operation's requirement and records
// the operation in the tree state for future operations to see. Within one
// address space, calls for the same region must be made in submission
// order; that order is what the produced dependences preserve.
func (a *Analyzer) Register(op types.OperationID, req Requirement) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}
	if req.Privilege == types.NoAccess || req.Fields.IsEmpty() {
		return Result{}, nil
	}

	steps, err := a.config.Forest.Path(req.Region)
	if err != nil {
		return Result{}, err
	}

	var result Result
	for i, step := range steps {
		state := a.node(keyOf(step))
		last := i == len(steps)-1

		state.mu.Lock()
		a.recordDeps(state, op, req, &result.Deps)
		if last {
			if err := a.closeConflicting(step, state, req, 0, false, &result); err != nil {
				state.mu.Unlock()
				return Result{}, err
			}
			state.users = append(state.users, a.newUser(op, req))
		} else {
			if err := a.closeConflicting(step, state, req, step.ChildColor, true, &result); err != nil {
				state.mu.Unlock()
				return Result{}, err
			}
			a.openChild(state, step.ChildColor, req)
		}
		state.mu.Unlock()
	}

	a.retain(op, req.Region)
	return result, nil
}

// recordDeps registers dependences of the new operation against earlier
// users of the node, per overlapping subfield. Users fully superseded by a
// writer are retired.
func (a *Analyzer) recordDeps(
	state *nodeState,
	op types.OperationID,
	req Requirement,
	deps *[]Dependence,
) {
	kept := state.users[:0]
	for _, u := range state.users {
		overlap := u.fields.Intersect(req.Fields)
		if overlap.IsEmpty() || u.op == op {
			kept = append(kept, u)
			continue
		}

		dep := dependenceType(u, req)
		if dep != types.NoDependence {
			*deps = append(*deps, Dependence{
				Predecessor: u.op,
				Fields:      overlap,
				Type:        dep,
			})
			a.traceEdge(u.op, op, dep, overlap)
		}

		// A blocking writer dominating all of the user's fields supersedes it.
		if dep.Blocking() && req.Privilege.IsWrite() && u.fields.IsSubset(req.Fields) {
			continue
		}
		kept = append(kept, u)
	}
	state.users = kept
}

// retain keeps a resource reference on the target region for the lifetime
// of the analysis, so two-phase node deletion waits for it.
func (a *Analyzer) retain(op types.OperationID, region types.LogicalRegion) {
	c, err := a.config.Forest.Collectable(region)
	if err != nil {
		return
	}
	a.config.Registry.AddResourceRef(c)

	a.retainedMu.Lock()
	a.retained[op] = append(a.retained[op], c)
	a.retainedMu.Unlock()
}

// Retire releases the tree references an operation holds. Called once the
// operation completes and can no longer be named as a dependence
// predecessor.
func (a *Analyzer) Retire(op types.OperationID) {
	a.retainedMu.Lock()
	cs := a.retained[op]
	delete(a.retained, op)
	a.retainedMu.Unlock()

	for _, c := range cs {
		a.config.Registry.RemoveResourceRef(c)
	}
}
