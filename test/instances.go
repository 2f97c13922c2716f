package test

import (
	"context"
	"sync"

	"github.com/outofforest/strata/mask"
	"github.com/outofforest/strata/types"
)

// NewInstances creates the in-memory instance provider used in tests.
// Instance IDs embed the address space so clusters never collide.
func NewInstances(space types.AddressSpaceID) *Instances {
	return &Instances{
		next:       types.InstanceID(uint64(space) << 32),
		instances:  map[instanceKey][]types.InstanceID{},
		priorities: map[types.InstanceID]int64{},
	}
}

type instanceKey struct {
	Region types.LogicalRegion
	Fields mask.FieldMask
}

// Instances is the in-memory instance provider used in tests.
type Instances struct {
	mu         sync.Mutex
	next       types.InstanceID
	instances  map[instanceKey][]types.InstanceID
	priorities map[types.InstanceID]int64
}

// Find returns the instances allocated for the exact region and fields.
func (i *Instances) Find(region types.LogicalRegion, fields mask.FieldMask) []types.InstanceID {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.instances[instanceKey{Region: region, Fields: fields}]
}

// Allocate creates an instance for the region and fields.
func (i *Instances) Allocate(
	_ context.Context,
	region types.LogicalRegion,
	fields mask.FieldMask,
) (types.InstanceID, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.next++
	key := instanceKey{Region: region, Fields: fields}
	i.instances[key] = append(i.instances[key], i.next)
	return i.next, nil
}

// SetPriority records the collection priority of an instance.
func (i *Instances) SetPriority(instance types.InstanceID, priority int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.priorities[instance] = priority
}

// Priority returns the recorded collection priority of an instance.
func (i *Instances) Priority(instance types.InstanceID) int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.priorities[instance]
}

// Affinity pins every test instance to processor zero.
func (i *Instances) Affinity(types.InstanceID) mask.ProcessorMask {
	var procs mask.ProcessorMask
	procs.Add(0)
	return procs
}

// FirstMapper always selects the first candidate and records received
// mapper messages.
type FirstMapper struct {
	mu       sync.Mutex
	messages [][]byte
}

// SelectInstance picks the first candidate.
func (m *FirstMapper) SelectInstance(
	_ types.LogicalRegion,
	_ mask.FieldMask,
	candidates []types.InstanceID,
) types.InstanceID {
	return candidates[0]
}

// HandleMessage records a mapper message.
func (m *FirstMapper) HandleMessage(_ types.AddressSpaceID, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, append([]byte(nil), payload...))
}

// Messages returns the recorded mapper messages.
func (m *FirstMapper) Messages() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages
}
