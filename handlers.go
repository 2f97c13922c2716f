package strata

import (
	"context"

	"github.com/pkg/errors"

	"github.com/outofforest/strata/types"
	"github.com/outofforest/strata/wire"
)

func (e *Engine) registerHandlers() {
	e.msgs.RegisterHandler(types.MsgIndexSpaceNode, importHandler(e.forest.ImportIndexSpace))
	e.msgs.RegisterHandler(types.MsgIndexPartitionNode, importHandler(e.forest.ImportIndexPartition))
	e.msgs.RegisterHandler(types.MsgFieldSpaceNode, importHandler(e.forest.ImportFieldSpace))
	e.msgs.RegisterHandler(types.MsgFieldAllocNotify, importHandler(e.forest.ImportFieldAlloc))
	e.msgs.RegisterHandler(types.MsgRegionNode, importHandler(e.forest.ImportRegion))
	e.msgs.RegisterHandler(types.MsgIndexSpaceRequest, e.handleIndexSpaceRequest)
	e.msgs.RegisterHandler(types.MsgIndexPartitionRequest, e.handleIndexPartitionRequest)
	e.msgs.RegisterResponse(types.MsgIndexSpaceReturn)
	e.msgs.RegisterResponse(types.MsgIndexPartitionReturn)

	e.msgs.RegisterHandler(types.MsgValidUpdate, e.registry.HandleRefUpdate)
	e.msgs.RegisterHandler(types.MsgResourceUpdate, e.registry.HandleRefUpdate)
	e.msgs.RegisterHandler(types.MsgGCEpoch, e.registry.HandleEpoch)

	e.msgs.RegisterHandler(types.MsgVersionPath, e.versions.HandleAdvance)
	e.msgs.RegisterHandler(types.MsgVersionInit, e.versions.HandleInit)
	e.msgs.RegisterHandler(types.MsgVersionRequest, e.versions.HandleRequest)
	e.msgs.RegisterResponse(types.MsgVersionResponse)
	e.msgs.RegisterResponse(types.MsgVersionRedirect)

	e.msgs.RegisterHandler(types.MsgInstanceRequest, e.handleInstanceRequest)
	e.msgs.RegisterHandler(types.MsgGCPriorityUpdate, e.handleGCPriority)
	e.msgs.RegisterResponse(types.MsgInstanceResponse)

	e.msgs.RegisterHandler(types.MsgMapper, e.handleMapper)

	e.msgs.RegisterHandler(types.MsgShutdownNotify, e.handleShutdown)
	e.msgs.RegisterResponse(types.MsgShutdownResponse)
}

// importHandler adapts an idempotent forest import to the handler signature.
func importHandler[T comparable](apply func(T) error) func(context.Context, wire.Header, []byte) error {
	return func(_ context.Context, _ wire.Header, payload []byte) error {
		record, err := wire.Get[T](payload)
		if err != nil {
			return err
		}
		return apply(record)
	}
}

func (e *Engine) handleIndexSpaceRequest(_ context.Context, h wire.Header, payload []byte) error {
	request, err := wire.Get[wire.StructureRequestRecord](payload)
	if err != nil {
		return err
	}
	record, err := e.forest.ExportIndexSpace(request.Index)
	if err != nil {
		return err
	}
	e.msgs.Respond(h.Source, types.MsgIndexSpaceReturn, h.Tag, wire.Put(&record))
	return nil
}

func (e *Engine) handleIndexPartitionRequest(_ context.Context, h wire.Header, payload []byte) error {
	request, err := wire.Get[wire.StructureRequestRecord](payload)
	if err != nil {
		return err
	}
	record, err := e.forest.ExportIndexPartition(request.Part)
	if err != nil {
		return err
	}
	e.msgs.Respond(h.Source, types.MsgIndexPartitionReturn, h.Tag, wire.Put(&record))
	return nil
}

func (e *Engine) handleInstanceRequest(_ context.Context, h wire.Header, payload []byte) error {
	request, err := wire.Get[wire.InstanceRequestRecord](payload)
	if err != nil {
		return err
	}

	record := wire.InstanceRecord{
		Space: e.config.AddressSpace,
	}
	if e.config.Instances != nil {
		if instances := e.config.Instances.Find(request.Region, request.Mask); len(instances) > 0 {
			record.Instance = instances[0]
			record.Fields = request.Mask
			record.Procs = e.config.Instances.Affinity(record.Instance)
		}
	}
	e.msgs.Respond(h.Source, types.MsgInstanceResponse, h.Tag, wire.Put(&record))
	return nil
}

func (e *Engine) handleGCPriority(_ context.Context, _ wire.Header, payload []byte) error {
	record, err := wire.Get[wire.GCPriorityRecord](payload)
	if err != nil {
		return err
	}
	if e.config.Instances == nil {
		return errors.New("priority update without instance provider")
	}
	e.config.Instances.SetPriority(record.Instance, record.Priority)
	return nil
}

func (e *Engine) handleMapper(_ context.Context, h wire.Header, payload []byte) error {
	if e.config.Mapper == nil {
		return errors.New("mapper message without mapper")
	}
	e.config.Mapper.HandleMessage(h.Source, payload)
	return nil
}

func (e *Engine) handleShutdown(_ context.Context, h wire.Header, payload []byte) error {
	request, err := wire.Get[wire.ShutdownRecord](payload)
	if err != nil {
		return err
	}
	record := wire.ShutdownRecord{
		Phase:    request.Phase,
		Observed: uint64(e.registry.Len()),
	}
	e.msgs.Respond(h.Source, types.MsgShutdownResponse, h.Tag, wire.Put(&record))
	return nil
}
