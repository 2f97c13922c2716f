package version

import (
	"context"

	"github.com/cespare/xxhash"
	"github.com/pkg/errors"

	"github.com/outofforest/photon"
	"github.com/outofforest/strata/mask"
	"github.com/outofforest/strata/types"
	"github.com/outofforest/strata/wire"
)

// coalesceKey identifies one (node, fields, version, requester) fetch so
// concurrent identical requests share a single network round trip.
func (m *Manager) coalesceKey(record *wire.VersionRequestRecord) uint64 {
	return xxhash.Sum64(photon.NewFromValue(record).B)
}

// Fetch makes the requested version locally valid, asking its owner for
// serialized state when the authoritative copy is remote. A redirect is
// followed exactly once; ownership moves at most once per version so a
// second redirect is a protocol violation.
func (m *Manager) Fetch(
	ctx context.Context,
	region types.LogicalRegion,
	fields mask.FieldMask,
	version types.VersionNumber,
	owner types.AddressSpaceID,
) (Info, error) {
	request := wire.VersionRequestRecord{
		Region:    region,
		Mask:      fields,
		Version:   version,
		Requester: m.self,
	}
	key := m.coalesceKey(&request)

	m.mu.Lock()
	for _, s := range m.matching(region, fields, version) {
		if s.valid.Contains(m.self) {
			info := infoOf(s)
			info.Fields = s.fields.Intersect(fields)
			m.mu.Unlock()
			return info, nil
		}
	}

	if f, exists := m.inflight[key]; exists {
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return Info{}, errors.WithStack(ctx.Err())
		case <-f.done:
		}
		if f.err != nil {
			return Info{}, f.err
		}
		return recordInfo(f.record, fields), nil
	}

	// States naming this version stay retained for the duration of the
	// round trip, so the response can still merge into them.
	f := &fetch{done: make(chan struct{})}
	m.inflight[key] = f
	retained := m.matching(region, fields, version)
	for _, s := range retained {
		m.config.Registry.AddResourceRef(s.collectable)
	}
	m.mu.Unlock()

	record, err := m.roundTrip(ctx, owner, &request)

	m.mu.Lock()
	delete(m.inflight, key)
	for _, s := range retained {
		m.config.Registry.RemoveResourceRef(s.collectable)
	}
	m.mu.Unlock()

	if err != nil {
		f.err = err
		close(f.done)
		return Info{}, err
	}

	m.apply(record)
	f.record = record
	close(f.done)
	return recordInfo(record, fields), nil
}

func (m *Manager) roundTrip(
	ctx context.Context,
	owner types.AddressSpaceID,
	request *wire.VersionRequestRecord,
) (wire.VersionRecord, error) {
	h, payload, err := m.config.Requester.Request(ctx, owner, types.MsgVersionRequest, wire.Put(request))
	if err != nil {
		return wire.VersionRecord{}, err
	}
	record, err := wire.Get[wire.VersionRecord](payload)
	if err != nil {
		return wire.VersionRecord{}, err
	}
	if h.Kind != types.MsgVersionRedirect {
		return record, nil
	}

	// Stale ownership: follow the redirect one hop.
	h, payload, err = m.config.Requester.Request(ctx, record.Redirect, types.MsgVersionRequest,
		wire.Put(request))
	if err != nil {
		return wire.VersionRecord{}, err
	}
	record, err = wire.Get[wire.VersionRecord](payload)
	if err != nil {
		return wire.VersionRecord{}, err
	}
	if h.Kind == types.MsgVersionRedirect {
		return wire.VersionRecord{}, errors.Errorf(
			"version ownership redirected twice for tree %d", request.Region.Tree)
	}
	return record, nil
}

func recordInfo(record wire.VersionRecord, fields mask.FieldMask) Info {
	return Info{
		DID:     record.DID,
		Version: record.Version,
		Fields:  record.Mask.Intersect(fields),
		Valid:   record.Valid,
		Owner:   record.Owner,
	}
}

// apply merges a fetched version record into local state. The local space
// now holds a valid copy.
func (m *Manager) apply(record wire.VersionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nv := m.node(record.Region)
	for _, s := range nv.current {
		overlap := s.fields.Intersect(record.Mask)
		if overlap.IsEmpty() {
			continue
		}
		if s.version == record.Version {
			if !s.valid.Contains(m.self) {
				m.config.Registry.AddValidRef(s.collectable)
			}
			s.valid = s.valid.Union(record.Valid)
			s.valid.Add(m.self)
			s.owner = record.Owner
			record.Mask = record.Mask.Subtract(overlap)
		}
	}
	if record.Mask.IsEmpty() {
		return
	}

	valid := record.Valid
	valid.Add(m.self)
	c := m.config.Registry.Track(record.DID, 1)
	m.config.Registry.AddResourceRef(c)
	m.config.Registry.AddValidRef(c)
	nv.current = append(nv.current, &state{
		collectable: c,
		version:     record.Version,
		fields:      record.Mask,
		valid:       valid,
		stale:       record.Stale,
		owner:       record.Owner,
	})
}

// HandleInit installs version state pushed by its owner. The local space
// becomes a valid holder, exactly as if it had fetched the state itself.
func (m *Manager) HandleInit(_ context.Context, _ wire.Header, payload []byte) error {
	record, err := wire.Get[wire.VersionRecord](payload)
	if err != nil {
		return err
	}
	m.apply(record)
	return nil
}

// HandleAdvance supersedes local copies overtaken by a remote write. The
// local space learns the new version exists but holds no data for it.
func (m *Manager) HandleAdvance(_ context.Context, _ wire.Header, payload []byte) error {
	record, err := wire.Get[wire.VersionRecord](payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	nv := m.node(record.Region)
	for _, s := range nv.current {
		if s.version == record.Version && !s.fields.IsDisjoint(record.Mask) {
			// Already known, the advance arrived after a fetch or init.
			if record.Valid.Contains(m.self) && !s.valid.Contains(m.self) {
				m.config.Registry.AddValidRef(s.collectable)
			}
			s.valid = s.valid.Union(record.Valid)
			return nil
		}
	}

	kept := nv.current[:0]
	for _, s := range nv.current {
		overlap := s.fields.Intersect(record.Mask)
		if overlap.IsEmpty() || s.version >= record.Version {
			kept = append(kept, s)
			continue
		}

		nv.history = append(nv.history, &state{
			collectable: s.collectable,
			version:     s.version,
			fields:      overlap,
			valid:       s.valid,
			stale:       s.stale,
			owner:       s.owner,
			redirect:    record.Owner,
			hasRedirect: true,
		})

		s.fields = s.fields.Subtract(overlap)
		if s.fields.IsEmpty() {
			if s.valid.Contains(m.self) {
				m.config.Registry.RemoveValidRef(s.collectable)
			}
			m.config.Registry.RemoveResourceRef(s.collectable)
		} else {
			kept = append(kept, s)
		}
	}
	nv.current = kept

	c := m.config.Registry.Track(record.DID, 1)
	m.config.Registry.AddResourceRef(c)
	if record.Valid.Contains(m.self) {
		m.config.Registry.AddValidRef(c)
	}
	nv.current = append(nv.current, &state{
		collectable: c,
		version:     record.Version,
		fields:      record.Mask,
		valid:       record.Valid,
		stale:       record.Stale,
		owner:       record.Owner,
	})
	return nil
}

// HandleRequest serves a version request on the owner side, answering with
// serialized state or a stale-ownership redirect.
func (m *Manager) HandleRequest(_ context.Context, h wire.Header, payload []byte) error {
	request, err := wire.Get[wire.VersionRequestRecord](payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	nv := m.node(request.Region)
	for _, s := range nv.current {
		overlap := s.fields.Intersect(request.Mask)
		if overlap.IsEmpty() || s.version != request.Version {
			continue
		}
		if s.owner != m.self {
			m.respondRedirect(h, request.Region, s.owner)
			return nil
		}

		s.valid.Add(request.Requester)
		record := wire.VersionRecord{
			Region:  request.Region,
			Mask:    overlap,
			DID:     s.collectable.DID(),
			Version: s.version,
			Valid:   s.valid,
			Stale:   s.stale,
			Owner:   s.owner,
		}
		m.config.Requester.Respond(h.Source, types.MsgVersionResponse, h.Tag, wire.Put(&record))
		return nil
	}

	for _, s := range nv.history {
		if s.version == request.Version && !s.fields.IsDisjoint(request.Mask) && s.hasRedirect {
			m.respondRedirect(h, request.Region, s.redirect)
			return nil
		}
	}

	// The requester knows a version this space never held; point it at the
	// newest owner known for the fields.
	for _, s := range nv.current {
		if !s.fields.IsDisjoint(request.Mask) {
			m.respondRedirect(h, request.Region, s.owner)
			return nil
		}
	}
	field, _ := request.Mask.First()
	return errors.Errorf("version %d of field %d in tree %d unknown to space %d",
		request.Version, field, request.Region.Tree, m.self)
}

func (m *Manager) respondRedirect(
	h wire.Header,
	region types.LogicalRegion,
	target types.AddressSpaceID,
) {
	record := wire.VersionRecord{
		Region:      region,
		Redirect:    target,
		HasRedirect: 1,
	}
	m.config.Requester.Respond(h.Source, types.MsgVersionRedirect, h.Tag, wire.Put(&record))
}
