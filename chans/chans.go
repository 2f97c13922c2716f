// Package chans multiplexes cross-node traffic onto a fixed set of ordered
// virtual channels. Frames on the same channel between the same pair of
// address spaces are delivered in send order; channels never head-of-line
// block each other. Delivery itself is owned by an external transport which
// guarantees in-order, exactly-once delivery per channel.
package chans

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/mass"
	"github.com/outofforest/parallel"
	"github.com/outofforest/strata/types"
	"github.com/outofforest/strata/wire"
)

// ErrRemoteUnreachable is returned when the transport cannot deliver to a
// peer. It fails the pending continuation of the affected request only.
var ErrRemoteUnreachable = errors.New("remote address space unreachable")

// Transport delivers encoded frames between address spaces. Implementations
// must deliver frames pushed to the same (target, channel) pair in order,
// exactly once.
type Transport interface {
	Send(ctx context.Context, target types.AddressSpaceID, channel types.ChannelKind, frame []byte) error
}

// HandlerFunc handles an inbound frame.
type HandlerFunc func(ctx context.Context, h wire.Header, payload []byte) error

// Config stores message manager configuration.
type Config struct {
	Self      types.AddressSpaceID
	Peers     []types.AddressSpaceID
	Transport Transport
}

// New creates a message manager.
func New(config Config) *Manager {
	return &Manager{
		config:       config,
		massEnvelope: mass.New[Envelope](1000),
		queues:       map[queueKey]*sendQueue{},
		recvSequence: map[queueKey]uint64{},
		pending:      map[uint64]chan Response{},
		newQueueCh:   make(chan queueRef, 10),
	}
}

type queueKey struct {
	Peer    types.AddressSpaceID
	Channel types.ChannelKind
}

type queueRef struct {
	key    queueKey
	reader *queueReader
}

// Response resumes a pending request continuation.
type Response struct {
	Header  wire.Header
	Payload []byte
	Err     error
}

// Manager owns the virtual channels of one address space.
type Manager struct {
	config Config

	massMu       sync.Mutex
	massEnvelope *mass.Mass[Envelope]

	queueMu sync.Mutex
	queues  map[queueKey]*sendQueue
	closed  bool

	recvMu       sync.Mutex
	recvSequence map[queueKey]uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan Response
	nextTag   atomic.Uint64

	handlers      [types.NumMessageKinds]HandlerFunc
	responseKinds [types.NumMessageKinds]bool

	newQueueCh chan queueRef
}

// RegisterHandler installs the handler for a message kind. Handlers must be
// installed before Run.
func (m *Manager) RegisterHandler(kind types.MessageKind, h HandlerFunc) {
	m.handlers[kind] = h
}

// RegisterResponse marks a message kind as a response resuming pending
// continuations by tag.
func (m *Manager) RegisterResponse(kind types.MessageKind) {
	m.responseKinds[kind] = true
}

// Self returns the local address space.
func (m *Manager) Self() types.AddressSpaceID {
	return m.config.Self
}

// Peers returns the remote address spaces.
func (m *Manager) Peers() []types.AddressSpaceID {
	return m.config.Peers
}

// Notify sends a one-way message.
func (m *Manager) Notify(target types.AddressSpaceID, kind types.MessageKind, payload []byte) {
	m.push(target, kind, 0, payload)
}

// Broadcast sends a one-way message to every peer.
func (m *Manager) Broadcast(kind types.MessageKind, payload []byte) {
	for _, peer := range m.config.Peers {
		m.push(peer, kind, 0, payload)
	}
}

// Request sends a request-shaped message and blocks until the matching
// response arrives or the context is canceled.
func (m *Manager) Request(
	ctx context.Context,
	target types.AddressSpaceID,
	kind types.MessageKind,
	payload []byte,
) (wire.Header, []byte, error) {
	tag := m.nextTag.Add(1)
	ch := make(chan Response, 1)

	m.pendingMu.Lock()
	m.pending[tag] = ch
	m.pendingMu.Unlock()

	m.push(target, kind, tag, payload)

	select {
	case <-ctx.Done():
		m.pendingMu.Lock()
		delete(m.pending, tag)
		m.pendingMu.Unlock()
		return wire.Header{}, nil, errors.WithStack(ctx.Err())
	case resp := <-ch:
		if resp.Err != nil {
			return wire.Header{}, nil, resp.Err
		}
		return resp.Header, resp.Payload, nil
	}
}

// Respond sends a response carrying the tag of the request it resumes.
func (m *Manager) Respond(target types.AddressSpaceID, kind types.MessageKind, tag uint64, payload []byte) {
	m.push(target, kind, tag, payload)
}

func (m *Manager) push(target types.AddressSpaceID, kind types.MessageKind, tag uint64, payload []byte) {
	m.massMu.Lock()
	env := m.massEnvelope.New()
	m.massMu.Unlock()

	env.Header = wire.Header{
		Kind:    kind,
		Channel: kind.Channel(),
		Source:  m.config.Self,
		Target:  target,
		Tag:     tag,
	}
	env.Payload = payload
	env.Next = nil
	env.Closing = false

	m.queue(queueKey{Peer: target, Channel: env.Header.Channel}).Push(env)
}

func (m *Manager) queue(key queueKey) *sendQueue {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()

	q, exists := m.queues[key]
	if !exists {
		q = newSendQueue()
		m.queues[key] = q
		m.newQueueCh <- queueRef{key: key, reader: q.NewReader()}
		if m.closed {
			q.Push(&Envelope{Closing: true})
		}
	}
	return q
}

func (m *Manager) closeQueues() {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()

	m.closed = true
	for _, q := range m.queues {
		q.Push(&Envelope{Closing: true})
	}
}

// Run drains the send queues. One pump per (peer, channel) keeps unrelated
// channels independent.
func (m *Manager) Run(ctx context.Context) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("supervisor", parallel.Fail, func(ctx context.Context) error {
			for {
				select {
				case <-ctx.Done():
					m.closeQueues()
					return errors.WithStack(ctx.Err())
				case ref := <-m.newQueueCh:
					spawn(fmt.Sprintf("pump-%d-%02d", ref.key.Peer, ref.key.Channel), parallel.Fail,
						func(ctx context.Context) error {
							return m.runPump(ctx, ref.key, ref.reader)
						})
				}
			}
		})
		return nil
	})
}

func (m *Manager) runPump(ctx context.Context, key queueKey, reader *queueReader) error {
	for {
		count := reader.Count()
		for range count {
			env := reader.Read()
			if env.Closing {
				return errors.WithStack(ctx.Err())
			}

			frame := wire.Encode(env.Header, env.Payload)
			if err := m.config.Transport.Send(ctx, key.Peer, key.Channel, frame); err != nil {
				err = errors.Wrapf(ErrRemoteUnreachable, "space %d channel %d: %s",
					key.Peer, key.Channel, err)
				if env.Header.Tag != 0 {
					m.fail(env.Header.Tag, err)
				}
				logger.Get(ctx).Warn("frame delivery failed",
					zap.Uint32("peer", uint32(key.Peer)),
					zap.Uint8("channel", uint8(key.Channel)),
					zap.Error(err))
			}
		}
	}
}

// Deliver accepts an inbound frame from the transport, verifies its digest
// and channel ordering, and dispatches it.
func (m *Manager) Deliver(ctx context.Context, frame []byte) error {
	h, payload, err := wire.Decode(frame)
	if err != nil {
		return err
	}
	if h.Target != m.config.Self {
		return errors.Errorf("frame for space %d delivered to space %d", h.Target, m.config.Self)
	}

	key := queueKey{Peer: h.Source, Channel: h.Channel}
	m.recvMu.Lock()
	expected := m.recvSequence[key] + 1
	if h.Sequence != expected {
		m.recvMu.Unlock()
		return errors.Errorf("out-of-order frame on channel %d from space %d: expected %d, got %d",
			h.Channel, h.Source, expected, h.Sequence)
	}
	m.recvSequence[key] = h.Sequence
	m.recvMu.Unlock()

	if m.responseKinds[h.Kind] && h.Tag != 0 {
		m.complete(h, payload)
		return nil
	}

	handler := m.handlers[h.Kind]
	if handler == nil {
		return errors.Errorf("no handler for message kind %d", h.Kind)
	}
	return handler(ctx, h, payload)
}

func (m *Manager) complete(h wire.Header, payload []byte) {
	m.pendingMu.Lock()
	ch, exists := m.pending[h.Tag]
	delete(m.pending, h.Tag)
	m.pendingMu.Unlock()

	if exists {
		ch <- Response{Header: h, Payload: payload}
	}
}

func (m *Manager) fail(tag uint64, err error) {
	m.pendingMu.Lock()
	ch, exists := m.pending[tag]
	delete(m.pending, tag)
	m.pendingMu.Unlock()

	if exists {
		ch <- Response{Err: err}
	}
}
