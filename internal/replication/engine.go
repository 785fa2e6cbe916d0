// Package replication is the sync protocol between replicas of one room.
//
// Every local mutation gets the next sequence number of the local device.
// A remote mutation is applied only when its sequence directly follows the
// last one applied from that sender; older sequences are duplicates and
// are acknowledged without effect. A gap buffers the message and asks the
// sender for a snapshot; while a snapshot is pending every mutation is
// buffered, and once it is restored the buffers drain in ascending order.
//
// A sender whose broadcast missed a member learns about it through a
// catch-up once their link is back: the member reports the last sequence
// it applied and the sender resends everything after it.
//
// Concurrent writes to one register resolve by last-write-wins on the send
// timestamp, ties going to the greater sender id.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/matchsync/internal/logger"
	"github.com/mossy-p/matchsync/internal/transport"
)

// ErrSequenceGap marks a mutation that arrived before its predecessors.
var ErrSequenceGap = errors.New("sequence gap")

// Peers is how the engine reaches other replicas.
type Peers interface {
	SendTo(deviceID string, payload []byte) error
	ConnectedDevices() []string
}

// Engine owns the sequence bookkeeping of one replica.
type Engine struct {
	localID string
	replica Replica
	peers   Peers
	log     *logger.Logger
	now     func() time.Time

	mu            sync.Mutex
	sequence      uint64
	lastTimestamp int64
	applied       map[string]uint64
	clock         map[string]Stamp
	buffered      map[string]map[uint64]Message
	pending       string
	logged        map[string][]Message
	deliveries    map[uint64]*delivery
}

type delivery struct {
	waiting map[string]bool
	done    chan struct{}
}

// outgoing is a message to send once the engine lock is released.
type outgoing struct {
	to  string
	msg Message
}

// NewEngine creates the engine for localID.
func NewEngine(localID string, replica Replica, peers Peers, log *logger.Logger) *Engine {
	return &Engine{
		localID:    localID,
		replica:    replica,
		peers:      peers,
		log:        log,
		now:        time.Now,
		applied:    make(map[string]uint64),
		clock:      make(map[string]Stamp),
		buffered:   make(map[string]map[uint64]Message),
		logged:     make(map[string][]Message),
		deliveries: make(map[uint64]*delivery),
	}
}

// Publish stamps m with the next local sequence, applies it locally and
// returns the message to propagate.
func (e *Engine) Publish(m Mutation) (Message, error) {
	payload, err := jsonMarshal(m)
	if err != nil {
		return Message{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ts := e.now().UnixNano()
	if ts <= e.lastTimestamp {
		ts = e.lastTimestamp + 1
	}
	e.lastTimestamp = ts
	e.sequence++

	msg := Message{
		SenderID:  e.localID,
		Sequence:  e.sequence,
		Kind:      KindMutation,
		Timestamp: ts,
		Payload:   payload,
	}
	e.applyLocked(msg)
	e.applied[e.localID] = e.sequence

	e.log.Debug().Uint64("seq", msg.Sequence).Str("entity", m.EntityID).Msg("mutation published")
	return msg, nil
}

// HandleMessage consumes a message received from device from.
func (e *Engine) HandleMessage(from string, data []byte) {
	msg, err := Decode(data)
	if err != nil {
		e.log.Warn().Err(err).Str("peer", from).Msg("dropping malformed sync message")
		return
	}
	if msg.SenderID != from {
		e.log.Warn().Str("peer", from).Str("sender", msg.SenderID).Msg("dropping sync message with foreign sender")
		return
	}

	var out []outgoing
	switch msg.Kind {
	case KindAck:
		e.handleAck(from, msg.Sequence)
	case KindSnapshotRequest:
		out, err = e.handleSnapshotRequest(from)
	case KindSnapshotResponse:
		out, err = e.handleSnapshot(from, msg)
	case KindMutation:
		out = e.handleMutation(msg)
	case KindCatchUp:
		out = e.handleCatchUp(from, msg.Sequence)
	}
	if err != nil {
		e.log.Warn().Err(err).Str("peer", from).Str("kind", string(msg.Kind)).Msg("sync message failed")
	}
	e.send(out)
}

// RequestSnapshot asks peer for its full state. Until the response is
// restored every incoming mutation is buffered.
func (e *Engine) RequestSnapshot(peer string) error {
	if peer == e.localID {
		return nil
	}

	e.mu.Lock()
	e.pending = peer
	e.mu.Unlock()

	if err := e.sendTo(peer, Message{SenderID: e.localID, Kind: KindSnapshotRequest}); err != nil {
		e.mu.Lock()
		if e.pending == peer {
			e.pending = ""
		}
		e.mu.Unlock()
		return err
	}
	return nil
}

// ResyncPending repeats an unanswered snapshot request.
func (e *Engine) ResyncPending() error {
	e.mu.Lock()
	peer := e.pending
	e.mu.Unlock()

	if peer == "" {
		return nil
	}
	return e.sendTo(peer, Message{SenderID: e.localID, Kind: KindSnapshotRequest})
}

// CatchUp tells peer the last of its sequences applied here, so it
// resends the mutations this replica missed.
func (e *Engine) CatchUp(peer string) error {
	if peer == e.localID {
		return nil
	}
	e.mu.Lock()
	applied := e.applied[peer]
	e.mu.Unlock()

	return e.sendTo(peer, Message{SenderID: e.localID, Sequence: applied, Kind: KindCatchUp})
}

// Deliver sends msg to every connected device and waits until each of
// them acknowledged it. With no connected device it fails with
// transport.ErrNotConnected.
func (e *Engine) Deliver(ctx context.Context, msg Message) error {
	targets := e.peers.ConnectedDevices()
	if len(targets) == 0 {
		return fmt.Errorf("delivering #%d: %w", msg.Sequence, transport.ErrNotConnected)
	}
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	d := &delivery{waiting: make(map[string]bool, len(targets)), done: make(chan struct{})}
	for _, id := range targets {
		d.waiting[id] = true
	}

	e.mu.Lock()
	e.deliveries[msg.Sequence] = d
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		if e.deliveries[msg.Sequence] == d {
			delete(e.deliveries, msg.Sequence)
		}
		e.mu.Unlock()
	}()

	for _, id := range targets {
		if err := e.peers.SendTo(id, data); err != nil {
			return fmt.Errorf("delivering #%d: %w", msg.Sequence, err)
		}
	}

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("delivering #%d: awaiting acknowledgment: %w", msg.Sequence, ctx.Err())
	}
}

// Sequence returns the last local sequence number.
func (e *Engine) Sequence() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// Applied returns the last sequence applied from sender.
func (e *Engine) Applied(sender string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applied[sender]
}

// Buffered counts messages waiting for a gap to close.
func (e *Engine) Buffered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, msgs := range e.buffered {
		n += len(msgs)
	}
	return n
}

// AwaitingSnapshot reports whether a snapshot request is outstanding.
func (e *Engine) AwaitingSnapshot() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending != ""
}

func (e *Engine) handleAck(from string, seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	d := e.deliveries[seq]
	if d == nil || !d.waiting[from] {
		return
	}
	delete(d.waiting, from)
	if len(d.waiting) == 0 {
		close(d.done)
		delete(e.deliveries, seq)
	}
}

func (e *Engine) handleMutation(msg Message) []outgoing {
	e.mu.Lock()
	defer e.mu.Unlock()

	sender := msg.SenderID
	last := e.applied[sender]

	switch {
	case msg.Sequence <= last:
		return []outgoing{e.ackLocked(msg)}

	case e.pending != "":
		e.bufferLocked(msg)
		return nil

	case msg.Sequence == last+1:
		e.applyLocked(msg)
		e.applied[sender] = msg.Sequence
		out := []outgoing{e.ackLocked(msg)}
		return append(out, e.drainLocked(sender)...)

	default:
		e.bufferLocked(msg)
		e.pending = sender
		e.log.Info().Str("peer", sender).Uint64("seq", msg.Sequence).Uint64("applied", last).
			Err(ErrSequenceGap).Msg("requesting snapshot")
		return []outgoing{{to: sender, msg: Message{SenderID: e.localID, Kind: KindSnapshotRequest}}}
	}
}

func (e *Engine) handleCatchUp(from string, applied uint64) []outgoing {
	e.mu.Lock()
	defer e.mu.Unlock()

	if applied >= e.sequence {
		return nil
	}
	var out []outgoing
	for _, msg := range e.logged[e.localID] {
		if msg.Sequence > applied {
			out = append(out, outgoing{to: from, msg: msg})
		}
	}
	e.log.Info().Str("peer", from).Uint64("applied", applied).Uint64("seq", e.sequence).
		Int("resent", len(out)).Msg("peer catching up")
	return out
}

func (e *Engine) handleSnapshotRequest(from string) ([]outgoing, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, err := e.replica.Snapshot()
	if err != nil {
		return nil, err
	}
	snapshot := Snapshot{
		Sequence: e.sequence,
		Applied:  make(map[string]uint64, len(e.applied)),
		Clock:    make(map[string]Stamp, len(e.clock)),
		State:    state,
	}
	for k, v := range e.applied {
		snapshot.Applied[k] = v
	}
	for k, v := range e.clock {
		snapshot.Clock[k] = v
	}

	payload, err := jsonMarshal(snapshot)
	if err != nil {
		return nil, err
	}
	e.log.Debug().Str("peer", from).Uint64("seq", e.sequence).Msg("serving snapshot")
	return []outgoing{{to: from, msg: Message{
		SenderID: e.localID,
		Sequence: e.sequence,
		Kind:     KindSnapshotResponse,
		Payload:  payload,
	}}}, nil
}

// handleSnapshot restores the replica from a snapshot, replays logged
// writes the snapshot has not seen and drains the buffers.
func (e *Engine) handleSnapshot(from string, msg Message) ([]outgoing, error) {
	var snapshot Snapshot
	if err := jsonUnmarshal(msg.Payload, &snapshot); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending != from {
		e.log.Debug().Str("peer", from).Msg("unsolicited snapshot ignored")
		return nil, nil
	}
	if err := e.replica.Restore(snapshot.State); err != nil {
		return nil, err
	}

	e.clock = make(map[string]Stamp, len(snapshot.Clock))
	for k, v := range snapshot.Clock {
		e.clock[k] = v
	}
	marks := make(map[string]uint64, len(snapshot.Applied)+1)
	for k, v := range snapshot.Applied {
		marks[k] = v
	}
	marks[from] = snapshot.Sequence

	// Writes this replica saw but the snapshot did not.
	senders := make([]string, 0, len(e.logged))
	for s := range e.logged {
		senders = append(senders, s)
	}
	sort.Strings(senders)
	for _, s := range senders {
		mark := marks[s]
		for _, logged := range e.logged[s] {
			if logged.Sequence > mark {
				e.applyStampedLocked(logged)
				if logged.Sequence == mark+1 {
					mark = logged.Sequence
				}
			}
		}
		marks[s] = mark
	}

	e.applied = make(map[string]uint64, len(marks)+1)
	for k, v := range marks {
		if k != e.localID {
			e.applied[k] = v
		}
	}
	e.applied[e.localID] = e.sequence
	e.pending = ""

	e.log.Info().Str("peer", from).Uint64("seq", snapshot.Sequence).Msg("snapshot restored")

	var out []outgoing
	buffered := make([]string, 0, len(e.buffered))
	for s := range e.buffered {
		buffered = append(buffered, s)
	}
	sort.Strings(buffered)
	for _, s := range buffered {
		out = append(out, e.drainLocked(s)...)
	}
	for _, s := range buffered {
		if len(e.buffered[s]) > 0 {
			e.pending = s
			out = append(out, outgoing{to: s, msg: Message{SenderID: e.localID, Kind: KindSnapshotRequest}})
			break
		}
	}
	return out, nil
}

// drainLocked applies buffered messages of sender that now follow in
// sequence, acknowledging duplicates on the way.
func (e *Engine) drainLocked(sender string) []outgoing {
	msgs := e.buffered[sender]
	if len(msgs) == 0 {
		return nil
	}

	var out []outgoing
	seqs := make([]uint64, 0, len(msgs))
	for seq := range msgs {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	for _, seq := range seqs {
		msg := msgs[seq]
		last := e.applied[sender]
		switch {
		case seq <= last:
			out = append(out, e.ackLocked(msg))
			delete(msgs, seq)
		case seq == last+1:
			e.applyLocked(msg)
			e.applied[sender] = seq
			out = append(out, e.ackLocked(msg))
			delete(msgs, seq)
		}
	}
	if len(msgs) == 0 {
		delete(e.buffered, sender)
	}
	return out
}

func (e *Engine) bufferLocked(msg Message) {
	msgs := e.buffered[msg.SenderID]
	if msgs == nil {
		msgs = make(map[uint64]Message)
		e.buffered[msg.SenderID] = msgs
	}
	msgs[msg.Sequence] = msg
}

// applyLocked applies a mutation message and logs it for snapshot replay.
func (e *Engine) applyLocked(msg Message) {
	e.applyStampedLocked(msg)
	e.logged[msg.SenderID] = append(e.logged[msg.SenderID], msg)
}

func (e *Engine) applyStampedLocked(msg Message) {
	m, err := MutationOf(msg)
	if err != nil {
		e.log.Warn().Err(err).Msg("skipping undecodable mutation")
		return
	}

	stamp := Stamp{Timestamp: msg.Timestamp, SenderID: msg.SenderID}
	if current, ok := e.clock[m.Key()]; ok && !stamp.After(current) {
		e.log.Debug().Str("key", m.Key()).Str("sender", msg.SenderID).Uint64("seq", msg.Sequence).
			Msg("superseded write skipped")
		return
	}
	if err := e.replica.Apply(m); err != nil {
		e.log.Warn().Err(err).Str("key", m.Key()).Msg("replica rejected mutation")
		return
	}
	e.clock[m.Key()] = stamp
}

func (e *Engine) ackLocked(msg Message) outgoing {
	return outgoing{to: msg.SenderID, msg: Message{SenderID: e.localID, Sequence: msg.Sequence, Kind: KindAck}}
}

func (e *Engine) send(out []outgoing) {
	for _, o := range out {
		if err := e.sendTo(o.to, o.msg); err != nil {
			e.log.Debug().Err(err).Str("peer", o.to).Str("kind", string(o.msg.Kind)).Msg("sync reply not sent")
		}
	}
}

func (e *Engine) sendTo(peer string, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	return e.peers.SendTo(peer, data)
}
