// Package ipc is the in-kernel publish/subscribe bus every user-space
// service is built on. Topics are matched against subscription filters
// through a prefix trie; delivery is either fire-and-forget (unreliable
// publish, dropped per-subscriber on overflow) or acknowledged (reliable
// deliver, sender parked until every recipient acks or dies).
//
// The pointer graph between senders, subscriptions and pending acks is
// cyclic by nature, so everything cross-references through integer ids
// (pid, SubID, AckID) and flat registries; the only live pointers are
// registry-internal.
package ipc

import (
	"kyanos/kernel"
	"kyanos/kernel/gate"
	"kyanos/kernel/proc"
	"kyanos/kernel/sched"
)

const (
	// mailboxCap bounds each subscription's FIFO. Unreliable messages
	// beyond it drop; reliable ones backpressure the sender.
	mailboxCap = 64

	// FlagReliable is recorded on the subscription. Reliable delivery
	// rounds target every matching subscription whether or not it carries
	// this flag, and each target must acknowledge them.
	FlagReliable = uint64(1 << 0)

	// FlagExclusive rejects the subscription if an identical filter is
	// already registered by any process.
	FlagExclusive = uint64(1 << 1)
)

// SubID names a subscription; ids are never reused within a boot.
type SubID uint64

// AckID names one reliable delivery round.
type AckID uint64

// message is one queued delivery.
type message struct {
	topic   string
	payload []byte
	ackID   AckID // zero for unreliable messages
	sender  proc.Pid
}

// Subscription is one registered topic filter with its mailbox.
type Subscription struct {
	id       SubID
	owner    proc.Pid
	filter   string
	wildcard bool

	filterSegs []string

	reliable bool

	// mbox is the bounded FIFO of undelivered messages.
	mbox []message
}

// ackState tracks one in-flight reliable delivery.
type ackState struct {
	sender    proc.Pid
	remaining int
	allOk     bool
	peerGone  bool
	reply     []byte
	wantReply bool
}

// blockedSend is a reliable delivery waiting for mailbox space.
type blockedSend struct {
	sender    proc.Pid
	topic     string
	payload   []byte
	wantReply bool
}

var (
	wakeFn       = sched.Wake
	blockOnIPCFn = sched.BlockOnIPC
	lookupProcFn = proc.Lookup

	// subs is the flat registry; the trie indexes into it by filter.
	subs = make(map[SubID]*Subscription)

	nextSubID = SubID(1)
	nextAckID = AckID(1)

	// pendingAcks tracks reliable rounds awaiting acknowledgement.
	pendingAcks = make(map[AckID]*ackState)

	// blockedSends queues reliable deliveries stalled on a full
	// mailbox, retried whenever any mailbox drains.
	blockedSends []blockedSend
)

// Init wires the bus into the process layer's teardown path.
func Init() {
	proc.SetIPCCleanup(cleanupProcess)
}

// Subscribe registers a topic filter for owner and returns the new SubID.
func Subscribe(owner proc.Pid, filter string, flags uint64) (SubID, kernel.Errno) {
	segs, wildcard, ok := parseFilter(filter)
	if !ok {
		return 0, kernel.ErrBadArgument
	}
	if flags&FlagExclusive != 0 {
		for _, existing := range subs {
			if existing.filter == filter {
				return 0, kernel.ErrExists
			}
		}
	}

	sub := &Subscription{
		id:         nextSubID,
		owner:      owner,
		filter:     filter,
		wildcard:   wildcard,
		filterSegs: segs,
		reliable:   flags&FlagReliable != 0,
	}
	nextSubID++

	subs[sub.id] = sub
	trieInsert(sub)
	if p := lookupProcFn(owner); p != nil {
		p.Subs[uint64(sub.id)] = true
	}
	return sub.id, kernel.ErrNone
}

// Unsubscribe removes one of owner's subscriptions. Messages still queued
// in its mailbox are dropped; reliable rounds counting on this
// subscription are completed as if the subscriber had died.
func Unsubscribe(owner proc.Pid, id SubID) kernel.Errno {
	sub := subs[id]
	if sub == nil {
		return kernel.ErrNotFound
	}
	if sub.owner != owner {
		return kernel.ErrNotPermitted
	}
	dropSubscription(sub, true)
	return kernel.ErrNone
}

// Publish enqueues payload to every matching subscription that has a free
// mailbox slot; full mailboxes drop the message for that subscriber. The
// publisher never blocks.
func Publish(sender proc.Pid, topic string, payload []byte) kernel.Errno {
	if topic == "" {
		return kernel.ErrBadArgument
	}
	body := append([]byte(nil), payload...)
	trieMatch(topic, func(sub *Subscription) {
		if len(sub.mbox) >= mailboxCap {
			return
		}
		sub.mbox = append(sub.mbox, message{topic: topic, payload: body, sender: sender})
		notifySubscriber(sub)
	})
	return kernel.ErrNone
}

// Deliver runs a reliable round: enqueue to every matching subscription,
// park the sender until each target acknowledges. regs is the sender's
// syscall frame; when every mailbox has space the sender blocks awaiting
// acks, otherwise the whole round parks until space frees up. The round's
// combined result reaches the sender through FinishDeliver once the
// scheduler resumes it.
func Deliver(regs *gate.Registers, sender proc.Pid, topic string, payload []byte, wantReply bool) kernel.Errno {
	if topic == "" {
		return kernel.ErrBadArgument
	}
	return startDeliver(regs, sender, topic, append([]byte(nil), payload...), wantReply, true)
}

func startDeliver(regs *gate.Registers, sender proc.Pid, topic string, payload []byte, wantReply, mayBlock bool) kernel.Errno {
	// A spurious wake-up of a sender whose round is still parked on a
	// full mailbox restarts the syscall; the round is already queued, so
	// just park again.
	for i := range blockedSends {
		if blockedSends[i].sender == sender {
			blockOnIPCFn(regs, nil)
			return kernel.ErrNone
		}
	}

	var targets []*Subscription
	full := false
	trieMatch(topic, func(sub *Subscription) {
		targets = append(targets, sub)
		if len(sub.mbox) >= mailboxCap {
			full = true
		}
	})
	if len(targets) == 0 {
		return kernel.ErrNotFound
	}

	if full {
		if !mayBlock {
			return kernel.ErrFull
		}
		// Park the whole round until some mailbox drains; retried from
		// Receive. The sender observes only the eventual ack result.
		blockedSends = append(blockedSends, blockedSend{
			sender: sender, topic: topic, payload: payload, wantReply: wantReply,
		})
		blockOnIPCFn(regs, nil)
		return kernel.ErrNone
	}

	st := &ackState{
		sender:    sender,
		remaining: len(targets),
		allOk:     true,
		wantReply: wantReply,
	}
	ack := nextAckID
	nextAckID++
	pendingAcks[ack] = st

	if p := lookupProcFn(sender); p != nil {
		p.WaitAck = uint64(ack)
	}

	for _, sub := range targets {
		sub.mbox = append(sub.mbox, message{topic: topic, payload: payload, ackID: ack, sender: sender})
		notifySubscriber(sub)
	}

	blockOnIPCFn(regs, nil)
	return kernel.ErrNone
}

// FinishDeliver collects the outcome of the reliable round the resumed
// sender was parked on; the syscall layer calls it after the scheduler
// hands the CPU back.
func FinishDeliver(sender proc.Pid) (reply []byte, errno kernel.Errno) {
	p := lookupProcFn(sender)
	if p == nil || p.WaitAck == 0 {
		return nil, kernel.ErrBadArgument
	}
	ack := AckID(p.WaitAck)
	p.WaitAck = 0
	st := pendingAcks[ack]
	if st == nil {
		return nil, kernel.ErrBadArgument
	}
	delete(pendingAcks, ack)

	switch {
	case st.peerGone:
		return nil, kernel.ErrPeerGone
	case !st.allOk:
		return st.reply, kernel.ErrBadArgument
	default:
		return st.reply, kernel.ErrNone
	}
}

// Acknowledge completes caller's share of a reliable round. reply is
// attached for deliver_reply rounds; the first non-empty reply wins.
func Acknowledge(caller proc.Pid, id SubID, ack AckID, ok bool, reply []byte) kernel.Errno {
	sub := subs[id]
	if sub == nil {
		return kernel.ErrNotFound
	}
	if sub.owner != caller {
		return kernel.ErrNotPermitted
	}
	st := pendingAcks[ack]
	if st == nil {
		return kernel.ErrBadArgument
	}

	if !ok {
		st.allOk = false
	}
	if st.wantReply && len(reply) > 0 && st.reply == nil {
		st.reply = append([]byte(nil), reply...)
	}
	st.remaining--
	if st.remaining <= 0 {
		wakeFn(st.sender)
	}
	return kernel.ErrNone
}

// Receive pops the oldest message from one of caller's subscriptions and
// returns its payload (and, for reliable messages, the AckID the caller
// must acknowledge).
func Receive(caller proc.Pid, id SubID) (payload []byte, ack AckID, errno kernel.Errno) {
	sub := subs[id]
	if sub == nil {
		return nil, 0, kernel.ErrNotFound
	}
	if sub.owner != caller {
		return nil, 0, kernel.ErrNotPermitted
	}
	if len(sub.mbox) == 0 {
		return nil, 0, kernel.ErrNotFound
	}
	msg := sub.mbox[0]
	sub.mbox = sub.mbox[1:]

	pumpBlockedSends()
	return msg.payload, msg.ackID, kernel.ErrNone
}

// Ready reports whether id has a deliverable message; used by select.
func Ready(id SubID) bool {
	sub := subs[id]
	return sub != nil && len(sub.mbox) > 0
}

// Owner returns the subscription's owning pid (0 if unknown).
func Owner(id SubID) proc.Pid {
	if sub := subs[id]; sub != nil {
		return sub.owner
	}
	return 0
}

// notifySubscriber wakes the owner if it is parked waiting on this
// subscription (directly or via a blocking select).
func notifySubscriber(sub *Subscription) {
	p := lookupProcFn(sub.owner)
	if p == nil || p.State != proc.StateWaitingOnIPC {
		return
	}
	if p.WaitSubs == nil {
		return
	}
	for _, waited := range p.WaitSubs {
		if SubID(waited) == sub.id {
			wakeFn(sub.owner)
			return
		}
	}
}

// pumpBlockedSends retries parked reliable rounds after mailbox space may
// have freed up. A retried round that still finds a full mailbox goes
// back to the queue.
func pumpBlockedSends() {
	if len(blockedSends) == 0 {
		return
	}
	stalled := blockedSends
	blockedSends = nil
	for _, bs := range stalled {
		retryBlockedSend(bs)
	}
}

func retryBlockedSend(bs blockedSend) {
	var targets []*Subscription
	full := false
	trieMatch(bs.topic, func(sub *Subscription) {
		targets = append(targets, sub)
		if len(sub.mbox) >= mailboxCap {
			full = true
		}
	})

	p := lookupProcFn(bs.sender)
	if p == nil || p.State == proc.StateTerminated {
		return
	}

	if len(targets) == 0 {
		// Every subscriber vanished while the round was parked.
		st := &ackState{sender: bs.sender, peerGone: true}
		ack := nextAckID
		nextAckID++
		pendingAcks[ack] = st
		p.WaitAck = uint64(ack)
		wakeFn(bs.sender)
		return
	}
	if full {
		blockedSends = append(blockedSends, bs)
		return
	}

	st := &ackState{
		sender:    bs.sender,
		remaining: len(targets),
		allOk:     true,
		wantReply: bs.wantReply,
	}
	ack := nextAckID
	nextAckID++
	pendingAcks[ack] = st
	p.WaitAck = uint64(ack)

	for _, sub := range targets {
		sub.mbox = append(sub.mbox, message{topic: bs.topic, payload: bs.payload, ackID: ack, sender: bs.sender})
		notifySubscriber(sub)
	}
}

// dropSubscription removes sub from every index. With failPending set,
// reliable messages still sitting in its mailbox (or rounds awaiting its
// ack) complete with a peer-gone failure toward their senders.
func dropSubscription(sub *Subscription, failPending bool) {
	trieRemove(sub)
	delete(subs, sub.id)
	if p := lookupProcFn(sub.owner); p != nil {
		delete(p.Subs, uint64(sub.id))
	}

	if !failPending {
		return
	}
	for _, msg := range sub.mbox {
		if msg.ackID == 0 {
			continue
		}
		if st := pendingAcks[msg.ackID]; st != nil {
			st.peerGone = true
			st.remaining--
			if st.remaining <= 0 {
				wakeFn(st.sender)
			}
		}
	}
	sub.mbox = nil
	pumpBlockedSends()
}

// cleanupProcess tears down a dead process's bus footprint: its
// subscriptions (failing reliable senders with peer-gone), its parked
// reliable rounds and any acks other rounds still expect from it.
func cleanupProcess(pid proc.Pid) {
	p := lookupProcFn(pid)
	if p == nil {
		return
	}

	for raw := range p.Subs {
		if sub := subs[SubID(raw)]; sub != nil {
			dropSubscription(sub, true)
		}
	}

	// Rounds the dead process itself was sending: roll back whatever is
	// still undelivered in mailboxes.
	if p.WaitAck != 0 {
		rollbackRound(AckID(p.WaitAck))
		delete(pendingAcks, AckID(p.WaitAck))
		p.WaitAck = 0
	}
	for i := 0; i < len(blockedSends); i++ {
		if blockedSends[i].sender == pid {
			blockedSends = append(blockedSends[:i], blockedSends[i+1:]...)
			i--
		}
	}
}

// rollbackRound removes a cancelled round's unconsumed mailbox entries.
func rollbackRound(ack AckID) {
	for _, sub := range subs {
		for i := 0; i < len(sub.mbox); i++ {
			if sub.mbox[i].ackID == ack {
				sub.mbox = append(sub.mbox[:i], sub.mbox[i+1:]...)
				i--
			}
		}
	}
}
