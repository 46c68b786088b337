// Package rtpc implements the non-blocking-to-blocking bridge for
// control calls: user-facing ioctls (RTcfg's WAIT/CLIENT/ANNOUNCE/READY,
// TDMA's MASTER/SLAVE/CAL_RESULT_SIZE, core IFUP/IFDOWN/IFINFO) enqueue a
// call; the owning state machine's task pops it, and either completes it
// synchronously or defers completion until some later event (a SYNC
// frame, a station becoming known, a calibration reply). The same fabric
// also carries retained state announcements (device up/down, TDMA
// cycle/backup state, RTcfg station table) so a late subscriber catches
// up immediately instead of waiting for the next change.
//
// Every topic in RTnet is one fixed, fully-qualified key — a device's
// state topic, a station's announcement topic, a call's private reply
// mailbox — so the bus is a flat map keyed by the topic's canonical
// string, not a trie: no caller subscribes across a topic hierarchy,
// so there is no wildcard matching to build.
package rtpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/xid"
)

var defaultQueueLen = 4

// -----------------------------------------------------------------------------
// Keys + Topics
// -----------------------------------------------------------------------------

// Key is one segment of a Topic. Device names, station MACs, ioctl verbs
// and slot IDs are all valid keys as long as they are comparable.
type Key any

// Topic addresses an ioctl, an event stream, or a reply mailbox, e.g.
// rtpc.T("rtcfg", ifname, "wait") or rtpc.T("tdma", ifname, "cycle").
type Topic []Key

// T builds a Topic, panicking early if a segment isn't comparable (and
// therefore unusable as a map key).
func T(keys ...Key) Topic {
	for _, k := range keys {
		switch k.(type) {
		case string, int, int32, int64, uint, uint32, uint64, uintptr:
		default:
			_ = map[Key]struct{}{k: {}} // panics on uncomparable types
		}
	}
	return Topic(keys)
}

// key canonicalizes a Topic into the string a flat map can index by.
// \x1f (unit separator) ends every segment, so ("eth0", "0") and
// ("eth00") get different keys, which plain concatenation would not give.
func (t Topic) key() string {
	var b strings.Builder
	for _, k := range t {
		fmt.Fprintf(&b, "%v\x1f", k)
	}
	return b.String()
}

// -----------------------------------------------------------------------------
// Call
// -----------------------------------------------------------------------------

// Call is both an ioctl request and an event publication. Retained==true
// makes it replace the topic's last value for late subscribers (used for
// device/TDMA/RTcfg state); ReplyTo routes a completion back to the caller.
type Call struct {
	Topic    Topic
	Payload  any
	Retained bool
	ReplyTo  Topic
	ID       xid.ID
}

// -----------------------------------------------------------------------------
// Subscription
// -----------------------------------------------------------------------------

type Subscription struct {
	topic Topic
	ch    chan *Call
	conn  *Conn
}

func (s *Subscription) Topic() Topic          { return s.topic }
func (s *Subscription) Channel() <-chan *Call { return s.ch }
func (s *Subscription) Unsubscribe()          { s.conn.Unsubscribe(s) }

// -----------------------------------------------------------------------------
// Bus
// -----------------------------------------------------------------------------

// topicState is one topic's live subscribers plus its last retained Call.
type topicState struct {
	subs     []*Subscription
	retained *Call
}

// Bus is the process-wide dispatch fabric. An RTnet context owns exactly
// one, shared by the control-plane ioctl handlers, RTcfg, and TDMA.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topicState
	qLen   int
}

func NewBus(queueLen int) *Bus {
	if queueLen <= 0 {
		queueLen = defaultQueueLen
	}
	return &Bus{topics: make(map[string]*topicState), qLen: queueLen}
}

func (b *Bus) NewCall(topic Topic, payload any, retained bool) *Call {
	return &Call{Topic: topic, Payload: payload, Retained: retained, ID: xid.New()}
}

// stateLocked returns (creating if necessary) the topicState for key.
// Caller holds b.mu.
func (b *Bus) stateLocked(key string) *topicState {
	s := b.topics[key]
	if s == nil {
		s = &topicState{}
		b.topics[key] = s
	}
	return s
}

// pruneLocked drops key's entry once it carries neither subscribers nor
// a retained value, so a bus with many short-lived reply mailboxes
// (every RequestWait call gets one) doesn't accumulate empty entries.
func (b *Bus) pruneLocked(key string, s *topicState) {
	if len(s.subs) == 0 && s.retained == nil {
		delete(b.topics, key)
	}
}

func (b *Bus) addSubscription(topic Topic, sub *Subscription) {
	key := topic.key()
	b.mu.Lock()
	s := b.stateLocked(key)
	s.subs = append(s.subs, sub)
	retained := s.retained
	b.mu.Unlock()

	if retained != nil {
		b.tryDeliver(sub, retained)
	}
}

// Publish dispatches a Call to every live subscriber of its topic, and
// — if Retained — stores it as the topic's last value.
func (b *Bus) Publish(c *Call) {
	key := c.Topic.key()
	b.mu.Lock()
	s := b.topics[key]
	var subs []*Subscription
	if s != nil {
		subs = append(subs, s.subs...)
	}
	if c.Retained {
		if c.Payload == nil {
			if s != nil {
				s.retained = nil
				b.pruneLocked(key, s)
			}
		} else {
			b.stateLocked(key).retained = c
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.tryDeliver(sub, c)
	}
}

func trySend(ch chan *Call, c *Call) bool {
	select {
	case ch <- c:
		return true
	default:
		return false
	}
}

func drainOne(ch chan *Call) {
	select {
	case <-ch:
	default:
	}
}

// tryDeliver never blocks the publisher: a full subscriber queue drops
// its oldest entry to make room, matching the bounded-latency posture of
// every other ring in this stack rather than letting one slow
// subscriber stall event delivery to the rest.
func (b *Bus) tryDeliver(sub *Subscription, c *Call) {
	defer func() { _ = recover() }() // channel may have just been closed
	if trySend(sub.ch, c) {
		return
	}
	drainOne(sub.ch)
	_ = trySend(sub.ch, c)
}

func (b *Bus) unsubscribe(topic Topic, sub *Subscription) {
	key := topic.key()
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.topics[key]
	if s == nil {
		return
	}
	for i, x := range s.subs {
		if x == sub {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			break
		}
	}
	b.pruneLocked(key, s)
}

// -----------------------------------------------------------------------------
// Conn
// -----------------------------------------------------------------------------

// Conn is a handle used by one task (an RTcfg state machine, the TDMA
// worker, an operator console) to publish and subscribe; Disconnect
// releases every subscription it opened.
type Conn struct {
	bus  *Bus
	subs []*Subscription
	mu   sync.Mutex
	id   string
}

func (b *Bus) NewConn(id string) *Conn { return &Conn{bus: b, id: id} }

func (c *Conn) NewCall(topic Topic, payload any, retained bool) *Call {
	return c.bus.NewCall(topic, payload, retained)
}

func (c *Conn) Publish(call *Call) { c.bus.Publish(call) }

func (c *Conn) Subscribe(topic Topic) *Subscription {
	sub := &Subscription{topic: topic, ch: make(chan *Call, c.bus.qLen), conn: c}
	c.bus.addSubscription(topic, sub)
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub
}

func (c *Conn) Unsubscribe(sub *Subscription) {
	c.bus.unsubscribe(sub.topic, sub)
	c.mu.Lock()
	c.subs = removeSub(c.subs, sub)
	c.mu.Unlock()
	close(sub.ch)
}

func (c *Conn) Disconnect() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		c.bus.unsubscribe(sub.topic, sub)
		close(sub.ch)
	}
}

func removeSub(list []*Subscription, target *Subscription) []*Subscription {
	for i, s := range list {
		if s == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// -----------------------------------------------------------------------------
// Request / blocking-ioctl bridge
// -----------------------------------------------------------------------------

// Request publishes a call carrying a fresh, private ReplyTo topic and
// returns a subscription on it. It is the non-blocking half of an ioctl.
func (c *Conn) Request(call *Call) *Subscription {
	if len(call.ReplyTo) == 0 {
		call.ReplyTo = T("reply", xid.New().String())
	}
	sub := c.Subscribe(call.ReplyTo)
	c.Publish(call)
	return sub
}

// RequestWait is the blocking half: it parks the calling goroutine (an
// ioctl handler) until a Reply arrives or ctx is done, so a device
// close cancelling ctx unblocks every waiter with an error.
func (c *Conn) RequestWait(ctx context.Context, call *Call) (*Call, error) {
	sub := c.Request(call)
	defer c.Unsubscribe(sub)

	select {
	case reply := <-sub.ch:
		if reply == nil {
			return nil, errors.New("rtpc: reply channel closed")
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reply completes a pending Call, either immediately from the handler
// (rtpc_complete_call) or later from the owning state machine once the
// deferred condition it was waiting on (a station becoming known, a
// calibration round finishing) is reached.
func (c *Conn) Reply(to *Call, payload any) {
	if len(to.ReplyTo) == 0 {
		return
	}
	c.Publish(&Call{Topic: to.ReplyTo, Payload: payload, ID: xid.New()})
}
