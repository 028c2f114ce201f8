package nat

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/gopacket/layers"

	"vpcnat/packet"
)

var (
	ErrEntryNotFound = errors.New("entry not found")
	ErrSessionExists = errors.New("session already exists")
	ErrPoolExhausted = errors.New("nat pool exhausted")
	ErrUnsupportedL4 = errors.New("protocol has no ports or identifiers")
)

// A TCP flow that saw a RST, or a FIN in both directions, is kept that long at most.
const closedTimeout = 10 * time.Second

const shardCount = 64

// TCP close tracking flags. Only the end of a connection is followed.
const (
	tcpFinForward uint32 = 1 << iota
	tcpFinReverse
	tcpReset
)

// SessionKey identifies one direction of a flow. For ICMP echo, SrcID and DstID both hold the
// identifier.
type SessionKey struct {
	SrcVni, DstVni packet.Vni
	Src, Dst       netip.Addr
	SrcID, DstID   uint16
	Proto          layers.IPProtocol
}

func (k SessionKey) Reverse() SessionKey {
	return SessionKey{
		SrcVni: k.DstVni,
		DstVni: k.SrcVni,
		Src:    k.Dst,
		Dst:    k.Src,
		SrcID:  k.DstID,
		DstID:  k.SrcID,
		Proto:  k.Proto,
	}
}

func (k SessionKey) hash() uint64 {
	var b [45]byte
	binary.BigEndian.PutUint32(b[0:], uint32(k.SrcVni))
	binary.BigEndian.PutUint32(b[4:], uint32(k.DstVni))
	src, dst := k.Src.As16(), k.Dst.As16()
	copy(b[8:], src[:])
	copy(b[24:], dst[:])
	binary.BigEndian.PutUint16(b[40:], k.SrcID)
	binary.BigEndian.PutUint16(b[42:], k.DstID)
	b[44] = byte(k.Proto)
	return xxhash.Sum64(b[:])
}

func (k SessionKey) String() string {
	return fmt.Sprintf("(%s->%s %s %s->%s)", k.SrcVni, k.DstVni, k.Proto,
		netip.AddrPortFrom(k.Src, k.SrcID), netip.AddrPortFrom(k.Dst, k.DstID))
}

// flowState is shared by the two entries of a flow.
type flowState struct {
	lastSeen atomic.Int64
	timeout  time.Duration
	tcp      atomic.Uint32
	alloc    *Allocation
	removed  atomic.Bool
}

func (f *flowState) touch(now time.Time) {
	f.lastSeen.Store(now.UnixNano())
}

// setTCP raises a close tracking flag. It returns false when the flag was already set.
func (f *flowState) setTCP(flag uint32) bool {
	for {
		old := f.tcp.Load()
		if old&flag != 0 {
			return false
		}
		if f.tcp.CompareAndSwap(old, old|flag) {
			return true
		}
	}
}

func (f *flowState) closed() bool {
	s := f.tcp.Load()
	return s&tcpReset != 0 || s&(tcpFinForward|tcpFinReverse) == tcpFinForward|tcpFinReverse
}

func (f *flowState) expired(now time.Time) bool {
	timeout := f.timeout
	if f.closed() && closedTimeout < timeout {
		timeout = closedTimeout
	}
	return now.UnixNano()-f.lastSeen.Load() > int64(timeout)
}

// Session is one direction of a translated flow: packets matching Key are rewritten to the
// addresses and identifiers it holds.
type Session struct {
	Key          SessionKey
	Src, Dst     netip.Addr
	SrcID, DstID uint16
	// Reverse is set on the entry of the replies.
	Reverse bool
	flow    *flowState
}

// Translated returns the key of the packet after rewriting.
func (s *Session) Translated() SessionKey {
	return SessionKey{SrcVni: s.Key.SrcVni, DstVni: s.Key.DstVni, Src: s.Src, Dst: s.Dst, SrcID: s.SrcID, DstID: s.DstID, Proto: s.Key.Proto}
}

func (s *Session) IdleTimeout() time.Duration {
	return s.flow.timeout
}

func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.flow.lastSeen.Load())
}

// Port returns the source port or identifier allocated for the flow, if any.
func (s *Session) Port() (uint16, bool) {
	if s.flow.alloc == nil {
		return 0, false
	}
	return s.flow.alloc.Port, true
}

func (s *Session) String() string {
	return fmt.Sprintf("%s => %s timeout=%s", s.Key, s.Translated(), s.flow.timeout)
}

// newSessionPair builds both entries of a flow from the original key and its translation.
func newSessionPair(key, translated SessionKey, timeout time.Duration, alloc *Allocation, now time.Time) (fwd, rev *Session) {
	flow := &flowState{timeout: timeout, alloc: alloc}
	flow.touch(now)
	fwd = &Session{Key: key, Src: translated.Src, Dst: translated.Dst, SrcID: translated.SrcID, DstID: translated.DstID, flow: flow}
	back := key.Reverse()
	rev = &Session{Key: translated.Reverse(), Src: back.Src, Dst: back.Dst, SrcID: back.SrcID, DstID: back.DstID, Reverse: true, flow: flow}
	return fwd, rev
}

type shard struct {
	sync.RWMutex
	entries map[SessionKey]*Session
}

// Nattable holds the sessions of every flow, spread over shards by key hash. Expired sessions
// are dropped when met, and by Sweep.
type Nattable struct {
	shards [shardCount]shard
	flows  atomic.Int64
}

func NewNattable() *Nattable {
	t := &Nattable{}
	for i := range t.shards {
		t.shards[i].entries = make(map[SessionKey]*Session)
	}
	return t
}

func (t *Nattable) shardOf(k SessionKey) *shard {
	return &t.shards[k.hash()%shardCount]
}

// Get returns the live session of key. An expired session is removed along with its pair.
func (t *Nattable) Get(key SessionKey, now time.Time) (*Session, bool) {
	sh := t.shardOf(key)
	sh.RLock()
	s, ok := sh.entries[key]
	sh.RUnlock()
	if !ok {
		return nil, false
	}
	if s.flow.expired(now) {
		t.remove(s)
		return nil, false
	}
	return s, true
}

// Check - true if key has a live session.
func (t *Nattable) Check(key SessionKey, now time.Time) bool {
	_, ok := t.Get(key, now)
	return ok
}

// lockPair write-locks the shards of two keys in a fixed order.
func (t *Nattable) lockPair(a, b SessionKey) func() {
	i, j := a.hash()%shardCount, b.hash()%shardCount
	if i > j {
		i, j = j, i
	}
	t.shards[i].Lock()
	if i != j {
		t.shards[j].Lock()
	}
	return func() {
		if i != j {
			t.shards[j].Unlock()
		}
		t.shards[i].Unlock()
	}
}

// live - true if the shard holds a live session for k. Caller holds the shard lock.
func (t *Nattable) live(k SessionKey, now time.Time) (*Session, bool) {
	s, ok := t.shardOf(k).entries[k]
	if !ok || s.flow.expired(now) {
		return nil, false
	}
	return s, true
}

// InsertPair stores both entries of a flow unless either key is taken. When the forward key is
// already live, that session is returned instead with ErrSessionExists.
func (t *Nattable) InsertPair(fwd, rev *Session, now time.Time) (*Session, error) {
	unlock := t.lockPair(fwd.Key, rev.Key)
	if s, ok := t.live(fwd.Key, now); ok {
		unlock()
		return s, ErrSessionExists
	}
	if _, ok := t.live(rev.Key, now); ok {
		unlock()
		return nil, fmt.Errorf("%w: reverse %s", ErrSessionExists, rev.Key)
	}
	stale := make([]*Session, 0, 2)
	for _, k := range []SessionKey{fwd.Key, rev.Key} {
		if s, ok := t.shardOf(k).entries[k]; ok {
			stale = append(stale, s)
		}
	}
	t.shardOf(fwd.Key).entries[fwd.Key] = fwd
	t.shardOf(rev.Key).entries[rev.Key] = rev
	unlock()

	t.flows.Add(1)
	sessionsActive.Inc()
	// the keys were taken by expired flows, which lose their other entry too
	for _, s := range stale {
		t.remove(s)
	}
	return fwd, nil
}

// deleteIfOwned removes the entry of k if it still belongs to flow.
func (t *Nattable) deleteIfOwned(k SessionKey, flow *flowState) {
	sh := t.shardOf(k)
	sh.Lock()
	if s, ok := sh.entries[k]; ok && s.flow == flow {
		delete(sh.entries, k)
	}
	sh.Unlock()
}

// remove deletes both entries of the flow of s and releases its port, once.
func (t *Nattable) remove(s *Session) {
	if !s.flow.removed.CompareAndSwap(false, true) {
		// already removed, the entry left behind was replaced or is being deleted
		t.deleteIfOwned(s.Key, s.flow)
		return
	}
	t.deleteIfOwned(s.Key, s.flow)
	t.deleteIfOwned(s.Translated().Reverse(), s.flow)
	if s.flow.alloc != nil {
		s.flow.alloc.Release()
	}
	t.flows.Add(-1)
	sessionsActive.Dec()
	sessionsExpired.Inc()
}

// Delete removes the flow key belongs to.
func (t *Nattable) Delete(key SessionKey) error {
	sh := t.shardOf(key)
	sh.RLock()
	s, ok := sh.entries[key]
	sh.RUnlock()
	if !ok {
		return ErrEntryNotFound
	}
	t.remove(s)
	return nil
}

// Sweep removes every expired flow and returns how many there were.
func (t *Nattable) Sweep(now time.Time) int {
	var expired []*Session
	for i := range t.shards {
		sh := &t.shards[i]
		sh.RLock()
		for _, s := range sh.entries {
			if !s.Reverse && s.flow.expired(now) {
				expired = append(expired, s)
			}
		}
		sh.RUnlock()
	}
	for _, s := range expired {
		t.remove(s)
	}
	return len(expired)
}

// Len returns the number of flows. Each has two entries.
func (t *Nattable) Len() int {
	return int(t.flows.Load())
}

// Range calls fn on the forward entry of every flow until it returns false.
func (t *Nattable) Range(fn func(*Session) bool) {
	for i := range t.shards {
		sh := &t.shards[i]
		sh.RLock()
		sessions := make([]*Session, 0, len(sh.entries))
		for _, s := range sh.entries {
			if !s.Reverse {
				sessions = append(sessions, s)
			}
		}
		sh.RUnlock()
		for _, s := range sessions {
			if !fn(s) {
				return
			}
		}
	}
}

func (t *Nattable) DeleteAll() {
	var all []*Session
	t.Range(func(s *Session) bool {
		all = append(all, s)
		return true
	})
	for _, s := range all {
		t.remove(s)
	}
}

// stats counts flows, and closed TCP flows among them.
func (t *Nattable) stats() (total, closed int) {
	t.Range(func(s *Session) bool {
		total++
		if s.flow.closed() {
			closed++
		}
		return true
	})
	return
}
