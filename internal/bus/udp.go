package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/hlcsync/labtime/internal/addrutil"
	"github.com/hlcsync/labtime/internal/stunutil"
)

// udpEnvelope is the wire format for UDPBus: a topic name plus the
// message, JSON-encoded twice (once for the payload, once for the
// envelope) so a receiver can look up the topic before it knows the
// message type.
type udpEnvelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// UDPBus is a networked Bus implementation for labs where the LCC and
// HLCs run on separate hosts. Unlike a real DDS domain it does not do
// discovery: peers are a static, configured address list, matching how
// the teacher's controller/agent pair addressed each other directly
// rather than via multicast group membership.
type UDPBus struct {
	conn    *net.UDPConn
	peers   []*net.UDPAddr
	log     *log.Logger
	natType string

	mu     sync.Mutex
	topics map[string]*udpTopic
}

// NewUDPBus binds listenAddr (e.g. ":7400") and starts relaying to the
// given peer addresses (host:port of every other participant's bus).
// A bare-host peer entry (no port) is filled in with the bus's own
// listen port, matching the single-fixed-port convention the lab's
// static peer list relies on rather than per-peer discovery.
//
// stunServers, if non-empty, is used once at startup to classify this
// bus's own NAT situation; the result is logged, never acted on, since
// the bus never changes protocol behavior based on reachability.
func NewUDPBus(listenAddr string, peerAddrs []string, stunServers []string, logger *log.Logger) (*UDPBus, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	if logger == nil {
		logger = log.New(os.Stderr, "[bus] ", log.LstdFlags)
	}

	localPort := conn.LocalAddr().(*net.UDPAddr).Port
	peers := make([]*net.UDPAddr, 0, len(peerAddrs))
	for _, p := range peerAddrs {
		resolved := p
		if _, _, err := net.SplitHostPort(p); err != nil {
			if addr, ok := addrutil.ReplyAddr(p, "", localPort); ok {
				resolved = addr
			}
		}
		a, err := net.ResolveUDPAddr("udp", resolved)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("resolve peer %q: %w", p, err)
		}
		peers = append(peers, a)
	}

	b := &UDPBus{
		conn:    conn,
		peers:   peers,
		log:     logger,
		natType: stunutil.NATTypeUnknown,
		topics:  make(map[string]*udpTopic),
	}
	if len(stunServers) > 0 {
		go b.probeNAT(stunServers)
	}
	go b.recvLoop()
	return b, nil
}

// probeNAT runs once at startup and logs whether this bus's peers can
// reach it directly, given the static peer-list addressing model. It
// never blocks NewUDPBus's caller.
func (b *UDPBus) probeNAT(stunServers []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	obs, err := stunutil.Probe(ctx, stunServers, 2*time.Second)
	if err != nil {
		b.log.Printf("stun probe failed: %v", err)
		return
	}
	b.mu.Lock()
	b.natType = obs.NATType
	b.mu.Unlock()

	if !obs.Reachable() {
		b.log.Printf("observed public address %s (%s); peers using the configured static address list may not reach it directly", obs.MappedAddr, obs.NATType)
		return
	}
	b.log.Printf("observed public address %s (%s)", obs.MappedAddr, obs.NATType)
}

// NATType reports the last NAT classification from probeNAT, or
// stunutil.NATTypeUnknown if no STUN servers were configured or the
// probe hasn't completed yet.
func (b *UDPBus) NATType() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.natType
}

// LocalAddr returns the bound listen address.
func (b *UDPBus) LocalAddr() string {
	return b.conn.LocalAddr().String()
}

// Close releases the underlying socket. Any blocked recvLoop read
// returns an error and the loop exits.
func (b *UDPBus) Close() error {
	return b.conn.Close()
}

func (b *UDPBus) Now() uint64 {
	return uint64(time.Now().UnixNano())
}

type udpTopic struct {
	mu          sync.Mutex
	reliable    bool
	lastPayload json.RawMessage
	hasLast     bool
	subs        []*udpReader
	asyncSubs   []*udpAsyncSub
}

func (b *UDPBus) topicFor(name string, reliable bool) *udpTopic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &udpTopic{reliable: reliable}
		b.topics[name] = t
	} else if reliable {
		t.reliable = true
	}
	return t
}

func (b *UDPBus) PublishRaw(topic string, reliable bool, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}

	t := b.topicFor(topic, reliable)
	t.mu.Lock()
	if t.reliable {
		t.lastPayload = payload
		t.hasLast = true
	}
	t.mu.Unlock()

	data, err := json.Marshal(udpEnvelope{Topic: topic, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", topic, err)
	}

	var firstErr error
	for _, peer := range b.peers {
		if _, err := b.conn.WriteToUDP(data, peer); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("send to %s: %w", peer, err)
		}
	}
	return firstErr
}

func (b *UDPBus) SubscribeRaw(topic string, reliable bool, typeHint any) (RawReader, error) {
	t := b.topicFor(topic, reliable)
	r := &udpReader{notify: make(chan struct{}, 1), topic: t, rt: reflect.TypeOf(typeHint)}

	t.mu.Lock()
	if t.reliable && t.hasLast {
		if v, ok := b.decode(r.rt, t.lastPayload); ok {
			r.buf = append(r.buf, RawSample{Value: v, Valid: true})
		}
	}
	t.subs = append(t.subs, r)
	t.mu.Unlock()

	if len(r.buf) > 0 {
		select {
		case r.notify <- struct{}{}:
		default:
		}
	}
	return r, nil
}

func (b *UDPBus) SubscribeAsyncRaw(topic string, reliable bool, typeHint any, handler func([]RawSample)) (func(), error) {
	t := b.topicFor(topic, reliable)
	sub := &udpAsyncSub{ch: make(chan []RawSample, 32), done: make(chan struct{}), rt: reflect.TypeOf(typeHint)}

	t.mu.Lock()
	t.asyncSubs = append(t.asyncSubs, sub)
	t.mu.Unlock()

	go func() {
		for {
			select {
			case batch := <-sub.ch:
				handler(batch)
			case <-sub.done:
				return
			}
		}
	}()

	unsubscribe := func() {
		sub.closeOnce.Do(func() { close(sub.done) })
		t.mu.Lock()
		for i, s := range t.asyncSubs {
			if s == sub {
				t.asyncSubs = append(t.asyncSubs[:i], t.asyncSubs[i+1:]...)
				break
			}
		}
		t.mu.Unlock()
	}
	return unsubscribe, nil
}

func (b *UDPBus) decode(rt reflect.Type, payload json.RawMessage) (any, bool) {
	ptr := reflect.New(rt)
	if err := json.Unmarshal(payload, ptr.Interface()); err != nil {
		b.log.Printf("decode payload for %s: %v", rt, err)
		return nil, false
	}
	return ptr.Elem().Interface(), true
}

func (b *UDPBus) recvLoop() {
	buf := make([]byte, 65536)
	for {
		n, _, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}

		var env udpEnvelope
		if err := json.Unmarshal(buf[:n], &env); err != nil {
			b.log.Printf("decode envelope: %v", err)
			continue
		}

		b.mu.Lock()
		t, ok := b.topics[env.Topic]
		b.mu.Unlock()
		if !ok {
			continue
		}

		t.mu.Lock()
		if t.reliable {
			t.lastPayload = env.Payload
			t.hasLast = true
		}
		subs := append([]*udpReader(nil), t.subs...)
		asyncSubs := append([]*udpAsyncSub(nil), t.asyncSubs...)
		t.mu.Unlock()

		for _, s := range subs {
			if v, ok := b.decode(s.rt, env.Payload); ok {
				s.push(RawSample{Value: v, Valid: true})
			}
		}
		for _, a := range asyncSubs {
			if v, ok := b.decode(a.rt, env.Payload); ok {
				a.deliver([]RawSample{{Value: v, Valid: true}})
			}
		}
	}
}

type udpReader struct {
	mu     sync.Mutex
	buf    []RawSample
	notify chan struct{}
	topic  *udpTopic
	rt     reflect.Type
}

func (r *udpReader) push(s RawSample) {
	r.mu.Lock()
	r.buf = append(r.buf, s)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *udpReader) TakeRaw() []RawSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == 0 {
		return nil
	}
	out := r.buf
	r.buf = nil
	return out
}

func (r *udpReader) NotifyChan() <-chan struct{} {
	return r.notify
}

func (r *udpReader) Close() {
	r.topic.mu.Lock()
	defer r.topic.mu.Unlock()
	for i, s := range r.topic.subs {
		if s == r {
			r.topic.subs = append(r.topic.subs[:i], r.topic.subs[i+1:]...)
			break
		}
	}
}

type udpAsyncSub struct {
	ch        chan []RawSample
	done      chan struct{}
	closeOnce sync.Once
	rt        reflect.Type
}

func (a *udpAsyncSub) deliver(batch []RawSample) {
	select {
	case a.ch <- batch:
	case <-a.done:
	}
}
