package main

import (
	"bytes"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"
)

// pending is a single armed wait on a slot. done is closed by the first
// message stored after the wait was armed; val is only valid once done is
// closed.
type pending[T any] struct {
	done chan struct{}
	val  T
}

// slot is the per-topic status cache entry: the last decoded message plus a
// wait/notify primitive. A waiter only ever observes messages that arrive
// after it armed the slot.
type slot[T any] struct {
	topic string

	mu      sync.Mutex
	last    T
	have    bool
	waiting *pending[T]
	watch   func(T)
}

func newSlot[T any](topic string) *slot[T] {
	return &slot[T]{topic: topic}
}

// request arms the slot, calls send and then waits for the next message.
// Arming strictly before send means a reply can never race ahead of the
// clear; this is the only way the controller awaits a reply.
func (s *slot[T]) request(timeout time.Duration, send func() error) (T, bool) {
	p := s.arm()
	if err := send(); err != nil {
		s.disarm(p)
		log.Printf("[WARN] %s: request not sent: %s", s.topic, err)
		var zero T
		return zero, false
	}

	v, ok := s.wait(p, timeout)
	if !ok {
		s.warnTimeout(timeout)
	}
	return v, ok
}

// await waits for the next message without publishing anything.
func (s *slot[T]) await(timeout time.Duration) (T, bool) {
	v, ok := s.wait(s.arm(), timeout)
	if !ok {
		s.warnTimeout(timeout)
	}
	return v, ok
}

// next is await without the timeout warning, for callers that expect
// silence to be normal.
func (s *slot[T]) next(timeout time.Duration) (T, bool) {
	return s.wait(s.arm(), timeout)
}

func (s *slot[T]) warnTimeout(timeout time.Duration) {
	log.Printf("[WARN] no message on %s within %s, is the service running?", s.topic, timeout)
}

// snapshot returns the most recently accepted message, if any. It never
// blocks on the bus.
func (s *slot[T]) snapshot() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.have
}

// onUpdate registers fn to be called, on the delivery goroutine, with every
// accepted message. fn must not block.
func (s *slot[T]) onUpdate(fn func(T)) {
	s.mu.Lock()
	s.watch = fn
	s.mu.Unlock()
}

func (s *slot[T]) arm() *pending[T] {
	p := &pending[T]{done: make(chan struct{})}

	s.mu.Lock()
	s.waiting = p
	s.mu.Unlock()
	return p
}

func (s *slot[T]) disarm(p *pending[T]) {
	s.mu.Lock()
	if s.waiting == p {
		s.waiting = nil
	}
	s.mu.Unlock()
}

func (s *slot[T]) wait(p *pending[T], timeout time.Duration) (T, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return p.val, true
	case <-timer.C:
	}

	s.disarm(p)
	// a message may have landed between the timer firing and disarm
	select {
	case <-p.done:
		return p.val, true
	default:
	}

	var zero T
	return zero, false
}

func (s *slot[T]) store(v T) {
	s.mu.Lock()
	s.last, s.have = v, true
	if p := s.waiting; p != nil {
		p.val = v
		close(p.done)
		s.waiting = nil
	}
	watch := s.watch
	s.mu.Unlock()

	if watch != nil {
		watch(v)
	}
}

func (s *slot[T]) deliver(payload []byte) error {
	var v T
	if err := json.Unmarshal(sanitizeNonFinite(payload), &v); err != nil {
		return err
	}

	s.store(v)
	return nil
}

type intake interface {
	deliver(payload []byte) error
}

// statusCache routes incoming status messages to their topic's slot. It is
// owned by one controller; nothing in it is package global.
type statusCache struct {
	mu    sync.RWMutex
	slots map[string]intake
}

func newStatusCache() *statusCache {
	return &statusCache{slots: make(map[string]intake)}
}

// register creates the slot for topic, decoding payloads into T.
func register[T any](c *statusCache, topic string) *slot[T] {
	s := newSlot[T](topic)

	c.mu.Lock()
	c.slots[topic] = s
	c.mu.Unlock()
	return s
}

func (c *statusCache) topics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	topics := make([]string, 0, len(c.slots))
	for t := range c.slots {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// onMessage is the transport's intake callback. It never blocks and never
// fails: undecodable payloads are dropped.
func (c *statusCache) onMessage(topic string, payload []byte) {
	c.mu.RLock()
	s, ok := c.slots[topic]
	c.mu.RUnlock()

	if !ok {
		log.Printf("[DEBUG] ignoring message on unregistered topic %s", topic)
		return
	}

	if err := s.deliver(payload); err != nil {
		log.Printf("[DEBUG] dropping undecodable message on %s: %s", topic, err)
	}
}

var nonFiniteTokens = [][]byte{
	[]byte("-Infinity"),
	[]byte("Infinity"),
	[]byte("NaN"),
}

// sanitizeNonFinite rewrites the bare NaN/Infinity tokens that Python's json
// module emits into null, leaving string contents untouched.
func sanitizeNonFinite(b []byte) []byte {
	if !bytes.Contains(b, []byte("NaN")) && !bytes.Contains(b, []byte("Infinity")) {
		return b
	}

	out := make([]byte, 0, len(b))
	inString, escaped := false, false
	for i := 0; i < len(b); i++ {
		ch := b[i]
		if inString {
			out = append(out, ch)
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}

		if ch == '"' {
			inString = true
			out = append(out, ch)
			continue
		}

		matched := false
		for _, tok := range nonFiniteTokens {
			if bytes.HasPrefix(b[i:], tok) {
				out = append(out, "null"...)
				i += len(tok) - 1
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, ch)
		}
	}

	return out
}
