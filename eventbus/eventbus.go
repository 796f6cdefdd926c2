// Package eventbus implements the in-process, non-blocking fan-out of
// lifecycle/pool/health events to subscribers attached at manager
// construction time.
package eventbus

import (
	"time"
)

// Kind enumerates the event variants subscribers may receive.
type Kind int

const (
	LifecycleChanged Kind = iota
	PoolAcquire
	PoolRelease
	PoolExhaust
	HealthChanged
	InstanceCreated
	InstanceDestroyed
	CredentialRotated
	ShutdownProgress
)

// Event is the envelope carried on the bus. Fields beyond the common ones
// are free-form and interpreted per Kind.
type Event struct {
	At         time.Time
	Kind       Kind
	KindName   string // the ResourceKind's UniqueKey, if applicable
	InstanceID string
	ScopeKey   string
	Fields     map[string]any
}

// Lagged is delivered to a subscriber in place of events it could not keep
// up with; N is the number of events dropped before truncation.
type Lagged struct {
	N int
}

const defaultQueueSize = 64

// Subscription is a bounded per-subscriber queue. Consume from C; if C
// never drains fast enough the bus truncates the queue and next sends a
// Lagged notification on Dropped.
type Subscription struct {
	C       <-chan Event
	Dropped <-chan Lagged

	c       chan Event
	dropped chan Lagged
	closed  chan struct{}
}

// Close detaches the subscription from the bus. Safe to call more than once.
func (s *Subscription) Close() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}

// Bus is an in-process broadcast channel. Publish never blocks: a lagging
// subscriber's queue is truncated (oldest event dropped) and it is signalled
// with Lagged instead of stalling the publisher.
type Bus struct {
	queueSize int
	subs      chan *subRegistration
	publish   chan Event
	done      chan struct{}
}

type subRegistration struct {
	sub    *Subscription
	remove bool
}

// New constructs a Bus and starts its dispatch loop. Close stops the loop.
func New() *Bus {
	b := &Bus{
		queueSize: defaultQueueSize,
		subs:      make(chan *subRegistration),
		publish:   make(chan Event, 256),
		done:      make(chan struct{}),
	}
	go b.run()
	return b
}

// Subscribe attaches a new subscriber and returns its Subscription.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{
		c:       make(chan Event, b.queueSize),
		dropped: make(chan Lagged, 1),
		closed:  make(chan struct{}),
	}
	s.C = s.c
	s.Dropped = s.dropped
	select {
	case b.subs <- &subRegistration{sub: s}:
	case <-b.done:
	}
	return s
}

// Publish enqueues an event for delivery. Never blocks the caller.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case b.publish <- e:
	case <-b.done:
	default:
		// The bus's own internal queue is full; rather than block the
		// publisher we drop the event bus-wide. Individual subscriber
		// lag is handled separately in run().
	}
}

// Close stops the dispatch loop. Subsequent Publish/Subscribe calls are
// no-ops.
func (b *Bus) Close() {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
}

func (b *Bus) run() {
	subs := make(map[*Subscription]int) // per-subscriber dropped-since-last-notify count

	deliver := func(e Event) {
		for s := range subs {
			select {
			case <-s.closed:
				delete(subs, s)
				continue
			default:
			}
			select {
			case s.c <- e:
			default:
				// Truncate: drop the oldest queued event to make room,
				// then retry once; never block the publisher.
				select {
				case <-s.c:
				default:
				}
				select {
				case s.c <- e:
				default:
				}
				subs[s]++
				select {
				case s.dropped <- Lagged{N: subs[s]}:
					subs[s] = 0
				default:
				}
			}
		}
	}

	for {
		select {
		case <-b.done:
			// Flush whatever was published before Close, then release every
			// subscriber so range loops over sub.C terminate.
			for {
				select {
				case e := <-b.publish:
					deliver(e)
					continue
				default:
				}
				break
			}
			for s := range subs {
				close(s.c)
			}
			return
		case reg := <-b.subs:
			if reg.remove {
				delete(subs, reg.sub)
			} else {
				subs[reg.sub] = 0
			}
		case e := <-b.publish:
			deliver(e)
		}
	}
}
