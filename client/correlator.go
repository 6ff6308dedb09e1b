package client

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/mk6i/open-oicq-client/state"
)

const (
	// DefaultRequestTimeout bounds how long a request waits for its
	// response.
	DefaultRequestTimeout = 3 * time.Second

	// maxCorrelatedSequence is the exclusive upper bound of sequence numbers
	// that can answer a request. Frames outside (0, maxCorrelatedSequence)
	// are server pushes.
	maxCorrelatedSequence = 1_000_000
)

// slot is the rendezvous point between a waiting request and the receive
// loop.
type slot struct {
	seq      int32
	response chan []byte
	// notice is the notice channel current at registration; it is closed
	// by the first notice that arrives afterward.
	notice <-chan struct{}
}

// correlator matches inbound frames to in-flight requests by sequence
// number. One correlator serves one connection; it is created when the
// connection opens and failed when it closes.
type correlator struct {
	session *state.Session
	// pending maps a sequence number to its *slot. Slots never expire; the
	// waiter removes its own slot whatever timeout it waits with.
	pending *cache.Cache

	mutex    sync.Mutex
	noticeCh chan struct{}
	closedCh chan struct{}
	closed   bool
}

func newCorrelator(session *state.Session) *correlator {
	return &correlator{
		session:  session,
		pending:  cache.New(cache.NoExpiration, 0),
		noticeCh: make(chan struct{}),
		closedCh: make(chan struct{}),
	}
}

func seqKey(seq int32) string {
	return strconv.FormatInt(int64(seq), 10)
}

// register creates the slot for seq. It must be called before the request
// is written so a fast response cannot be missed. A notice left over from
// earlier traffic is discarded when nothing else is in flight.
func (c *correlator) register(seq int32) (*slot, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return nil, ErrConnectionClosed
	}
	if c.pending.ItemCount() == 0 {
		c.session.ClearTips()
	}
	s := &slot{
		seq:      seq,
		response: make(chan []byte, 1),
		notice:   c.noticeCh,
	}
	if err := c.pending.Add(seqKey(seq), s, cache.NoExpiration); err != nil {
		return nil, ErrSequenceInFlight
	}
	return s, nil
}

// release removes the slot for seq.
func (c *correlator) release(s *slot) {
	c.pending.Delete(seqKey(s.seq))
}

// deliver hands payload to the request waiting on seq. It reports false for
// sequence numbers outside the correlatable range and for sequence numbers
// nobody is waiting on.
func (c *correlator) deliver(seq int32, payload []byte) bool {
	if seq <= 0 || seq >= maxCorrelatedSequence {
		return false
	}
	v, found := c.pending.Get(seqKey(seq))
	if !found {
		return false
	}
	select {
	case v.(*slot).response <- payload:
		return true
	default:
		// already answered
		return false
	}
}

// notify records a server notice and wakes every request currently in
// flight.
func (c *correlator) notify(tips string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.session.SetTips(tips)
	close(c.noticeCh)
	c.noticeCh = make(chan struct{})
}

// failAll wakes every request in flight with ErrConnectionClosed and rejects
// later registrations.
func (c *correlator) failAll() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.closedCh)
}

// wait blocks until the slot is answered, a notice arrives, the connection
// closes, the timeout elapses or ctx ends. A notice that arrived after
// registration wins over every other outcome.
func (c *correlator) wait(ctx context.Context, s *slot, timeout time.Duration) ([]byte, error) {
	defer c.release(s)

	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		payload []byte
		err     error
	)
	select {
	case payload = <-s.response:
	case <-s.notice:
	case <-c.closedCh:
		err = ErrConnectionClosed
	case <-timer.C:
		err = ErrTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}

	select {
	case <-s.notice:
		return nil, noticeError{tips: c.session.Tips()}
	default:
	}
	return payload, err
}
