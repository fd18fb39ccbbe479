package kernel

import (
	"container/list"
	"sync"
)

// Event is one record delivered through GetEvent/ReturnEvent. Exactly
// one of the payload fields is meaningful, selected by Kind.
type Event struct {
	Kind EventKind

	ConnID  uint64
	Status  Status
	Context any

	// Flags carries the posting flags of the operation that produced a
	// Send event. A blocking Send's completion is withheld from the
	// ordinary pop path; its issuer collects it inline.
	Flags SendFlags

	// Send/Recv payload.
	Buffer []byte

	// Attr is the attribute the initiator requested; meaningful on
	// ConnectRequest events.
	Attr ConnAttribute

	// ConnectRequest payload - present only until the application
	// accepts or rejects it.
	PendingConn *Connection

	// rx is the receive descriptor backing a Recv/ConnectRequest event;
	// ReturnEvent re-posts it to the shared receive queue.
	rx *RxDescriptor
}

// eventQueue is the endpoint's single FIFO of undelivered events. It
// carries its own mutex so transports can push completions without
// taking the endpoint lock they may already hold.
type eventQueue struct {
	mu      sync.Mutex
	pending *list.List
	onLoan  map[*Event]*list.Element
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		pending: list.New(),
		onLoan:  make(map[*Event]*list.Element),
	}
}

func (q *eventQueue) push(e *Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending.PushBack(e)
}

// pop removes and returns the oldest pending event, handing ownership
// to the caller until Return is called. Completions of blocking Sends
// are skipped; they belong to the issuer spinning in popWhere.
func (q *eventQueue) pop() *Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	for el := q.pending.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Event)
		if e.Kind == EventSend && e.Flags.Has(FlagBlocking) {
			continue
		}
		q.pending.Remove(el)
		q.onLoan[e] = el
		return e
	}
	return nil
}

// popWhere removes and returns the oldest pending event matching the
// predicate, regardless of blocking flags.
func (q *eventQueue) popWhere(match func(*Event) bool) *Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	for el := q.pending.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Event)
		if !match(e) {
			continue
		}
		q.pending.Remove(el)
		q.onLoan[e] = el
		return e
	}
	return nil
}

// release marks a loaned event as returned. Returning an event not
// currently on loan is a caller error (StatusInvalidArgument).
func (q *eventQueue) release(e *Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.onLoan[e]; !ok {
		return NewError(StatusInvalidArgument, "event not on loan")
	}
	delete(q.onLoan, e)
	return nil
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}
