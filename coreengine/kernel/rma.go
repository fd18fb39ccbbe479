package kernel

import "container/list"

// remoteRefCacheSize bounds the per-connection MRU cache of resolved
// remote RMA handles.
const remoteRefCacheSize = 32

// RMARegion is a locally registered memory region. Handle is an arena
// index into the owning endpoint's rmaRegions map - never a real
// pointer, so nothing about process layout leaks onto the wire. A
// region is either one contiguous Buffer or a Segments scatter-gather
// list behaving as one contiguous range in list order.
type RMARegion struct {
	Handle   uint64
	Buffer   []byte
	Segments [][]byte
	Writable bool
}

func (r *RMARegion) ranges() [][]byte {
	if r.Segments != nil {
		return r.Segments
	}
	return [][]byte{r.Buffer}
}

// Len returns the region's total registered length.
func (r *RMARegion) Len() uint64 {
	var total uint64
	for _, seg := range r.ranges() {
		total += uint64(len(seg))
	}
	return total
}

func (r *RMARegion) copyAt(off uint64, buf []byte, write bool) bool {
	if off+uint64(len(buf)) > r.Len() {
		return false
	}
	skip := off
	done := 0
	for _, seg := range r.ranges() {
		if skip >= uint64(len(seg)) {
			skip -= uint64(len(seg))
			continue
		}
		var n int
		if write {
			n = copy(seg[skip:], buf[done:])
		} else {
			n = copy(buf[done:], seg[skip:])
		}
		done += n
		skip = 0
		if done == len(buf) {
			return true
		}
	}
	return done == len(buf)
}

// WriteAt copies src into the region starting at off, reporting false
// if the range falls outside the registration.
func (r *RMARegion) WriteAt(off uint64, src []byte) bool { return r.copyAt(off, src, true) }

// ReadAt copies the region's bytes starting at off into dst, reporting
// false if the range falls outside the registration.
func (r *RMARegion) ReadAt(off uint64, dst []byte) bool { return r.copyAt(off, dst, false) }

// MemRegion is one segment of a scatter-gather registration.
type MemRegion struct {
	Buffer []byte
}

// RegisterRMA pins buf for remote access and returns an opaque local
// handle. Registration is purely a kernel-level bookkeeping operation;
// a transport only needs to move data once descriptors already carry
// resolved handles (PostRMA), not to know about registration itself.
func (ep *Endpoint) RegisterRMA(buf []byte, writable bool) (uint64, error) {
	if len(buf) == 0 {
		return 0, NewError(StatusInvalidArgument, "empty RMA buffer")
	}

	id := ep.rmaIDs.Get()
	handle := uint64(id)

	ep.mu.Lock()
	ep.rmaRegions[handle] = &RMARegion{Handle: handle, Buffer: buf, Writable: writable}
	ep.mu.Unlock()

	return handle, nil
}

// RegisterRMAPhys registers a scatter-gather list of segments under one
// handle, the way a driver would pin a list of physical pages. The
// segments behave as one contiguous range in list order; there is no
// page pinning in a hosted process, only the bookkeeping.
func (ep *Endpoint) RegisterRMAPhys(segments []MemRegion, writable bool) (uint64, error) {
	if len(segments) == 0 {
		return 0, NewError(StatusInvalidArgument, "empty RMA segment list")
	}
	segs := make([][]byte, 0, len(segments))
	for _, s := range segments {
		if len(s.Buffer) == 0 {
			return 0, NewError(StatusInvalidArgument, "empty RMA segment")
		}
		segs = append(segs, s.Buffer)
	}

	id := ep.rmaIDs.Get()
	handle := uint64(id)

	ep.mu.Lock()
	ep.rmaRegions[handle] = &RMARegion{Handle: handle, Segments: segs, Writable: writable}
	ep.mu.Unlock()

	return handle, nil
}

// DeregisterRMA releases a handle returned by RegisterRMA. Deregistering
// an unknown handle, or one with in-flight RMA operations against it,
// is a caller error.
func (ep *Endpoint) DeregisterRMA(handle uint64) error {
	ep.mu.Lock()
	if ep.rmaActive[handle] > 0 {
		ep.mu.Unlock()
		return NewError(StatusInvalidArgument, "RMA operations outstanding on handle")
	}
	_, ok := ep.rmaRegions[handle]
	if ok {
		delete(ep.rmaRegions, handle)
	}
	ep.mu.Unlock()

	if !ok {
		return NewError(StatusInvalidArgument, "unknown RMA handle")
	}
	ep.rmaIDs.Put(uint32(handle))
	return nil
}

// rmaRetain marks one in-flight operation against a local handle, so
// DeregisterRMA refuses to tear the registration down underneath it.
func (ep *Endpoint) rmaRetain(handle uint64) {
	ep.mu.Lock()
	ep.rmaActive[handle]++
	ep.mu.Unlock()
}

// rmaRelease drops one in-flight reference once the operation's
// completion has been delivered.
func (ep *Endpoint) rmaRelease(handle uint64) {
	ep.mu.Lock()
	if ep.rmaActive[handle] > 1 {
		ep.rmaActive[handle]--
	} else {
		delete(ep.rmaActive, handle)
	}
	ep.mu.Unlock()
}

// Region resolves a local handle to its registration, for use by a
// transport moving bytes into or out of it during PostRMA.
func (ep *Endpoint) Region(handle uint64) (*RMARegion, bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	r, ok := ep.rmaRegions[handle]
	return r, ok
}

// remoteRef is a resolved {remote handle -> access parameters} mapping,
// learned from a MsgRmaRemoteReply and cached per connection, most
// recently used first, so a repeat RMA to the same target skips the
// round trip.
type remoteRef struct {
	RemoteHandle uint64
	Length       uint64
	Writable     bool
}

// remoteRefCache is a fixed-capacity cache keyed by remote handle, one
// per connection, kept in most-recently-used order and evicting the
// least recently used entry when full.
type remoteRefCache struct {
	cap   int
	ll    *list.List
	index map[uint64]*list.Element
}

func newRemoteRefCache(capacity int) *remoteRefCache {
	return &remoteRefCache{
		cap:   capacity,
		ll:    list.New(),
		index: make(map[uint64]*list.Element),
	}
}

// Put inserts or refreshes a resolved remote reference, evicting the
// least-recently-used entry if the cache is full.
func (c *remoteRefCache) Put(ref remoteRef) {
	if el, ok := c.index[ref.RemoteHandle]; ok {
		el.Value = ref
		c.ll.MoveToFront(el)
		return
	}

	if c.ll.Len() >= c.cap {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.index, oldest.Value.(remoteRef).RemoteHandle)
		}
	}

	el := c.ll.PushFront(ref)
	c.index[ref.RemoteHandle] = el
}

// Get looks up a cached remote reference, marking it most-recently-used
// on a hit.
func (c *remoteRefCache) Get(handle uint64) (remoteRef, bool) {
	el, ok := c.index[handle]
	if !ok {
		return remoteRef{}, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(remoteRef), true
}

// RMA posts a one-sided operation against a remote handle advertised
// by the peer. If the connection has not yet resolved remoteHandle, the
// operation is queued and a MsgRmaRemoteRequest is sent instead; it
// replays automatically once HandleRMARemoteReply resolves the handle.
func (f *Framework) RMA(conn *Connection, localHandle, localOffset, remoteHandle, remoteOffset, length uint64, appContext any, flags SendFlags) error {
	return f.RMAWithMessage(conn, nil, localHandle, localOffset, remoteHandle, remoteOffset, length, appContext, flags)
}

// RMAWithMessage is RMA plus an optional completion-carrying short
// message: once the operation completes locally, msg is sent to the
// peer, which observes it as an ordinary Recv event.
func (f *Framework) RMAWithMessage(conn *Connection, msg []byte, localHandle, localOffset, remoteHandle, remoteOffset, length uint64, appContext any, flags SendFlags) error {
	if conn.State() != ConnEstablished {
		return NewError(StatusDisconnected, "connection not established")
	}
	if _, ok := conn.ep.Region(localHandle); !ok {
		return NewError(StatusInvalidArgument, "unknown local RMA handle")
	}
	if uint32(len(msg)) > conn.MSS() {
		return NewError(StatusMessageTooLarge, "completion message exceeds negotiated MSS")
	}

	desc := conn.ep.takeTx()
	if desc == nil {
		return NewError(StatusNoBuffer, "Tx slab exhausted")
	}
	desc.ConnID = conn.id
	desc.Context = appContext
	desc.Flags = flags
	if len(msg) > 0 {
		desc.RMAMsg = append([]byte(nil), msg...)
	}
	desc.RMALocal = localHandle
	desc.RMALocalOffset = localOffset
	desc.RMAOffset = remoteOffset
	desc.RMALength = length
	desc.Kind = MsgRmaRemoteRequest

	if ref, ok := conn.remoteCache.Get(remoteHandle); ok {
		desc.RMARemote = ref.RemoteHandle
		conn.ep.rmaRetain(localHandle)
		if err := conn.ep.transport.PostRMA(conn, desc); err != nil {
			conn.ep.rmaRelease(localHandle)
			conn.ep.releaseTx(desc)
			return err
		}
		return nil
	}

	conn.queueRMA(&pendingRMA{desc: desc, remoteHandle: remoteHandle})
	conn.ep.rmaRetain(localHandle)
	if err := conn.ep.transport.RequestRemoteRMA(conn, remoteHandle); err != nil {
		conn.ep.rmaRelease(localHandle)
		conn.drainRMA(remoteHandle)
		conn.ep.releaseTx(desc)
		return err
	}
	return nil
}

// HandleRMARemoteReply is called by a transport when a
// MsgRmaRemoteReply resolves remoteHandle, caching the result and
// replaying every RMA operation that was queued waiting on it.
func (f *Framework) HandleRMARemoteReply(conn *Connection, remoteHandle uint64, length uint64, writable bool, ok bool) {
	if !ok {
		for _, p := range conn.drainRMA(remoteHandle) {
			f.DeliverSendCompletion(conn.ep, p.desc, StatusRemoteError)
		}
		return
	}

	conn.remoteCache.Put(remoteRef{RemoteHandle: remoteHandle, Length: length, Writable: writable})

	for _, p := range conn.drainRMA(remoteHandle) {
		p.desc.RMARemote = remoteHandle
		if err := conn.ep.transport.PostRMA(conn, p.desc); err != nil {
			f.DeliverSendCompletion(conn.ep, p.desc, StatusError)
		}
	}
}

// pendingRMA describes an RMA operation deferred because its remote
// handle had not yet been resolved - the connection retries it from
// the reply handler once the matching MsgRmaRemoteReply arrives.
type pendingRMA struct {
	desc         *TxDescriptor
	remoteHandle uint64
}
