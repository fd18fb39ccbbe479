package kernel

// txState tracks where a Tx descriptor sits in the endpoint's posted
// pipeline.
type txState int

const (
	txIdle txState = iota
	txPending
	txCompleted
)

// TxDescriptor is one outstanding send/RMA-write slot. Endpoints keep a
// fixed slab of these, recycled through an idle list - no descriptor is
// ever allocated or freed after endpoint creation.
type TxDescriptor struct {
	id    uint32
	state txState

	ConnID         uint64
	Kind           MessageKind
	Context        any
	Buffer         []byte
	RMALocal       uint64
	RMALocalOffset uint64
	RMARemote      uint64
	RMAOffset      uint64
	RMALength      uint64
	Flags          SendFlags

	// RMAMsg, when non-nil, is a short message sent to the peer once
	// the RMA operation completes locally.
	RMAMsg []byte
}

func newTxSlab(n int) []*TxDescriptor {
	slab := make([]*TxDescriptor, n)
	for i := range slab {
		slab[i] = &TxDescriptor{id: uint32(i), state: txIdle}
	}
	return slab
}

// RxDescriptor is one posted receive buffer.
type RxDescriptor struct {
	id     uint32
	ConnID uint64
	Buffer []byte
}

func newRxSlab(n int) []*RxDescriptor {
	slab := make([]*RxDescriptor, n)
	for i := range slab {
		slab[i] = &RxDescriptor{id: uint32(i)}
	}
	return slab
}
