package chunk

// Reassembler accumulates inbound frames from a single peer back into
// complete message bodies, tracking one pending transmission per
// (actionType, nonce) pair.
//
// Each Room owns one Reassembler per peer and discards it wholesale when the
// peer leaves, so a stalled transmission can never outlive its peer. There
// is no intrinsic idle timeout for a transmission whose terminal frame never
// arrives.
//
// Reassembler is not safe for concurrent use; the owning room serializes
// access.
type Reassembler struct {
	pending map[transmissionKey]*pendingTransmission
}

type transmissionKey struct {
	actionType string
	nonce      uint8
}

type pendingTransmission struct {
	buf []byte
}

func NewReassembler() *Reassembler {
	return &Reassembler{pending: make(map[transmissionKey]*pendingTransmission)}
}

// Add appends one frame's payload to the transmission identified by its
// header. When the frame carries the terminal flag the completed body is
// returned and the transmission is removed; a complete transmission is
// never left partially assembled.
func (r *Reassembler) Add(h Header, payload []byte) (body []byte, complete bool) {
	key := transmissionKey{actionType: h.ActionType, nonce: h.Nonce}
	tx, ok := r.pending[key]
	if !ok {
		tx = &pendingTransmission{}
		r.pending[key] = tx
	}
	tx.buf = append(tx.buf, payload...)

	if !h.Last {
		return nil, false
	}
	delete(r.pending, key)
	return tx.buf, true
}

// Pending reports how many transmissions are partially assembled.
func (r *Reassembler) Pending() int {
	return len(r.pending)
}

// Drop discards all partially assembled transmissions.
func (r *Reassembler) Drop() {
	clear(r.pending)
}
