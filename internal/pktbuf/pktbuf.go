// Package pktbuf provides a pooled byte buffer for raw IP packets moving
// between the TUN device and the embedded stack.
//
// It plays the role lwip's pbuf plays in a lwip-based tunnel
// (alloc/ref/free, payload/len/tot_len) but single-segment: there is no
// need for a fragment-chain representation because gVisor owns packet
// buffers on the stack side, and the TUN side only ever sees one contiguous
// region per packet.
package pktbuf

import "sync"

// Cap is the maximum payload size pooled buffers are sized for. It must be
// at least as large as the largest MTU the tunnel is configured with; 64KiB
// covers TCP segmentation offload-sized reads as well as ordinary MTUs.
const Cap = 65536

var pool = sync.Pool{
	New: func() any {
		buf := make([]byte, Cap)
		return &buf
	},
}

// Buffer is an owned region of memory carrying one IP packet. It is created
// by the network interface (outbound, from the stack) and is consumed
// exactly once by a TUN writer. TUN readers do not use Buffers: they hand
// their read slice to the stack, which copies it.
type Buffer struct {
	raw     *[]byte
	payload []byte
}

// Get returns a Buffer backed by a pooled Cap-sized array, with Payload
// sliced to length n. Data must be copied in by the caller; Get does not
// zero the buffer.
func Get(n int) *Buffer {
	raw := pool.Get().(*[]byte)
	if n > len(*raw) {
		// Oversized packet (larger than Cap): fall back to a one-off
		// allocation rather than growing the pool's buffers.
		b := make([]byte, n)
		return &Buffer{raw: nil, payload: b}
	}
	return &Buffer{raw: raw, payload: (*raw)[:n]}
}

// Wrap returns a Buffer that owns the given slice directly, bypassing the
// pool. Used for buffers whose lifetime or size makes pooling pointless
// (e.g. a single DNS response).
func Wrap(b []byte) *Buffer {
	return &Buffer{raw: nil, payload: b}
}

// Payload is the packet's bytes, length equal to the packet length.
func (b *Buffer) Payload() []byte { return b.payload }

// Len is the number of valid bytes in Payload.
func (b *Buffer) Len() int { return len(b.payload) }

// Release returns the underlying storage to the pool. After Release, the
// Buffer and any slice derived from Payload must not be used.
func (b *Buffer) Release() {
	if b == nil || b.raw == nil {
		return
	}
	pool.Put(b.raw)
	b.raw = nil
	b.payload = nil
}
