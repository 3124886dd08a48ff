package websocket

import (
	"sync"
	"sync/atomic"
)

// blockPool is a [sync.Pool]-backed freelist of fixed-size byte blocks. It
// exists to keep the hot send path off the garbage collector, the same
// purpose the original curlws library's two-freelist memory pool served.
//
// Two independent blockPools are used (see [connPool]): one sized for
// control frames (opcode CLOSE/PING/PONG, payload capped at 125 bytes) and
// one sized for data frames (payload capped at the configured
// max-payload-size). Each pool produces a distinct wrapper type
// ([controlBlock]/[dataBlock]) so a block obtained from one pool can't be
// mistaken for the other at compile time, and a block's [Block.Release]
// is idempotent, matching the original's "double-free is a safe no-op"
// behavior without needing a runtime ownership check.
type blockPool struct {
	size int
	pool sync.Pool
}

func newBlockPool(size int) *blockPool {
	bp := &blockPool{size: size}
	bp.pool.New = func() any {
		buf := make([]byte, bp.size)
		return &buf
	}
	return bp
}

// Block is a pool-owned byte buffer handle. Exactly one [Block.Release]
// call returns it to its pool; subsequent calls are no-ops.
type Block struct {
	pool     *blockPool
	buf      *[]byte
	released atomic.Bool
}

func (p *blockPool) get() *Block {
	buf, _ := p.pool.Get().(*[]byte)
	return &Block{pool: p, buf: buf}
}

// Bytes returns the block's backing storage, sized to the pool's block
// size. Callers slice it down to the actual frame length they write.
func (b *Block) Bytes() []byte {
	return *b.buf
}

// Release returns the block to its pool. Safe to call more than once or
// concurrently with itself; only the first call has an effect.
func (b *Block) Release() {
	if !b.released.CompareAndSwap(false, true) {
		return
	}
	b.pool.pool.Put(b.buf)
}

// controlBlock and dataBlock are the two distinct pool handles exposed by
// [connPool]. They wrap [Block] rather than aliasing it, so a function
// that expects a control-sized block cannot accidentally be handed a
// data-sized one (or vice versa) without an explicit conversion.
type controlBlock struct{ *Block }
type dataBlock struct{ *Block }

// connPool holds the two freelists for a single [Conn]: one sized for
// control frames, one sized for data frames bounded by maxPayloadSize.
// It is never shared across connections.
type connPool struct {
	control *blockPool
	data    *blockPool
}

// maxFrameHeaderSize is the largest possible frame header plus masking
// key: 2 bytes base header + 8 bytes extended length + 4 bytes mask.
const maxFrameHeaderSize = 2 + 8 + 4

func newConnPool(maxPayloadSize int) *connPool {
	return &connPool{
		control: newBlockPool(maxFrameHeaderSize + maxControlPayload),
		data:    newBlockPool(maxFrameHeaderSize + maxPayloadSize),
	}
}

func (p *connPool) getControl() controlBlock {
	return controlBlock{p.control.get()}
}

func (p *connPool) getData() dataBlock {
	return dataBlock{p.data.get()}
}
