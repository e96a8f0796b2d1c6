// Package pool implements the PacketPool described in SPEC_FULL.md §5: nine
// size-class free lists of reusable packet buffers, bucketed to avoid
// fragmenting the pool across close size classes.
//
// The pool is single-threaded by contract (SPEC_FULL.md §7): it must not be
// shared across goroutines. It is driven exclusively from the manager's
// tick goroutine, the way the reference RakNet server's Session type is
// driven from its own update loop.
package pool

import (
	"github.com/valyala/bytebufferpool"

	"fastnet/pkg/packet"
)

const (
	numBuckets   = 9
	bucketOthers = numBuckets - 1
	bucketWidth  = 16

	// MaxPacketSize bounds what the pool will ever hand out or accept for
	// recycling; larger buffers are allocated plain and garbage collected.
	MaxPacketSize = 65535
)

// bucketFor maps a requested size to bucket min(8, (size-1)/16), then
// collapses buckets 2&3 and 4-7 into shared classes per spec §4.1 so the
// pool doesn't fragment across adjacent 16-byte classes.
func bucketFor(size int) int {
	if size <= 0 {
		size = 1
	}
	b := (size - 1) / bucketWidth
	if b > 8 {
		b = 8
	}
	switch {
	case b == 2 || b == 3:
		return 3 // 64-byte shared class
	case b >= 4 && b <= 7:
		return 7 // 128-byte shared class
	default:
		return b
	}
}

// bucketCapacity is the nominal buffer capacity a non-overflow bucket
// guarantees; Get upsizes in place if the request exceeds it.
func bucketCapacity(bucket int) int {
	if bucket == bucketOthers {
		return 0 // overflow bucket has no nominal capacity
	}
	switch bucket {
	case 3:
		return 64
	case 7:
		return 128
	default:
		return (bucket + 1) * bucketWidth
	}
}

// Pool is the PacketPool: nine bounded free lists plus an overflow class
// backed by bytebufferpool for oversized/variable packets (SPEC_FULL.md §3
// DOMAIN STACK).
type Pool struct {
	limit   int
	buckets [numBuckets][]*packet.Packet
	others  bytebufferpool.Pool
}

// New creates a PacketPool. limit is PoolLimit, the bound on packets held
// per bucket before overflow is dropped; spec default is maxConnections*50.
func New(limit int) *Pool {
	if limit <= 0 {
		limit = 50
	}
	return &Pool{limit: limit}
}

// Get returns a zero-initialised packet whose buffer is at least
// payloadSize + HeaderSize(property, false) bytes. Fragmented-flag sizing
// is the caller's responsibility via Packet.Encode, which only grows Buf.
func (p *Pool) Get(property packet.Property, channel byte, payloadSize int) *packet.Packet {
	total := payloadSize + packet.HeaderSize(property, false)
	bucket := bucketFor(total)

	var pkt *packet.Packet
	if total > MaxPacketSize {
		pkt = &packet.Packet{Buf: make([]byte, 0, total), Bucket: -1}
	} else if bucket == bucketOthers {
		bb := p.others.Get()
		if cap(bb.B) < total {
			bb.B = make([]byte, 0, total)
		}
		pkt = &packet.Packet{Buf: bb.B[:0], Bucket: bucketOthers, Pooled: true}
	} else if n := len(p.buckets[bucket]); n > 0 {
		pkt = p.buckets[bucket][n-1]
		p.buckets[bucket] = p.buckets[bucket][:n-1]
		if cap(pkt.Buf) < total {
			pkt.Buf = make([]byte, 0, maxInt(total, bucketCapacity(bucket)))
		} else {
			pkt.Buf = pkt.Buf[:0]
		}
		pkt.Pooled = true
	} else {
		cap0 := maxInt(total, bucketCapacity(bucket))
		pkt = &packet.Packet{Buf: make([]byte, 0, cap0), Bucket: bucket, Pooled: true}
	}

	pkt.Property = property
	pkt.Channel = channel
	pkt.SequenceNumber = 0
	pkt.FragmentID = 0
	pkt.FragmentPart = 0
	pkt.FragmentsTotal = 0
	pkt.IsFragmented = false
	pkt.IsAck = false
	pkt.DontRecycleNow = false
	return pkt
}

// GetAndRead parses a wire image starting at offset for count bytes,
// returning nil if the header is malformed or the property is unknown.
func (p *Pool) GetAndRead(data []byte, offset, count int) *packet.Packet {
	pkt := p.Get(packet.Unreliable, 0, count)
	if err := packet.Decode(pkt, data, offset, count); err != nil {
		p.Recycle(pkt)
		return nil
	}
	pkt.Bucket = bucketFor(len(pkt.Buf))
	return pkt
}

// GetWithData is a convenience wrapper around Get that also copies payload.
func (p *Pool) GetWithData(property packet.Property, channel byte, data []byte, offset, length int) *packet.Packet {
	pkt := p.Get(property, channel, length)
	pkt.Encode(data[offset : offset+length])
	return pkt
}

// Recycle returns pkt to its bucket's free list if it is pool-owned,
// not oversize, and DontRecycleNow is false. Otherwise ownership is simply
// dropped for the host runtime's GC. Recycling a packet twice is safe: the
// second call observes Pooled already cleared and is a no-op.
func (p *Pool) Recycle(pkt *packet.Packet) {
	if pkt == nil || !pkt.Pooled || pkt.DontRecycleNow {
		return
	}
	pkt.Pooled = false

	if pkt.Bucket == bucketOthers {
		p.others.Put(&bytebufferpool.ByteBuffer{B: pkt.Buf})
		return
	}
	if pkt.Bucket < 0 || pkt.Bucket >= numBuckets {
		return
	}
	if len(p.buckets[pkt.Bucket]) >= p.limit {
		return // overflow: drop
	}
	p.buckets[pkt.Bucket] = append(p.buckets[pkt.Bucket], pkt)
}

// Prepool warm-starts a bucket with n packets sized for size, so the first
// n allocations of that size after startup are free-list hits.
func (p *Pool) Prepool(n int, size int) {
	bucket := bucketFor(size)
	if bucket == bucketOthers {
		return
	}
	for i := 0; i < n && len(p.buckets[bucket]) < p.limit; i++ {
		cap0 := maxInt(size, bucketCapacity(bucket))
		p.buckets[bucket] = append(p.buckets[bucket], &packet.Packet{
			Buf:    make([]byte, 0, cap0),
			Bucket: bucket,
		})
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
