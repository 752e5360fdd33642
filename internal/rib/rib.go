// Package rib implements the per-session Adj-RIB-In: a bucketed
// prefix-table and attribute-table with independent per-bucket
// reader/writer locks, a fixed-size bucket array, an intrusive collision
// list per bucket, and a bounded collision length.
package rib

import (
	"bytes"
	"hash/fnv"
	"sync"
	"time"
)

// Key identifies a prefix-table entry: (AFI, SAFI, address bits, masklen).
type Key struct {
	AFI     uint16
	SAFI    uint8
	Addr    [16]byte // left-justified; only the first (Length+7)/8 bytes are meaningful
	Length  int
}

func (k Key) hash() uint64 {
	h := fnv.New64a()
	h.Write([]byte{byte(k.AFI >> 8), byte(k.AFI), k.SAFI, byte(k.Length)})
	byteLen := (k.Length + 7) / 8
	h.Write(k.Addr[:byteLen])
	return h.Sum64()
}

// ErrBucketOverflow is returned when a bucket's collision chain has
// reached MaxCollisionLen; the insert is refused rather than degrading
// lookup performance for the rest of that bucket.
type ErrBucketOverflow struct {
	MaxCollisionLen int
}

func (e ErrBucketOverflow) Error() string {
	return "rib: bucket collision chain at capacity"
}

// AttrHandle is an opaque reference to a deduplicated attribute-table
// entry. The zero value denotes "no attribute handle" (a withdrawn prefix
// lingering to detect duplicate withdraws carries no attribute handle).
type AttrHandle uint64

// PrefixEntry is the value held per prefix-table key.
type PrefixEntry struct {
	Attr          AttrHandle
	Withdrawn     bool
	Timestamp     time.Time
	AnnounceCount uint64
	WithdrawCount uint64
}

type prefixNode struct {
	key  Key
	val  PrefixEntry
	next *prefixNode
}

type prefixBucket struct {
	mu   sync.RWMutex
	head *prefixNode
	n    int
}

// AttrFields holds the parsed fields needed for labeling (AS_PATH bytes,
// origin, next-hop) without re-parsing the full attribute blob on every
// comparison.
type AttrFields struct {
	ASPathBytes []byte // canonical AS_PATH wire encoding, compared byte-for-byte
	Origin      uint8
	NextHop     []byte
}

type attrNode struct {
	key    string // canonicalized attribute byte string
	refs   uint64
	hash   uint64
	handle AttrHandle
	raw    []byte
	parsed AttrFields
	next   *attrNode
}

type attrBucket struct {
	mu    sync.RWMutex
	head  *attrNode
	n     int
}

// Tables is one session's Adj-RIB-In: a prefix-table and an
// attribute-table, each a fixed-size bucket array sized at construction.
type Tables struct {
	maxCollisionLen int

	prefixBuckets []prefixBucket
	attrBuckets   []attrBucket

	nextHandle uint64
	handleMu   sync.Mutex
	handles    map[AttrHandle]*attrNode // handle -> node, protected by handleMu only for the map itself; node fields guarded by their bucket lock
	handleBucket map[AttrHandle]int
}

// Options configures a Tables instance.
type Options struct {
	BucketCount     int
	MaxCollisionLen int
}

// DefaultOptions returns reasonable bucket sizing for a single session's
// Adj-RIB-In.
func DefaultOptions() Options {
	return Options{BucketCount: 4096, MaxCollisionLen: 32}
}

// New constructs an empty Tables with the given bucket sizing.
func New(opts Options) *Tables {
	if opts.BucketCount <= 0 {
		opts.BucketCount = DefaultOptions().BucketCount
	}
	if opts.MaxCollisionLen <= 0 {
		opts.MaxCollisionLen = DefaultOptions().MaxCollisionLen
	}
	return &Tables{
		maxCollisionLen: opts.MaxCollisionLen,
		prefixBuckets:   make([]prefixBucket, opts.BucketCount),
		attrBuckets:     make([]attrBucket, opts.BucketCount),
		handles:         make(map[AttrHandle]*attrNode),
		handleBucket:    make(map[AttrHandle]int),
	}
}

func (t *Tables) prefixBucketFor(k Key) *prefixBucket {
	return &t.prefixBuckets[k.hash()%uint64(len(t.prefixBuckets))]
}

func (t *Tables) attrBucketIndex(h uint64) int {
	return int(h % uint64(len(t.attrBuckets)))
}

// Lookup returns the current prefix-table entry for k, if present.
func (t *Tables) Lookup(k Key) (PrefixEntry, bool) {
	b := t.prefixBucketFor(k)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for n := b.head; n != nil; n = n.next {
		if n.key == k {
			return n.val, true
		}
	}
	return PrefixEntry{}, false
}

// withdrawResult classifies the outcome of applying a withdraw.
type withdrawResult int

const (
	WithdrawApplied withdrawResult = iota
	WithdrawDuplicate
)

// ApplyWithdraw marks k withdrawn under the prefix bucket's write lock,
// releasing the old attribute handle's refcount if present.
func (t *Tables) ApplyWithdraw(k Key, now time.Time) (withdrawResult, error) {
	pb := t.prefixBucketFor(k)
	pb.mu.Lock()
	defer pb.mu.Unlock()

	var n *prefixNode
	for cur := pb.head; cur != nil; cur = cur.next {
		if cur.key == k {
			n = cur
			break
		}
	}
	if n == nil || n.val.Withdrawn {
		if n == nil {
			if pb.n >= t.maxCollisionLen {
				return 0, ErrBucketOverflow{MaxCollisionLen: t.maxCollisionLen}
			}
			n = &prefixNode{key: k, val: PrefixEntry{Withdrawn: true, Timestamp: now}, next: pb.head}
			pb.head = n
			pb.n++
			n.val.WithdrawCount++
			return WithdrawDuplicate, nil
		}
		n.val.WithdrawCount++
		n.val.Timestamp = now
		return WithdrawDuplicate, nil
	}

	if n.val.Attr != 0 {
		t.releaseAttr(n.val.Attr)
	}
	n.val.Attr = 0
	n.val.Withdrawn = true
	n.val.Timestamp = now
	n.val.WithdrawCount++
	return WithdrawApplied, nil
}

// announceResult classifies the outcome of applying an announcement.
type announceResult int

const (
	AnnounceNew announceResult = iota
	AnnounceDuplicate
	AnnounceSamePath
	AnnounceDifferentPath
)

// ApplyAnnounce canonicalizes/interns the attribute bytes, then compares
// against the prefix's current handle. fields carries the parsed AS_PATH
// bytes and other comparison fields so this package stays free of a
// bgpwire dependency.
func (t *Tables) ApplyAnnounce(k Key, canon []byte, fields AttrFields, now time.Time) (announceResult, error) {
	handle, _, err := t.internAttr(canon, fields)
	if err != nil {
		return 0, err
	}

	pb := t.prefixBucketFor(k)
	pb.mu.Lock()
	defer pb.mu.Unlock()

	var n *prefixNode
	for cur := pb.head; cur != nil; cur = cur.next {
		if cur.key == k {
			n = cur
			break
		}
	}
	if n == nil {
		if pb.n >= t.maxCollisionLen {
			t.releaseAttr(handle)
			return 0, ErrBucketOverflow{MaxCollisionLen: t.maxCollisionLen}
		}
		n = &prefixNode{key: k, next: pb.head}
		pb.head = n
		pb.n++
		n.val = PrefixEntry{Attr: handle, Timestamp: now, AnnounceCount: 1}
		return AnnounceNew, nil
	}

	if n.val.Withdrawn {
		n.val.Withdrawn = false
		n.val.Attr = handle
		n.val.Timestamp = now
		n.val.AnnounceCount++
		return AnnounceNew, nil
	}

	if n.val.Attr == handle {
		// Duplicate: the refcount bump from internAttr must be undone
		// since the handle didn't actually change.
		t.releaseAttr(handle)
		n.val.Timestamp = now
		n.val.AnnounceCount++
		return AnnounceDuplicate, nil
	}

	oldHandle := n.val.Attr
	oldFields := t.fieldsOf(oldHandle)
	n.val.Attr = handle
	n.val.Timestamp = now
	n.val.AnnounceCount++
	if oldHandle != 0 {
		t.releaseAttr(oldHandle)
	}
	if oldFields != nil && bytes.Equal(oldFields.ASPathBytes, fields.ASPathBytes) {
		return AnnounceSamePath, nil
	}
	return AnnounceDifferentPath, nil
}

// internAttr looks up canon in the attribute table, incrementing its
// refcount, or inserts a new entry with refcount 1.
func (t *Tables) internAttr(canon []byte, fields AttrFields) (AttrHandle, bool, error) {
	h := fnvHash(canon)
	idx := t.attrBucketIndex(h)
	b := &t.attrBuckets[idx]
	b.mu.Lock()
	defer b.mu.Unlock()

	for n := b.head; n != nil; n = n.next {
		if n.hash == h && n.key == string(canon) {
			n.refs++
			return n.handle, false, nil
		}
	}
	if b.n >= t.maxCollisionLen {
		return 0, false, ErrBucketOverflow{MaxCollisionLen: t.maxCollisionLen}
	}
	n := &attrNode{key: string(canon), refs: 1, hash: h, raw: append([]byte(nil), canon...), parsed: fields, next: b.head}
	handle := t.newHandle(n, idx)
	n.handle = handle
	b.head = n
	b.n++
	return handle, true, nil
}

func (t *Tables) newHandle(n *attrNode, bucketIdx int) AttrHandle {
	t.handleMu.Lock()
	defer t.handleMu.Unlock()
	t.nextHandle++
	h := AttrHandle(t.nextHandle)
	t.handles[h] = n
	t.handleBucket[h] = bucketIdx
	return h
}

// releaseAttr decrements a handle's refcount, freeing the node once it
// reaches zero.
func (t *Tables) releaseAttr(h AttrHandle) {
	if h == 0 {
		return
	}
	t.handleMu.Lock()
	n, ok := t.handles[h]
	idx, hasIdx := t.handleBucket[h]
	t.handleMu.Unlock()
	if !ok {
		return
	}
	if !hasIdx || idx < 0 {
		idx = t.attrBucketIndex(n.hash)
	}
	b := &t.attrBuckets[idx]
	b.mu.Lock()
	n.refs--
	shouldFree := n.refs == 0
	if shouldFree {
		var prev *attrNode
		for cur := b.head; cur != nil; cur = cur.next {
			if cur == n {
				if prev == nil {
					b.head = cur.next
				} else {
					prev.next = cur.next
				}
				b.n--
				break
			}
			prev = cur
		}
	}
	b.mu.Unlock()

	if shouldFree {
		t.handleMu.Lock()
		delete(t.handles, h)
		delete(t.handleBucket, h)
		t.handleMu.Unlock()
	}
}

// fieldsOf returns the parsed fields for a handle, or nil if it is zero or
// already freed.
func (t *Tables) fieldsOf(h AttrHandle) *AttrFields {
	if h == 0 {
		return nil
	}
	t.handleMu.Lock()
	n, ok := t.handles[h]
	t.handleMu.Unlock()
	if !ok {
		return nil
	}
	f := n.parsed
	return &f
}

// RefCount reports a handle's current reference count: the number of
// prefix-table entries currently pointing at it.
func (t *Tables) RefCount(h AttrHandle) uint64 {
	if h == 0 {
		return 0
	}
	t.handleMu.Lock()
	n, ok := t.handles[h]
	t.handleMu.Unlock()
	if !ok {
		return 0
	}
	idx := t.attrBucketIndex(n.hash)
	b := &t.attrBuckets[idx]
	b.mu.RLock()
	defer b.mu.RUnlock()
	return n.refs
}

// BucketCount returns the number of prefix-table buckets, used by the RIB
// dump walker to compute its pacing budget.
func (t *Tables) BucketCount() int { return len(t.prefixBuckets) }

// WalkBucket invokes fn for every prefix entry in bucket i under that
// bucket's read lock, for the RIB dump path.
func (t *Tables) WalkBucket(i int, fn func(Key, PrefixEntry)) {
	b := &t.prefixBuckets[i]
	b.mu.RLock()
	defer b.mu.RUnlock()
	for n := b.head; n != nil; n = n.next {
		fn(n.key, n.val)
	}
}

// Occupancy reports the total number of live prefix-table entries across
// every bucket and the longest single collision chain, for the status
// sampler's periodic gauge emission.
func (t *Tables) Occupancy() (total, maxBucket int) {
	for i := range t.prefixBuckets {
		b := &t.prefixBuckets[i]
		b.mu.RLock()
		n := b.n
		b.mu.RUnlock()
		total += n
		if n > maxBucket {
			maxBucket = n
		}
	}
	return total, maxBucket
}

// AttrRefCounts reports every live attribute handle's reference count, for
// the status sampler's refcount-distribution histogram.
func (t *Tables) AttrRefCounts() []uint64 {
	t.handleMu.Lock()
	handles := make([]AttrHandle, 0, len(t.handles))
	for h := range t.handles {
		handles = append(handles, h)
	}
	t.handleMu.Unlock()

	counts := make([]uint64, 0, len(handles))
	for _, h := range handles {
		counts = append(counts, t.RefCount(h))
	}
	return counts
}

// Destroy releases all table state. Called when the owning session
// transitions into Idle. Satisfies session.RIB.
func (t *Tables) Destroy() {
	for i := range t.prefixBuckets {
		t.prefixBuckets[i].mu.Lock()
		t.prefixBuckets[i].head = nil
		t.prefixBuckets[i].n = 0
		t.prefixBuckets[i].mu.Unlock()
	}
	for i := range t.attrBuckets {
		t.attrBuckets[i].mu.Lock()
		t.attrBuckets[i].head = nil
		t.attrBuckets[i].n = 0
		t.attrBuckets[i].mu.Unlock()
	}
	t.handleMu.Lock()
	t.handles = make(map[AttrHandle]*attrNode)
	t.handleBucket = make(map[AttrHandle]int)
	t.handleMu.Unlock()
}

func fnvHash(b []byte) uint64 {
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}
