// Package topology builds a query.Handler tree from a declarative Spec:
// a leaf store, a RAID level over children, or a cache wrapping either.
// Build walks a Spec bottom-up, wrapping every leaf and every composite
// node in the online/offline state machine so a failure anywhere in the
// tree is locally contained rather than left to the caller to notice.
package topology

import (
	"fmt"

	"github.com/behrlich/ublkd/backend"
	"github.com/behrlich/ublkd/cache"
	"github.com/behrlich/ublkd/fsm"
	"github.com/behrlich/ublkd/query"
	"github.com/behrlich/ublkd/raid"
)

// Kind selects what a Spec node builds into.
type Kind int

const (
	// Single wraps exactly one leaf with no redundancy or striping.
	Single Kind = iota
	// RAID0 stripes across Children.
	RAID0
	// RAID1 mirrors across Children.
	RAID1
	// RAID4 is RAID0 data with one fixed parity leaf, the last Children entry.
	RAID4
	// RAID5 is RAID4 with parity rotated across Children by stripe id.
	RAID5
)

// LeafKind selects what kind of leaf store a LeafSpec opens.
type LeafKind int

const (
	// LeafMemory builds an in-memory region via backend.NewMemory.
	LeafMemory LeafKind = iota
	// LeafFile opens a plain file via backend.OpenFile.
	LeafFile
	// LeafFileRing opens a file driven by an async io_uring instance via
	// backend.NewFileRing, bypassing the synchronous Backend adapter.
	LeafFileRing
)

// LeafSpec describes one leaf store to open.
type LeafSpec struct {
	Kind LeafKind
	Path string // unused for LeafMemory
	Size int64

	// QueueDepth sizes the io_uring instance for LeafFileRing; ignored
	// otherwise.
	QueueDepth uint32
}

// CacheSpec wraps a subtree in a chunk cache.
type CacheSpec struct {
	// WriteThrough selects RWT over RWI (the default).
	WriteThrough bool
	ChunkSize    int
	CacheLen     uint64
}

// Spec is a single node of a topology tree. Leaf is set only when Kind is
// Single; Children is set for every RAID kind; StripSz applies to
// RAID0/4/5 (RAID1 uses it as its read round-robin strip size).
type Spec struct {
	Kind     Kind
	Leaf     LeafSpec
	StripSz  int
	Children []Spec
	Cache    *CacheSpec
}

// closer is implemented by leaves that hold an OS resource (a file
// descriptor, an io_uring instance) that Build's caller should release on
// teardown. Memory leaves hold no OS resource and are not registered.
type closer interface {
	Close() error
}

// Handle is the result of building a Spec: the query.Handler the device's
// dispatcher submits queries to, plus every closer opened along the way
// so the caller can tear the whole tree down in one call.
type Handle struct {
	Handler query.Handler
	closers []closer
}

// Close releases every leaf resource opened while building the tree, in
// the reverse order they were opened.
func (h *Handle) Close() error {
	var first error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Build constructs the query.Handler tree described by spec.
func Build(spec Spec) (*Handle, error) {
	h := &Handle{}
	handler, err := h.build(spec)
	if err != nil {
		h.Close()
		return nil, err
	}
	h.Handler = handler
	return h, nil
}

func (h *Handle) build(spec Spec) (query.Handler, error) {
	var next query.Handler
	var coherent fsm.CoherenceChecker
	var err error

	switch spec.Kind {
	case Single:
		next, err = h.buildLeaf(spec.Leaf)
	case RAID0:
		next, err = h.buildRAID0(spec)
	case RAID1:
		next, err = h.buildRAID1(spec)
	case RAID4, RAID5:
		var sp *raid.RAIDSP
		sp, err = h.buildRAIDSP(spec)
		if err == nil {
			next = sp
			coherent = sp
		}
	default:
		return nil, fmt.Errorf("topology: unknown kind %d", spec.Kind)
	}
	if err != nil {
		return nil, err
	}

	target := fsm.New(next, coherent)
	var wrapped query.Handler = target
	if spec.Cache != nil {
		wrapped, err = h.buildCache(target, *spec.Cache)
		if err != nil {
			return nil, err
		}
	}
	return wrapped, nil
}

func (h *Handle) buildLeaf(ls LeafSpec) (query.Handler, error) {
	switch ls.Kind {
	case LeafMemory:
		return query.Adapt(backend.NewMemory(ls.Size)), nil
	case LeafFile:
		f, err := backend.OpenFile(ls.Path, ls.Size)
		if err != nil {
			return nil, fmt.Errorf("topology: open file leaf %s: %w", ls.Path, err)
		}
		h.closers = append(h.closers, f)
		return query.Adapt(f), nil
	case LeafFileRing:
		depth := ls.QueueDepth
		if depth == 0 {
			depth = 128
		}
		fr, err := backend.NewFileRing(ls.Path, ls.Size, depth)
		if err != nil {
			return nil, fmt.Errorf("topology: open ring leaf %s: %w", ls.Path, err)
		}
		h.closers = append(h.closers, fr)
		return fr, nil
	default:
		return nil, fmt.Errorf("topology: unknown leaf kind %d", ls.Kind)
	}
}

func (h *Handle) buildChildren(specs []Spec) ([]query.Handler, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("topology: composite node needs at least one child")
	}
	children := make([]query.Handler, len(specs))
	for i, cs := range specs {
		child, err := h.build(cs)
		if err != nil {
			return nil, err
		}
		children[i] = child
	}
	return children, nil
}

func (h *Handle) buildRAID0(spec Spec) (query.Handler, error) {
	children, err := h.buildChildren(spec.Children)
	if err != nil {
		return nil, err
	}
	if spec.StripSz <= 0 {
		return nil, fmt.Errorf("topology: RAID0 requires a positive strip size")
	}
	return raid.NewRAID0(spec.StripSz, children), nil
}

func (h *Handle) buildRAID1(spec Spec) (query.Handler, error) {
	children, err := h.buildChildren(spec.Children)
	if err != nil {
		return nil, err
	}
	stripSz := spec.StripSz
	if stripSz <= 0 {
		stripSz = 64 * 1024
	}
	return raid.NewRAID1(stripSz, children), nil
}

func (h *Handle) buildRAIDSP(spec Spec) (*raid.RAIDSP, error) {
	children, err := h.buildChildren(spec.Children)
	if err != nil {
		return nil, err
	}
	if spec.StripSz <= 0 {
		return nil, fmt.Errorf("topology: RAID4/5 requires a positive strip size")
	}
	if spec.Kind == RAID4 {
		return raid.NewRAID4(spec.StripSz, children)
	}
	return raid.NewRAID5(spec.StripSz, children)
}

// Size computes the usable byte capacity of spec without building it: the
// leaf's own size for Single, the sum across Children for RAID0, the
// smallest child for RAID1 (a mirror is only as big as its smallest leg),
// and (n-1) times the smallest child for RAID4/5 (one leg's worth of
// capacity goes to parity). Nested specs (RAID10/40/50) recurse naturally
// since each Children entry is itself a Spec.
func Size(spec Spec) int64 {
	switch spec.Kind {
	case Single:
		return spec.Leaf.Size
	case RAID0:
		var total int64
		for _, c := range spec.Children {
			total += Size(c)
		}
		return total
	case RAID1:
		return minSize(spec.Children)
	case RAID4, RAID5:
		n := int64(len(spec.Children))
		if n < 2 {
			return 0
		}
		return (n - 1) * minSize(spec.Children)
	default:
		return 0
	}
}

func minSize(specs []Spec) int64 {
	if len(specs) == 0 {
		return 0
	}
	m := Size(specs[0])
	for _, s := range specs[1:] {
		if v := Size(s); v < m {
			m = v
		}
	}
	return m
}

func (h *Handle) buildCache(leaf query.Handler, cs CacheSpec) (query.Handler, error) {
	if cs.ChunkSize <= 0 {
		return nil, fmt.Errorf("topology: cache requires a positive chunk size")
	}
	if cs.WriteThrough {
		return cache.NewRWT(leaf, cs.ChunkSize, cs.CacheLen)
	}
	return cache.NewRWI(leaf, cs.ChunkSize, cs.CacheLen)
}
