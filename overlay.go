package objcache

import (
	"context"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Descriptor describes one index over objects of type T.
type Descriptor[K any, T any] struct {
	// Name labels log records.
	Name string
	// Key extracts the indexed key from the object's current data. The main
	// index captures it when an object is loaded or promoted and compares
	// against that committed key from then on, so a transaction changing an
	// object in place between PrepareForReindex and Promote does not move
	// the object for anyone else.
	Key func(*T) K
	// KeyStrategy hashes and compares keys.
	KeyStrategy HashStrategy[K]
	// Shape is the key cardinality.
	Shape IndexShape
	// PrimaryHash and SamePrimary identify objects by primary key, which is
	// how a transaction's private copy of an object is matched with its
	// committed counterpart. They must only read data that never changes.
	PrimaryHash func(*T) uint64
	SamePrimary func(a, b *T) bool
}

// OverlayConfig defines configurable TxOverlayIndex options.
type OverlayConfig struct {
	accessor TxAccessor
	lock     *AsymmetricRWLock
	logger   *Logger
}

// WithTxAccessor sets how the active transaction is found. Defaults to
// TxFromContext.
func WithTxAccessor(a TxAccessor) func(*OverlayConfig) {
	return func(c *OverlayConfig) {
		if a != nil {
			c.accessor = a
		}
	}
}

// WithSharedLock guards the main index with l, which is typically shared by
// every index of one object type.
func WithSharedLock(l *AsymmetricRWLock) func(*OverlayConfig) {
	return func(c *OverlayConfig) {
		if l != nil {
			c.lock = l
		}
	}
}

// WithOverlayLogger sets the logger.
func WithOverlayLogger(l *Logger) func(*OverlayConfig) {
	return func(c *OverlayConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

type reindexOrigin uint8

const (
	originAdded reindexOrigin = iota
	originMain
)

// txOverlay is the private state of one transaction. It is only touched by
// the goroutine running that transaction.
type txOverlay[K any, T any] struct {
	added   *PlainIndex[K, T]
	deleted *PlainIndex[*T, T]
	pending map[*T]reindexOrigin
}

// TxOverlayIndex layers per-transaction additions and deletions over a shared
// main index.
//
// Reads inside a transaction see, in order: the transaction's added objects,
// then main index objects the transaction has not deleted. Other transactions
// see only the main index. Commit and Rollback discard the overlay; Promote
// publishes it into the main index under the write lock.
//
// The main index holds at most one object per primary key.
type TxOverlayIndex[K any, T any] struct {
	desc      Descriptor[K, T]
	primary   HashStrategy[*T]
	main      *PlainIndex[K, T]
	byPrimary *PlainIndex[*T, T]
	lock      *AsymmetricRWLock
	overlays  *xsync.MapOf[uuid.UUID, *txOverlay[K, T]]
	accessor  TxAccessor
	logger    *Logger
}

// NewTxOverlayIndex creates an empty index for desc.
func NewTxOverlayIndex[K any, T any](desc Descriptor[K, T], options ...func(*OverlayConfig)) *TxOverlayIndex[K, T] {
	if desc.Key == nil || desc.KeyStrategy == nil || desc.PrimaryHash == nil || desc.SamePrimary == nil {
		violation("NewTxOverlayIndex", "incomplete descriptor")
	}
	c := &OverlayConfig{accessor: TxFromContext}
	for _, o := range options {
		o(c)
	}
	if c.lock == nil {
		c.lock = NewAsymmetricRWLock()
	}
	if c.logger == nil {
		c.logger = NoopLogger()
	}
	x := &TxOverlayIndex[K, T]{
		desc:     desc,
		primary:  StrategyFunc(desc.PrimaryHash, desc.SamePrimary),
		main:     NewPlainIndex[K, T](desc.Key, desc.KeyStrategy, desc.Shape),
		lock:     c.lock,
		overlays: xsync.NewMapOf[uuid.UUID, *txOverlay[K, T]](),
		accessor: c.accessor,
		logger:   c.logger.WithIndex(desc.Name),
	}
	x.byPrimary = NewPlainIndex[*T, T](identity[T], x.primary, ShapeNonUnique)
	return x
}

func identity[T any](v *T) *T { return v }

func (x *TxOverlayIndex[K, T]) newOverlay() *txOverlay[K, T] {
	return &txOverlay[K, T]{
		added:   NewPlainIndex[K, T](x.desc.Key, x.desc.KeyStrategy, x.desc.Shape),
		deleted: NewPlainIndex[*T, T](identity[T], x.primary, ShapeUnique),
		pending: make(map[*T]reindexOrigin),
	}
}

// overlay returns the transaction's overlay, or nil if it has none.
func (x *TxOverlayIndex[K, T]) overlay(tx Tx) *txOverlay[K, T] {
	if tx == nil {
		return nil
	}
	ov, _ := x.overlays.Load(tx.ID())
	return ov
}

// mustOverlay returns the overlay of the active transaction, creating it.
func (x *TxOverlayIndex[K, T]) mustOverlay(ctx context.Context, op string) (Tx, *txOverlay[K, T]) {
	tx := x.accessor(ctx)
	if tx == nil {
		violation(op, "no active transaction")
	}
	ov, _ := x.overlays.LoadOrCompute(tx.ID(), x.newOverlay)
	return tx, ov
}

func worker(tx Tx) WorkerID {
	if tx == nil {
		return AnyWorker()
	}
	return tx.Worker()
}

func (ov *txOverlay[K, T]) suppressed(v *T) bool {
	if ov == nil || ov.deleted.Len() == 0 {
		return false
	}
	_, ok := ov.deleted.Get(v)
	return ok
}

// Get returns the object stored under key as seen by the active transaction.
func (x *TxOverlayIndex[K, T]) Get(ctx context.Context, key K) (*T, bool) {
	tx := x.accessor(ctx)
	ov := x.overlay(tx)
	if ov != nil {
		if v, ok := ov.added.Get(key); ok {
			return v, true
		}
	}
	t := x.lock.AcquireRead(worker(tx))
	defer x.lock.Release(t)
	for _, v := range x.main.GetAll(key) {
		if !ov.suppressed(v) {
			return v, true
		}
	}
	return nil, false
}

// GetAll returns every object stored under key as seen by the active
// transaction. Main index objects that share a primary key with an added
// object are reported once, as the added copy.
func (x *TxOverlayIndex[K, T]) GetAll(ctx context.Context, key K) []*T {
	tx := x.accessor(ctx)
	ov := x.overlay(tx)
	var out []*T
	if ov != nil {
		out = ov.added.GetAll(key)
	}
	added := len(out)
	t := x.lock.AcquireRead(worker(tx))
	defer x.lock.Release(t)
outer:
	for _, v := range x.main.GetAll(key) {
		if ov.suppressed(v) {
			continue
		}
		for _, a := range out[:added] {
			if x.desc.SamePrimary(a, v) {
				continue outer
			}
		}
		out = append(out, v)
	}
	return out
}

// Put adds v to the active transaction's overlay.
func (x *TxOverlayIndex[K, T]) Put(ctx context.Context, v *T) {
	if v == nil {
		violation("TxOverlayIndex.Put", "nil value")
	}
	_, ov := x.mustOverlay(ctx, "TxOverlayIndex.Put")
	ov.added.Put(v)
}

// Remove deletes the objects stored under key for the active transaction
// and returns them. Objects only in the main index are hidden from the
// transaction until Promote removes them for everyone.
func (x *TxOverlayIndex[K, T]) Remove(ctx context.Context, key K) []*T {
	tx, ov := x.mustOverlay(ctx, "TxOverlayIndex.Remove")
	removed := ov.added.RemoveKey(key)
	t := x.lock.AcquireRead(tx.Worker())
	hits := x.main.GetAll(key)
	x.lock.Release(t)
	for _, v := range hits {
		if ov.suppressed(v) {
			continue
		}
		ov.deleted.Put(v)
		removed = append(removed, v)
	}
	return removed
}

// PrepareForReindex unlinks v from its current key before one of its indexed
// fields is changed. FinishForReindex must follow once the change is made.
func (x *TxOverlayIndex[K, T]) PrepareForReindex(ctx context.Context, v *T) {
	_, ov := x.mustOverlay(ctx, "TxOverlayIndex.PrepareForReindex")
	if _, ok := ov.pending[v]; ok {
		violation("TxOverlayIndex.PrepareForReindex", "reindex already prepared")
	}
	if ov.added.RemoveObject(v) {
		ov.pending[v] = originAdded
		return
	}
	ov.deleted.Put(v)
	ov.pending[v] = originMain
}

// FinishForReindex indexes v under its new key in the transaction's overlay.
func (x *TxOverlayIndex[K, T]) FinishForReindex(ctx context.Context, v *T) {
	tx := x.accessor(ctx)
	ov := x.overlay(tx)
	if ov == nil {
		violation("TxOverlayIndex.FinishForReindex", "reindex was not prepared")
	}
	if _, ok := ov.pending[v]; !ok {
		violation("TxOverlayIndex.FinishForReindex", "reindex was not prepared")
	}
	delete(ov.pending, v)
	ov.added.Put(v)
}

// Promote publishes the active transaction's overlay into the main index:
// main objects sharing a primary key with a deleted object are removed and
// added objects are indexed under their current key, replacing main objects
// with the same primary key. It holds the write lock and leaves the overlay
// in place; Commit discards it.
func (x *TxOverlayIndex[K, T]) Promote(ctx context.Context) {
	tx := x.accessor(ctx)
	ov := x.overlay(tx)
	if ov == nil {
		return
	}
	if len(ov.pending) > 0 {
		violation("TxOverlayIndex.Promote", "reindex still pending")
	}
	t := x.lock.AcquireWrite(tx.Worker())
	defer x.lock.Release(t)
	ov.deleted.Range(func(v *T) bool {
		x.unpublish(v)
		return true
	})
	ov.added.Range(func(v *T) bool {
		x.publish(v)
		return true
	})
	x.logger.LogPromote(tx, ov.added.Len(), ov.deleted.Len())
}

// publish indexes v in the main index under its current key, replacing the
// main objects with its primary key. Called with the write lock held.
func (x *TxOverlayIndex[K, T]) publish(v *T) {
	x.unpublish(v)
	if prev, replaced := x.main.Put(v); replaced {
		x.byPrimary.RemoveObject(prev)
	}
	x.byPrimary.Put(v)
}

// unpublish removes the main objects with v's primary key. Called with the
// write lock held.
func (x *TxOverlayIndex[K, T]) unpublish(v *T) {
	for _, o := range x.byPrimary.GetAll(v) {
		x.main.RemoveObject(o)
		x.byPrimary.RemoveObject(o)
	}
}

// Commit discards the active transaction's overlay. It never touches the main
// index; publish with Promote first.
func (x *TxOverlayIndex[K, T]) Commit(ctx context.Context) {
	tx := x.accessor(ctx)
	if tx == nil {
		violation("TxOverlayIndex.Commit", "no active transaction")
	}
	if ov := x.overlay(tx); ov != nil && len(ov.pending) > 0 {
		violation("TxOverlayIndex.Commit", "reindex still pending")
	}
	x.overlays.Delete(tx.ID())
}

// Rollback discards the active transaction's overlay, including any pending
// reindex.
func (x *TxOverlayIndex[K, T]) Rollback(ctx context.Context) {
	tx := x.accessor(ctx)
	if tx == nil {
		violation("TxOverlayIndex.Rollback", "no active transaction")
	}
	x.overlays.Delete(tx.ID())
}

// Load indexes v in the main index, as when it is read from the store of
// record, replacing any object with the same primary key. It takes the
// write lock.
func (x *TxOverlayIndex[K, T]) Load(v *T) {
	if v == nil {
		violation("TxOverlayIndex.Load", "nil value")
	}
	t := x.lock.AcquireWrite(AnyWorker())
	defer x.lock.Release(t)
	x.publish(v)
}

// Unload removes v itself from the main index.
func (x *TxOverlayIndex[K, T]) Unload(v *T) bool {
	t := x.lock.AcquireWrite(AnyWorker())
	defer x.lock.Release(t)
	x.byPrimary.RemoveObject(v)
	return x.main.RemoveObject(v)
}

// Active returns the number of transactions holding an overlay.
func (x *TxOverlayIndex[K, T]) Active() int {
	return x.overlays.Size()
}

// Len returns the number of objects in the main index.
func (x *TxOverlayIndex[K, T]) Len() int {
	t := x.lock.AcquireRead(AnyWorker())
	defer x.lock.Release(t)
	return x.main.Len()
}
