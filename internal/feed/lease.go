package feed

import (
	"sync"

	"github.com/sawpanic/xgateway/internal/book"
)

// Lease is a reference-counted claim that keeps a (exchange, native symbol)
// upstream subscription alive while at least one consumer needs it.
// Release is idempotent: releasing twice, even
// concurrently, decrements demand exactly once.
type Lease struct {
	key     book.Key
	once    sync.Once
	release func(book.Key)
}

// Key returns the (exchange, native symbol) this lease covers.
func (l *Lease) Key() book.Key {
	return l.key
}

// Release decrements demand for the lease's key. Safe to call more than
// once and safe to call concurrently with other releases of the same lease.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() { l.release(l.key) })
}
