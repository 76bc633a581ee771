// Package cursorlist implements an ordered list traversed through a shared
// point-of-view cursor.
//
// The cursor is list state, not traversal state: a List is not safe for use by
// several goroutines without external locking. Read-only traversals that must not
// disturb the cursor should use Iter.
package cursorlist

import (
	"errors"
	"math/rand/v2"
)

// Code is the outcome of the last operation on a list.
type Code int

const (
	CodeNone Code = iota
	CodeFull
	CodeEmpty
	// CodeAllocation is part of the error taxonomy but never produced here:
	// allocation failure panics in Go.
	CodeAllocation
	CodeEndOfList
	CodeDestroyed
)

var (
	ErrFull       = errors.New("cursorlist: list is full")
	ErrEmpty      = errors.New("cursorlist: list is empty")
	ErrAllocation = errors.New("cursorlist: allocation failure")
	ErrEndOfList  = errors.New("cursorlist: end of list")
	ErrDestroyed  = errors.New("cursorlist: list destroyed")
)

var codeErrors = map[Code]error{
	CodeFull:       ErrFull,
	CodeEmpty:      ErrEmpty,
	CodeAllocation: ErrAllocation,
	CodeEndOfList:  ErrEndOfList,
	CodeDestroyed:  ErrDestroyed,
}

// Err returns the sentinel error for c, or nil for CodeNone.
func (c Code) Err() error { return codeErrors[c] }

type node[T any] struct {
	value T
	next  *node[T]
}

// List is a singly linked list with a sentinel head. prev always points at the
// node immediately before the point of view; the point of view is prev.next.
type List[T any] struct {
	head    *node[T]
	prev    *node[T]
	size    int
	max     int
	lastErr Code
}

// New returns an empty, unbounded list with the cursor at the head.
func New[T any]() *List[T] {
	return NewBounded[T](0)
}

// NewBounded returns an empty list that refuses to hold more than max elements.
// A max of zero or less means unbounded.
func NewBounded[T any](max int) *List[T] {
	h := &node[T]{}
	return &List[T]{head: h, prev: h, max: max}
}

func (l *List[T]) fail(c Code) error {
	l.lastErr = c
	return c.Err()
}

func (l *List[T]) ok() {
	l.lastErr = CodeNone
}

// LastError returns the code of the most recent operation.
func (l *List[T]) LastError() Code { return l.lastErr }

// Add inserts v before the point of view. The point of view does not move, so
// the cursor ends up just after the new element.
func (l *List[T]) Add(v T) error {
	if l.head == nil {
		return l.fail(CodeDestroyed)
	}
	if l.max > 0 && l.size >= l.max {
		return l.fail(CodeFull)
	}
	n := &node[T]{value: v, next: l.prev.next}
	l.prev.next = n
	l.prev = n
	l.size++
	l.ok()
	return nil
}

// Remove deletes the element at the point of view. The next element becomes the
// point of view.
func (l *List[T]) Remove() (T, error) {
	var zero T
	if l.head == nil {
		return zero, l.fail(CodeDestroyed)
	}
	cur := l.prev.next
	if cur == nil {
		if l.size == 0 {
			return zero, l.fail(CodeEmpty)
		}
		return zero, l.fail(CodeEndOfList)
	}
	l.prev.next = cur.next
	l.size--
	l.ok()
	return cur.value, nil
}

// Get returns the element at the point of view.
func (l *List[T]) Get() (T, error) {
	var zero T
	if l.head == nil {
		return zero, l.fail(CodeDestroyed)
	}
	cur := l.prev.next
	if cur == nil {
		if l.size == 0 {
			return zero, l.fail(CodeEmpty)
		}
		return zero, l.fail(CodeEndOfList)
	}
	l.ok()
	return cur.value, nil
}

// IsEmpty reports whether the list holds no elements.
func (l *List[T]) IsEmpty() bool { return l.size == 0 }

// Len returns the number of elements.
func (l *List[T]) Len() int { return l.size }

// GoToHead moves the point of view to the first element.
func (l *List[T]) GoToHead() {
	if l.head == nil {
		l.fail(CodeDestroyed)
		return
	}
	l.prev = l.head
	l.ok()
}

// Next advances the point of view by one element.
func (l *List[T]) Next() error {
	if l.head == nil {
		return l.fail(CodeDestroyed)
	}
	if l.prev.next == nil {
		return l.fail(CodeEndOfList)
	}
	l.prev = l.prev.next
	l.ok()
	return nil
}

// IsAtEnd reports whether the point of view has passed the last element.
func (l *List[T]) IsAtEnd() bool {
	return l.head == nil || l.prev.next == nil
}

// Clear removes every element. The list stays usable.
func (l *List[T]) Clear() {
	if l.head == nil {
		l.fail(CodeDestroyed)
		return
	}
	l.head.next = nil
	l.prev = l.head
	l.size = 0
	l.ok()
}

// Values returns the elements in order without touching the cursor.
func (l *List[T]) Values() []T {
	out := make([]T, 0, l.size)
	if l.head == nil {
		return out
	}
	for n := l.head.next; n != nil; n = n.next {
		out = append(out, n.value)
	}
	return out
}

// Shuffle applies a uniform random permutation (Fisher-Yates) and rebuilds the
// list in the new order. A nil rng uses the global source. The cursor returns
// to the head.
func (l *List[T]) Shuffle(rng *rand.Rand) {
	if l.head == nil {
		l.fail(CodeDestroyed)
		return
	}
	vals := l.Values()
	for i := len(vals) - 1; i > 0; i-- {
		var j int
		if rng != nil {
			j = rng.IntN(i + 1)
		} else {
			j = rand.IntN(i + 1)
		}
		vals[i], vals[j] = vals[j], vals[i]
	}
	l.Clear()
	for _, v := range vals {
		l.Add(v)
	}
	l.GoToHead()
}

// Destroy releases every node. Any later call fails with ErrDestroyed.
func (l *List[T]) Destroy() {
	if l.head != nil {
		l.head.next = nil
	}
	l.head = nil
	l.prev = nil
	l.size = 0
	l.ok()
}

// Iter returns an iterator positioned before the first element. It has its own
// position and leaves the list cursor alone. The list must not be modified while
// the iterator is in use.
func (l *List[T]) Iter() *Iterator[T] {
	if l.head == nil {
		return &Iterator[T]{}
	}
	return &Iterator[T]{next: l.head.next}
}

// Iterator walks a list independently of its cursor.
type Iterator[T any] struct {
	next *node[T]
	cur  *node[T]
}

// Next advances to the next element and reports whether there was one.
func (it *Iterator[T]) Next() bool {
	if it.next == nil {
		it.cur = nil
		return false
	}
	it.cur = it.next
	it.next = it.next.next
	return true
}

// Value returns the element the iterator is positioned on.
func (it *Iterator[T]) Value() T {
	if it.cur == nil {
		var zero T
		return zero
	}
	return it.cur.value
}
