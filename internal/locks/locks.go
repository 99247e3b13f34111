// Package locks serializes writers that share a key, such as all allocations
// against one route. The relational store's row locks remain the primary
// guard; a Locker adds the same guarantee when the store cannot provide it.
package locks

import (
	"context"
	"strconv"
	"sync"
)

// Locker grants exclusive ownership of a key until release is called.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

func RouteKey(routeID int64) string { return "route:" + strconv.FormatInt(routeID, 10) }

func RequestKey(requestID int64) string { return "solicitud:" + strconv.FormatInt(requestID, 10) }

// RatingKey guards the aggregate rating of one evaluated user.
func RatingKey(userID int64) string { return "calificacion:" + strconv.FormatInt(userID, 10) }

// LocalLocker serializes holders within one process.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot)}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.unref(key, s)
		})
	}, nil
}

func (l *LocalLocker) unref(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Nop grants every key immediately.
type Nop struct{}

func (Nop) Acquire(context.Context, string) (func(), error) { return func() {}, nil }
