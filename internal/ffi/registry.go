package ffi

import (
	"sync"
)

// Handle 은 C 쪽에 넘기는 불투명 포인터 크기 식별자.
//
// 하위 8비트는 종류 태그, 나머지는 단조 증가 순번이다.
// 해제된 handle 의 순번은 다시 쓰지 않으므로 double free / use-after-free 는
// 조회 실패(InvalidHandle)로 드러난다.
type Handle uintptr

type kind uint8

const (
	kindClient  kind = 0xC1
	kindBatches kind = 0xB7
)

func (h Handle) kind() kind { return kind(h & 0xff) }

type registry struct {
	mu    sync.RWMutex
	seq   uintptr
	items map[Handle]any
}

func newRegistry() *registry {
	return &registry{items: make(map[Handle]any)}
}

func (r *registry) put(k kind, v any) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	h := Handle(r.seq<<8 | uintptr(k))
	r.items[h] = v
	return h
}

func (r *registry) get(h Handle, k kind) (any, *Error) {
	if h == 0 {
		return nil, fail(NullPointer, "handle is null")
	}
	if h.kind() != k {
		return nil, fail(InvalidHandle, "handle %#x has wrong kind", uintptr(h))
	}
	r.mu.RLock()
	v, ok := r.items[h]
	r.mu.RUnlock()
	if !ok {
		return nil, fail(InvalidHandle, "handle %#x is not live", uintptr(h))
	}
	return v, nil
}

func (r *registry) remove(h Handle, k kind) *Error {
	if _, err := r.get(h, k); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[h]; !ok {
		return fail(InvalidHandle, "handle %#x is not live", uintptr(h))
	}
	delete(r.items, h)
	return nil
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
