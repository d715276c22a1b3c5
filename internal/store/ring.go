package store

// ring 固定容量环形缓冲，满时覆盖最旧元素
type ring[T any] struct {
	buf  []T
	head int // 最旧元素下标
	size int
}

func newRing[T any](capacity int) ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return ring[T]{buf: make([]T, capacity)}
}

// push 追加元素，返回被挤出的最旧元素
func (r *ring[T]) push(v T) (evicted T, ok bool) {
	capacity := len(r.buf)
	if r.size < capacity {
		r.buf[(r.head+r.size)%capacity] = v
		r.size++
		return evicted, false
	}
	evicted = r.buf[r.head]
	r.buf[r.head] = v
	r.head = (r.head + 1) % capacity
	return evicted, true
}

// at 按时间顺序取元素，0 为最旧
func (r *ring[T]) at(i int) T {
	return r.buf[(r.head+i)%len(r.buf)]
}

func (r *ring[T]) newest() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.at(r.size - 1), true
}

func (r *ring[T]) len() int {
	return r.size
}

func (r *ring[T]) reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head = 0
	r.size = 0
}

// nearest 返回时间戳与 target 差值最小的元素，差值相同取先遍历到的 (更旧的)
func nearest[T any](r *ring[T], ts func(T) int64, target, tolerance int64) (T, bool) {
	var best T
	if r.size == 0 {
		return best, false
	}

	bestDiff := int64(-1)
	for i := 0; i < r.size; i++ {
		v := r.at(i)
		diff := ts(v) - target
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff {
			best = v
			bestDiff = diff
		}
	}

	if bestDiff > tolerance {
		var zero T
		return zero, false
	}
	return best, true
}
