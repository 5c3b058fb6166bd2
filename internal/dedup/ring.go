// Package dedup — ограниченное множество недавно увиденных идентификаторов.
package dedup

// Ring помнит последние cap id; самый старый вытесняется. Не потокобезопасен.
type Ring struct {
	set  map[string]struct{}
	ring []string
	next int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 256
	}
	return &Ring{set: make(map[string]struct{}, capacity), ring: make([]string, capacity)}
}

// Add возвращает false, если id уже встречался. Пустой id всегда принимается и не запоминается.
func (r *Ring) Add(id string) bool {
	if id == "" {
		return true
	}
	if _, ok := r.set[id]; ok {
		return false
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.set, old)
	}
	r.ring[r.next] = id
	r.set[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
	return true
}

func (r *Ring) Has(id string) bool {
	_, ok := r.set[id]
	return ok
}

func (r *Ring) Reset() {
	clear(r.set)
	clear(r.ring)
	r.next = 0
}
