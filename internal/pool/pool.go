// Package pool tracks which worker process currently occupies each pool slot.
//
// A slot is identified by its PIN (process index number) in [0, size). The pool
// only does bookkeeping; creating and reaping processes is the engine's job.
package pool

import (
	"fmt"
	"sort"
)

// Pool maps PINs to the pid of the live worker holding that slot.
type Pool struct {
	size    int
	counter int
	pids    map[int]int
}

// New constructs an empty pool for size slots. Sizes below one are coerced to
// one.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		size:    size,
		counter: size,
		pids:    make(map[int]int, size),
	}
}

// Size returns the desired number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Len returns the number of occupied slots.
func (p *Pool) Len() int {
	return len(p.pids)
}

// Full reports whether every slot is occupied.
func (p *Pool) Full() bool {
	return len(p.pids) >= p.size
}

// Next advances the rotation counter and returns the first free PIN it lands
// on. It returns false when the pool is full.
func (p *Pool) Next() (int, bool) {
	if p.Full() {
		return 0, false
	}
	for i := 0; i < p.size; i++ {
		p.counter++
		pin := p.counter % p.size
		if _, taken := p.pids[pin]; !taken {
			return pin, true
		}
	}
	return 0, false
}

// Record stores pid as the live worker for pin.
func (p *Pool) Record(pin, pid int) error {
	if pin < 0 || pin >= p.size {
		return fmt.Errorf("pin %d out of range [0, %d)", pin, p.size)
	}
	if current, ok := p.pids[pin]; ok {
		return fmt.Errorf("pin %d already held by pid %d", pin, current)
	}
	p.pids[pin] = pid
	return nil
}

// Remove forgets the worker with the given pid and returns the PIN it held.
func (p *Pool) Remove(pid int) (int, bool) {
	for pin, current := range p.pids {
		if current == pid {
			delete(p.pids, pin)
			return pin, true
		}
	}
	return -1, false
}

// PID returns the pid holding pin.
func (p *Pool) PID(pin int) (int, bool) {
	pid, ok := p.pids[pin]
	return pid, ok
}

// PIDs returns the pids of all live workers ordered by PIN.
func (p *Pool) PIDs() []int {
	pins := p.PINs()
	out := make([]int, 0, len(pins))
	for _, pin := range pins {
		out = append(out, p.pids[pin])
	}
	return out
}

// PINs returns the occupied PINs in ascending order.
func (p *Pool) PINs() []int {
	pins := make([]int, 0, len(p.pids))
	for pin := range p.pids {
		pins = append(pins, pin)
	}
	sort.Ints(pins)
	return pins
}

// Snapshot returns a copy of the PIN to pid mapping.
func (p *Pool) Snapshot() map[int]int {
	dup := make(map[int]int, len(p.pids))
	for pin, pid := range p.pids {
		dup[pin] = pid
	}
	return dup
}
