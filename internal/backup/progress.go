package backup

import (
	"sync"
	"sync/atomic"
)

// Progress is shared between the goroutine running a job and the callers polling it.
// The current index never decreases and never exceeds the total.
type Progress struct {
	current   atomic.Int64
	total     atomic.Int64
	terminate atomic.Bool

	mu      sync.Mutex
	message string
}

type Snapshot struct {
	Current   int64
	Total     int64
	Message   string
	Terminate bool
}

func NewProgress() *Progress {
	return &Progress{}
}

func (p *Progress) SetTotal(n int64) {
	if n < 0 {
		n = 0
	}
	p.total.Store(n)
}

func (p *Progress) Total() int64 {
	return p.total.Load()
}

func (p *Progress) Current() int64 {
	return p.current.Load()
}

// Increment advances the current index by n, clamped to the total.
func (p *Progress) Increment(n int64) {
	if n <= 0 {
		return
	}
	for {
		cur := p.current.Load()
		next := cur + n
		if total := p.total.Load(); next > total {
			next = total
		}
		if next <= cur {
			return
		}
		if p.current.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Complete moves the current index to the total.
func (p *Progress) Complete() {
	p.Increment(p.total.Load())
}

func (p *Progress) SetMessage(msg string) {
	p.mu.Lock()
	p.message = msg
	p.mu.Unlock()
}

func (p *Progress) Message() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.message
}

// Terminate asks the worker to stop at the next item boundary.
func (p *Progress) Terminate() {
	p.terminate.Store(true)
}

func (p *Progress) ShouldTerminate() bool {
	return p.terminate.Load()
}

func (p *Progress) Snapshot() Snapshot {
	return Snapshot{
		Current:   p.Current(),
		Total:     p.Total(),
		Message:   p.Message(),
		Terminate: p.ShouldTerminate(),
	}
}
