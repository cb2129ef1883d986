package speech

import "sync"

// Latch is a one-shot signal. Once set it stays set.
type Latch struct {
	once sync.Once
	done chan struct{}
}

func NewLatch() *Latch {
	return &Latch{done: make(chan struct{})}
}

// Set reports whether this call was the one that set the latch.
func (l *Latch) Set() bool {
	set := false
	l.once.Do(func() {
		close(l.done)
		set = true
	})
	return set
}

func (l *Latch) IsSet() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *Latch) Done() <-chan struct{} { return l.done }
