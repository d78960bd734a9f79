package transport

import (
	"sync"

	"code.hybscloud.com/atomix"
)

// CancelToken is a cooperative cancellation flag. Transfer loops check it
// between chunks; cancelling never interrupts a goroutine directly.
type CancelToken struct {
	flag atomix.Uint32
	once sync.Once
	done chan struct{}
}

func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel reports whether this call was the one that set the flag.
func (t *CancelToken) Cancel() bool {
	first := false
	t.once.Do(func() {
		t.flag.Add(1)
		close(t.done)
		first = true
	})
	return first
}

func (t *CancelToken) Canceled() bool {
	return t.flag.Load() != 0
}

// Done is closed once the token is cancelled.
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}
