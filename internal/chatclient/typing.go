package chatclient

import (
	"sync"
	"time"
)

// TypingIdle is how long input has to pause before typing-stop is sent.
const TypingIdle = time.Second

// TypingNotifier turns a stream of keystrokes into typing-start and
// typing-stop signals. notify runs on its own goroutine for the stop.
type TypingNotifier struct {
	mu     sync.Mutex
	idle   time.Duration
	notify func(typing bool)
	typing bool
	timer  *time.Timer
}

func NewTypingNotifier(idle time.Duration, notify func(typing bool)) *TypingNotifier {
	return &TypingNotifier{idle: idle, notify: notify}
}

// Keystroke signals start on the first keystroke and pushes the stop back.
func (n *TypingNotifier) Keystroke() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.timer == nil {
		n.timer = time.AfterFunc(n.idle, n.expire)
	} else {
		n.timer.Reset(n.idle)
	}

	if !n.typing {
		n.typing = true
		n.notify(true)
	}
}

// Stop signals stop right away, as when the line is sent.
func (n *TypingNotifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.timer != nil {
		n.timer.Stop()
	}
	n.stopLocked()
}

func (n *TypingNotifier) expire() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.stopLocked()
}

func (n *TypingNotifier) stopLocked() {
	if n.typing {
		n.typing = false
		n.notify(false)
	}
}
