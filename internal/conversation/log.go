package conversation

import "sync"

// Log is the append-only conversation history. Turns are never mutated or
// removed after append; display truncation is a caller concern.
type Log struct {
	mu    sync.Mutex
	turns []Turn
}

func NewLog() *Log { return &Log{} }

// Append records a turn and returns it unchanged.
func (l *Log) Append(t Turn) Turn {
	l.mu.Lock()
	l.turns = append(l.turns, t)
	l.mu.Unlock()
	return t
}

// Len reports the number of recorded turns.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.turns)
}

// Snapshot copies the full history in append order.
func (l *Log) Snapshot() []Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Window copies the most recent n turns in append order. n <= 0 returns nil.
func (l *Log) Window(n int) []Turn {
	if n <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > len(l.turns) {
		n = len(l.turns)
	}
	out := make([]Turn, n)
	copy(out, l.turns[len(l.turns)-n:])
	return out
}
