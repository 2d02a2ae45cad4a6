package reactor

import (
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
)

// errorState is the per-IO-object error tracking: kind, errno, repeat
// count, first-seen timestamp, with a coalescing policy of one log line
// per change, per 5-second window, or per 65000 repeats.
type errorState struct {
	kind      string
	err       error
	repeat    uint64
	firstSeen time.Time
}

// errorLog decides, per object, whether an error deserves a fresh log line
// right now. The 5-second window is delegated to catrate.Limiter (a sliding
// window rate limiter, github.com/joeycumines/go-catrate) keyed by handle;
// the 65000-repeat rule and the "kind changed" rule are plain counters
// beside it, since neither is naturally a rate.
type errorLog struct {
	mu      sync.Mutex // forget may run on a goroutine other than the loop's
	limiter *catrate.Limiter
	states  map[Handle]*errorState
}

func newErrorLog() *errorLog {
	return &errorLog{
		limiter: catrate.NewLimiter(map[time.Duration]int{5 * time.Second: 1}),
		states:  make(map[Handle]*errorState),
	}
}

const repeatLogThreshold = 65000

// observe folds one occurrence of err (classified as kind) into h's error
// state and reports whether this occurrence should be logged.
func (l *errorLog) observe(h Handle, kind string, err error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.states[h]
	now := time.Now()
	if !ok {
		st = &errorState{kind: kind, err: err, firstSeen: now}
		l.states[h] = st
		return true
	}

	changed := st.kind != kind
	st.kind = kind
	st.err = err
	st.repeat++

	if changed {
		return true
	}
	if st.repeat%repeatLogThreshold == 0 {
		return true
	}
	_, allowed := l.limiter.Allow(h)
	return allowed
}

// forget drops an object's error state, e.g. once it is unregistered.
func (l *errorLog) forget(h Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.states, h)
}
