package live

import "sync"

// Switcher owns the Sync of the subject currently on screen. Opening another
// subject tears the previous one down first, so nothing of the old subject
// can reach the new tree.
type Switcher struct {
	deps Deps
	opts Options

	mu      sync.Mutex
	current *Sync
}

func NewSwitcher(deps Deps, opts Options) *Switcher {
	return &Switcher{deps: deps, opts: opts}
}

// Open activates subjectID. Reopening the active subject returns the running
// Sync unchanged.
func (w *Switcher) Open(subjectID string) *Sync {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current != nil {
		if w.current.SubjectID() == subjectID {
			return w.current
		}
		w.current.Close()
		w.current = nil
	}
	w.current = New(subjectID, w.deps, w.opts)
	return w.current
}

// Current is the active Sync, nil when nothing is open.
func (w *Switcher) Current() *Sync {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Switcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current != nil {
		w.current.Close()
		w.current = nil
	}
}
