package transcode

import (
	"sync"
	"time"

	"torrentcast/internal/domain"
)

type entry struct {
	state  domain.TranscodeState
	active int
}

// Registry tracks transcode progress per (session, file, track). Progress
// only moves forward while an entry lives; Invalidate drops it.
type Registry struct {
	mu      sync.RWMutex
	entries map[domain.TranscodeKey]*entry
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[domain.TranscodeKey]*entry),
		now:     time.Now,
	}
}

// Begin marks a live pipe as attached to key and returns the current state.
func (r *Registry) Begin(key domain.TranscodeKey) domain.TranscodeState {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{state: domain.TranscodeState{Key: key, StartedAt: now}}
		r.entries[key] = e
	}
	e.active++
	e.state.Err = ""
	e.state.UpdatedAt = now
	return e.state
}

// Update raises progress for key. Lower values are ignored, as is anything
// after completion.
func (r *Registry) Update(key domain.TranscodeKey, progress float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok || e.state.Completed {
		return
	}
	if progress > 100 {
		progress = 100
	}
	if progress <= e.state.Progress {
		return
	}
	e.state.Progress = progress
	e.state.UpdatedAt = r.now()
}

func (r *Registry) Complete(key domain.TranscodeKey) {
	r.finish(key, func(s *domain.TranscodeState) {
		s.Progress = 100
		s.Completed = true
		s.Err = ""
	})
}

func (r *Registry) Fail(key domain.TranscodeKey, err error) {
	r.finish(key, func(s *domain.TranscodeState) {
		if err != nil && !s.Completed {
			s.Err = err.Error()
		}
	})
}

// Release detaches a pipe that stopped without a verdict, e.g. a client
// that went away.
func (r *Registry) Release(key domain.TranscodeKey) {
	r.finish(key, nil)
}

func (r *Registry) finish(key domain.TranscodeKey, apply func(*domain.TranscodeState)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return
	}
	if e.active > 0 {
		e.active--
	}
	if apply != nil {
		apply(&e.state)
	}
	e.state.UpdatedAt = r.now()
}

// Lookup returns the state for one exact key.
func (r *Registry) Lookup(key domain.TranscodeKey) (domain.TranscodeState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok {
		return domain.TranscodeState{}, false
	}
	return e.state, true
}

// Get folds all tracks of a file into one file-level state. Progress is the
// furthest any track got, so a second track attaching or the leading one
// finishing never lowers it. Any completed track completes the file.
func (r *Registry) Get(sid domain.SessionID, fileIndex int) (domain.TranscodeState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agg := domain.TranscodeState{Key: domain.TranscodeKey{SessionID: sid, FileIndex: fileIndex, Track: domain.FileTrack}}
	found := false
	for key, e := range r.entries {
		if key.SessionID != sid || key.FileIndex != fileIndex {
			continue
		}
		st := e.state
		if !found || st.StartedAt.Before(agg.StartedAt) {
			agg.StartedAt = st.StartedAt
		}
		if !found || st.UpdatedAt.After(agg.UpdatedAt) {
			agg.UpdatedAt = st.UpdatedAt
			agg.Err = st.Err
		}
		if st.Progress > agg.Progress {
			agg.Progress = st.Progress
		}
		if st.Completed {
			agg.Completed = true
		}
		found = true
	}
	if agg.Completed {
		agg.Progress = 100
		agg.Err = ""
	}
	return agg, found
}

// Attached reports whether any live pipe is running for the file.
func (r *Registry) Attached(sid domain.SessionID, fileIndex int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for key, e := range r.entries {
		if key.SessionID == sid && key.FileIndex == fileIndex && e.active > 0 {
			return true
		}
	}
	return false
}

// Active counts attached pipes across all keys.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		n += e.active
	}
	return n
}

func (r *Registry) Invalidate(sid domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.entries {
		if key.SessionID == sid {
			delete(r.entries, key)
		}
	}
}
