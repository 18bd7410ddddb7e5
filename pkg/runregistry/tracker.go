package runregistry

import (
	"context"
	"os"
	"sync"
	"time"
)

// DefaultHeartbeat is how often a running run refreshes run.json.
const DefaultHeartbeat = 30 * time.Second

// Tracker owns the in-memory copy of a live run's record. Every mutation
// goes through it so the heartbeat and the pipeline never race.
type Tracker struct {
	store *Store

	mu  sync.Mutex
	rec RunRecord
}

// Begin writes rec as running (stamping start time, heartbeat and pid when
// unset) and returns its tracker.
func Begin(store *Store, rec RunRecord) (*Tracker, error) {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.State = RunStateRunning
	rec.StartedAt = &now
	rec.LastHeartbeat = &now
	if rec.PID == 0 {
		rec.PID = os.Getpid()
	}
	t := &Tracker{store: store, rec: rec}
	if err := store.Write(&rec); err != nil {
		return nil, err
	}
	return t, nil
}

// Snapshot returns a copy of the current record.
func (t *Tracker) Snapshot() RunRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.rec
	rec.Stages = append([]StageSummary(nil), t.rec.Stages...)
	return rec
}

// Update applies fn and persists the result.
func (t *Tracker) Update(fn func(*RunRecord)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.rec)
	rec := t.rec
	return t.store.Write(&rec)
}

// AddStage appends a stage tally.
func (t *Tracker) AddStage(s StageSummary) error {
	return t.Update(func(r *RunRecord) { r.Stages = append(r.Stages, s) })
}

// Finish records the terminal state.
func (t *Tracker) Finish(state RunState, runErr error) error {
	return t.Update(func(r *RunRecord) {
		now := time.Now().UTC()
		r.State = state
		r.EndedAt = &now
		r.LastHeartbeat = &now
		if runErr != nil {
			r.Error = runErr.Error()
		}
	})
}

// Heartbeat refreshes LastHeartbeat every interval until ctx ends or the
// returned stop function is called.
func (t *Tracker) Heartbeat(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = DefaultHeartbeat
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	stopped := make(chan struct{})
	var once sync.Once

	go func() {
		defer close(stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				_ = t.Update(func(r *RunRecord) {
					now := time.Now().UTC()
					r.LastHeartbeat = &now
				})
			}
		}
	}()

	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
			<-stopped
		})
	}
}
