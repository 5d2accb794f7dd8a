package jobs

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrBadTransition is returned when a requested state change does not
	// follow an edge of the job state machine.
	ErrBadTransition = errors.New("invalid job state transition")
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrTooManyJobs is returned by Add when the global job cap is reached.
	ErrTooManyJobs = errors.New("too many jobs")
)

// StateChange describes one committed transition, delivered to the hook the
// server installs so events and persistence follow every mutation.
type StateChange struct {
	Job   *Job
	From  State
	To    State
	Purge bool
}

// Store maintains every job known to the daemon in three access-ordered
// views: the full map, the active queue (state <= processing-stopped,
// ordered by priority then id) and the per-destination printing slot.
type Store struct {
	mu sync.Mutex

	// queueMu serializes whole passes over the queue. Request handlers
	// and the scheduler sweep read and write Job fields directly, so
	// only one of them runs at a time; mu above guards the container
	// views only.
	queueMu sync.Mutex

	nextID   int
	all      map[int]*Job
	active   []*Job
	printing map[string]*Job

	usage []usageRecord

	// MaxJobs caps the number of jobs kept in memory, zero means the
	// compiled-in default.
	MaxJobs int

	// OnChange, when set, is invoked after every committed state change,
	// outside the store lock.
	OnChange func(StateChange)

	// OnDirty, when set, is invoked whenever persisted state must be
	// rewritten (job added, mutated or removed).
	OnDirty func()

	dirty bool
}

const defaultMaxJobs = 500

// NewStore returns an empty job store with ids starting at 1.
func NewStore() *Store {
	return &Store{
		nextID:   1,
		all:      map[int]*Job{},
		printing: map[string]*Job{},
	}
}

// LockQueue takes the queue-wide lock. Every request pass and every
// scheduler sweep holds it for its whole duration.
func (s *Store) LockQueue() { s.queueMu.Lock() }

// UnlockQueue releases the queue-wide lock.
func (s *Store) UnlockQueue() { s.queueMu.Unlock() }

// SetNextID restores the id sequence after a reload. The sequence is only
// moved forward, never back.
func (s *Store) SetNextID(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id > s.nextID {
		s.nextID = id
	}
}

// NextID reports the id the next added job will receive.
func (s *Store) NextID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID
}

// Add allocates a new job in the held state (awaiting documents) with a
// fresh, monotonically increasing id and inserts it into the active queue in
// priority order.
func (s *Store) Add(dest, username, name string, priority int) (*Job, error) {
	if priority < 1 || priority > 100 {
		priority = 50
	}
	s.mu.Lock()
	max := s.MaxJobs
	if max <= 0 {
		max = defaultMaxJobs
	}
	if len(s.all) >= max {
		s.mu.Unlock()
		return nil, ErrTooManyJobs
	}
	j := &Job{
		ID:           s.nextID,
		Dest:         dest,
		Username:     username,
		Name:         name,
		Priority:     priority,
		State:        StateHeld,
		StateReasons: []string{"job-incoming"},
		CreatedAt:    time.Now(),
	}
	s.nextID++
	s.all[j.ID] = j
	s.insertActiveLocked(j)
	s.dirty = true
	s.mu.Unlock()
	s.markDirty()
	return j, nil
}

// Restore reinserts a job loaded from persistent state without assigning a
// new id or firing hooks.
func (s *Store) Restore(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.all[j.ID] = j
	if j.State.Active() {
		s.insertActiveLocked(j)
	}
	if j.State == StateProcessing {
		s.printing[j.Dest] = j
	}
	if j.ID >= s.nextID {
		s.nextID = j.ID + 1
	}
}

// Find returns the job with the given id, or nil.
func (s *Store) Find(id int) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.all[id]
}

// All returns a snapshot of every job, ordered by id.
func (s *Store) All() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.all))
	for _, j := range s.all {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Active returns the active queue in scheduling order: priority descending,
// then id ascending for equal priorities.
func (s *Store) Active() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, len(s.active))
	copy(out, s.active)
	return out
}

// Printing returns the job currently processing on dest, or nil.
func (s *Store) Printing(dest string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.printing[dest]
}

// CountActive returns the number of active jobs, optionally filtered by
// destination and/or user (empty string matches all).
func (s *Store) CountActive(dest, username string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.active {
		if dest != "" && j.Dest != dest {
			continue
		}
		if username != "" && j.Username != username {
			continue
		}
		n++
	}
	return n
}

// SetState validates and applies a state transition. Terminal transitions
// record the completion time and the job's resource usage for quota
// accounting; purge additionally removes the job entirely. The reason, when
// non-empty, replaces the job's state reasons.
func (s *Store) SetState(j *Job, to State, purge bool, format string, args ...interface{}) error {
	s.mu.Lock()
	from := j.State
	if from.Terminal() && !(purge && to == from) {
		s.mu.Unlock()
		return ErrBadTransition
	}
	if to != from && !validTransition(from, to) {
		s.mu.Unlock()
		return ErrBadTransition
	}

	j.State = to
	if format != "" {
		j.StateReasons = []string{fmt.Sprintf(format, args...)}
	}
	now := time.Now()
	switch to {
	case StateProcessing:
		if j.ProcessingAt.IsZero() {
			j.ProcessingAt = now
		}
		s.printing[j.Dest] = j
	case StateCanceled, StateAborted, StateCompleted:
		s.removeActiveLocked(j)
		if s.printing[j.Dest] == j {
			delete(s.printing, j.Dest)
		}
		if from != to {
			j.CompletedAt = now
			j.DocDeadline = time.Time{}
			s.usage = append(s.usage, usageRecord{
				Dest:     j.Dest,
				Username: j.Username,
				KOctets:  j.KOctets,
				Pages:    j.Impressions,
				When:     now,
			})
		}
	default:
		if s.printing[j.Dest] == j {
			delete(s.printing, j.Dest)
		}
	}
	if purge {
		delete(s.all, j.ID)
		s.removeActiveLocked(j)
	}
	s.dirty = true
	s.mu.Unlock()

	s.markDirty()
	if s.OnChange != nil {
		s.OnChange(StateChange{Job: j, From: from, To: to, Purge: purge})
	}
	return nil
}

// Purge removes a terminal job and its bookkeeping without a further state
// transition. Callers are responsible for deleting spool files.
func (s *Store) Purge(j *Job) {
	s.mu.Lock()
	delete(s.all, j.ID)
	s.removeActiveLocked(j)
	if s.printing[j.Dest] == j {
		delete(s.printing, j.Dest)
	}
	s.dirty = true
	s.mu.Unlock()
	s.markDirty()
}

// AddFile appends a document to the job's ordered file list. A failure to
// record the file is fatal for the job: a job with an inconsistent file list
// cannot be printed, so the job is aborted immediately.
func (s *Store) AddFile(j *Job, name, path, format, compression string, size int64) (Document, error) {
	s.mu.Lock()
	if j.State.Terminal() {
		s.mu.Unlock()
		return Document{}, ErrBadTransition
	}
	doc := Document{
		Number:      len(j.Documents) + 1,
		Name:        name,
		Path:        path,
		Format:      format,
		Compression: compression,
		SizeBytes:   size,
	}
	j.Documents = append(j.Documents, doc)
	j.KOctets += int((size + 1023) / 1024)
	s.dirty = true
	s.mu.Unlock()
	s.markDirty()
	return doc, nil
}

// SetDocDeadline stamps the Send-Document deadline on a job created via
// Create-Job. The periodic sweep closes the job when the deadline passes.
func (s *Store) SetDocDeadline(j *Job, t time.Time) {
	s.mu.Lock()
	j.DocDeadline = t
	s.mu.Unlock()
}

// SetPriority changes a job's priority and reorders the active queue.
func (s *Store) SetPriority(j *Job, priority int) {
	s.mu.Lock()
	j.Priority = priority
	if j.State.Active() {
		s.removeActiveLocked(j)
		s.insertActiveLocked(j)
	}
	s.dirty = true
	s.mu.Unlock()
	s.markDirty()
}

// Move reassigns a job to another destination. A processing job drops back
// to pending so dispatch re-evaluates it against the new queue's backend.
func (s *Store) Move(j *Job, dest string) error {
	s.mu.Lock()
	if s.printing[j.Dest] == j {
		delete(s.printing, j.Dest)
	}
	j.Dest = dest
	processing := j.State == StateProcessing
	s.dirty = true
	s.mu.Unlock()
	s.markDirty()
	if processing {
		return s.SetState(j, StatePending, false, "none")
	}
	return nil
}

// Close marks the job as fully submitted: the document deadline is cleared
// and, unless a hold keeps it back, the job moves to pending.
func (s *Store) Close(j *Job) error {
	s.mu.Lock()
	j.DocDeadline = time.Time{}
	hold := j.HoldUntil != "" && j.HoldUntil != "no-hold"
	s.mu.Unlock()
	if hold {
		return s.SetState(j, StateHeld, false, "job-hold-until-specified")
	}
	return s.SetState(j, StatePending, false, "none")
}

// ExpiredCreations returns jobs still awaiting documents whose deadline has
// passed. The periodic sweep closes these with whatever documents arrived.
func (s *Store) ExpiredCreations(now time.Time) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, j := range s.active {
		if !j.DocDeadline.IsZero() && now.After(j.DocDeadline) {
			out = append(out, j)
		}
	}
	return out
}

// Dirty reports and clears the persistence-dirty flag.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.dirty
	s.dirty = false
	return d
}

func (s *Store) markDirty() {
	if s.OnDirty != nil {
		s.OnDirty()
	}
}

func (s *Store) insertActiveLocked(j *Job) {
	idx := sort.Search(len(s.active), func(i int) bool {
		a := s.active[i]
		if a.Priority != j.Priority {
			return a.Priority < j.Priority
		}
		return a.ID > j.ID
	})
	s.active = append(s.active, nil)
	copy(s.active[idx+1:], s.active[idx:])
	s.active[idx] = j
}

func (s *Store) removeActiveLocked(j *Job) {
	for i, a := range s.active {
		if a == j {
			s.active = append(s.active[:i], s.active[i+1:]...)
			return
		}
	}
}
