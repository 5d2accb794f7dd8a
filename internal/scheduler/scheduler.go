// Package scheduler runs the periodic sweep that moves jobs through the
// queue: releasing holds, dispatching pending work to backends, applying
// error policies, expiring leases and flushing dirty state to disk.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"printd/internal/backend"
	"printd/internal/config"
	"printd/internal/ippattr"
	"printd/internal/jobs"
	"printd/internal/logging"
	"printd/internal/notify"
	"printd/internal/registry"
	"printd/internal/spool"
	"printd/internal/store"
)

type Scheduler struct {
	Config *config.Config
	Jobs   *jobs.Store
	Reg    *registry.Registry
	Bus    *notify.Bus
	Spool  spool.Spool
	Log    *logging.Manager

	// DB, when set, receives the dirty in-memory state at the end of
	// each sweep.
	DB *store.Store

	Interval time.Duration

	// Send delivers one document; tests replace it.
	Send func(ctx context.Context, req backend.Request) error

	stop     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	retryAt  map[int]time.Time
	filesRem map[int]bool
}

// Start launches the sweep loop. Stop or cancellation of ctx ends it.
func (s *Scheduler) Start(ctx context.Context) {
	if s.Interval <= 0 {
		s.Interval = 2 * time.Second
	}
	if s.Send == nil {
		s.Send = backend.Send
	}
	s.stop = make(chan struct{})
	s.retryAt = map[int]time.Time{}
	s.filesRem = map[int]bool{}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx, time.Now())
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	if s.stop != nil {
		close(s.stop)
	}
	s.wg.Wait()
}

// Sweep runs one pass of every periodic duty. It is exported so the
// dispatcher can force a pass after a mutating operation.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) {
	if s.retryAt == nil {
		s.retryAt = map[int]time.Time{}
	}
	if s.filesRem == nil {
		s.filesRem = map[int]bool{}
	}
	if s.Send == nil {
		s.Send = backend.Send
	}

	// The sweep reads and writes Job fields alongside the request
	// handlers, so it takes the same queue-wide lock they do.
	s.Jobs.LockQueue()
	defer s.Jobs.UnlockQueue()

	s.closeExpiredCreations(now)
	s.releaseHolds(now)
	s.enforceMaxJobTime(now)
	s.dispatch(ctx, now)
	s.cleanTerminalJobs(now)
	s.Bus.Expire(now)
	s.flush(ctx)
}

// closeExpiredCreations finalizes jobs whose Send-Document window ran
// out: a job with at least one document prints with what it has, an
// empty one is aborted.
func (s *Scheduler) closeExpiredCreations(now time.Time) {
	for _, j := range s.Jobs.ExpiredCreations(now) {
		if len(j.Documents) > 0 {
			s.Log.JobInfof(j.ID, "document timeout, printing %d received document(s)", len(j.Documents))
			if err := s.Jobs.Close(j); err != nil {
				s.Log.JobErrorf(j.ID, "close after timeout: %v", err)
			}
			continue
		}
		s.Log.JobInfof(j.ID, "document timeout with no documents, aborting")
		_ = s.Jobs.SetState(j, jobs.StateAborted, false, "aborted-by-system")
	}
}

func (s *Scheduler) releaseHolds(now time.Time) {
	for _, j := range s.Jobs.Active() {
		if j.State != jobs.StateHeld || !j.DocDeadline.IsZero() {
			continue
		}
		if !jobs.HoldExpired(j, now) {
			continue
		}
		s.Log.JobDebugf(j.ID, "hold released")
		_ = s.Jobs.SetState(j, jobs.StatePending, false, "none")
	}
}

func (s *Scheduler) enforceMaxJobTime(now time.Time) {
	if s.Config.MaxJobTime <= 0 {
		return
	}
	limit := time.Duration(s.Config.MaxJobTime) * time.Second
	for _, j := range s.Jobs.Active() {
		if j.State != jobs.StateProcessing || j.ProcessingAt.IsZero() {
			continue
		}
		if now.Sub(j.ProcessingAt) > limit {
			s.Log.JobErrorf(j.ID, "exceeded MaxJobTime, canceling")
			_ = s.Jobs.SetState(j, jobs.StateCanceled, false, "job-canceled-at-device")
		}
	}
}

// dispatch claims pending jobs in queue order and delivers them, one job
// per destination at a time.
func (s *Scheduler) dispatch(ctx context.Context, now time.Time) {
	for _, j := range s.Jobs.Active() {
		if j.State != jobs.StatePending {
			continue
		}
		s.mu.Lock()
		retry, held := s.retryAt[j.ID]
		s.mu.Unlock()
		if held && now.Before(retry) {
			continue
		}

		dest, err := s.Reg.Get(j.Dest)
		if err != nil {
			s.Log.JobErrorf(j.ID, "destination %q is gone, aborting", j.Dest)
			_ = s.Jobs.SetState(j, jobs.StateAborted, false, "aborted-by-system")
			continue
		}
		printer := dest
		if dest.Snapshot().IsClass {
			printer, err = s.Reg.NextMember(dest)
			if err != nil {
				continue
			}
		}
		snap := printer.Snapshot()
		if snap.State == registry.StateStopped {
			continue
		}
		if s.Jobs.Printing(snap.Name) != nil || s.Jobs.Printing(j.Dest) != nil {
			continue
		}

		if err := s.Jobs.SetState(j, jobs.StateProcessing, false, "job-printing"); err != nil {
			continue
		}
		printer.SetState(registry.StateProcessing, fmt.Sprintf("Printing job %d", j.ID))
		s.publishPrinterState(snap.Name, registry.StateProcessing)

		s.deliver(ctx, j, dest, printer)
	}
}

func (s *Scheduler) deliver(ctx context.Context, j *jobs.Job, dest, printer *registry.Destination) {
	snap := printer.Snapshot()
	copies, _ := ippattr.Int(j.Attrs, "copies")
	if copies < 1 {
		copies = 1
	}

	var err error
	for _, doc := range j.Documents {
		err = s.Send(ctx, backend.Request{
			DeviceURI: snap.DeviceURI,
			DocPath:   doc.Path,
			Format:    doc.Format,
			JobID:     j.ID,
			User:      j.Username,
			Title:     j.Name,
			Copies:    copies,
			ServerBin: s.Config.ServerBin,
		})
		if err != nil {
			break
		}
	}

	if err == nil {
		pages := j.Impressions
		if pages == 0 {
			pages = len(j.Documents)
			j.Impressions = pages
		}
		_ = s.Jobs.SetState(j, jobs.StateCompleted, false, "job-completed-successfully")
		s.mu.Lock()
		delete(s.retryAt, j.ID)
		s.mu.Unlock()
		s.Log.JobInfof(j.ID, "completed on %s", snap.Name)
		s.Log.Page(logging.PageLine(snap.Name, j.Username, j.ID, pages, copies, j.Name))
		printer.SetState(registry.StateIdle, "")
		s.publishPrinterState(snap.Name, registry.StateIdle)
		return
	}

	s.Log.JobErrorf(j.ID, "backend failed on %s: %v", snap.Name, err)
	s.applyErrorPolicy(j, dest, printer, err)
}

// applyErrorPolicy decides what a backend failure does to the job and
// the printer. Retryable failures requeue the job within the retry
// budget; fatal ones follow the destination's error policy.
func (s *Scheduler) applyErrorPolicy(j *jobs.Job, dest, printer *registry.Destination, cause error) {
	snap := printer.Snapshot()
	policy := dest.Snapshot().ErrorPolicy
	if policy == "" {
		policy = s.Config.ErrorPolicy
	}

	if errors.Is(cause, backend.ErrRetryable) || policy == "retry-job" || policy == "retry-current-job" {
		j.RetryCount++
		if j.RetryCount > s.Config.JobRetryLimit {
			s.Log.JobErrorf(j.ID, "retry limit reached, aborting")
			_ = s.Jobs.SetState(j, jobs.StateAborted, false, "aborted-by-system")
		} else {
			s.mu.Lock()
			s.retryAt[j.ID] = time.Now().Add(time.Duration(s.Config.JobRetryInterval) * time.Second)
			s.mu.Unlock()
			s.Log.JobInfof(j.ID, "requeued, attempt %d of %d", j.RetryCount, s.Config.JobRetryLimit)
			_ = s.Jobs.SetState(j, jobs.StatePending, false, "none")
		}
		printer.SetState(registry.StateIdle, "")
		s.publishPrinterState(snap.Name, registry.StateIdle)
		return
	}

	switch policy {
	case "abort-job":
		_ = s.Jobs.SetState(j, jobs.StateAborted, false, "aborted-by-system")
		printer.SetState(registry.StateIdle, "")
		s.publishPrinterState(snap.Name, registry.StateIdle)
	default: // stop-printer
		_ = s.Jobs.SetState(j, jobs.StatePending, false, "printer-stopped")
		printer.SetState(registry.StateStopped, "Backend failed: "+cause.Error())
		s.publishPrinterState(snap.Name, registry.StateStopped)
		s.Bus.Publish(notify.Event{
			Kind:         notify.EventPrinterStopped,
			DestName:     snap.Name,
			PrinterState: registry.StateStopped,
			Text:         fmt.Sprintf("Printer %q stopped", snap.Name),
			Time:         time.Now(),
		})
	}
}

func (s *Scheduler) publishPrinterState(name string, state int) {
	s.Bus.Publish(notify.Event{
		Kind:         notify.EventPrinterStateChanged,
		DestName:     name,
		PrinterState: state,
		Text:         fmt.Sprintf("Printer %q state changed", name),
		Time:         time.Now(),
	})
}

// cleanTerminalJobs applies the retention windows: spool files go first,
// then the job record itself.
func (s *Scheduler) cleanTerminalJobs(now time.Time) {
	history := time.Duration(s.Config.PreserveJobHistory) * time.Second
	files := time.Duration(s.Config.PreserveJobFiles) * time.Second

	for _, j := range s.Jobs.All() {
		if !j.State.Terminal() || j.CompletedAt.IsZero() {
			continue
		}
		age := now.Sub(j.CompletedAt)

		s.mu.Lock()
		removed := s.filesRem[j.ID]
		s.mu.Unlock()
		if !removed && age > files {
			if err := s.Spool.Remove(j.ID); err != nil {
				s.Log.JobErrorf(j.ID, "removing spool files: %v", err)
			}
			s.mu.Lock()
			s.filesRem[j.ID] = true
			s.mu.Unlock()
		}
		if age > history {
			s.Jobs.Purge(j)
			s.Bus.DropJob(j.ID)
			s.mu.Lock()
			delete(s.filesRem, j.ID)
			delete(s.retryAt, j.ID)
			s.mu.Unlock()
		}
	}
}

// flush rewrites persisted state when anything changed since the last
// sweep.
func (s *Scheduler) flush(ctx context.Context) {
	if s.DB == nil || !s.DB.TakeDirty() {
		return
	}
	if err := s.DB.SaveJobs(ctx, s.Jobs.All()); err != nil {
		s.Log.Errorf("persisting jobs: %v", err)
	}
	if err := s.DB.SavePrinters(ctx, s.Reg.Snapshots()); err != nil {
		s.Log.Errorf("persisting printers: %v", err)
	}
	if err := s.DB.SaveSubscriptions(ctx, s.Bus.All()); err != nil {
		s.Log.Errorf("persisting subscriptions: %v", err)
	}
}
