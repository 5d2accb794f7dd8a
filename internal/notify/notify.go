// Package notify implements IPP event subscriptions: standing registrations
// that accumulate sequence-numbered event records as jobs and printers change
// state, for later pull via Get-Notifications or push to a notifier helper.
package notify

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// EventKind is a bit in a subscription's event mask.
type EventKind uint32

const (
	EventPrinterStateChanged EventKind = 1 << iota
	EventPrinterRestarted
	EventPrinterShutdown
	EventPrinterStopped
	EventPrinterConfigChanged
	EventPrinterAdded
	EventPrinterDeleted
	EventPrinterModified
	EventJobStateChanged
	EventJobCreated
	EventJobCompleted
	EventJobStopped
	EventJobConfigChanged
	EventJobProgress
	EventServerRestarted
	EventServerStarted
	EventServerStopped
	EventServerAudit

	EventPrinterAll EventKind = EventPrinterStateChanged | EventPrinterRestarted |
		EventPrinterShutdown | EventPrinterStopped | EventPrinterConfigChanged |
		EventPrinterAdded | EventPrinterDeleted | EventPrinterModified
	EventJobAll EventKind = EventJobStateChanged | EventJobCreated |
		EventJobCompleted | EventJobStopped | EventJobConfigChanged | EventJobProgress
	EventAll EventKind = 0xFFFFFFFF
)

var eventNames = map[EventKind]string{
	EventPrinterStateChanged:  "printer-state-changed",
	EventPrinterRestarted:     "printer-restarted",
	EventPrinterShutdown:      "printer-shutdown",
	EventPrinterStopped:       "printer-stopped",
	EventPrinterConfigChanged: "printer-config-changed",
	EventPrinterAdded:         "printer-added",
	EventPrinterDeleted:       "printer-deleted",
	EventPrinterModified:      "printer-modified",
	EventJobStateChanged:      "job-state-changed",
	EventJobCreated:           "job-created",
	EventJobCompleted:         "job-completed",
	EventJobStopped:           "job-stopped",
	EventJobConfigChanged:     "job-config-changed",
	EventJobProgress:          "job-progress",
	EventServerRestarted:      "server-restarted",
	EventServerStarted:        "server-started",
	EventServerStopped:        "server-stopped",
	EventServerAudit:          "server-audit",
}

// ParseEvents maps notify-events keywords to a mask. Unknown keywords are
// reported so the handler can return them in the unsupported group.
func ParseEvents(keywords []string) (EventKind, []string) {
	var mask EventKind
	var unknown []string
	for _, kw := range keywords {
		switch kw {
		case "all":
			mask |= EventAll
			continue
		case "printer-state-changed-all", "printer-all":
			mask |= EventPrinterAll
			continue
		case "job-all":
			mask |= EventJobAll
			continue
		}
		found := false
		for bit, name := range eventNames {
			if name == kw {
				mask |= bit
				found = true
				break
			}
		}
		if !found {
			unknown = append(unknown, kw)
		}
	}
	return mask, unknown
}

// Keywords renders a mask back to notify-events keywords, sorted by bit.
func (k EventKind) Keywords() []string {
	if k == EventAll {
		return []string{"all"}
	}
	var out []string
	for bit := EventKind(1); bit != 0 && bit <= EventServerAudit; bit <<= 1 {
		if k&bit != 0 {
			out = append(out, eventNames[bit])
		}
	}
	return out
}

// Name returns the keyword for a single event kind.
func (k EventKind) Name() string {
	if n, ok := eventNames[k]; ok {
		return n
	}
	return fmt.Sprintf("event-%#x", uint32(k))
}

// Event is one record in a subscription's log.
type Event struct {
	Seq          int
	Kind         EventKind
	DestName     string
	JobID        int
	JobState     int
	PrinterState int
	Text         string
	Time         time.Time
}

// Subscription is one standing notification request. Target is exactly one
// of: a job (JobID > 0), a destination (DestName set), or the whole server
// (neither set).
type Subscription struct {
	ID         int
	Owner      string
	Events     EventKind
	DestName   string
	JobID      int
	Recipient  string
	PullMethod string
	UserData   []byte
	Charset    string
	Language   string

	Lease     time.Duration
	ExpiresAt time.Time
	Interval  time.Duration
	CreatedAt time.Time

	nextSeq int
	log     []Event
	lastAt  time.Time
}

// NextSeq is the sequence number the next event will receive.
func (s *Subscription) NextSeq() int { return s.nextSeq }

// Snapshot of the event log for persistence.
func (s *Subscription) Log() []Event { return append([]Event(nil), s.log...) }

var (
	ErrNotFound  = errors.New("subscription not found")
	ErrBadScheme = errors.New("unsupported notify-recipient-uri scheme")
	ErrTooMany   = errors.New("too many subscriptions")
)

const (
	defaultLease    = 86400 * time.Second
	defaultMaxSubs  = 100
	maxLogPerSub    = 100
	defaultPullWait = 60 * time.Second
)

// Bus owns all subscriptions and fans events out to those whose mask and
// target match. Callers hold no locks when invoking Bus methods.
type Bus struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]*Subscription
	schemes map[string]bool
	MaxSubs int

	// OnDirty fires after every mutation so persistence can flush.
	OnDirty func()
}

// NewBus returns a bus accepting push recipients for the given URI schemes.
func NewBus(schemes ...string) *Bus {
	m := map[string]bool{}
	for _, s := range schemes {
		m[strings.ToLower(s)] = true
	}
	return &Bus{nextID: 1, subs: map[int]*Subscription{}, schemes: m, MaxSubs: defaultMaxSubs}
}

// ValidateRecipient checks a push recipient URI against the installed
// notifier schemes. An empty URI means a pull subscription and is valid.
func (b *Bus) ValidateRecipient(uri string) error {
	if uri == "" {
		return nil
	}
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" {
		return ErrBadScheme
	}
	b.mu.Lock()
	ok := b.schemes[strings.ToLower(u.Scheme)]
	b.mu.Unlock()
	if !ok {
		return ErrBadScheme
	}
	return nil
}

// Create registers a subscription and returns it with its id assigned.
// A zero lease gets the server default unless the subscription is tied to a
// job, in which case it lives until the job is destroyed.
func (b *Bus) Create(sub *Subscription) (*Subscription, error) {
	if err := b.ValidateRecipient(sub.Recipient); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subs) >= b.MaxSubs {
		return nil, ErrTooMany
	}
	sub.ID = b.nextID
	b.nextID++
	sub.CreatedAt = time.Now()
	sub.nextSeq = 1
	if sub.JobID == 0 {
		if sub.Lease <= 0 {
			sub.Lease = defaultLease
		}
		sub.ExpiresAt = sub.CreatedAt.Add(sub.Lease)
	}
	b.subs[sub.ID] = sub
	b.dirtyLocked()
	return sub, nil
}

// Restore re-adds a persisted subscription, keeping ids monotonic.
func (b *Bus) Restore(sub *Subscription, nextSeq int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if nextSeq < 1 {
		nextSeq = 1
	}
	sub.nextSeq = nextSeq
	b.subs[sub.ID] = sub
	if sub.ID >= b.nextID {
		b.nextID = sub.ID + 1
	}
}

// Get returns a live subscription by id, reaping it first if expired.
func (b *Bus) Get(id int) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if b.expiredLocked(sub, time.Now()) {
		delete(b.subs, id)
		b.dirtyLocked()
		return nil, ErrNotFound
	}
	return sub, nil
}

// Cancel removes a subscription.
func (b *Bus) Cancel(id int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return ErrNotFound
	}
	delete(b.subs, id)
	b.dirtyLocked()
	return nil
}

// Renew extends a subscription's lease from now. Job subscriptions have no
// lease and renew to a no-op.
func (b *Bus) Renew(id int, lease time.Duration) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok || b.expiredLocked(sub, time.Now()) {
		delete(b.subs, id)
		return nil, ErrNotFound
	}
	if sub.JobID != 0 {
		return sub, nil
	}
	if lease <= 0 {
		lease = defaultLease
	}
	sub.Lease = lease
	sub.ExpiresAt = time.Now().Add(lease)
	b.dirtyLocked()
	return sub, nil
}

// All returns live subscriptions sorted by id, reaping expired ones.
func (b *Bus) All() []*Subscription {
	return b.forTarget(func(*Subscription) bool { return true })
}

// ForDest returns live subscriptions targeting one destination.
func (b *Bus) ForDest(name string) []*Subscription {
	return b.forTarget(func(s *Subscription) bool {
		return strings.EqualFold(s.DestName, name) && s.JobID == 0
	})
}

// ForJob returns live subscriptions targeting one job.
func (b *Bus) ForJob(id int) []*Subscription {
	return b.forTarget(func(s *Subscription) bool { return s.JobID == id })
}

func (b *Bus) forTarget(match func(*Subscription) bool) []*Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reapLocked(time.Now())
	var out []*Subscription
	for _, s := range b.subs {
		if match(s) {
			out = append(out, s)
		}
	}
	sortSubs(out)
	return out
}

// Publish appends ev to every live subscription whose mask contains ev.Kind
// and whose target matches. Event sequence numbers are per subscription.
func (b *Bus) Publish(ev Event) {
	now := time.Now()
	if ev.Time.IsZero() {
		ev.Time = now
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	changed := false
	for id, sub := range b.subs {
		if b.expiredLocked(sub, now) {
			delete(b.subs, id)
			changed = true
			continue
		}
		if sub.Events&ev.Kind == 0 {
			continue
		}
		if !b.targetsLocked(sub, ev) {
			continue
		}
		if sub.Interval > 0 && len(sub.log) > 0 && now.Sub(sub.lastAt) < sub.Interval {
			// Within the throttle window the latest state replaces the
			// pending record; its sequence number is kept.
			last := &sub.log[len(sub.log)-1]
			seq := last.Seq
			*last = ev
			last.Seq = seq
			changed = true
			continue
		}
		rec := ev
		rec.Seq = sub.nextSeq
		sub.nextSeq++
		sub.log = append(sub.log, rec)
		if len(sub.log) > maxLogPerSub {
			sub.log = sub.log[len(sub.log)-maxLogPerSub:]
		}
		sub.lastAt = now
		changed = true
	}
	if changed {
		b.dirtyLocked()
	}
}

// EventsSince returns the events of one subscription with sequence numbers
// >= since, plus the suggested wait before the next poll.
func (b *Bus) EventsSince(id, since int) ([]Event, time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return nil, 0, ErrNotFound
	}
	if b.expiredLocked(sub, time.Now()) {
		delete(b.subs, id)
		b.dirtyLocked()
		return nil, 0, ErrNotFound
	}
	var out []Event
	for _, ev := range sub.log {
		if ev.Seq >= since {
			out = append(out, ev)
		}
	}
	wait := defaultPullWait
	if sub.Interval > 0 {
		wait = sub.Interval
	}
	return out, wait, nil
}

// DropJob deletes all subscriptions tied to the given job.
func (b *Bus) DropJob(jobID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	changed := false
	for id, sub := range b.subs {
		if sub.JobID == jobID {
			delete(b.subs, id)
			changed = true
		}
	}
	if changed {
		b.dirtyLocked()
	}
}

// DropDest deletes all subscriptions tied to the given destination.
func (b *Bus) DropDest(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	changed := false
	for id, sub := range b.subs {
		if strings.EqualFold(sub.DestName, name) {
			delete(b.subs, id)
			changed = true
		}
	}
	if changed {
		b.dirtyLocked()
	}
}

// Expire reaps every subscription whose lease has elapsed. The scheduler
// calls this periodically; Get/All/EventsSince also reap lazily.
func (b *Bus) Expire(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.reapLocked(now)
	if n > 0 {
		b.dirtyLocked()
	}
	return n
}

func (b *Bus) reapLocked(now time.Time) int {
	n := 0
	for id, sub := range b.subs {
		if b.expiredLocked(sub, now) {
			delete(b.subs, id)
			n++
		}
	}
	return n
}

func (b *Bus) expiredLocked(sub *Subscription, now time.Time) bool {
	return !sub.ExpiresAt.IsZero() && now.After(sub.ExpiresAt)
}

func (b *Bus) targetsLocked(sub *Subscription, ev Event) bool {
	if sub.JobID != 0 {
		return sub.JobID == ev.JobID
	}
	if sub.DestName != "" {
		return strings.EqualFold(sub.DestName, ev.DestName)
	}
	return true
}

func (b *Bus) dirtyLocked() {
	if b.OnDirty != nil {
		b.OnDirty()
	}
}

func sortSubs(subs []*Subscription) {
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
}
