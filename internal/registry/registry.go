package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Printer states follow the IPP printer-state enum.
const (
	StateIdle       = 3
	StateProcessing = 4
	StateStopped    = 5
)

// Destination type bits, modeled on the CUPS printer-type bitfield.
const (
	TypeClass   = 1 << 0
	TypeColor   = 1 << 3
	TypeDuplex  = 1 << 4
	TypeStaple  = 1 << 5
	TypeCollate = 1 << 7
	TypePunch   = 1 << 8
	TypeRemote  = 1 << 12
)

var (
	// ErrNotFound is returned for unknown destination names.
	ErrNotFound = errors.New("destination not found")
	// ErrExists is returned when adding a destination whose name is taken.
	ErrExists = errors.New("destination already exists")
	// ErrNestedClass rejects a class member that is itself a class.
	ErrNestedClass = errors.New("classes cannot contain classes")
	// ErrUnknownMember rejects a class member that does not exist.
	ErrUnknownMember = errors.New("unknown class member")
)

// Destination is one printer or class. Fields are guarded by the embedded
// lock: the dispatcher's handlers are the only writers except for the
// local-printer background probe, which posts results through the same
// methods rather than touching fields directly.
type Destination struct {
	mu sync.RWMutex

	Name         string
	IsClass      bool
	TypeBits     int
	DeviceURI    string
	PPDName      string
	Info         string
	Location     string
	GeoLocation  string
	Organization string

	Accepting bool
	Shared    bool
	IsDefault bool
	Temporary bool

	State        int
	StateMessage string
	StateReasons []string
	StateTime    time.Time

	DefaultOptions map[string]string
	JobSheets      string
	OpPolicy       string
	ErrorPolicy    string

	AllowUsers []string
	DenyUsers  []string

	QuotaPeriod time.Duration
	KLimit      int
	PageLimit   int

	// Members holds class member printer names; nextMember is the
	// round-robin pointer for class job dispatch.
	Members    []string
	nextMember int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Snapshot is a plain copy of a destination's fields, safe to hold across
// response building without the lock.
type Snapshot struct {
	Name         string
	IsClass      bool
	TypeBits     int
	DeviceURI    string
	PPDName      string
	Info         string
	Location     string
	GeoLocation  string
	Organization string

	Accepting bool
	Shared    bool
	IsDefault bool
	Temporary bool

	State        int
	StateMessage string
	StateReasons []string
	StateTime    time.Time

	DefaultOptions map[string]string
	JobSheets      string
	OpPolicy       string
	ErrorPolicy    string

	AllowUsers []string
	DenyUsers  []string

	QuotaPeriod time.Duration
	KLimit      int
	PageLimit   int

	Members []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Snapshot returns a copy of the destination's mutable fields for reading
// without holding the lock across response building.
func (d *Destination) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := Snapshot{}
	out.Name = d.Name
	out.IsClass = d.IsClass
	out.TypeBits = d.TypeBits
	out.DeviceURI = d.DeviceURI
	out.PPDName = d.PPDName
	out.Info = d.Info
	out.Location = d.Location
	out.GeoLocation = d.GeoLocation
	out.Organization = d.Organization
	out.Accepting = d.Accepting
	out.Shared = d.Shared
	out.IsDefault = d.IsDefault
	out.Temporary = d.Temporary
	out.State = d.State
	out.StateMessage = d.StateMessage
	out.StateReasons = append([]string(nil), d.StateReasons...)
	out.StateTime = d.StateTime
	out.DefaultOptions = copyOptions(d.DefaultOptions)
	out.JobSheets = d.JobSheets
	out.OpPolicy = d.OpPolicy
	out.ErrorPolicy = d.ErrorPolicy
	out.AllowUsers = append([]string(nil), d.AllowUsers...)
	out.DenyUsers = append([]string(nil), d.DenyUsers...)
	out.QuotaPeriod = d.QuotaPeriod
	out.KLimit = d.KLimit
	out.PageLimit = d.PageLimit
	out.Members = append([]string(nil), d.Members...)
	out.CreatedAt = d.CreatedAt
	out.UpdatedAt = d.UpdatedAt
	return out
}

// SetState updates printer-state plus its message, stamping the change time.
func (d *Destination) SetState(state int, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.State = state
	d.StateMessage = message
	d.StateTime = time.Now()
	d.UpdatedAt = d.StateTime
	switch state {
	case StateStopped:
		d.addReasonLocked("paused")
	default:
		d.removeReasonLocked("paused")
	}
}

// SetAccepting flips the accepting-jobs gate.
func (d *Destination) SetAccepting(accepting bool, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Accepting = accepting
	if message != "" {
		d.StateMessage = message
	}
	d.UpdatedAt = time.Now()
}

// Update applies a mutation function under the destination's write lock.
func (d *Destination) Update(fn func(*Destination)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
	d.UpdatedAt = time.Now()
}

// UserAllowed evaluates the destination's requesting-user-name-allowed /
// -denied lists. An empty allow list admits everyone not denied.
func (d *Destination) UserAllowed(user string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, u := range d.DenyUsers {
		if strings.EqualFold(u, user) {
			return false
		}
	}
	if len(d.AllowUsers) == 0 {
		return true
	}
	for _, u := range d.AllowUsers {
		if strings.EqualFold(u, user) {
			return true
		}
	}
	return false
}

func (d *Destination) addReasonLocked(reason string) {
	for _, r := range d.StateReasons {
		if r == reason {
			return
		}
	}
	d.StateReasons = append(d.StateReasons, reason)
}

func (d *Destination) removeReasonLocked(reason string) {
	out := d.StateReasons[:0]
	for _, r := range d.StateReasons {
		if r != reason {
			out = append(out, r)
		}
	}
	d.StateReasons = out
}

// AddReason adds a printer-state-reason keyword if not already present.
func (d *Destination) AddReason(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addReasonLocked(reason)
}

// RemoveReason drops a printer-state-reason keyword.
func (d *Destination) RemoveReason(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeReasonLocked(reason)
}

func copyOptions(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Registry is the named set of destinations. Lookup is case-insensitive on
// destination name, matching CUPS queue-name semantics.
type Registry struct {
	mu          sync.RWMutex
	dests       map[string]*Destination
	defaultName string

	// OnDirty, when set, fires after every registry mutation so the
	// persistence layer can schedule a flush.
	OnDirty func()
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{dests: map[string]*Destination{}}
}

func key(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// ValidateName checks a destination name for the characters CUPS forbids.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 127 {
		return fmt.Errorf("bad destination name %q", name)
	}
	if strings.ContainsAny(name, " \t/#") {
		return fmt.Errorf("bad destination name %q", name)
	}
	return nil
}

// Add registers a new destination. The first destination added becomes the
// server default.
func (r *Registry) Add(d *Destination) error {
	if err := ValidateName(d.Name); err != nil {
		return err
	}
	r.mu.Lock()
	if _, ok := r.dests[key(d.Name)]; ok {
		r.mu.Unlock()
		return ErrExists
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	d.UpdatedAt = d.CreatedAt
	if d.State == 0 {
		d.State = StateIdle
	}
	if d.IsClass {
		d.TypeBits |= TypeClass
	}
	r.dests[key(d.Name)] = d
	if r.defaultName == "" {
		r.defaultName = d.Name
		d.IsDefault = true
	}
	r.mu.Unlock()
	r.markDirty()
	return nil
}

// Get looks a destination up by name.
func (r *Registry) Get(name string) (*Destination, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dests[key(name)]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

// Delete removes a destination from the registry. Cascading cleanup (jobs,
// subscriptions, advertisements) is the caller's responsibility.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	d, ok := r.dests[key(name)]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.dests, key(name))
	if r.defaultName == d.Name {
		r.defaultName = ""
		for _, other := range r.dests {
			r.defaultName = other.Name
			break
		}
	}
	// Remove the printer from any class that listed it.
	for _, other := range r.dests {
		if !other.IsClass {
			continue
		}
		other.mu.Lock()
		kept := other.Members[:0]
		for _, m := range other.Members {
			if !strings.EqualFold(m, name) {
				kept = append(kept, m)
			}
		}
		other.Members = kept
		other.mu.Unlock()
	}
	r.mu.Unlock()
	r.markDirty()
	return nil
}

// List returns all destinations sorted by name.
func (r *Registry) List() []*Destination {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Destination, 0, len(r.dests))
	for _, d := range r.dests {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return key(out[i].Name) < key(out[j].Name) })
	return out
}

// Snapshots returns a stable copy of every destination for persistence.
func (r *Registry) Snapshots() []Snapshot {
	dests := r.List()
	out := make([]Snapshot, 0, len(dests))
	for _, d := range dests {
		out = append(out, d.Snapshot())
	}
	return out
}

// Printers returns non-class destinations; Classes the rest.
func (r *Registry) Printers() []*Destination {
	var out []*Destination
	for _, d := range r.List() {
		if !d.IsClass {
			out = append(out, d)
		}
	}
	return out
}

func (r *Registry) Classes() []*Destination {
	var out []*Destination
	for _, d := range r.List() {
		if d.IsClass {
			out = append(out, d)
		}
	}
	return out
}

// Default returns the default destination, or nil when the registry is empty.
func (r *Registry) Default() *Destination {
	r.mu.RLock()
	name := r.defaultName
	r.mu.RUnlock()
	if name == "" {
		return nil
	}
	d, _ := r.Get(name)
	return d
}

// SetDefault marks one destination as the server default.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	d, ok := r.dests[key(name)]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	for _, other := range r.dests {
		other.IsDefault = false
	}
	d.IsDefault = true
	r.defaultName = d.Name
	r.mu.Unlock()
	r.markDirty()
	return nil
}

// SetMembers replaces a class's member list atomically. Every member must
// exist and must not itself be a class; on any violation the prior
// membership is left untouched.
func (r *Registry) SetMembers(class *Destination, members []string) error {
	resolved := make([]string, 0, len(members))
	r.mu.RLock()
	for _, m := range members {
		member, ok := r.dests[key(m)]
		if !ok {
			r.mu.RUnlock()
			return ErrUnknownMember
		}
		if member.IsClass {
			r.mu.RUnlock()
			return ErrNestedClass
		}
		resolved = append(resolved, member.Name)
	}
	r.mu.RUnlock()

	class.mu.Lock()
	class.Members = resolved
	if class.nextMember >= len(resolved) {
		class.nextMember = 0
	}
	class.UpdatedAt = time.Now()
	class.mu.Unlock()
	r.markDirty()
	return nil
}

// NextMember advances the class's round-robin pointer and returns the next
// accepting, non-stopped member. Returns ErrNotFound if no member is usable.
func (r *Registry) NextMember(class *Destination) (*Destination, error) {
	class.mu.Lock()
	members := append([]string(nil), class.Members...)
	start := class.nextMember
	class.mu.Unlock()
	if len(members) == 0 {
		return nil, ErrNotFound
	}
	for i := 0; i < len(members); i++ {
		idx := (start + i) % len(members)
		member, err := r.Get(members[idx])
		if err != nil {
			continue
		}
		snap := member.Snapshot()
		if !snap.Accepting || snap.State == StateStopped {
			continue
		}
		class.mu.Lock()
		class.nextMember = (idx + 1) % len(members)
		class.mu.Unlock()
		return member, nil
	}
	return nil, ErrNotFound
}

// MarkDirty lets collaborators request a persistence flush after mutating a
// destination through Update.
func (r *Registry) MarkDirty() { r.markDirty() }

func (r *Registry) markDirty() {
	if r.OnDirty != nil {
		r.OnDirty()
	}
}
