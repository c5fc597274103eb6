package worker

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Route is one structured command.
type Route struct {
	Name        string
	Description string
	Usage       string
	Handler     HandlerFunc

	// RateClass is the name handed to the limiter. Empty skips limiting.
	RateClass string
	// Privileged routes need an owner or a stored admin.
	Privileged bool
	OwnerOnly  bool
	// Timeout overrides the worker's handler timeout.
	Timeout time.Duration
	// Hidden routes work but are left out of help.
	Hidden bool
}

// Table is an immutable dispatch table. Build a new one and Swap it in to
// change routing.
type Table struct {
	// Message handles plain messages and Reaction handles reactions. Either
	// may be nil.
	Message  *Route
	Reaction *Route

	commands map[string]Route
	aliases  map[string]string
	disabled map[string]bool
}

// NewTable indexes routes by lowercased name. Aliases pointing at unknown
// routes and routes without a handler are dropped.
func NewTable(routes []Route, aliases map[string]string, disabled []string) *Table {
	t := &Table{
		commands: make(map[string]Route, len(routes)),
		aliases:  map[string]string{},
		disabled: map[string]bool{},
	}
	for _, r := range routes {
		name := strings.ToLower(strings.TrimSpace(r.Name))
		if name == "" || r.Handler == nil {
			continue
		}
		r.Name = name
		t.commands[name] = r
	}
	for a, target := range aliases {
		a, target = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(target))
		if _, ok := t.commands[target]; !ok || a == "" {
			continue
		}
		if _, taken := t.commands[a]; taken {
			continue
		}
		t.aliases[a] = target
	}
	for _, d := range disabled {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			t.disabled[d] = true
		}
	}
	return t
}

// Lookup resolves name, following one alias hop.
func (t *Table) Lookup(name string) (Route, bool) {
	name = strings.ToLower(name)
	if r, ok := t.commands[name]; ok {
		return r, true
	}
	if target, ok := t.aliases[name]; ok {
		r, ok := t.commands[target]
		return r, ok
	}
	return Route{}, false
}

func (t *Table) Disabled(name string) bool { return t.disabled[strings.ToLower(name)] }

// Routes returns the visible, enabled routes sorted by name.
func (t *Table) Routes() []Route {
	out := make([]Route, 0, len(t.commands))
	for _, r := range t.commands {
		if r.Hidden || t.disabled[r.Name] {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AliasesOf lists the aliases that resolve to name, sorted.
func (t *Table) AliasesOf(name string) []string {
	var out []string
	for a, target := range t.aliases {
		if target == name {
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out
}

// Registry holds the current Table. Workers load it once per command, so a
// swap takes effect from the next command on without stopping any loop.
type Registry struct {
	cur atomic.Pointer[Table]

	mu    sync.Mutex
	build func() (*Table, error)
}

func NewRegistry(t *Table) *Registry {
	r := &Registry{}
	if t == nil {
		t = NewTable(nil, nil, nil)
	}
	r.cur.Store(t)
	return r
}

func (r *Registry) Load() *Table { return r.cur.Load() }

// Swap installs t and returns the previous table.
func (r *Registry) Swap(t *Table) *Table {
	if t == nil {
		return r.cur.Load()
	}
	return r.cur.Swap(t)
}

// SetBuilder sets the function Rebuild uses to produce a fresh table.
func (r *Registry) SetBuilder(fn func() (*Table, error)) {
	r.mu.Lock()
	r.build = fn
	r.mu.Unlock()
}

// Rebuild runs the builder and swaps in its table. On error the current
// table stays.
func (r *Registry) Rebuild() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.build == nil {
		return errors.New("registry has no builder")
	}
	t, err := r.build()
	if err != nil {
		return err
	}
	r.Swap(t)
	return nil
}
