package fsm

import (
	"errors"
	"sort"
	"strings"
)

var ErrUnknownModule = errors.New("fsm: unknown module")

// Registry holds one table per module. It is filled during process start,
// sealed, and only read afterwards; reads take no lock.
type Registry struct {
	tables map[ModuleID]*Table
	sealed bool
}

func NewRegistry() *Registry {
	return &Registry{tables: make(map[ModuleID]*Table)}
}

// Register validates and installs a copy of table for module.
func (r *Registry) Register(module ModuleID, table Table) error {
	if strings.TrimSpace(string(module)) == "" {
		return &ConfigurationError{Module: module, Reason: "module id required"}
	}
	if r.sealed {
		return &ConfigurationError{Module: module, Reason: "registry sealed"}
	}
	if _, ok := r.tables[module]; ok {
		return &ConfigurationError{Module: module, Reason: "table already registered"}
	}
	if err := table.Validate(module); err != nil {
		return err
	}
	if table.Name == "" {
		table.Name = string(module)
	}
	r.tables[module] = table.clone()
	return nil
}

// MustRegister panics on a configuration error. Startup only.
func (r *Registry) MustRegister(module ModuleID, table Table) {
	if err := r.Register(module, table); err != nil {
		panic(err)
	}
}

// Seal rejects every later Register.
func (r *Registry) Seal() {
	r.sealed = true
}

func (r *Registry) Sealed() bool {
	return r.sealed
}

func (r *Registry) Table(module ModuleID) (*Table, bool) {
	t, ok := r.tables[module]
	return t, ok
}

// Size is the descriptor count of module's table, or zero.
func (r *Registry) Size(module ModuleID) int {
	t, ok := r.tables[module]
	if !ok {
		return 0
	}
	return t.Size()
}

// Modules lists registered modules in lexical order.
func (r *Registry) Modules() []ModuleID {
	out := make([]ModuleID, 0, len(r.tables))
	for m := range r.tables {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
