package host

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/tphakala/framecast/internal/errors"
)

// DefaultSearchPaths are searched for plugin modules after the configured paths.
var DefaultSearchPaths = []string{"/usr/local/lib/framecast", "/usr/lib/framecast"}

const originBuiltin = "builtin"

// ModuleInfo describes a module compiled into the binary.
type ModuleInfo struct {
	Name        string
	Role        Role
	Description string
}

type registration struct {
	factory     Factory
	description string
}

// Registry resolves module names to bindings. Modules compiled into the binary
// register a Factory; everything else is looked up as a Go plugin on disk.
type Registry struct {
	mu          sync.RWMutex
	modules     map[Role]map[string]registration
	searchPaths []string

	// openPlugin is swapped in tests
	openPlugin func(path string) (symbolLookup, error)
}

// NewRegistry creates an empty registry using the default plugin search paths.
func NewRegistry() *Registry {
	return &Registry{
		modules: map[Role]map[string]registration{
			RoleCapture:  {},
			RoleDelivery: {},
		},
		openPlugin: openGoPlugin,
	}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the registry built-in modules register into.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Register adds a built-in module to the default registry. It panics on a
// duplicate name, like database/sql.Register, because that is a build error.
func Register(role Role, name, description string, factory Factory) {
	if err := defaultRegistry.Register(role, name, description, factory); err != nil {
		panic(err)
	}
}

// Register adds a built-in module.
func (r *Registry) Register(role Role, name, description string, factory Factory) error {
	if factory == nil {
		return errors.Newf("register %s module %q: nil factory", role, name).
			Component(componentHost).
			Category(errors.CategoryValidation).
			Build()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byName, ok := r.modules[role]
	if !ok {
		return errors.Newf("register module %q: unknown role %s", name, role).
			Component(componentHost).
			Category(errors.CategoryValidation).
			Build()
	}
	if _, dup := byName[name]; dup {
		return errors.Newf("%s module %q registered twice", role, name).
			Component(componentHost).
			Category(errors.CategoryConflict).
			Build()
	}
	byName[name] = registration{factory: factory, description: description}
	return nil
}

// SetSearchPaths sets the directories searched for plugins before DefaultSearchPaths.
func (r *Registry) SetSearchPaths(paths []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.searchPaths = slices.Clone(paths)
}

// SearchPaths returns configured paths followed by DefaultSearchPaths.
func (r *Registry) SearchPaths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Concat(r.searchPaths, DefaultSearchPaths)
}

// Modules lists the built-in modules of a role sorted by name.
func (r *Registry) Modules(role Role) []ModuleInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ModuleInfo, 0, len(r.modules[role]))
	for name, reg := range r.modules[role] {
		infos = append(infos, ModuleInfo{Name: name, Role: role, Description: reg.description})
	}
	slices.SortFunc(infos, func(a, b ModuleInfo) int { return strings.Compare(a.Name, b.Name) })
	return infos
}

// SplitSpec splits "<name> [args...]" into the name and the raw argument string.
func SplitSpec(spec string) (name, args string) {
	spec = strings.TrimSpace(spec)
	name, args, _ = strings.Cut(spec, " ")
	return name, strings.TrimSpace(args)
}

// Load resolves spec to a module and returns a binding in the loaded state.
// Names are tried against built-in modules first, tolerating a ".so" suffix
// and the "input_"/"output_" prefix, then as plugins in the search paths.
// A name containing a path separator is opened directly.
func (r *Registry) Load(role Role, spec string) (*Binding, error) {
	name, args := SplitSpec(spec)
	if name == "" {
		return nil, errors.Newf("%s module spec is empty", role).
			Component(componentHost).
			Category(errors.CategoryValidation).
			Build()
	}

	if strings.ContainsRune(name, filepath.Separator) {
		return r.loadPlugin(role, baseName(role, name), name, args)
	}

	short := baseName(role, name)
	r.mu.RLock()
	reg, ok := r.modules[role][short]
	r.mu.RUnlock()
	if ok {
		return newBinding(role, short, args, originBuiltin, reg.factory(), nil), nil
	}

	searched := r.SearchPaths()
	for _, dir := range searched {
		for _, candidate := range pluginCandidates(role, name, short) {
			path := filepath.Join(dir, candidate)
			if fi, err := os.Stat(path); err == nil && !fi.IsDir() {
				return r.loadPlugin(role, short, path, args)
			}
		}
	}

	return nil, moduleNotFound(role, name, searched)
}

// baseName strips directories, the ".so" suffix and the role prefix.
func baseName(role Role, name string) string {
	name = filepath.Base(name)
	name = strings.TrimSuffix(name, ".so")
	return strings.TrimPrefix(name, role.filePrefix())
}

func pluginCandidates(role Role, name, short string) []string {
	candidates := []string{
		short + ".so",
		role.filePrefix() + short + ".so",
	}
	if strings.HasSuffix(name, ".so") && !slices.Contains(candidates, name) {
		candidates = append([]string{name}, candidates...)
	}
	return candidates
}

func (r *Registry) loadPlugin(role Role, name, path, args string) (*Binding, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, moduleNotFound(role, path, []string{filepath.Dir(path)})
	}

	r.mu.RLock()
	open := r.openPlugin
	r.mu.RUnlock()

	lib, err := open(path)
	if err != nil {
		return nil, errors.Newf("open %s plugin %s: %w", role, path, err).
			Component(componentHost).
			Category(errors.CategoryModuleLoad).
			Context("module", name).
			Context("path", path).
			Build()
	}

	module, err := resolveSymbols(role, name, lib)
	if err != nil {
		return nil, err
	}
	return newBinding(role, name, args, path, module, lib), nil
}

// String lists the registered modules, used in diagnostics.
func (r *Registry) String() string {
	var b strings.Builder
	for _, role := range []Role{RoleCapture, RoleDelivery} {
		names := make([]string, 0)
		for _, m := range r.Modules(role) {
			names = append(names, m.Name)
		}
		fmt.Fprintf(&b, "%s: %s\n", role, strings.Join(names, ", "))
	}
	return b.String()
}
