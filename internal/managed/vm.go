// Package managed hosts the managed runtime the bridge talks to: an embedded
// JavaScript engine with its own heap, object identity and exceptions.
//
// Native code never touches the engine directly. It attaches through an
// Env, calls methods by name and descriptor, and keeps objects alive across
// calls with GlobalRefs.
package managed

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/R3E-Network/service_bridge/pkg/logger"
)

// Observer receives the outcome of every remote call.
type Observer interface {
	RecordRemoteCall(method string, duration time.Duration, err error)
}

type noopObserver struct{}

func (noopObserver) RecordRemoteCall(string, time.Duration, error) {}

// Source is a code location compiled into the runtime at startup.
type Source struct {
	Name string
	Code string
}

// VM is a managed runtime instance.
type VM struct {
	rt         *goja.Runtime
	refs       *refTable
	instanceOf goja.Callable

	sigMu sync.Mutex
	sigs  map[string]Signature

	log      *logger.Logger
	observer Observer
	debug    bool
	loaded   []string
}

// Option configures a VM.
type Option func(*vmOptions)

type vmOptions struct {
	classPath []string
	fsys      []fs.FS
	sources   []Source
	log       *logger.Logger
	observer  Observer
	debug     bool
}

// WithClassPath adds code locations on disk. Each entry is a .js file or a
// directory whose .js files are loaded in lexical order.
func WithClassPath(paths ...string) Option {
	return func(o *vmOptions) {
		o.classPath = append(o.classPath, paths...)
	}
}

// WithFS adds every .js file of fsys, in lexical path order. Filesystems
// are loaded before the class path.
func WithFS(fsys fs.FS) Option {
	return func(o *vmOptions) {
		o.fsys = append(o.fsys, fsys)
	}
}

// WithSources adds in-memory code locations, loaded last.
func WithSources(sources ...Source) Option {
	return func(o *vmOptions) {
		o.sources = append(o.sources, sources...)
	}
}

// WithLogger sets the logger used for console output and diagnostics.
func WithLogger(l *logger.Logger) Option {
	return func(o *vmOptions) {
		o.log = l
	}
}

// WithObserver sets the remote call observer.
func WithObserver(obs Observer) Option {
	return func(o *vmOptions) {
		o.observer = obs
	}
}

// WithDebug routes managed console output to the logger at info level
// instead of debug.
func WithDebug(debug bool) Option {
	return func(o *vmOptions) {
		o.debug = debug
	}
}

// New creates a runtime and loads its code locations. Load failures are
// ordinary errors: nothing has been handed out yet.
func New(opts ...Option) (*VM, error) {
	o := vmOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.NewDefault("managed")
	}
	if o.observer == nil {
		o.observer = noopObserver{}
	}

	vm := &VM{
		rt:       goja.New(),
		refs:     newRefTable(),
		sigs:     make(map[string]Signature),
		log:      o.log,
		observer: o.observer,
		debug:    o.debug,
	}
	vm.installConsole()

	check, err := vm.rt.RunString("(function (o, c) { return o instanceof c; })")
	if err != nil {
		return nil, fmt.Errorf("install instanceof check: %w", err)
	}
	vm.instanceOf, _ = goja.AssertFunction(check)

	for _, fsys := range o.fsys {
		sources, err := readFS(fsys)
		if err != nil {
			return nil, err
		}
		if err := vm.load(sources); err != nil {
			return nil, err
		}
	}
	for _, p := range o.classPath {
		sources, err := readClassPath(p)
		if err != nil {
			return nil, err
		}
		if err := vm.load(sources); err != nil {
			return nil, err
		}
	}
	if err := vm.load(o.sources); err != nil {
		return nil, err
	}

	return vm, nil
}

// Loaded returns the names of the loaded code locations in load order.
func (vm *VM) Loaded() []string {
	out := make([]string, len(vm.loaded))
	copy(out, vm.loaded)
	return out
}

// LiveRefs returns the number of objects pinned by GlobalRefs.
func (vm *VM) LiveRefs() int { return vm.refs.len() }

func (vm *VM) load(sources []Source) error {
	for _, src := range sources {
		prog, err := goja.Compile(src.Name, src.Code, false)
		if err != nil {
			return fmt.Errorf("compile %s: %w", src.Name, err)
		}
		if _, err := vm.rt.RunProgram(prog); err != nil {
			return fmt.Errorf("load %s: %w", src.Name, vm.translate("load "+src.Name, err))
		}
		vm.loaded = append(vm.loaded, src.Name)
		vm.log.WithField("source", src.Name).Debug("code location loaded")
	}
	return nil
}

func (vm *VM) installConsole() {
	console := vm.rt.NewObject()
	write := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			entry := vm.log.WithField("console", level)
			msg := strings.Join(parts, " ")
			switch {
			case level == "error":
				entry.Error(msg)
			case level == "warn":
				entry.Warn(msg)
			case vm.debug:
				entry.Info(msg)
			default:
				entry.Debug(msg)
			}
			return goja.Undefined()
		}
	}
	for _, level := range []string{"log", "info", "warn", "error"} {
		_ = console.Set(level, write(level))
	}
	_ = vm.rt.Set("console", console)
}

func (vm *VM) signature(desc string) (Signature, error) {
	vm.sigMu.Lock()
	defer vm.sigMu.Unlock()
	if sig, ok := vm.sigs[desc]; ok {
		return sig, nil
	}
	sig, err := ParseSignature(desc)
	if err != nil {
		return Signature{}, err
	}
	vm.sigs[desc] = sig
	return sig, nil
}

// resolveClass walks a dotted path from the global object.
func (vm *VM) resolveClass(name string) (*goja.Object, bool) {
	cur := vm.rt.GlobalObject()
	for _, part := range strings.Split(name, ".") {
		if part == "" {
			return nil, false
		}
		next, ok := cur.Get(part).(*goja.Object)
		if !ok {
			return nil, false
		}
		cur = next
	}
	if _, ok := goja.AssertFunction(cur); !ok {
		return nil, false
	}
	return cur, true
}

func readFS(fsys fs.FS) ([]Source, error) {
	var names []string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && path.Ext(p) == ".js" {
			names = append(names, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk code locations: %w", err)
	}
	sort.Strings(names)

	sources := make([]Source, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		sources = append(sources, Source{Name: name, Code: string(data)})
	}
	return sources, nil
}

func readClassPath(p string) ([]Source, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("class path entry %s: %w", p, err)
	}
	if !info.IsDir() {
		data, err := os.ReadFile(filepath.Clean(p))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		return []Source{{Name: p, Code: string(data)}}, nil
	}
	sources, err := readFS(os.DirFS(p))
	if err != nil {
		return nil, err
	}
	for i := range sources {
		sources[i].Name = filepath.Join(p, sources[i].Name)
	}
	return sources, nil
}
