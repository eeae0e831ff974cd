package listeners

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/weirlabs/weir/core/events"
	"github.com/weirlabs/weir/internal/observability"
)

// Hook is one compiled JavaScript lifecycle hook. Modules export a name, an
// optional list of event kinds, and an onEvent function:
//
//	module.exports = {
//	    name: "notify",
//	    events: ["pipeline.finished"],
//	    onEvent: function (evt) { ... },
//	}
//
// An empty events list subscribes the hook to every kind.
type Hook struct {
	Name    string
	Path    string
	kinds   map[events.Kind]struct{}
	runtime *goja.Runtime
	onEvent goja.Callable
}

// HookListener runs JavaScript hooks against lifecycle events. The bus
// dispatches from a single goroutine, so hook runtimes never race; Refresh
// swaps the hook set under the lock.
type HookListener struct {
	mu    sync.RWMutex
	root  string
	hooks []*Hook
}

// NewHookListener constructs a listener rooted at the provided hook directory.
func NewHookListener(root string) (*HookListener, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("hook loader: root directory required")
	}
	clean := filepath.Clean(trimmed)
	if err := os.MkdirAll(clean, 0o750); err != nil {
		return nil, fmt.Errorf("hook loader: ensure directory %q: %w", clean, err)
	}
	return &HookListener{root: clean}, nil
}

// Root returns the hook directory.
func (h *HookListener) Root() string {
	return h.root
}

// Refresh recompiles every JavaScript file under the root and replaces the
// active hook set.
func (h *HookListener) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("hook loader: refresh canceled: %w", err)
	}
	entries, err := os.ReadDir(h.root)
	if err != nil {
		return fmt.Errorf("hook loader: read directory %q: %w", h.root, err)
	}

	next := make([]*Hook, 0, len(entries))
	seen := make(map[string]struct{})
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("hook loader: refresh canceled: %w", err)
		}
		if entry.IsDir() || !isJavaScriptFile(entry.Name()) {
			continue
		}
		path := filepath.Join(h.root, entry.Name())
		hook, err := compileHook(path)
		if err != nil {
			return fmt.Errorf("hook loader: compile %q: %w", path, err)
		}
		lower := strings.ToLower(hook.Name)
		if _, dup := seen[lower]; dup {
			return fmt.Errorf("hook loader: duplicate hook name %q", hook.Name)
		}
		seen[lower] = struct{}{}
		next = append(next, hook)
	}
	sort.Slice(next, func(i, j int) bool { return next[i].Name < next[j].Name })

	h.mu.Lock()
	h.hooks = next
	h.mu.Unlock()
	return nil
}

// Names lists the loaded hooks in sorted order.
func (h *HookListener) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.hooks))
	for _, hook := range h.hooks {
		out = append(out, hook.Name)
	}
	return out
}

// OnPipelineEvent invokes every hook subscribed to the event kind. A failing
// hook is logged and skipped; remaining hooks still run.
func (h *HookListener) OnPipelineEvent(_ context.Context, evt events.Event) error {
	h.mu.RLock()
	hooks := h.hooks
	h.mu.RUnlock()

	kind := evt.EventKind()
	for _, hook := range hooks {
		if len(hook.kinds) > 0 {
			if _, ok := hook.kinds[kind]; !ok {
				continue
			}
		}
		if err := hook.invoke(evt); err != nil {
			observability.Log().Warn("lifecycle hook failed",
				observability.Field{Key: "hook", Value: hook.Name},
				observability.Field{Key: "kind", Value: string(kind)},
				observability.Field{Key: "error", Value: err},
			)
		}
	}
	return nil
}

func (hk *Hook) invoke(evt events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook %q panicked: %v", hk.Name, r)
		}
	}()
	payload := hk.runtime.NewObject()
	if setErr := payload.Set("kind", string(evt.EventKind())); setErr != nil {
		return fmt.Errorf("hook %q: build payload: %w", hk.Name, setErr)
	}
	if setErr := payload.Set("event", hk.runtime.ToValue(evt)); setErr != nil {
		return fmt.Errorf("hook %q: build payload: %w", hk.Name, setErr)
	}
	if _, callErr := hk.onEvent(goja.Undefined(), payload); callErr != nil {
		return fmt.Errorf("hook %q: %w", hk.Name, callErr)
	}
	return nil
}

func isJavaScriptFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".js") || strings.HasSuffix(lower, ".mjs")
}

func compileHook(path string) (*Hook, error) {
	// #nosec G304 -- path originates from os.ReadDir within the loader root.
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	prog, err := goja.Compile(path, string(source), true)
	if err != nil {
		return nil, err
	}

	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	exports, err := runHookModule(rt, prog)
	if err != nil {
		return nil, err
	}

	rawName := exports.Get("name")
	if rawName == nil || goja.IsUndefined(rawName) || goja.IsNull(rawName) {
		return nil, fmt.Errorf("name export required")
	}
	name := strings.TrimSpace(rawName.String())
	if name == "" {
		return nil, fmt.Errorf("name export required")
	}

	kinds := make(map[events.Kind]struct{})
	if raw := exports.Get("events"); raw != nil && !goja.IsUndefined(raw) && !goja.IsNull(raw) {
		var list []string
		if err := rt.ExportTo(raw, &list); err != nil {
			return nil, fmt.Errorf("events export invalid: %w", err)
		}
		for _, k := range list {
			kinds[events.Kind(strings.TrimSpace(k))] = struct{}{}
		}
	}

	fn, ok := goja.AssertFunction(exports.Get("onEvent"))
	if !ok {
		return nil, fmt.Errorf("onEvent export must be a function")
	}

	return &Hook{
		Name:    name,
		Path:    path,
		kinds:   kinds,
		runtime: rt,
		onEvent: fn,
	}, nil
}

func runHookModule(rt *goja.Runtime, program *goja.Program) (*goja.Object, error) {
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("console", hookConsole(rt)); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("module run: %w", err)
	}
	value := module.Get("exports")
	object := value.ToObject(rt)
	if object == nil {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return object, nil
}

func hookConsole(rt *goja.Runtime) *goja.Object {
	console := rt.NewObject()
	emit := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, arg.String())
			}
			msg := strings.Join(parts, " ")
			switch level {
			case "error":
				observability.Log().Error(msg)
			case "warn":
				observability.Log().Warn(msg)
			default:
				observability.Log().Debug(msg)
			}
			return goja.Undefined()
		}
	}
	_ = console.Set("log", emit("log"))
	_ = console.Set("info", emit("log"))
	_ = console.Set("warn", emit("warn"))
	_ = console.Set("error", emit("error"))
	return console
}
