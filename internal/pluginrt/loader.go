package pluginrt

import (
	"fmt"
	"log/slog"
	"plugin"
)

// TaskDescriptor is one {task_name, is_async, function_pointer} entry a shared-library plugin
// exports (spec §4.3). Fn must be assertable to SyncFunc (IsAsync=false) or AsyncFunc (IsAsync=true).
type TaskDescriptor struct {
	TaskName string
	IsAsync  bool
	Fn       any
}

// Descriptor is the C-ABI-shaped metadata descriptor a plugin exports under the symbol name
// "TaskSchedulerPlugin" (spec §4.3: "read a C-ABI metadata descriptor exporting plugin name,
// version, and an array of {task_name, is_async, function_pointer}"). Go's plugin package only
// supports same-process, same-build dynamic loading of .so files exporting exact-typed symbols —
// this Descriptor type is that contract.
type Descriptor struct {
	Name    string
	Version string
	Tasks   []TaskDescriptor
}

// LoadPlugin opens a shared object at path, resolves its "TaskSchedulerPlugin" symbol, and
// registers each exported task under "plugin_name::task_name" (spec §4.3). The library handle is
// kept alive in r.handles for as long as any registered function might be called.
func (r *Runtime) LoadPlugin(path string) error {
	r.emit(PluginEvent{Kind: "Loading", PluginName: path})

	p, err := plugin.Open(path)
	if err != nil {
		return fmt.Errorf("pluginrt: open %s: %w", path, err)
	}

	sym, err := p.Lookup("TaskSchedulerPlugin")
	if err != nil {
		return fmt.Errorf("pluginrt: missing TaskSchedulerPlugin symbol in %s: %w", path, err)
	}
	desc, ok := sym.(*Descriptor)
	if !ok {
		return fmt.Errorf("pluginrt: TaskSchedulerPlugin symbol in %s has unexpected type", path)
	}

	r.emit(PluginEvent{Kind: "Initializing", PluginName: desc.Name})

	for _, t := range desc.Tasks {
		qualified := desc.Name + "::" + t.TaskName
		if t.IsAsync {
			fn, ok := t.Fn.(AsyncFunc)
			if !ok {
				return fmt.Errorf("pluginrt: task %s declared async but function has wrong signature", qualified)
			}
			r.RegisterAsync(qualified, fn, desc.Name)
		} else {
			fn, ok := t.Fn.(SyncFunc)
			if !ok {
				return fmt.Errorf("pluginrt: task %s declared sync but function has wrong signature", qualified)
			}
			r.RegisterSync(qualified, fn, desc.Name)
		}
	}

	r.handlesMu.Lock()
	r.handles[desc.Name] = p
	r.handlesMu.Unlock()

	r.emit(PluginEvent{Kind: "Initialized", PluginName: desc.Name})
	r.emit(PluginEvent{Kind: "Loaded", PluginName: desc.Name})
	slog.Info("plugin loaded", "name", desc.Name, "version", desc.Version, "tasks", len(desc.Tasks))
	return nil
}

// UnloadPlugin removes every registered entry under "name::*", then drops the library handle
// (spec §4.3: "on unload_plugin(name) remove registered entries first, then drop the handle").
// Go provides no API to actually unload a *plugin.Plugin from the process; dropping the handle
// here means releasing our reference so it becomes eligible for the loader's own bookkeeping to
// be garbage collected, not an OS-level dlclose.
func (r *Runtime) UnloadPlugin(name string) {
	r.emit(PluginEvent{Kind: "Shutting", PluginName: name})

	r.mu.Lock()
	prefix := name + "::"
	for k := range r.syncReg {
		if hasPrefix(k, prefix) {
			delete(r.syncReg, k)
		}
	}
	for k := range r.asyncReg {
		if hasPrefix(k, prefix) {
			delete(r.asyncReg, k)
		}
	}
	r.mu.Unlock()

	r.handlesMu.Lock()
	delete(r.handles, name)
	r.handlesMu.Unlock()

	r.emit(PluginEvent{Kind: "Shutdown", PluginName: name})
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
