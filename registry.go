package coro

import (
	"runtime"
	"sync"
	"weak"
)

// taskRegistry tracks every live Task per loop without keeping any of them
// reachable — AllTasks(loop) must not be the reason a finished Task's memory
// survives. The set itself is keyed on weak.Pointer[Task] (Go 1.24), never on
// a plain *Task: a plain pointer as a map key would retain the Task exactly
// as strongly as a map value would, defeating the whole point. Entries are
// removed when a Task finishes (unregisterTask) and by a runtime.AddCleanup
// hook run when a Task is collected; AllTasks skips collected or finished
// Tasks without removing their entries.
type taskRegistry struct {
	mu    sync.Mutex
	tasks map[EventLoopPort]map[weak.Pointer[Task]]struct{}
}

var globalRegistry = &taskRegistry{
	tasks: make(map[EventLoopPort]map[weak.Pointer[Task]]struct{}),
}

type registryEntry struct {
	registry *taskRegistry
	loop     EventLoopPort
	key      weak.Pointer[Task]
}

func registerTask(t *Task) {
	wp := weak.Make(t)

	globalRegistry.mu.Lock()
	set, ok := globalRegistry.tasks[t.loop]
	if !ok {
		set = make(map[weak.Pointer[Task]]struct{})
		globalRegistry.tasks[t.loop] = set
	}
	set[wp] = struct{}{}
	globalRegistry.mu.Unlock()

	runtime.AddCleanup(t, cleanupRegistryEntry, registryEntry{
		registry: globalRegistry,
		loop:     t.loop,
		key:      wp,
	})
}

func cleanupRegistryEntry(e registryEntry) {
	e.registry.mu.Lock()
	defer e.registry.mu.Unlock()
	if set, ok := e.registry.tasks[e.loop]; ok {
		delete(set, e.key)
		if len(set) == 0 {
			delete(e.registry.tasks, e.loop)
		}
	}
}

// unregisterTask removes t from the registry as soon as it finishes, rather
// than waiting on the garbage collector — AllTasks should not keep reporting
// a Task long after it is done simply because nothing has collected it yet.
func unregisterTask(t *Task) {
	wp := weak.Make(t)
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	if set, ok := globalRegistry.tasks[t.loop]; ok {
		delete(set, wp)
		if len(set) == 0 {
			delete(globalRegistry.tasks, t.loop)
		}
	}
}

// AllTasks returns every currently live, not-yet-finished Task registered
// against loop, in no particular order.
func AllTasks(loop EventLoopPort) []*Task {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	set, ok := globalRegistry.tasks[loop]
	if !ok {
		return nil
	}
	out := make([]*Task, 0, len(set))
	for wp := range set {
		t := wp.Value()
		if t == nil || t.Done() {
			continue
		}
		out = append(out, t)
	}
	return out
}
