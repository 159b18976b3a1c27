package taskstore

import (
	"fmt"
	"sync"
	"sync/atomic"

	"transferengine/internal/filesystem"
	"transferengine/internal/statemachine"
)

// ErrCode is the coarse error taxonomy from §7, produced by the Registry.
// The IPC surface (internal/ipc) maps these 1:1 onto wire status codes;
// the version-gated downgrade (V9 collapsing TaskNotFound to OK) happens
// there, not here — the Registry always reports the true outcome.
type ErrCode string

const (
	ErrOK             ErrCode = "OK"
	ErrPermission     ErrCode = "Permission"
	ErrParameterCheck ErrCode = "ParameterCheck"
	ErrUnsupported    ErrCode = "Unsupported"
	ErrFileIO         ErrCode = "FileIO"
	ErrFilePath       ErrCode = "FilePath"
	ErrServiceError   ErrCode = "ServiceError"
	ErrTaskQueue      ErrCode = "TaskQueue"
	ErrTaskMode       ErrCode = "TaskMode"
	ErrTaskNotFound   ErrCode = "TaskNotFound"
	ErrTaskState      ErrCode = "TaskState"
	ErrGroupNotFound  ErrCode = "GroupNotFound"
	ErrOther          ErrCode = "Other"
)

// RegistryError carries a §7 code alongside a human-readable cause.
type RegistryError struct {
	Code ErrCode
	Err  error
}

func (e *RegistryError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *RegistryError) Unwrap() error { return e.Err }

func newErr(code ErrCode, format string, args ...any) *RegistryError {
	return &RegistryError{Code: code, Err: fmt.Errorf(format, args...)}
}

// lockStripes bounds the number of per-tid mutexes kept live; tids hash
// into a fixed stripe so the Registry never allocates unboundedly.
const lockStripes = 256

// Registry is the Task Registry (C1): the sole writer of Task records.
// Every mutation goes through it under per-tid exclusive locking.
type Registry struct {
	storage   *Storage
	resolver  *filesystem.PathResolver
	bundleCap int

	nextTid atomic.Uint32

	stripes [lockStripes]sync.Mutex
}

func NewRegistry(storage *Storage, resolver *filesystem.PathResolver, bundleQuota int) (*Registry, error) {
	r := &Registry{storage: storage, resolver: resolver, bundleCap: bundleQuota}

	tasks, err := storage.GetAllTasks()
	if err != nil {
		return nil, fmt.Errorf("rehydrate registry: %w", err)
	}
	var max uint32
	for _, t := range tasks {
		if t.Tid > max {
			max = t.Tid
		}
	}
	r.nextTid.Store(max)
	return r, nil
}

func (r *Registry) lockFor(tid uint32) *sync.Mutex {
	return &r.stripes[tid%lockStripes]
}

// Rehydrate restores every non-terminal, non-removed task on service start
// into Initialized (zero processed) or Paused (non-zero processed), never
// Running, per the restart invariant.
func (r *Registry) Rehydrate() error {
	tasks, err := r.storage.GetAllTasks()
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.State.Terminal() {
			continue
		}
		prog, err := r.storage.GetProgress(t.Tid)
		target := statemachine.Initialized
		if err == nil && prog.Processed > 0 {
			target = statemachine.Paused
		}
		if t.State == target {
			continue
		}
		t.State = target
		if err := r.storage.SaveTask(t); err != nil {
			return fmt.Errorf("rehydrate tid %d: %w", t.Tid, err)
		}
	}
	return nil
}

// Insert assigns a fresh tid, validates the config, resolves save paths for
// every file spec, persists an Initialized task, and returns its tid.
func (r *Registry) Insert(cfg Config) (uint32, error) {
	if cfg.URL == "" {
		return 0, newErr(ErrParameterCheck, "config missing url")
	}
	if cfg.Action != ActionDownload && cfg.Action != ActionUpload {
		return 0, newErr(ErrParameterCheck, "config has invalid action %q", cfg.Action)
	}
	if cfg.Bundle == "" {
		return 0, newErr(ErrParameterCheck, "config missing owning bundle")
	}

	nonTerminal, err := r.countNonTerminal(cfg.Bundle)
	if err != nil {
		return 0, newErr(ErrServiceError, "quota check: %w", err)
	}
	if nonTerminal >= r.bundleCap {
		return 0, newErr(ErrTaskQueue, "bundle %q exceeded quota of %d", cfg.Bundle, r.bundleCap)
	}

	for i := range cfg.FileSpecs {
		fn := cfg.FileSpecs[i].Filename
		if fn == "" {
			fn = fmt.Sprintf("task-file-%d", i)
			cfg.FileSpecs[i].Filename = fn
		}
		if _, err := r.resolver.Resolve(cfg.Bundle, fn); err != nil {
			return 0, newErr(ErrFilePath, "resolve file spec %d: %w", i, err)
		}
	}
	if cfg.Action == ActionDownload && len(cfg.FileSpecs) == 0 {
		return 0, newErr(ErrParameterCheck, "download config missing a target file spec")
	}

	tid := r.nextTid.Add(1)

	task := Task{
		Tid:      tid,
		Bundle:   cfg.Bundle,
		Action:   cfg.Action,
		Mode:     cfg.Mode,
		Priority: cfg.Priority,
		State:    statemachine.Initialized,
		Reason:   statemachine.ReasonOK,
		CTime:    nowMillis(),
		MTime:    nowMillis(),
		GroupID:  cfg.GroupID,
	}
	if err := task.EncodeConfig(cfg); err != nil {
		return 0, newErr(ErrServiceError, "encode config: %w", err)
	}

	mu := r.lockFor(tid)
	mu.Lock()
	defer mu.Unlock()

	if err := r.storage.SaveTask(task); err != nil {
		return 0, newErr(ErrServiceError, "persist task: %w", err)
	}
	return tid, nil
}

func (r *Registry) countNonTerminal(bundle string) (int, error) {
	states := []State{
		statemachine.Initialized, statemachine.Waiting, statemachine.Running,
		statemachine.Retrying, statemachine.Paused,
	}
	total := 0
	for _, s := range states {
		n, err := r.storage.CountByBundleAndState(bundle, s)
		if err != nil {
			return 0, err
		}
		total += int(n)
	}
	return total, nil
}

// Get returns a task if callerBundle owns it or callerBundle is the
// wildcard "" (system "query any" capability).
func (r *Registry) Get(tid uint32, callerBundle string) (Task, error) {
	t, err := r.storage.GetTask(tid, false)
	if err != nil {
		return Task{}, newErr(ErrTaskNotFound, "tid %d: %w", tid, err)
	}
	if callerBundle != "" && t.Bundle != callerBundle {
		return Task{}, newErr(ErrTaskNotFound, "tid %d not visible to bundle %q", tid, callerBundle)
	}
	return t, nil
}

// Touch is the sole cross-bundle read path: it returns the task only if
// token matches the one stored in its Config, including tasks already
// soft-deleted (Removed).
func (r *Registry) Touch(tid uint32, token string) (Task, error) {
	t, err := r.storage.GetTask(tid, true)
	if err != nil {
		return Task{}, newErr(ErrTaskNotFound, "tid %d: %w", tid, err)
	}
	cfg, err := t.DecodeConfig()
	if err != nil {
		return Task{}, newErr(ErrServiceError, "decode config: %w", err)
	}
	if token == "" || cfg.Token != token {
		return Task{}, newErr(ErrTaskNotFound, "tid %d: token mismatch", tid)
	}
	return t, nil
}

// Search filters by bundle/time window/state/action/mode/group, returning
// tids. A non-empty GroupID that matches nothing is distinguished from a
// group that's simply empty right now: the former is a caller error
// (ErrGroupNotFound), the latter a valid empty result.
func (r *Registry) Search(f SearchFilter) ([]uint32, error) {
	tasks, err := r.storage.SearchTasks(f)
	if err != nil {
		return nil, newErr(ErrServiceError, "search: %w", err)
	}
	if f.GroupID != "" && len(tasks) == 0 {
		known, err := r.storage.GroupExists(f.GroupID)
		if err != nil {
			return nil, newErr(ErrServiceError, "group lookup: %w", err)
		}
		if !known {
			return nil, newErr(ErrGroupNotFound, "group %q has no tasks", f.GroupID)
		}
	}
	out := make([]uint32, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Tid)
	}
	return out, nil
}

// RunningTasks returns every currently-Running task, used by the Scheduler
// to re-check network/app-state eligibility for in-flight transfers on a
// network-state push rather than only the Waiting ready set.
func (r *Registry) RunningTasks() ([]Task, error) {
	tasks, err := r.storage.SearchTasks(SearchFilter{State: statemachine.Running})
	if err != nil {
		return nil, newErr(ErrServiceError, "running tasks: %w", err)
	}
	return tasks, nil
}

// Remove transitions one task to Removed and soft-deletes its row, hiding
// it from enumeration while keeping it reachable via Touch.
func (r *Registry) Remove(tid uint32, callerBundle string) error {
	mu := r.lockFor(tid)
	mu.Lock()
	defer mu.Unlock()

	t, err := r.storage.GetTask(tid, false)
	if err != nil {
		return newErr(ErrTaskNotFound, "tid %d: %w", tid, err)
	}
	if callerBundle != "" && t.Bundle != callerBundle {
		return newErr(ErrTaskNotFound, "tid %d not visible to bundle %q", tid, callerBundle)
	}
	t.State = statemachine.Removed
	t.MTime = nowMillis()
	if err := r.storage.SaveTask(t); err != nil {
		return newErr(ErrServiceError, "save removed state: %w", err)
	}
	if err := r.storage.RemoveTask(tid); err != nil {
		return newErr(ErrServiceError, "soft-delete: %w", err)
	}
	return nil
}

// Clear removes a batch of tids, best-effort, returning the ones actually
// removed. Used by the explicit Clear command.
func (r *Registry) Clear(tids []uint32, callerBundle string) []uint32 {
	cleared := make([]uint32, 0, len(tids))
	for _, tid := range tids {
		if err := r.Remove(tid, callerBundle); err == nil {
			cleared = append(cleared, tid)
		}
	}
	return cleared
}

// ClearBundle removes every task owned by bundle. Nothing in the service
// calls it: no bundle-uninstall feed is consumed.
func (r *Registry) ClearBundle(bundle string) ([]uint32, error) {
	tasks, err := r.storage.SearchTasks(SearchFilter{Bundle: bundle})
	if err != nil {
		return nil, newErr(ErrServiceError, "search bundle tasks: %w", err)
	}
	tids := make([]uint32, len(tasks))
	for i, t := range tasks {
		tids[i] = t.Tid
	}
	return r.Clear(tids, bundle), nil
}

// GetProgress returns the persisted transfer cursor for tid, decoded into
// its in-memory shape. Used by the Transfer Engine to resume.
func (r *Registry) GetProgress(tid uint32) (Progress, error) {
	row, err := r.storage.GetProgress(tid)
	if err != nil {
		return Progress{}, err
	}
	return row.Decode()
}

// SaveProgress flattens and persists prog for tid, independent of the
// per-tid state lock since progress updates don't race a task's own
// transitions (only one Transfer Engine goroutine ever writes a tid's
// progress at a time).
func (r *Registry) SaveProgress(tid uint32, prog Progress, tries int, reason Reason) error {
	row, err := prog.ToProgressRow(tid, tries, reason)
	if err != nil {
		return err
	}
	return r.storage.SaveProgress(row)
}

// Mutate applies fn to the current task under its per-tid lock and
// persists the result with a fresh MTime; an error from fn aborts the
// change and is returned unchanged.
// This is the single choke point every other component uses to change a
// task's State, keeping the Registry the sole writer per the concurrency
// model.
func (r *Registry) Mutate(tid uint32, fn func(t *Task) error) error {
	mu := r.lockFor(tid)
	mu.Lock()
	defer mu.Unlock()

	t, err := r.storage.GetTask(tid, false)
	if err != nil {
		return newErr(ErrTaskNotFound, "tid %d: %w", tid, err)
	}
	if err := fn(&t); err != nil {
		return err
	}
	t.MTime = nowMillis()
	if err := r.storage.SaveTask(t); err != nil {
		return newErr(ErrServiceError, "save task: %w", err)
	}
	return nil
}
