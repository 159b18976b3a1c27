// Package transfer implements the Transfer Engine (C4): the code that
// actually moves bytes for one task at a time, honoring resumability,
// cooperative cancellation, retry/backoff, and progress reporting.
package transfer

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"transferengine/internal/analytics"
	"transferengine/internal/config"
	"transferengine/internal/filesystem"
	"transferengine/internal/integrity"
	"transferengine/internal/notify"
	"transferengine/internal/scheduler"
	"transferengine/internal/security"
	"transferengine/internal/statemachine"
	"transferengine/internal/taskstore"
)

// suspensionChunk is the byte-granularity at which a transfer loop checks
// for cooperative cancellation and reports progress; the spec calls for
// suspension points no coarser than 64KiB.
const suspensionChunk = 64 * 1024

// controlAction is the reason a running transfer's context was cancelled.
type controlAction int32

const (
	controlNone controlAction = iota
	controlPause
	controlStop
	controlRemove
	controlNetworkLost
)

type taskControl struct {
	action        atomic.Int32
	offlineReason atomic.Value // statemachine.Reason; set only alongside controlNetworkLost
	cancel        context.CancelFunc
}

func (tc *taskControl) trigger(a controlAction) {
	tc.action.Store(int32(a))
	tc.cancel()
}

// triggerOffline cancels the transfer with a specific network-loss reason,
// used by the Scheduler's proactive preemption path instead of the fixed
// controlAction→Reason mapping the user-initiated controls use.
func (tc *taskControl) triggerOffline(reason statemachine.Reason) {
	tc.offlineReason.Store(reason)
	tc.action.Store(int32(controlNetworkLost))
	tc.cancel()
}

func (tc *taskControl) triggered() controlAction {
	return controlAction(tc.action.Load())
}

// Engine is the Transfer Engine (C4). One Engine serves every task; at most
// one goroutine runs a given tid at a time, enforced by the Registry's
// per-tid lock plus the fact that the scheduler only dispatches a Waiting
// task once.
type Engine struct {
	logger    *slog.Logger
	registry  *taskstore.Registry
	sched     *scheduler.Scheduler
	bus       *notify.Bus
	bandwidth *BandwidthManager
	cfg       *config.ServiceConfig
	resolver  *filesystem.PathResolver
	allocator *filesystem.Allocator
	verifier  *integrity.FileVerifier
	client    *http.Client

	// tokens is the device-wide transfer-token semaphore from §5: a hard
	// backstop on concurrency independent of (and redundant with) the
	// scheduler's own K_total bookkeeping.
	tokens chan struct{}

	// stats and scanner are optional ambient hooks, wired by main after
	// construction; both are nil-safe so tests can exercise the Engine
	// without them.
	stats   *analytics.StatsManager
	scanner security.Scanner

	mu       sync.Mutex
	controls map[uint32]*taskControl
}

// SetStats wires the analytics aggregate tracker; completed transfers report
// their byte/file counts to it when set.
func (e *Engine) SetStats(stats *analytics.StatsManager) { e.stats = stats }

// SetScanner wires a platform antivirus scanner; completed downloads are
// scanned before the temp file commits to its final name when set.
func (e *Engine) SetScanner(scanner security.Scanner) { e.scanner = scanner }

func NewEngine(logger *slog.Logger, registry *taskstore.Registry, sched *scheduler.Scheduler, bus *notify.Bus, cfg *config.ServiceConfig, resolver *filesystem.PathResolver) *Engine {
	bandwidth := NewBandwidthManager()
	bandwidth.SetLimit(cfg.BandwidthCapBytesPerSec())

	e := &Engine{
		logger:    logger,
		registry:  registry,
		sched:     sched,
		bus:       bus,
		bandwidth: bandwidth,
		cfg:       cfg,
		resolver:  resolver,
		allocator: filesystem.NewAllocator(),
		verifier:  integrity.NewFileVerifier(),
		client:    newHTTPClient(15 * time.Second),
		tokens:    make(chan struct{}, cfg.KTotal()),
		controls:  make(map[uint32]*taskControl),
	}
	sched.SetDispatchFunc(e.Dispatch)
	sched.SetPreemptFunc(e.PreemptNetworkLost)
	return e
}

// Dispatch is the scheduler's DispatchFunc: it must return immediately, so
// the actual transfer runs on its own goroutine.
func (e *Engine) Dispatch(t taskstore.Task) {
	go e.run(t)
}

// Pause/Stop/CancelForRemove interrupt a running transfer at its next
// suspension point. They return false if the task isn't currently running
// under this engine (e.g. it never started, or already finished).
func (e *Engine) Pause(tid uint32) bool           { return e.signal(tid, controlPause) }
func (e *Engine) Stop(tid uint32) bool            { return e.signal(tid, controlStop) }
func (e *Engine) CancelForRemove(tid uint32) bool { return e.signal(tid, controlRemove) }

func (e *Engine) signal(tid uint32, a controlAction) bool {
	e.mu.Lock()
	tc, ok := e.controls[tid]
	e.mu.Unlock()
	if !ok {
		return false
	}
	tc.trigger(a)
	return true
}

// PreemptNetworkLost is the scheduler.PreemptFunc this Engine registers:
// a network-state push made tid ineligible, so its in-flight transfer is
// cancelled at its next suspension point and reported Waiting with reason
// instead of being left to fail reactively on its own socket read.
func (e *Engine) PreemptNetworkLost(tid uint32, reason statemachine.Reason) {
	e.mu.Lock()
	tc, ok := e.controls[tid]
	e.mu.Unlock()
	if !ok {
		return
	}
	tc.triggerOffline(reason)
}

// run owns one task's entire active lifetime: it acquires a transfer
// token, registers the cancellation control, executes the transfer
// (download or upload), applies the resulting state transition, and
// reports back to the scheduler so concurrency accounting and AIMD host
// feedback stay correct.
func (e *Engine) run(t taskstore.Task) {
	e.tokens <- struct{}{} // blocks until a slot frees; never exceed K_total
	defer func() { <-e.tokens }()

	ctx, cancel := context.WithCancel(context.Background())
	tc := &taskControl{cancel: cancel}
	e.mu.Lock()
	e.controls[t.Tid] = tc
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.controls, t.Tid)
		e.mu.Unlock()
		cancel()
	}()

	cfg, err := t.DecodeConfig()
	if err != nil {
		e.finish(t, statemachine.Failed, statemachine.ReasonOther, 0, err)
		return
	}

	start := time.Now()
	var outcome statemachine.State
	var reason statemachine.Reason
	var runErr error

	switch cfg.Action {
	case taskstore.ActionUpload:
		outcome, reason, runErr = e.runUpload(ctx, t, cfg, tc)
	default:
		outcome, reason, runErr = e.runDownload(ctx, t, cfg, tc)
	}

	e.finish(t, outcome, reason, time.Since(start), runErr)
}

// finish applies the outcome transition under the Registry's lock, emits
// the corresponding notification, re-enqueues the task with the scheduler
// when it is Waiting again (a Paused task waits for Resume), and reports the outcome back to
// the scheduler's host-latency feedback loop.
func (e *Engine) finish(t taskstore.Task, outcome statemachine.State, reason statemachine.Reason, latency time.Duration, runErr error) {
	event := eventFor(t.State, outcome)

	err := e.registry.Mutate(t.Tid, func(tk *taskstore.Task) error {
		if err := statemachine.Validate(tk.State, event, outcome); err != nil {
			return err
		}
		tk.State = outcome
		tk.Reason = reason
		return nil
	})
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("failed to apply transfer outcome", "tid", t.Tid, "outcome", outcome, "error", err)
		}
		e.sched.OnTaskFinished(t, latency, runErr)
		return
	}

	t.State = outcome
	e.bus.State(t.Tid, outcome, reason)

	if outcome == statemachine.Waiting {
		e.sched.Enqueue(t)
	}

	e.sched.OnTaskFinished(t, latency, runErr)
}

// eventFor picks the state-machine event that explains a Running task's
// departure, so finish() can reuse statemachine.Validate rather than
// trusting the caller blindly.
func eventFor(from statemachine.State, to statemachine.State) statemachine.Event {
	switch to {
	case statemachine.Completed:
		return statemachine.EventDone
	case statemachine.Failed:
		return statemachine.EventFatal
	case statemachine.Stopped:
		return statemachine.EventStop
	case statemachine.Retrying:
		return statemachine.EventFailRetry
	case statemachine.Waiting:
		return statemachine.EventNetworkLost
	case statemachine.Paused:
		return statemachine.EventPause
	case statemachine.Removed:
		return statemachine.EventRemove
	default:
		return statemachine.EventProgress
	}
}

// trackCompletion reports a finished transfer's byte count to the wired
// analytics tracker, if any. Called once per successful attempt, not per
// chunk, so retried attempts don't double-count bytes already reported.
func (e *Engine) trackCompletion(bytes int64) {
	if e.stats == nil {
		return
	}
	e.stats.TrackBytes(bytes)
	e.stats.TrackFileCompleted()
}

// scanCompletedFile runs the wired antivirus scanner, if any, against a
// just-downloaded temp file. A detected threat fails the task rather than
// letting CommitTemp rename an infected file into place.
func (e *Engine) scanCompletedFile(ctx context.Context, path string) error {
	if e.scanner == nil {
		return nil
	}
	return e.scanner.ScanFile(ctx, path)
}

// verifyCompletedFile checks spec's ExpectedHash against a just-downloaded
// temp file, if the task declared one. A mismatch fails the task before it
// commits to its final name.
func (e *Engine) verifyCompletedFile(path string, spec taskstore.FileSpec) error {
	if spec.ExpectedHash == "" {
		return nil
	}
	algo := spec.HashAlgorithm
	if algo == "" {
		algo = "sha256"
	}
	return e.verifier.Verify(path, algo, spec.ExpectedHash)
}

// checkSuspension is called at every ≤64KiB boundary inside a transfer
// loop; it turns a cancelled context back into the specific outcome the
// caller asked for via Pause/Stop/CancelForRemove, defaulting to Stopped
// for a plain ctx cancellation with no recorded action (defensive; should
// not happen since only trigger() cancels this context).
func checkSuspension(ctx context.Context, tc *taskControl) (statemachine.State, statemachine.Reason, bool) {
	select {
	case <-ctx.Done():
	default:
		return "", "", false
	}
	switch tc.triggered() {
	case controlPause:
		return statemachine.Paused, statemachine.ReasonUserOperation, true
	case controlStop:
		return statemachine.Stopped, statemachine.ReasonUserOperation, true
	case controlRemove:
		return statemachine.Removed, statemachine.ReasonUserOperation, true
	case controlNetworkLost:
		reason, _ := tc.offlineReason.Load().(statemachine.Reason)
		if reason == "" {
			reason = statemachine.ReasonOffline
		}
		return statemachine.Waiting, reason, true
	default:
		return statemachine.Stopped, statemachine.ReasonOther, true
	}
}
