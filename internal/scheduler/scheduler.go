package scheduler

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"transferengine/internal/statemachine"
	"transferengine/internal/taskstore"
)

// DispatchFunc hands a Waiting task that has been promoted to Running over
// to the Transfer Engine. It must return quickly (spawn its own goroutine)
// — the scheduling loop is single-threaded.
type DispatchFunc func(t taskstore.Task)

// Scheduler is the Scheduler (C3): it owns the ready set and decides which
// Waiting tasks get promoted to Running, subject to K_total, K_bundle, and
// network/app-state eligibility.
type Scheduler struct {
	logger   *slog.Logger
	registry *taskstore.Registry
	ready    *ReadyQueue
	network  *NetworkMonitor
	hosts    *HostLimiter

	kTotal  int
	kBundle int

	mu            sync.Mutex
	activeGlobal  int
	activePerBundle map[string]int
	activePerHost   map[string]int
	foregroundBundle string

	dispatch DispatchFunc
	preempt  PreemptFunc

	// round-robin cursor over bundles for the fairness guarantee
	lastServedBundle string
}

// PreemptFunc asks the Transfer Engine to cooperatively cancel a currently
// Running task back to Waiting with the given reason, because a
// network-state push made it ineligible. Implementations must return
// quickly and are expected to be a no-op if tid already finished on its own.
type PreemptFunc func(tid uint32, reason statemachine.Reason)

func NewScheduler(logger *slog.Logger, registry *taskstore.Registry, network *NetworkMonitor, kTotal, kBundle int) *Scheduler {
	return &Scheduler{
		logger:          logger,
		registry:        registry,
		ready:           NewReadyQueue(),
		network:         network,
		hosts:           NewHostLimiter(1, kTotal),
		kTotal:          kTotal,
		kBundle:         kBundle,
		activePerBundle: make(map[string]int),
		activePerHost:   make(map[string]int),
	}
}

func (s *Scheduler) SetDispatchFunc(fn DispatchFunc) { s.dispatch = fn }

// SetPreemptFunc wires the callback used to cancel a Running task that a
// network-state push just made ineligible. Without it, WatchNetwork still
// re-evaluates the Waiting ready set but cannot touch in-flight transfers.
func (s *Scheduler) SetPreemptFunc(fn PreemptFunc) { s.preempt = fn }

// SetForegroundBundle records which bundle the environment hooks report as
// currently foreground; its foreground-mode tasks get a priority bonus
// (ReadyQueue.effectivePriority), applied immediately to the ready set and
// to every future Upsert/Enqueue until the next foreground change.
func (s *Scheduler) SetForegroundBundle(bundle string) {
	s.mu.Lock()
	s.foregroundBundle = bundle
	s.mu.Unlock()
	s.ready.SetForegroundBundle(bundle)
}

// Enqueue adds a task (already transitioned to Waiting by the caller) to
// the ready set for consideration.
func (s *Scheduler) Enqueue(t taskstore.Task) {
	s.ready.Upsert(t)
}

// Dequeue removes a tid from the ready set without promoting it (used when
// a task is paused/stopped/removed while still Waiting).
func (s *Scheduler) Dequeue(tid uint32) {
	s.ready.Remove(tid)
}

// OnTaskStarted must be called once a dispatched task actually begins
// Running, so concurrency accounting reflects the real in-flight set.
func (s *Scheduler) OnTaskStarted(t taskstore.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeGlobal++
	s.activePerBundle[t.Bundle]++
	s.activePerHost[hostOf(mustConfigURL(t))]++
}

// OnTaskFinished must be called when a worker slot returns (any terminal
// sub-outcome: Completed, Failed, Stopped, back to Waiting, or Paused),
// freeing its concurrency slot and triggering re-evaluation.
func (s *Scheduler) OnTaskFinished(t taskstore.Task, hostLatency time.Duration, hostErr error) {
	host := hostOf(mustConfigURL(t))
	s.mu.Lock()
	if s.activeGlobal > 0 {
		s.activeGlobal--
	}
	if s.activePerBundle[t.Bundle] > 0 {
		s.activePerBundle[t.Bundle]--
	}
	if s.activePerHost[host] > 0 {
		s.activePerHost[host]--
	}
	s.mu.Unlock()

	s.hosts.RecordOutcome(host, hostLatency, hostErr)
	s.Evaluate()
}

// Evaluate runs one scheduling round: it walks the ready set in
// priority/ctime order and promotes every eligible task it can fit under
// the concurrency caps, applying the round-robin fairness rule so no
// single bundle starves the others while K_total is saturated.
func (s *Scheduler) Evaluate() {
	net := s.network.Current()
	candidates := s.ready.Snapshot()

	s.mu.Lock()
	globalFree := s.kTotal - s.activeGlobal
	s.mu.Unlock()
	if globalFree <= 0 {
		return
	}

	promoted := 0
	servedBundles := make(map[string]bool)

	for _, t := range candidates {
		if promoted >= globalFree {
			break
		}
		cfg, err := t.DecodeConfig()
		if err != nil {
			continue
		}
		if !s.eligible(t, cfg, net) {
			continue
		}

		s.mu.Lock()
		bundleActive := s.activePerBundle[t.Bundle]
		host := hostOf(cfg.URL)
		hostActive := s.activePerHost[host]
		s.mu.Unlock()

		if bundleActive >= s.kBundle {
			continue
		}
		if hostCeil := s.hosts.Ceiling(host); hostCeil > 0 && hostActive >= hostCeil {
			continue
		}
		// Fairness: within one round, don't let a bundle take a second
		// slot while another ready bundle hasn't been served at all.
		if servedBundles[t.Bundle] && s.hasUnservedBundle(candidates, servedBundles) {
			continue
		}

		if err := s.registry.Mutate(t.Tid, func(tk *taskstore.Task) error {
			if err := statemachine.Validate(tk.State, statemachine.EventDispatch, statemachine.Running); err != nil {
				return err
			}
			tk.State = statemachine.Running
			return nil
		}); err != nil {
			continue
		}

		s.ready.Remove(t.Tid)
		t.State = statemachine.Running
		s.OnTaskStarted(t)
		servedBundles[t.Bundle] = true
		promoted++

		if s.dispatch != nil {
			s.dispatch(t)
		}
	}
}

func (s *Scheduler) hasUnservedBundle(candidates []taskstore.Task, served map[string]bool) bool {
	for _, t := range candidates {
		if !served[t.Bundle] {
			return true
		}
	}
	return false
}

// eligible applies network-policy, metered/roaming, and (foreground bonus
// aside) app-state constraints from §4.3.
func (s *Scheduler) eligible(t taskstore.Task, cfg taskstore.Config, net NetworkState) bool {
	_, ineligible := ineligibilityReason(cfg, net)
	return !ineligible
}

// ineligibilityReason reports why cfg is not eligible to run under net, or
// ("", false) when it is eligible. NetworkNone reports Offline; every other
// rejection (wrong network type, metered, roaming) reports
// UnsupportedNetwork, mirroring the two Reason values §4.3 calls out for
// network-driven Waiting transitions.
func ineligibilityReason(cfg taskstore.Config, net NetworkState) (statemachine.Reason, bool) {
	if net.Type == NetworkNone {
		return statemachine.ReasonOffline, true
	}
	switch cfg.Options.NetworkPolicy {
	case taskstore.NetworkWifi:
		if net.Type != NetworkWifi {
			return statemachine.ReasonUnsupportedNetwork, true
		}
	case taskstore.NetworkCellular:
		if net.Type != NetworkCellular {
			return statemachine.ReasonUnsupportedNetwork, true
		}
	}
	if net.Metered && !cfg.Options.MeteredAllowed {
		return statemachine.ReasonUnsupportedNetwork, true
	}
	if net.Roaming && !cfg.Options.RoamingAllowed {
		return statemachine.ReasonUnsupportedNetwork, true
	}
	return "", false
}

// WatchNetwork reacts to a network-state push by re-running eligibility:
// newly eligible Waiting tasks get a fresh evaluation pass via Evaluate, and
// Running tasks that lost eligibility are proactively preempted via the
// wired PreemptFunc so they move back to Waiting with the right reason
// (Offline/UnsupportedNetwork) instead of waiting for their own socket read
// to fail.
func (s *Scheduler) WatchNetwork(ctx context.Context) {
	ch := s.network.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			s.preemptIneligibleRunning()
			s.Evaluate()
		}
	}
}

// preemptIneligibleRunning scans every currently-Running task against the
// latest network state and signals the Engine (via PreemptFunc) to cancel
// any that no longer qualify. A Registry/decode failure for one task is
// logged and skipped rather than aborting the whole pass.
func (s *Scheduler) preemptIneligibleRunning() {
	if s.preempt == nil {
		return
	}
	net := s.network.Current()
	tasks, err := s.registry.RunningTasks()
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("failed to list running tasks for network preemption", "error", err)
		}
		return
	}
	for _, t := range tasks {
		cfg, err := t.DecodeConfig()
		if err != nil {
			continue
		}
		if reason, ineligible := ineligibilityReason(cfg, net); ineligible {
			s.preempt(t.Tid, reason)
		}
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func mustConfigURL(t taskstore.Task) string {
	cfg, err := t.DecodeConfig()
	if err != nil {
		return ""
	}
	return cfg.URL
}
