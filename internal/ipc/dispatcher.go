package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"transferengine/internal/config"
	"transferengine/internal/notify"
	"transferengine/internal/scheduler"
	"transferengine/internal/security"
	"transferengine/internal/statemachine"
	"transferengine/internal/taskstore"
	"transferengine/internal/transfer"

	"github.com/google/uuid"
)

// statusNotification marks an out-of-band notification frame on a
// connection that also carries command replies, so one socket can serve
// both without a separate framing byte: a command reply's status is always
// one of the §7 codes, which never collides with this sentinel.
const statusNotification uint32 = 0xFFFFFFFE

// Dispatcher is the IPC Surface (C6): it accepts connections on the
// configured Unix domain socket, authenticates every request against the
// configured token, and routes it to the Registry, Scheduler, Transfer
// Engine, or Notification Bus. Grounded on the donor's ControlServer
// request/response shape, generalized from loopback HTTP to a raw framed
// socket per §6.
type Dispatcher struct {
	logger   *slog.Logger
	registry *taskstore.Registry
	sched    *scheduler.Scheduler
	engine   *transfer.Engine
	bus      *notify.Bus
	cfg      *config.ServiceConfig
	audit    *security.AuditLogger

	listener net.Listener
}

func NewDispatcher(logger *slog.Logger, registry *taskstore.Registry, sched *scheduler.Scheduler, engine *transfer.Engine, bus *notify.Bus, cfg *config.ServiceConfig, audit *security.AuditLogger) *Dispatcher {
	return &Dispatcher{
		logger:   logger,
		registry: registry,
		sched:    sched,
		engine:   engine,
		bus:      bus,
		cfg:      cfg,
		audit:    audit,
	}
}

// Listen binds the Unix domain socket and serves connections until ctx is
// cancelled. A stale socket file from an unclean shutdown is removed first,
// matching the donor's bind-retry intent without needing one.
func (d *Dispatcher) Listen(ctx context.Context) error {
	path := d.cfg.SocketPath()
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("ipc listen on %s: %w", path, err)
	}
	d.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if d.logger != nil {
				d.logger.Warn("ipc accept failed", "error", err)
			}
			return err
		}
		go d.handleConn(conn)
	}
}

// connState is the per-connection bookkeeping: at most one notification
// channel is opened per connection, and every write (reply or out-of-band
// frame) goes through writeMu so the two never interleave mid-frame.
type connState struct {
	conn      net.Conn
	writeMu   sync.Mutex
	channelID string
}

func (d *Dispatcher) handleConn(conn net.Conn) {
	defer conn.Close()
	cs := &connState{conn: conn}

	defer func() {
		if cs.channelID != "" {
			d.bus.Close(cs.channelID)
		}
	}()

	for {
		op, payload, err := readRequest(conn)
		if err != nil {
			return
		}
		status, resp := d.dispatch(cs, op, payload)

		cs.writeMu.Lock()
		werr := writeFrame(cs.conn, uint32(status), resp)
		cs.writeMu.Unlock()
		if werr != nil {
			return
		}
	}
}

// dispatch parses the common envelope (token, bundle, version) every
// request carries, authenticates it, routes to the right handler, applies
// the V9/V10 downgrade, and audits the outcome.
func (d *Dispatcher) dispatch(cs *connState, op Opcode, payload []byte) (Status, []byte) {
	rd := newReader(payload)
	token, err := rd.str()
	if err != nil {
		return StatusParameterCheck, nil
	}
	bundle, err := rd.str()
	if err != nil {
		return StatusParameterCheck, nil
	}
	versionStr, err := rd.str()
	if err != nil {
		return StatusParameterCheck, nil
	}
	version := taskstore.VersionTag(versionStr)

	if token == "" || token != d.cfg.IPCToken() {
		d.auditLog(cs, bundle, op, StatusPermission, "invalid token")
		return StatusPermission, nil
	}

	status, resp := d.route(cs, op, bundle, rd)
	status = ApplyVersionDowngrade(version, op, status)
	d.auditLog(cs, bundle, op, status, "")
	return status, resp
}

func (d *Dispatcher) auditLog(cs *connState, bundle string, op Opcode, status Status, details string) {
	if d.audit == nil {
		return
	}
	d.audit.Log(cs.channelID, bundle, op.String(), status.String(), details)
}

func (d *Dispatcher) route(cs *connState, op Opcode, bundle string, rd *reader) (Status, []byte) {
	switch op {
	case OpCreate:
		return d.handleCreate(bundle, rd)
	case OpStart:
		return d.handleStart(rd)
	case OpPause:
		return d.handlePause(rd)
	case OpResume:
		return d.handleResume(rd)
	case OpStop:
		return d.handleStop(rd)
	case OpRemove:
		return d.handleRemove(bundle, rd)
	case OpQuery:
		return d.handleQuery(bundle, rd)
	case OpShow, OpGetTask:
		return d.handleShow(bundle, rd)
	case OpTouch:
		return d.handleTouch(rd)
	case OpSearch:
		return d.handleSearch(rd)
	case OpQueryMimeType:
		return d.handleQueryMimeType(bundle, rd)
	case OpClear:
		return d.handleClear(bundle, rd)
	case OpOn:
		return StatusOK, nil
	case OpOff:
		return StatusOK, nil
	case OpOpenChannel:
		return d.handleOpenChannel(cs)
	case OpSubscribe:
		return d.handleSubscribe(cs, bundle, rd)
	case OpUnsubscribe:
		return d.handleUnsubscribe(cs, rd)
	case OpSubRunCount:
		return d.handleSubRunCount(cs, bundle)
	case OpUnsubRunCount:
		return d.handleUnsubRunCount(cs)
	default:
		return StatusUnsupported, nil
	}
}

func (d *Dispatcher) handleCreate(bundle string, rd *reader) (Status, []byte) {
	blob, err := rd.bytesField()
	if err != nil {
		return StatusParameterCheck, nil
	}
	var cfg taskstore.Config
	if err := json.Unmarshal(blob, &cfg); err != nil {
		return StatusParameterCheck, nil
	}
	if cfg.Bundle == "" {
		cfg.Bundle = bundle
	}
	tid, err := d.registry.Insert(cfg)
	if err != nil {
		return statusFromErr(err), nil
	}
	return StatusOK, newWriter().u32(tid).bytes()
}

func (d *Dispatcher) readTid(rd *reader) (uint32, bool) {
	tid, err := rd.u32()
	return tid, err == nil
}

// handleStart drives Initialized --start--> Waiting and hands the task to
// the Scheduler for eligibility evaluation; the Scheduler (not this
// dispatch call) decides whether it is promoted straight to Running.
func (d *Dispatcher) handleStart(rd *reader) (Status, []byte) {
	tid, ok := d.readTid(rd)
	if !ok {
		return StatusParameterCheck, nil
	}
	var task taskstore.Task
	err := d.registry.Mutate(tid, func(t *taskstore.Task) error {
		if verr := statemachine.Validate(t.State, statemachine.EventStart, statemachine.Waiting); verr != nil {
			return verr
		}
		t.State = statemachine.Waiting
		task = *t
		return nil
	})
	if err != nil {
		return statusFromErr(err), nil
	}
	d.bus.State(tid, statemachine.Waiting, statemachine.ReasonOK)
	d.sched.Enqueue(task)
	d.sched.Evaluate()
	return StatusOK, nil
}

func (d *Dispatcher) handlePause(rd *reader) (Status, []byte) {
	tid, ok := d.readTid(rd)
	if !ok {
		return StatusParameterCheck, nil
	}
	t, err := d.registry.Get(tid, "")
	if err != nil {
		return statusFromErr(err), nil
	}
	if t.State != statemachine.Running {
		return StatusTaskState, nil
	}
	if !d.engine.Pause(tid) {
		return StatusTaskState, nil
	}
	return StatusOK, nil
}

// handleResume drives Paused --resume--> Waiting; like Start, the
// Scheduler's own evaluation decides when it actually runs again.
func (d *Dispatcher) handleResume(rd *reader) (Status, []byte) {
	tid, ok := d.readTid(rd)
	if !ok {
		return StatusParameterCheck, nil
	}
	var task taskstore.Task
	err := d.registry.Mutate(tid, func(t *taskstore.Task) error {
		if verr := statemachine.Validate(t.State, statemachine.EventResume, statemachine.Waiting); verr != nil {
			return verr
		}
		t.State = statemachine.Waiting
		task = *t
		return nil
	})
	if err != nil {
		return statusFromErr(err), nil
	}
	d.bus.State(tid, statemachine.Waiting, statemachine.ReasonOK)
	d.sched.Enqueue(task)
	d.sched.Evaluate()
	return StatusOK, nil
}

func (d *Dispatcher) handleStop(rd *reader) (Status, []byte) {
	tid, ok := d.readTid(rd)
	if !ok {
		return StatusParameterCheck, nil
	}
	t, err := d.registry.Get(tid, "")
	if err != nil {
		return statusFromErr(err), nil
	}
	if t.State == statemachine.Running {
		if d.engine.Stop(tid) {
			return StatusOK, nil
		}
		return StatusTaskState, nil
	}

	d.sched.Dequeue(tid)
	err = d.registry.Mutate(tid, func(tk *taskstore.Task) error {
		if verr := statemachine.Validate(tk.State, statemachine.EventStop, statemachine.Stopped); verr != nil {
			return verr
		}
		tk.State = statemachine.Stopped
		return nil
	})
	if err != nil {
		return statusFromErr(err), nil
	}
	d.bus.State(tid, statemachine.Stopped, statemachine.ReasonUserOperation)
	return StatusOK, nil
}

func (d *Dispatcher) handleRemove(bundle string, rd *reader) (Status, []byte) {
	tid, ok := d.readTid(rd)
	if !ok {
		return StatusParameterCheck, nil
	}
	if t, err := d.registry.Get(tid, bundle); err == nil && t.State == statemachine.Running {
		d.engine.CancelForRemove(tid)
	}
	d.sched.Dequeue(tid)
	if err := d.registry.Remove(tid, bundle); err != nil {
		return statusFromErr(err), nil
	}
	d.bus.State(tid, statemachine.Removed, statemachine.ReasonUserOperation)
	return StatusOK, nil
}

// handleQuery reports only the task's current state/reason, the
// lightest-weight of the three read operations.
func (d *Dispatcher) handleQuery(bundle string, rd *reader) (Status, []byte) {
	tid, ok := d.readTid(rd)
	if !ok {
		return StatusParameterCheck, nil
	}
	t, err := d.registry.Get(tid, bundle)
	if err != nil {
		return statusFromErr(err), nil
	}
	return StatusOK, newWriter().str(string(t.State)).str(string(t.Reason)).bytes()
}

// handleShow (and GetTask, its alias) returns the full persisted Task row
// as JSON, including its decoded config — the heavier read path a client
// uses to render task details rather than just poll liveness.
func (d *Dispatcher) handleShow(bundle string, rd *reader) (Status, []byte) {
	tid, ok := d.readTid(rd)
	if !ok {
		return StatusParameterCheck, nil
	}
	t, err := d.registry.Get(tid, bundle)
	if err != nil {
		return statusFromErr(err), nil
	}
	blob, err := json.Marshal(t)
	if err != nil {
		return StatusServiceError, nil
	}
	return StatusOK, newWriter().bytesField(blob).bytes()
}

// handleTouch is the sole cross-bundle read path: a caller presents a
// per-task token instead of its owning bundle, reaching even a
// already-Removed (soft-deleted) task.
func (d *Dispatcher) handleTouch(rd *reader) (Status, []byte) {
	tid, ok := d.readTid(rd)
	if !ok {
		return StatusParameterCheck, nil
	}
	token, err := rd.str()
	if err != nil {
		return StatusParameterCheck, nil
	}
	t, err := d.registry.Touch(tid, token)
	if err != nil {
		return statusFromErr(err), nil
	}
	blob, err := json.Marshal(t)
	if err != nil {
		return StatusServiceError, nil
	}
	return StatusOK, newWriter().bytesField(blob).bytes()
}

func (d *Dispatcher) handleSearch(rd *reader) (Status, []byte) {
	blob, err := rd.bytesField()
	if err != nil {
		return StatusParameterCheck, nil
	}
	var filter taskstore.SearchFilter
	if len(blob) > 0 {
		if err := json.Unmarshal(blob, &filter); err != nil {
			return StatusParameterCheck, nil
		}
	}
	tids, err := d.registry.Search(filter)
	if err != nil {
		return statusFromErr(err), nil
	}
	w := newWriter().u32(uint32(len(tids)))
	for _, tid := range tids {
		w.u32(tid)
	}
	return StatusOK, w.bytes()
}

func (d *Dispatcher) handleQueryMimeType(bundle string, rd *reader) (Status, []byte) {
	tid, ok := d.readTid(rd)
	if !ok {
		return StatusParameterCheck, nil
	}
	t, err := d.registry.Get(tid, bundle)
	if err != nil {
		return statusFromErr(err), nil
	}
	cfg, err := t.DecodeConfig()
	if err != nil {
		return StatusServiceError, nil
	}
	mime := ""
	if len(cfg.FileSpecs) > 0 {
		mime = cfg.FileSpecs[0].ContentType
	}
	return StatusOK, newWriter().str(mime).bytes()
}

func (d *Dispatcher) handleClear(bundle string, rd *reader) (Status, []byte) {
	count, err := rd.u32()
	if err != nil {
		return StatusParameterCheck, nil
	}
	tids := make([]uint32, 0, count)
	for i := uint32(0); i < count; i++ {
		tid, err := rd.u32()
		if err != nil {
			return StatusParameterCheck, nil
		}
		tids = append(tids, tid)
	}
	cleared := d.registry.Clear(tids, bundle)
	for _, tid := range cleared {
		d.bus.State(tid, statemachine.Removed, statemachine.ReasonUserOperation)
	}
	w := newWriter().u32(uint32(len(cleared)))
	for _, tid := range cleared {
		w.u32(tid)
	}
	return StatusOK, w.bytes()
}

// handleOpenChannel mints a fresh channel id, opens it on the Notification
// Bus, and starts the goroutine that pumps its frames back over this same
// connection as out-of-band frames. One connection carries at most one
// channel: a second OpenChannel call replaces it.
func (d *Dispatcher) handleOpenChannel(cs *connState) (Status, []byte) {
	if cs.channelID != "" {
		d.bus.Close(cs.channelID)
	}
	id := uuid.New().String()
	cs.channelID = id
	ch := d.bus.Open(id)
	go d.pumpChannel(cs, ch)
	return StatusOK, newWriter().str(id).bytes()
}

func (d *Dispatcher) pumpChannel(cs *connState, ch *notify.Channel) {
	for f := range ch.Frames() {
		var buf bytes.Buffer
		if err := f.Encode(&buf); err != nil {
			continue
		}
		cs.writeMu.Lock()
		err := writeFrame(cs.conn, statusNotification, buf.Bytes())
		cs.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (d *Dispatcher) handleSubscribe(cs *connState, bundle string, rd *reader) (Status, []byte) {
	if cs.channelID == "" {
		return StatusParameterCheck, nil
	}
	tid, ok := d.readTid(rd)
	if !ok {
		return StatusParameterCheck, nil
	}
	if err := d.bus.Subscribe(cs.channelID, bundle, tid); err != nil {
		return StatusServiceError, nil
	}
	return StatusOK, nil
}

func (d *Dispatcher) handleUnsubscribe(cs *connState, rd *reader) (Status, []byte) {
	if cs.channelID == "" {
		return StatusParameterCheck, nil
	}
	tid, ok := d.readTid(rd)
	if !ok {
		return StatusParameterCheck, nil
	}
	if err := d.bus.Unsubscribe(cs.channelID, tid); err != nil {
		return StatusServiceError, nil
	}
	return StatusOK, nil
}

func (d *Dispatcher) handleSubRunCount(cs *connState, bundle string) (Status, []byte) {
	if cs.channelID == "" {
		return StatusParameterCheck, nil
	}
	if err := d.bus.Subscribe(cs.channelID, bundle, 0); err != nil {
		return StatusServiceError, nil
	}
	return StatusOK, nil
}

func (d *Dispatcher) handleUnsubRunCount(cs *connState) (Status, []byte) {
	if cs.channelID == "" {
		return StatusParameterCheck, nil
	}
	if err := d.bus.Unsubscribe(cs.channelID, 0); err != nil {
		return StatusServiceError, nil
	}
	return StatusOK, nil
}
