package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"transferengine/internal/filesystem"
	"transferengine/internal/notify"
	"transferengine/internal/statemachine"
	"transferengine/internal/taskstore"
)

// downloadRetry is a sentinel outcome attemptDownload returns for any
// transient failure; it is never applied to the Registry directly — the
// caller (runDownload) decides whether to retry, give up, or go offline.
const downloadRetry statemachine.State = "retry"

// runDownload drives one download task to a terminal-for-this-dispatch
// outcome: Completed, Failed, Stopped, Removed, or Waiting/Paused when
// interrupted mid-flight. It owns the retry loop internally — Retrying and
// the backoff sleep never leave this function, only the final result does.
func (e *Engine) runDownload(ctx context.Context, t taskstore.Task, cfg taskstore.Config, tc *taskControl) (statemachine.State, statemachine.Reason, error) {
	if len(cfg.FileSpecs) == 0 {
		return statemachine.Failed, statemachine.ReasonOther, fmt.Errorf("download task has no file spec")
	}
	spec := cfg.FileSpecs[0]

	savePath, err := e.resolver.Resolve(cfg.Bundle, spec.Filename)
	if err != nil {
		return statemachine.Failed, statemachine.ReasonOther, err
	}
	if err := filesystem.CheckOverwrite(savePath, cfg.Options.Overwrite); err != nil {
		return statemachine.Failed, statemachine.ReasonOther, err
	}
	tempPath := filesystem.TempPath(savePath)

	prevProgress, _ := e.registry.GetProgress(t.Tid)

	tries := 0
	retryCeiling := e.cfg.RetryCeiling()

	for {
		state, reason, attemptErr := e.attemptDownload(ctx, t, cfg, spec, tempPath, prevProgress, tc)
		switch state {
		case statemachine.Completed:
			if err := e.scanCompletedFile(ctx, tempPath); err != nil {
				return statemachine.Failed, statemachine.ReasonOther, fmt.Errorf("threat detected: %w", err)
			}
			if err := e.verifyCompletedFile(tempPath, spec); err != nil {
				return statemachine.Failed, statemachine.ReasonOther, err
			}
			if err := filesystem.CommitTemp(tempPath, savePath); err != nil {
				return statemachine.Failed, statemachine.ReasonIO, err
			}
			if final, err := e.registry.GetProgress(t.Tid); err == nil {
				e.trackCompletion(final.Processed)
			}
			return statemachine.Completed, statemachine.ReasonOK, nil

		case statemachine.Paused, statemachine.Stopped, statemachine.Removed:
			// User-initiated interruption: leave the .tmp file in place so a
			// future resume can pick up from prevProgress.Processed.
			return state, reason, attemptErr

		case statemachine.Waiting:
			// Network dropped mid-transfer (a failed body read or a
			// network-loss preemption); the scheduler re-evaluates eligibility.
			return statemachine.Waiting, reason, attemptErr

		case statemachine.Failed:
			return statemachine.Failed, reason, attemptErr
		}

		// Only downloadRetry reaches here: a transient failure worth
		// retrying, subject to the retry-enabled flag and attempt ceiling.
		tries++
		if !cfg.Options.RetryEnabled || tries > retryCeiling {
			return statemachine.Failed, reason, attemptErr
		}

		if err := e.registry.Mutate(t.Tid, func(tk *taskstore.Task) error {
			if err := statemachine.Validate(tk.State, statemachine.EventFailRetry, statemachine.Retrying); err != nil {
				return err
			}
			tk.State = statemachine.Retrying
			tk.Reason = reason
			return nil
		}); err != nil {
			return statemachine.Failed, reason, attemptErr
		}
		e.bus.State(t.Tid, statemachine.Retrying, reason)

		delay := backoffDelay(tries - 1)
		select {
		case <-ctx.Done():
			if s, r, ok := checkSuspension(ctx, tc); ok {
				return s, r, nil
			}
			return statemachine.Stopped, statemachine.ReasonOther, nil
		case <-time.After(delay):
		}

		if err := e.registry.Mutate(t.Tid, func(tk *taskstore.Task) error {
			if err := statemachine.Validate(tk.State, statemachine.EventBackoffDone, statemachine.Running); err != nil {
				return err
			}
			tk.State = statemachine.Running
			return nil
		}); err != nil {
			return statemachine.Failed, reason, attemptErr
		}
		e.bus.State(t.Tid, statemachine.Running, statemachine.ReasonOK)

		prevProgress, _ = e.registry.GetProgress(t.Tid)
	}
}

// attemptDownload runs exactly one HTTP request/response cycle: probe for
// range support, open the file at the right offset, and copy the body in
// suspensionChunk-sized slices, checking for cancellation at each boundary
// and reporting progress every ProgressBytes() bytes and once at the end.
func (e *Engine) attemptDownload(ctx context.Context, t taskstore.Task, cfg taskstore.Config, spec taskstore.FileSpec, tempPath string, prev taskstore.Progress, tc *taskControl) (statemachine.State, statemachine.Reason, error) {
	ctx = withRedirectPolicy(ctx, cfg.Options.RedirectEnabled)

	probe, err := ProbeURL(ctx, e.client, cfg.URL, cfg.Headers, e.cfg.GetUserAgent())
	if err != nil {
		if s, r, ok := checkSuspension(ctx, tc); ok {
			return s, r, nil
		}
		if errors.Is(err, ErrLinkExpired) {
			return statemachine.Failed, statemachine.ReasonOther, err
		}
		if errors.Is(err, ErrRedirectBlocked) {
			return statemachine.Failed, statemachine.ReasonRedirect, err
		}
		return downloadRetry, statemachine.ReasonIO, err
	}

	resumeFrom := int64(0)
	if probe.SupportsRanges && prev.Processed > 0 {
		resumeFrom = prev.Processed
	}

	if probe.TotalSize > 0 {
		if err := e.allocator.AllocateFile(tempPath, probe.TotalSize); err != nil {
			return statemachine.Failed, statemachine.ReasonIO, err
		}
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := newRequest(ctx, method, cfg.URL, cfg.Headers, e.cfg.GetUserAgent())
	if err != nil {
		return statemachine.Failed, statemachine.ReasonOther, err
	}
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if s, r, ok := checkSuspension(ctx, tc); ok {
			return s, r, nil
		}
		return downloadRetry, statemachine.ReasonIO, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return statemachine.Failed, statemachine.ReasonOther, ErrLinkExpired
	}
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		return statemachine.Failed, statemachine.ReasonRedirect, fmt.Errorf("%w: status %d", ErrRedirectBlocked, resp.StatusCode)
	}
	if resumeFrom > 0 && resp.StatusCode != http.StatusPartialContent {
		// Server ignored our Range header; restart from scratch rather than
		// silently duplicating or corrupting the file.
		resumeFrom = 0
	}
	if resp.StatusCode >= 400 {
		return downloadRetry, statemachine.ReasonIO, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	e.bus.Response(responseEventFrom(t.Tid, resp))

	flags := os.O_CREATE | os.O_WRONLY
	if resumeFrom > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(tempPath, flags, 0644)
	if err != nil {
		return statemachine.Failed, statemachine.ReasonIO, err
	}
	defer f.Close()

	processed := resumeFrom
	total := probe.TotalSize
	if total <= 0 {
		total = resp.ContentLength + resumeFrom
	}

	lastReport := processed
	buf := make([]byte, suspensionChunk)

	for {
		if s, r, ok := checkSuspension(ctx, tc); ok {
			e.persistProgress(t.Tid, spec.Filename, processed, total)
			return s, r, nil
		}

		if err := e.bandwidth.Wait(ctx, t.Tid, len(buf)); err != nil {
			if s, r, ok := checkSuspension(ctx, tc); ok {
				return s, r, nil
			}
			return downloadRetry, statemachine.ReasonIO, err
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return statemachine.Failed, statemachine.ReasonIO, werr
			}
			processed += int64(n)
			if processed-lastReport >= e.cfg.ProgressBytes() {
				e.persistProgress(t.Tid, spec.Filename, processed, total)
				e.bus.Progress(progressEventFrom(t.Tid, processed, total))
				lastReport = processed
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if s, r, ok := checkSuspension(ctx, tc); ok {
				e.persistProgress(t.Tid, spec.Filename, processed, total)
				return s, r, nil
			}
			return statemachine.Waiting, statemachine.ReasonOffline, readErr
		}
	}

	if err := f.Sync(); err != nil {
		return statemachine.Failed, statemachine.ReasonIO, err
	}
	e.persistProgress(t.Tid, spec.Filename, processed, total)
	e.bus.Progress(progressEventFrom(t.Tid, processed, total))
	return statemachine.Completed, statemachine.ReasonOK, nil
}

func (e *Engine) persistProgress(tid uint32, filename string, processed, total int64) {
	prog := taskstore.Progress{
		Processed: processed,
		Sizes:     []int64{total},
		Extras:    map[string]string{"filename": filename},
	}
	if err := e.registry.SaveProgress(tid, prog, 0, statemachine.ReasonOK); err != nil && e.logger != nil {
		e.logger.Warn("failed to persist progress", "tid", tid, "error", err)
	}
}

func responseEventFrom(tid uint32, resp *http.Response) notify.ResponseEvent {
	return notify.ResponseEvent{
		Tid:          tid,
		HTTPVersion:  resp.Proto,
		StatusCode:   int32(resp.StatusCode),
		ReasonPhrase: http.StatusText(resp.StatusCode),
		Headers:      map[string][]string(resp.Header),
	}
}

func progressEventFrom(tid uint32, processed, total int64) notify.ProgressEvent {
	return notify.ProgressEvent{
		Tid:       tid,
		State:     string(statemachine.Running),
		Processed: processed,
		Sizes:     []int64{total},
	}
}
