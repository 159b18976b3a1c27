package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"transferengine/internal/statemachine"
	"transferengine/internal/taskstore"
)

// runUpload drives one upload task. Unlike downloads, uploads are not
// byte-range resumable in this design — a retry restarts the whole body —
// since range-resume for uploads is a server-specific protocol the spec
// does not define; retry/backoff and cancellation still apply per attempt.
func (e *Engine) runUpload(ctx context.Context, t taskstore.Task, cfg taskstore.Config, tc *taskControl) (statemachine.State, statemachine.Reason, error) {
	if len(cfg.FileSpecs) == 0 {
		return statemachine.Failed, statemachine.ReasonOther, fmt.Errorf("upload task has no file spec")
	}

	tries := 0
	retryCeiling := e.cfg.RetryCeiling()

	for {
		state, reason, attemptErr := e.attemptUpload(ctx, t, cfg, tc)
		switch state {
		case statemachine.Completed, statemachine.Paused, statemachine.Stopped, statemachine.Removed, statemachine.Waiting, statemachine.Failed:
			return state, reason, attemptErr
		}

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
	}
}

// attemptUpload performs one request with the task's method (POST when
// unset): a PUT streams the first file spec's body as-is, any other method
// sends a multipart body carrying every form field and file spec.
func (e *Engine) attemptUpload(ctx context.Context, t taskstore.Task, cfg taskstore.Config, tc *taskControl) (statemachine.State, statemachine.Reason, error) {
	var body io.Reader
	var contentType string
	var totalSize int64

	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}

	if method == http.MethodPut {
		f, size, err := openUploadFile(cfg.FileSpecs[0])
		if err != nil {
			return statemachine.Failed, statemachine.ReasonIO, err
		}
		defer f.Close()
		totalSize = size
		contentType = cfg.FileSpecs[0].ContentType
		body = &suspensionReader{r: f, ctx: ctx, tid: t.Tid, tc: tc, bandwidth: e.bandwidth}
	} else {
		buf, ct, size, err := buildMultipartBody(cfg)
		if err != nil {
			return statemachine.Failed, statemachine.ReasonOther, err
		}
		totalSize = size
		contentType = ct
		body = buf
	}

	ctx = withRedirectPolicy(ctx, cfg.Options.RedirectEnabled)

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, body)
	if err != nil {
		return statemachine.Failed, statemachine.ReasonOther, err
	}
	for name, values := range cfg.Headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.ContentLength = totalSize

	e.persistProgress(t.Tid, "", 0, totalSize)

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
	if resp.StatusCode >= 400 {
		return downloadRetry, statemachine.ReasonIO, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	e.bus.Response(responseEventFrom(t.Tid, resp))
	e.persistProgress(t.Tid, "", totalSize, totalSize)
	e.bus.Progress(progressEventFrom(t.Tid, totalSize, totalSize))
	e.trackCompletion(totalSize)

	return statemachine.Completed, statemachine.ReasonOK, nil
}

func openUploadFile(spec taskstore.FileSpec) (*os.File, int64, error) {
	path := spec.URI
	if path == "" {
		path = spec.Filename
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

func buildMultipartBody(cfg taskstore.Config) (*bytes.Buffer, string, int64, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	for _, field := range cfg.FormFields {
		if err := w.WriteField(field.Name, field.Value); err != nil {
			return nil, "", 0, err
		}
	}
	for _, spec := range cfg.FileSpecs {
		path := spec.URI
		if path == "" {
			path = spec.Filename
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, "", 0, err
		}
		part, err := w.CreateFormFile(spec.LogicalName, spec.Filename)
		if err != nil {
			f.Close()
			return nil, "", 0, err
		}
		if _, err := io.Copy(part, f); err != nil {
			f.Close()
			return nil, "", 0, err
		}
		f.Close()
	}
	if err := w.Close(); err != nil {
		return nil, "", 0, err
	}
	return buf, w.FormDataContentType(), int64(buf.Len()), nil
}

// suspensionReader wraps a file so the upload body stream honors
// cancellation and bandwidth limiting at the same chunk granularity as
// downloads.
type suspensionReader struct {
	r         io.Reader
	ctx       context.Context
	tid       uint32
	tc        *taskControl
	bandwidth *BandwidthManager
}

func (s *suspensionReader) Read(p []byte) (int, error) {
	if _, _, ok := checkSuspension(s.ctx, s.tc); ok {
		return 0, s.ctx.Err()
	}
	if len(p) > suspensionChunk {
		p = p[:suspensionChunk]
	}
	if err := s.bandwidth.Wait(s.ctx, s.tid, len(p)); err != nil {
		return 0, err
	}
	return s.r.Read(p)
}
