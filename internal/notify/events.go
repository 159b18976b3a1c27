package notify

// ProgressEvent carries a task's current transfer cursor.
type ProgressEvent struct {
	Tid       uint32
	State     string
	FileIndex int32
	Processed int64
	Sizes     []int64
	Extras    map[string]string
}

func (e ProgressEvent) encode() []byte {
	w := newPayloadWriter()
	w.u32(e.Tid).str(e.State).i32(e.FileIndex).i64(e.Processed)
	w.u32(uint32(len(e.Sizes)))
	for _, s := range e.Sizes {
		w.i64(s)
	}
	w.u32(uint32(len(e.Extras)))
	for k, v := range e.Extras {
		w.str(k).str(v)
	}
	return w.bytes()
}

// ToFrame renders the event as a wire Frame.
func (e ProgressEvent) ToFrame() Frame { return Frame{Kind: KindProgress, Tid: e.Tid, Payload: e.encode()} }

// ResponseEvent mirrors an HTTP response's metadata back to the client.
type ResponseEvent struct {
	Tid          uint32
	HTTPVersion  string
	StatusCode   int32
	ReasonPhrase string
	Headers      map[string][]string
}

func (e ResponseEvent) encode() []byte {
	w := newPayloadWriter()
	w.u32(e.Tid).str(e.HTTPVersion).i32(e.StatusCode).str(e.ReasonPhrase)
	w.u32(uint32(len(e.Headers)))
	for name, values := range e.Headers {
		w.str(name)
		w.u32(uint32(len(values)))
		for _, v := range values {
			w.str(v)
		}
	}
	return w.bytes()
}

func (e ResponseEvent) ToFrame() Frame { return Frame{Kind: KindResponse, Tid: e.Tid, Payload: e.encode()} }

// StateEvent is a Completed/Failed/Paused/Resumed/Removed (or any other)
// state change with its reason code.
type StateEvent struct {
	Tid    uint32
	State  string
	Reason string
}

func (e StateEvent) encode() []byte {
	w := newPayloadWriter()
	w.u32(e.Tid).str(e.State).str(e.Reason)
	return w.bytes()
}

func (e StateEvent) ToFrame() Frame { return Frame{Kind: KindState, Tid: e.Tid, Payload: e.encode()} }

// FaultEvent is a structured error not tied to a normal state transition.
type FaultEvent struct {
	Tid           uint32
	SubscribeType string
	Reason        string
}

func (e FaultEvent) encode() []byte {
	w := newPayloadWriter()
	w.u32(e.Tid).str(e.SubscribeType).str(e.Reason)
	return w.bytes()
}

func (e FaultEvent) ToFrame() Frame { return Frame{Kind: KindFault, Tid: e.Tid, Payload: e.encode()} }

// WaitEvent explains why a task currently sits in Waiting.
type WaitEvent struct {
	Tid           uint32
	WaitingReason string
}

func (e WaitEvent) encode() []byte {
	w := newPayloadWriter()
	w.u32(e.Tid).str(e.WaitingReason)
	return w.bytes()
}

func (e WaitEvent) ToFrame() Frame { return Frame{Kind: KindWait, Tid: e.Tid, Payload: e.encode()} }

// RunCountEvent is broadcast to every subscriber of that kind.
type RunCountEvent struct {
	Count uint32
}

func (e RunCountEvent) encode() []byte {
	w := newPayloadWriter()
	w.u32(e.Count)
	return w.bytes()
}

func (e RunCountEvent) ToFrame() Frame { return Frame{Kind: KindRunCount, Payload: e.encode()} }
