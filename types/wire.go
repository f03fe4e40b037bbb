package types

// FrameType discriminates the dispatcher<->Worker wire protocol (§4.3, §6).
type FrameType string

const (
	FrameReady     FrameType = "READY"
	FrameRequest   FrameType = "REQUEST"
	FrameResponse  FrameType = "RESPONSE"
	FrameError     FrameType = "ERROR"
	FrameIdle      FrameType = "IDLE"
	FrameTerminate FrameType = "TERMINATE"
)

// WireRequest is the payload of a REQUEST frame, dispatcher -> Worker.
// Headers are flattened to one value per key (multi-value headers are
// joined with ", " at the dispatcher boundary; net/http's Header.Get would
// return only the first value).
type WireRequest struct {
	ReqID   string            `msgpack:"reqId"`
	Method  string            `msgpack:"method"`
	URL     string            `msgpack:"url"`
	Headers map[string]string `msgpack:"headers"`
	Body    []byte            `msgpack:"body"`
}

// WireResponse is the payload of a RESPONSE frame, Worker -> dispatcher.
type WireResponse struct {
	ReqID   string            `msgpack:"reqId"`
	Status  int               `msgpack:"status"`
	Headers map[string]string `msgpack:"headers"`
	Body    []byte            `msgpack:"body"`
}

// WireErrorFrame is the payload of an ERROR frame, Worker -> dispatcher.
type WireErrorFrame struct {
	ReqID string `msgpack:"reqId"`
	Error string `msgpack:"error"`
}

// Frame is the generic envelope every frame decodes into before its
// type-specific payload is extracted. Type is always present; ReqID is
// present on REQUEST/RESPONSE/ERROR and empty on READY/IDLE/TERMINATE.
type Frame struct {
	Type    FrameType         `msgpack:"type"`
	ReqID   string            `msgpack:"reqId,omitempty"`
	Method  string            `msgpack:"method,omitempty"`
	URL     string            `msgpack:"url,omitempty"`
	Headers map[string]string `msgpack:"headers,omitempty"`
	Body    []byte            `msgpack:"body,omitempty"`
	Status  int               `msgpack:"status,omitempty"`
	Error   string            `msgpack:"error,omitempty"`
}
