package hub

import "encoding/json"

// frame is the single envelope shape every message on the wire takes, one
// namespace, one event name, and an opaque JSON payload. reqID correlates
// a request/ack or request/response pair across the point-to-point
// forwarding path; it is empty for pure broadcasts.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	ReqID string          `json:"req_id,omitempty"`
}

func newFrame(event string, payload any) (*frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &frame{Event: event, Data: data}, nil
}
