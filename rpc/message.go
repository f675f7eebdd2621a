package rpc

import (
	"encoding/json"
	"time"
)

// request is the wire form of a call.
type request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	SentAt time.Time       `json:"sent_at"`
}

// response is the wire form of a reply. Exactly one of Result and Error is set.
type response struct {
	ID       string          `json:"id"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    *Error          `json:"error,omitempty"`
	Instance string          `json:"instance,omitempty"`
}
