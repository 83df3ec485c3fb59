package worker

import (
	"errors"
	"net/http"
)

// Control message types.
const (
	MsgGetVersion       = "GET_VERSION"
	MsgSkipWaiting      = "SKIP_WAITING"
	MsgCacheAPIResponse = "CACHE_API_RESPONSE"
)

var (
	ErrUnknownMessage = errors.New("unknown message type")
	ErrBadMessage     = errors.New("malformed message")
)

// Message is a command sent over the control channel.
type Message struct {
	Type     string        `json:"type"`
	Request  *WireRequest  `json:"request,omitempty"`
	Response *WireResponse `json:"response,omitempty"`
}

type WireRequest struct {
	Method  string      `json:"method"`
	URL     string      `json:"url"`
	Headers http.Header `json:"headers,omitempty"`
}

type WireResponse struct {
	Status  int         `json:"status"`
	Headers http.Header `json:"headers,omitempty"`
	Body    string      `json:"body"`
}

// Reply answers a Message.
type Reply struct {
	Type    string `json:"type"`
	OK      bool   `json:"ok"`
	Version string `json:"version,omitempty"`
}
