// Package ws carries the method channel over a websocket.
//
// Every message is one JSON frame:
//
//	{"type":"call","seq":1,"method":"show","args":{...}}
//	{"type":"result","seq":1,"result":null}
//	{"type":"error","seq":1,"error":{"code":"show_error","message":"...","details":null}}
//	{"type":"notImplemented","seq":1}
//	{"type":"invoke","method":"selectNotification","args":{"id":1,"payload":"..."}}
//
// Calls on one connection are answered in the order they arrive.
package ws

import (
	"encoding/json"

	"notifyd/internal/transport"
)

const (
	FrameCall           = "call"
	FrameResult         = "result"
	FrameError          = "error"
	FrameNotImplemented = "notImplemented"
	FrameInvoke         = "invoke"
)

type Frame struct {
	Type   string           `json:"type"`
	Seq    uint64           `json:"seq,omitempty"`
	Method string           `json:"method,omitempty"`
	Args   json.RawMessage  `json:"args,omitempty"`
	Result json.RawMessage  `json:"result,omitempty"`
	Error  *transport.Error `json:"error,omitempty"`
}

func responseFrame(seq uint64, resp transport.Response) Frame {
	switch {
	case resp.NotImplemented:
		return Frame{Type: FrameNotImplemented, Seq: seq}
	case resp.Error != nil:
		return Frame{Type: FrameError, Seq: seq, Error: resp.Error}
	}
	b, err := json.Marshal(resp.Result)
	if err != nil {
		return Frame{Type: FrameError, Seq: seq, Error: &transport.Error{Code: "encode_error", Message: err.Error()}}
	}
	return Frame{Type: FrameResult, Seq: seq, Result: b}
}
