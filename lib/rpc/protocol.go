package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Wire format: one JSON object per line.
//
//	request:      {"id": 7, "command": "send", "chat_id": "...", "text": "..."}
//	response:     {"id": 7, "command": "response", "response": {...}}
//	error:        {"id": 7, "command": "error", "error": "..."}
//	notification: {"id": -3, "command": "message", "message": {...}, "is_sequential": true}

const (
	CommandResponse = "response"
	CommandError    = "error"
	CommandQuit     = "quit"
)

const (
	QuitReplaced = "Socket replaced by new connection"
	QuitShutdown = "Server is shutting down"
)

var errMalformed = errors.New("malformed request")

// Request is a decoded client line. Params holds the whole object so handlers
// can decode their own fields from it.
type Request struct {
	ID      int64
	Command string
	Params  json.RawMessage
}

// DecodeRequest parses one line. Lines that are not JSON objects with a
// positive id and a command are malformed.
func DecodeRequest(line []byte) (Request, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Request{}, errMalformed
	}
	var head struct {
		ID      *int64 `json:"id"`
		Command string `json:"command"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return Request{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if head.ID == nil || *head.ID <= 0 || head.Command == "" {
		return Request{}, errMalformed
	}
	return Request{ID: *head.ID, Command: head.Command, Params: json.RawMessage(line)}, nil
}

// Decode unmarshals the request's fields into v.
func (r Request) Decode(v any) error {
	if err := json.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("decode %s params: %w", r.Command, err)
	}
	return nil
}

// encodeResponse builds a response line; a nil value is sent as null.
func encodeResponse(id int64, value any) ([]byte, error) {
	return encodeLine(map[string]any{"id": id, "command": CommandResponse, "response": value})
}

func encodeError(id int64, err error) ([]byte, error) {
	return encodeLine(map[string]any{"id": id, "command": CommandError, "error": err.Error()})
}

// encodeNotification flattens fields next to id and command.
func encodeNotification(id int64, command string, fields map[string]any, sequential bool) ([]byte, error) {
	obj := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		obj[k] = v
	}
	obj["id"] = id
	obj["command"] = command
	if sequential {
		obj["is_sequential"] = true
	}
	return encodeLine(obj)
}

func encodeLine(obj map[string]any) ([]byte, error) {
	b, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode %v: %w", obj["command"], err)
	}
	return append(b, '\n'), nil
}
