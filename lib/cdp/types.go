package cdp

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrClosed  = errors.New("CDP connection closed")
	ErrTimeout = errors.New("timed out waiting for condition")
)

// message is the CDP wire envelope for commands, responses and events.
type message struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Error is a protocol-level error returned by the browser for a command.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("CDP error %d: %s", e.Code, e.Message)
}

// Event is an unsolicited CDP message.
type Event struct {
	Method    string
	Params    json.RawMessage
	SessionID string
}

type response struct {
	result json.RawMessage
	err    error
}

// TargetInfo mirrors the subset of Target.TargetInfo we read.
type TargetInfo struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Attached bool   `json:"attached"`
}

// evaluateResult is the shape of a Runtime.evaluate response.
type evaluateResult struct {
	Result struct {
		Type        string          `json:"type"`
		Value       json.RawMessage `json:"value"`
		Description string          `json:"description"`
		Subtype     string          `json:"subtype"`
	} `json:"result"`
	ExceptionDetails *struct {
		Text      string `json:"text"`
		Exception struct {
			Description string `json:"description"`
		} `json:"exception"`
	} `json:"exceptionDetails"`
}

func (r *evaluateResult) err() error {
	if r.ExceptionDetails != nil {
		msg := r.ExceptionDetails.Text
		if r.ExceptionDetails.Exception.Description != "" {
			msg = r.ExceptionDetails.Exception.Description
		}
		return fmt.Errorf("JS exception: %s", msg)
	}
	if r.Result.Subtype == "error" {
		return fmt.Errorf("JS error: %s", r.Result.Description)
	}
	return nil
}
