// Package uds is the local control channel between the heimdall CLI and a
// running daemon: one length-prefixed JSON request and response per
// connection over a Unix domain socket.
package uds

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
)

const ProtocolVersion = 1

// DefaultSocketName is the socket filename inside the state directory.
const DefaultSocketName = "heimdall.sock"

// maxFrameSize bounds a single frame; submitted documents are small.
const maxFrameSize = 10 * 1024 * 1024

// Commands served by the daemon.
const (
	CmdPing     = "ping"
	CmdStatus   = "status"
	CmdPause    = "pause"
	CmdResume   = "resume"
	CmdSubmit   = "submit"
	CmdLint     = "lint"
	CmdShutdown = "shutdown"
)

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func (e *ErrorDetail) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeRejected         = "REJECTED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// Rejected reports a task document the queue refused, one detail per
// validation error.
func Rejected(details ...string) *ErrorDetail {
	return &ErrorDetail{Code: ErrCodeRejected, Message: "task rejected", Details: details}
}

// IsRejected reports whether err is a REJECTED response and returns it.
func IsRejected(err error) (*ErrorDetail, bool) {
	var detail *ErrorDetail
	if errors.As(err, &detail) && detail.Code == ErrCodeRejected {
		return detail, true
	}
	return nil, false
}

type PingResult struct {
	Status string `json:"status"`
	Pid    int    `json:"pid"`
}

// ToggleResult answers pause and resume. Changed is false when the queue
// was already in the requested state.
type ToggleResult struct {
	Paused  bool `json:"paused"`
	Changed bool `json:"changed"`
}

// SubmitParams carries either a decoded document or raw YAML/JSON text.
type SubmitParams struct {
	Doc    map[string]any `json:"doc,omitempty"`
	Raw    string         `json:"raw,omitempty"`
	Source string         `json:"source,omitempty"`
}

type SubmitResult struct {
	Entry    string   `json:"entry"`
	Type     string   `json:"type"`
	Warnings []string `json:"warnings,omitempty"`
}

type LintParams struct {
	Raw string `json:"raw"`
}

func NewRequest(command string, params any) (*Request, error) {
	req := &Request{
		ProtocolVersion: ProtocolVersion,
		Command:         command,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

// DecodeParams unmarshals the request parameters into v. Absent parameters
// leave v untouched.
func (r *Request) DecodeParams(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("decode %s params: %w", r.Command, err)
	}
	return nil
}

func SuccessResponse(data any) *Response {
	resp := &Response{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return ErrorResponse(ErrCodeInternal, fmt.Sprintf("marshal response: %v", err))
		}
		resp.Data = raw
	}
	return resp
}

func ErrorResponse(code, message string, details ...string) *Response {
	return &Response{
		Success: false,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// Decode returns the response error, or unmarshals the payload into v.
func (r *Response) Decode(v any) error {
	if !r.Success {
		if r.Error == nil {
			return &ErrorDetail{Code: ErrCodeInternal, Message: "request failed"}
		}
		return r.Error
	}
	if v == nil || len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// WriteFrame writes a length-prefixed JSON frame to the connection.
// Format: [4-byte BigEndian length][JSON payload]
func WriteFrame(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	length := uint32(len(data))
	if err := binary.Write(conn, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := io.Copy(conn, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads a length-prefixed JSON frame from the connection.
func ReadFrame(conn net.Conn, v any) error {
	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}
	if length > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
