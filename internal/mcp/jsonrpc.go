package mcp

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 specification: https://www.jsonrpc.org/specification

// JSONRPCVersion is the JSON-RPC version used by MCP
const JSONRPCVersion = "2.0"

// Standard JSON-RPC error codes
const (
	ParseError     = -32700 // Invalid JSON was received
	InvalidRequest = -32600 // The JSON sent is not a valid Request object
	MethodNotFound = -32601 // The method does not exist / is not available
	InvalidParams  = -32602 // Invalid method parameter(s)
	InternalError  = -32603 // Internal JSON-RPC error
)

// Request represents a JSON-RPC 2.0 request
type Request struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      any            `json:"id,omitempty"` // String, number, or null
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error object
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("JSON-RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// NewResponse creates a successful JSON-RPC response
func NewResponse(id any, result any) *Response {
	return &Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  result,
	}
}

// NewErrorResponse creates a JSON-RPC error response
func NewErrorResponse(id any, code int, message string, data any) *Response {
	return &Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &RPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// UnmarshalRequest parses a JSON-RPC request
func UnmarshalRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{
			Code:    ParseError,
			Message: "Failed to parse JSON-RPC request",
			Data:    err.Error(),
		}
	}
	if req.JSONRPC != JSONRPCVersion {
		return nil, &RPCError{
			Code:    InvalidRequest,
			Message: fmt.Sprintf("Invalid JSON-RPC version: %s", req.JSONRPC),
		}
	}
	return &req, nil
}

// IsNotification checks if a request is a notification (no ID)
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// ToolResult is the MCP-shaped payload of a tools/call response. Tool-level
// failures travel here with IsError set; only transport problems become
// JSON-RPC errors.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is one element of a tool result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextResult wraps text in the standard single-block shape.
func TextResult(text string, isError bool) *ToolResult {
	return &ToolResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: isError,
	}
}
