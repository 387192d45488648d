package mcp

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const protocolVersion = "2024-11-05"

// Authorized checks the internal service token when one is configured.
// The bridge endpoints are meant for model providers, not end users.
func (b *Bridge) Authorized(c *gin.Context) bool {
	token := b.cfg.InternalServiceToken
	if token == "" {
		return true
	}
	auth := c.GetHeader("Authorization")
	if strings.TrimPrefix(auth, "Bearer ") == token {
		return true
	}
	return c.GetHeader("X-Internal-Token") == token
}

// HandleRPC serves the JSON-RPC endpoint (POST /mcp).
func (b *Bridge) HandleRPC(c *gin.Context) {
	if !b.Authorized(c) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid service token"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusOK, NewErrorResponse(nil, ParseError, "failed to read request body", err.Error()))
		return
	}

	req, uerr := UnmarshalRequest(body)
	if uerr != nil {
		rpcErr, ok := uerr.(*RPCError)
		if !ok {
			rpcErr = &RPCError{Code: ParseError, Message: uerr.Error()}
		}
		c.JSON(http.StatusOK, &Response{JSONRPC: JSONRPCVersion, Error: rpcErr})
		return
	}

	resp := b.handle(c, req)
	if req.IsNotification() {
		c.Status(http.StatusAccepted)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (b *Bridge) handle(c *gin.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return NewResponse(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "conductor-editor", "version": "1.0.0"},
		})

	case "ping":
		return NewResponse(req.ID, map[string]any{})

	case "tools/list":
		return NewResponse(req.ID, map[string]any{"tools": Catalogue()})

	case "tools/call":
		name, ok := req.Params["name"].(string)
		if !ok || name == "" {
			return NewErrorResponse(req.ID, InvalidParams, "tools/call requires a tool name", nil)
		}
		args, _ := req.Params["arguments"].(map[string]any)
		if args == nil {
			args = map[string]any{}
		}
		if rpcErr := b.ValidateArgs(name, args); rpcErr != nil {
			return NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		}

		result, err := b.Invoke(c.Request.Context(), name, args)
		if err != nil {
			// Tool failures are results, not protocol errors; providers relay
			// them back to the model for self-correction.
			return NewResponse(req.ID, TextResult(err.Error(), true))
		}
		return NewResponse(req.ID, TextResult(result, false))

	default:
		return NewErrorResponse(req.ID, MethodNotFound, fmt.Sprintf("unknown method %q", req.Method), nil)
	}
}

const ssePingInterval = 15 * time.Second

// HandleSSE serves the keep-alive stream (GET /sse) some MCP clients expect
// alongside the RPC endpoint.
func (b *Bridge) HandleSSE(c *gin.Context) {
	if !b.Authorized(c) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid service token"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	fmt.Fprintf(c.Writer, "event: endpoint\ndata: /mcp\n\n")
	flusher.Flush()

	ticker := time.NewTicker(ssePingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprintf(c.Writer, ": ping\n\n")
			flusher.Flush()
		}
	}
}
