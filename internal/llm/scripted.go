package llm

import (
	"context"
	"strings"
	"sync"
	"time"
)

// ToolInvoker dispatches a tool call on behalf of a scripted model. The tool
// bridge provides the production implementation; tests provide fakes.
type ToolInvoker func(ctx context.Context, name string, args map[string]any) (string, error)

// ScriptedToolCall is one tool invocation a scripted turn performs before
// producing text.
type ScriptedToolCall struct {
	Name string
	Args map[string]any
}

// Script describes one deterministic model turn.
type Script struct {
	ToolCalls []ScriptedToolCall
	Chunks    []string
	Final     string
	// ChunkDelay sleeps between chunks to simulate a slow provider.
	ChunkDelay time.Duration
	Err        error
}

// ScriptedClient is a deterministic ModelClient. Turns are matched by a key
// found in the system prompt, falling back to Default. It drives the same
// code paths a real provider would: tool dispatch through the invoker, chunk
// streaming, terminal done/error events, cancellation between steps.
type ScriptedClient struct {
	mu      sync.Mutex
	Scripts map[string]Script
	Default Script
	Invoker ToolInvoker

	// calls records every StreamRequest for assertions.
	calls []StreamRequest
}

// NewScriptedClient returns a client with an empty script table.
func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{Scripts: make(map[string]Script)}
}

// On registers the script used when the system prompt contains key.
func (c *ScriptedClient) On(key string, script Script) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Scripts[key] = script
	return c
}

// Calls returns the requests observed so far.
func (c *ScriptedClient) Calls() []StreamRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]StreamRequest, len(c.calls))
	copy(out, c.calls)
	return out
}

func (c *ScriptedClient) scriptFor(system string) Script {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, s := range c.Scripts {
		if strings.Contains(system, key) {
			return s
		}
	}
	return c.Default
}

// mergeMetadata folds the request's correlation metadata into a tool call's
// arguments. Explicit script arguments win over metadata.
func mergeMetadata(args map[string]any, meta map[string]string) map[string]any {
	out := make(map[string]any, len(args)+len(meta))
	for k, v := range meta {
		if v != "" {
			out[k] = v
		}
	}
	for k, v := range args {
		out[k] = v
	}
	return out
}

// Stream implements ModelClient.
func (c *ScriptedClient) Stream(ctx context.Context, req StreamRequest) (<-chan Event, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	c.mu.Unlock()

	script := c.scriptFor(req.System)
	out := make(chan Event, 16)

	go func() {
		defer close(out)

		if script.Err != nil {
			out <- Event{Kind: EventError, Err: script.Err}
			return
		}

		for _, tc := range script.ToolCalls {
			if ctx.Err() != nil {
				out <- Event{Kind: EventError, Err: ctx.Err()}
				return
			}
			args := mergeMetadata(tc.Args, req.Metadata)
			ev := Event{Kind: EventToolCall, ToolName: tc.Name, ToolArgs: args}
			if c.Invoker != nil {
				result, err := c.Invoker(ctx, tc.Name, args)
				ev.ToolResult = result
				if err != nil {
					ev.ToolErr = err.Error()
				}
			}
			out <- ev
		}

		var final strings.Builder
		for _, chunk := range script.Chunks {
			if script.ChunkDelay > 0 {
				select {
				case <-time.After(script.ChunkDelay):
				case <-ctx.Done():
					out <- Event{Kind: EventError, Err: ctx.Err()}
					return
				}
			} else if ctx.Err() != nil {
				out <- Event{Kind: EventError, Err: ctx.Err()}
				return
			}
			final.WriteString(chunk)
			out <- Event{Kind: EventChunk, Text: chunk}
		}

		text := script.Final
		if text == "" {
			text = final.String()
		}
		out <- Event{Kind: EventDone, FinalText: text}
	}()

	return out, nil
}
