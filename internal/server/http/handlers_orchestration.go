package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"conductor/internal/orchestrator"
	"conductor/internal/stream"
	"conductor/internal/xerrors"
)

type executeDesignRequest struct {
	Design     orchestrator.Design `json:"design" binding:"required"`
	WorkflowID string              `json:"workflow_id"`
	UserPrompt string              `json:"user_prompt"`
	GitRepo    string              `json:"git_repo"`
	GitRef     string              `json:"git_ref"`
}

// applyGitDefaults fills the request's repository into blocks that do not
// declare their own.
func (req *executeDesignRequest) applyGitDefaults() {
	if req.GitRepo == "" {
		return
	}
	for i := range req.Design.Blocks {
		if req.Design.Blocks[i].GitRepo == "" {
			req.Design.Blocks[i].GitRepo = req.GitRepo
			req.Design.Blocks[i].GitRef = req.GitRef
		}
	}
}

// handleExecuteDesign runs a design to completion and returns the final
// snapshot. Long designs should prefer the streaming variant.
func (s *Server) handleExecuteDesign(c *gin.Context) {
	var req executeDesignRequest
	if !bindJSON(c, &req) {
		return
	}
	req.applyGitDefaults()

	exec, err := s.scheduler.Start(&req.Design, req.WorkflowID, principal(c).UserID, req.UserPrompt)
	if err != nil {
		writeError(c, err)
		return
	}

	if err := exec.Wait(c.Request.Context()); err != nil {
		// Client went away before the run finished; it keeps running and the
		// snapshot stays retrievable by id.
		c.JSON(http.StatusAccepted, exec.Snapshot())
		return
	}
	c.JSON(http.StatusOK, exec.Snapshot())
}

// handleExecuteDesignStream starts a design and streams its event log as SSE.
func (s *Server) handleExecuteDesignStream(c *gin.Context) {
	var req executeDesignRequest
	if !bindJSON(c, &req) {
		return
	}
	req.applyGitDefaults()

	exec, err := s.scheduler.Start(&req.Design, req.WorkflowID, principal(c).UserID, req.UserPrompt)
	if err != nil {
		writeError(c, err)
		return
	}
	s.streamExecution(c, exec.ID)
}

type patternRequest struct {
	Task                   string                  `json:"task" binding:"required"`
	Agents                 []orchestrator.AgentDef `json:"agents" binding:"required"`
	GitRepo                string                  `json:"git_repo"`
	GitRef                 string                  `json:"git_ref"`
	IsolateAgentWorkspaces bool                    `json:"isolate_agent_workspaces"`
	Rounds                 int                     `json:"rounds"`
	WorkflowID             string                  `json:"workflow_id"`
}

var patternTypes = map[string]orchestrator.BlockType{
	"sequential":   orchestrator.BlockSequential,
	"parallel":     orchestrator.BlockParallel,
	"hierarchical": orchestrator.BlockHierarchical,
	"debate":       orchestrator.BlockDebate,
	"routing":      orchestrator.BlockRouting,
	"reflection":   orchestrator.BlockReflection,
}

// handlePatternStream runs a one-block design with the pattern named in the
// path and streams its events.
func (s *Server) handlePatternStream(c *gin.Context) {
	pattern := c.Param("pattern")
	blockType, ok := patternTypes[pattern]
	if !ok {
		writeError(c, xerrors.E(xerrors.KindInvalidInput, "http.pattern", pattern, fmt.Sprintf("unknown pattern %q", pattern)))
		return
	}

	var req patternRequest
	if !bindJSON(c, &req) {
		return
	}

	design := orchestrator.SingleBlockDesign(orchestrator.Block{
		Type:                   blockType,
		Agents:                 req.Agents,
		Task:                   req.Task,
		GitRepo:                req.GitRepo,
		GitRef:                 req.GitRef,
		IsolateAgentWorkspaces: req.IsolateAgentWorkspaces,
		Rounds:                 req.Rounds,
	})

	exec, err := s.scheduler.Start(design, req.WorkflowID, principal(c).UserID, "")
	if err != nil {
		writeError(c, err)
		return
	}
	s.streamExecution(c, exec.ID)
}

const sseHeartbeatInterval = 15 * time.Second

// streamExecution replays the buffered event log and tails new events as SSE
// until the stream closes or the client disconnects.
func (s *Server) streamExecution(c *gin.Context, executionID string) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, xerrors.E(xerrors.KindIOError, "http.stream", executionID, "streaming unsupported"))
		return
	}

	snapshot, events, cancel := s.hub.Subscribe(executionID)
	defer cancel()

	for _, ev := range snapshot {
		s.writeSSE(c, flusher, ev)
	}

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return

		case <-heartbeat.C:
			fmt.Fprintf(c.Writer, ": heartbeat\n\n")
			flusher.Flush()

		case ev, open := <-events:
			if !open {
				return
			}
			s.writeSSE(c, flusher, ev)
		}
	}
}

func (s *Server) writeSSE(c *gin.Context, flusher http.Flusher, ev stream.Event) {
	data, err := json.Marshal(stream.Envelope(ev))
	if err != nil {
		s.logger.Warn("failed to marshal event %s: %v", ev.EventType(), err)
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.EventType(), data)
	flusher.Flush()
}

func (s *Server) handleListExecutions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"executions": s.scheduler.List()})
}

func (s *Server) handleGetExecution(c *gin.Context) {
	exec, err := s.scheduler.Get(c.Param("execution_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec.Snapshot())
}

// handleExecutionLog returns the buffered event envelopes for post-hoc
// inspection of finished runs.
func (s *Server) handleExecutionLog(c *gin.Context) {
	executionID := c.Param("execution_id")
	if _, err := s.scheduler.Get(executionID); err != nil {
		writeError(c, err)
		return
	}

	events := s.hub.Events(executionID)
	envelopes := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		envelopes = append(envelopes, stream.Envelope(ev))
	}
	c.JSON(http.StatusOK, gin.H{"execution_id": executionID, "events": envelopes})
}

func (s *Server) handleCancelExecution(c *gin.Context) {
	s.cancelExecution(c, c.Param("execution_id"))
}

type cancelRequest struct {
	ExecutionID string `json:"execution_id" binding:"required"`
}

// handleCancelExecutionBody is the body-addressed variant of cancel.
func (s *Server) handleCancelExecutionBody(c *gin.Context) {
	var req cancelRequest
	if !bindJSON(c, &req) {
		return
	}
	s.cancelExecution(c, req.ExecutionID)
}

func (s *Server) cancelExecution(c *gin.Context, executionID string) {
	if err := s.scheduler.Cancel(executionID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution_id": executionID, "status": "cancelling"})
}
