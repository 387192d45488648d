package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"conductor/internal/agent"
	"conductor/internal/config"
	"conductor/internal/editorsvc"
	"conductor/internal/llm"
	"conductor/internal/logging"
	"conductor/internal/mcp"
	"conductor/internal/orchestrator"
	serverHTTP "conductor/internal/server/http"
	"conductor/internal/store"
	"conductor/internal/stream"
	"conductor/internal/workspace"
)

var version = "1.0.0"

func main() {
	root := &cobra.Command{
		Use:   "conductor-server",
		Short: "Multi-agent orchestration engine with a reviewable editing substrate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func serve() error {
	logger := logging.NewComponentLogger("Main")
	cfg := config.Load()

	banner()
	logger.Info("starting conductor server %s", version)
	logger.Info("listen addr: %s", cfg.Addr)
	logger.Info("isolated root prefix: %s", cfg.IsolatedRootPrefix)
	logger.Info("workspace grace: %s", cfg.WorkspaceGrace)

	workflows := store.NewMemoryStore()
	editors := editorsvc.NewService(cfg, workflows)
	hub := stream.NewHub(cfg.StreamRingSize)
	bridge := mcp.NewBridge(editors, hub, cfg)

	// The scripted client is the built-in provider; real vendors implement
	// llm.ModelClient and replace it here.
	client := llm.NewScriptedClient()
	client.Invoker = bridge.Invoke

	runner := agent.NewRunner(client, hub, cfg.AgentTurnTimeout)

	workspaces := workspace.NewManager(cfg, nil)
	workspaces.SetReleaseHook(editors.ReleaseRoot)

	executor := orchestrator.NewBlockExecutor(runner, workspaces, hub, cfg, nil, bridge.Tools())
	scheduler := orchestrator.NewScheduler(cfg, executor, hub, workspaces)
	editors.SetWorkspaceOwnership(&workspaceOwnership{workspaces: workspaces, scheduler: scheduler})

	srv := serverHTTP.NewServer(cfg, scheduler, editors, bridge, hub)
	srv.EnableWorkflowAdmin(workflows)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("received %s, shutting down", sig)
	}

	scheduler.Shutdown()
	workspaces.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// workspaceOwnership maps an isolated workspace path to the user whose
// execution created it.
type workspaceOwnership struct {
	workspaces *workspace.Manager
	scheduler  *orchestrator.Scheduler
}

func (o *workspaceOwnership) OwnerOfPath(path string) (string, bool) {
	executionID, ok := o.workspaces.ExecutionOfPath(path)
	if !ok {
		return "", false
	}
	exec, err := o.scheduler.Get(executionID)
	if err != nil {
		return "", false
	}
	return exec.OwnerID, true
}

func banner() {
	c := color.New(color.FgCyan, color.Bold)
	c.Println("  conductor - multi-agent orchestration engine")
	color.New(color.Faint).Printf("  version %s\n\n", version)
}
