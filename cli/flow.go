package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"car.autorunner.dev/flows"
	"github.com/spf13/cobra"
)

var flowCmd = &cobra.Command{
	Use:   "flow",
	Short: "Control flow runs in the current repo",
}

var (
	flowRunID    string
	flowForce    bool
	flowDelete   bool
	flowNoSpawn  bool
	flowFollow   bool
	flowAfterSeq int64
)

func init() {
	flowCmd.AddCommand(flowStartCmd)
	flowCmd.AddCommand(flowStopCmd)
	flowCmd.AddCommand(flowResumeCmd)
	flowCmd.AddCommand(flowStatusCmd)
	flowCmd.AddCommand(flowListCmd)
	flowCmd.AddCommand(flowArchiveCmd)
	flowCmd.AddCommand(flowEventsCmd)
	flowCmd.AddCommand(flowWorkerCmd)

	flowEventsCmd.Flags().BoolVar(&flowFollow, "follow", false, "stream events until the run pauses or ends")
	flowEventsCmd.Flags().Int64Var(&flowAfterSeq, "after-seq", 0, "only events with seq greater than this")

	flowStartCmd.Flags().BoolVar(&flowNoSpawn, "no-spawn", false, "create the run without spawning a worker")
	flowArchiveCmd.Flags().BoolVar(&flowForce, "force", false, "archive paused/stopping runs too")
	flowArchiveCmd.Flags().BoolVar(&flowDelete, "delete", false, "delete the run row after archiving")
	flowWorkerCmd.Flags().StringVar(&flowRunID, "run-id", "", "run id to execute (required)")
	_ = flowWorkerCmd.MarkFlagRequired("run-id")
}

func printJSON(value any) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

var flowStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Create a ticket flow run and spawn its worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, _, err := newServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		repoRoot, err := currentRepoRoot()
		if err != nil {
			return err
		}
		repo, err := svc.Repo(repoRoot)
		if err != nil {
			return err
		}
		record, err := repo.Controller.StartFlow(map[string]any{
			"workspace_root": repo.RepoRoot,
			"runs_dir":       repo.Config.RunsDir,
		}, "", nil, nil)
		if err != nil {
			return err
		}
		result := map[string]any{"run_id": record.ID, "status": record.Status}
		if !flowNoSpawn {
			pid, err := flows.SpawnWorker(repo.RepoRoot, record.ID, "")
			if err != nil {
				return fmt.Errorf("run created but worker spawn failed: %w", err)
			}
			result["worker_pid"] = pid
		}
		return printJSON(result)
	},
}

var flowStopCmd = &cobra.Command{
	Use:   "stop <run-id>",
	Short: "Request a cooperative stop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, _, err := newServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		repoRoot, err := currentRepoRoot()
		if err != nil {
			return err
		}
		repo, err := svc.Repo(repoRoot)
		if err != nil {
			return err
		}
		record, err := repo.Controller.StopFlow(args[0])
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"run_id": record.ID, "status": record.Status, "stop_requested": record.StopRequested})
	},
}

var flowResumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a paused, stopped or failed run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, _, err := newServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		repoRoot, err := currentRepoRoot()
		if err != nil {
			return err
		}
		repo, err := svc.Repo(repoRoot)
		if err != nil {
			return err
		}
		record, err := repo.Controller.ResumeFlow(args[0])
		if err != nil {
			return err
		}
		pid, err := flows.SpawnWorker(repo.RepoRoot, record.ID, "")
		if err != nil {
			return fmt.Errorf("run resumed but worker spawn failed: %w", err)
		}
		return printJSON(map[string]any{"run_id": record.ID, "status": record.Status, "worker_pid": pid})
	},
}

var flowStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show one run with its worker health",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, _, err := newServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		repoRoot, err := currentRepoRoot()
		if err != nil {
			return err
		}
		repo, err := svc.Repo(repoRoot)
		if err != nil {
			return err
		}
		record, err := repo.Controller.GetStatus(args[0])
		if err != nil {
			return err
		}
		health := flows.CheckWorkerHealth(repo.RepoRoot, record.ID)
		return printJSON(map[string]any{"run": record, "worker_status": health.Status})
	},
}

var flowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ticket flow runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, _, err := newServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		repoRoot, err := currentRepoRoot()
		if err != nil {
			return err
		}
		repo, err := svc.Repo(repoRoot)
		if err != nil {
			return err
		}
		records, err := repo.Controller.ListRuns("")
		if err != nil {
			return err
		}
		for _, record := range records {
			fmt.Printf("%s  %-10s %s\n", record.ID, record.Status, record.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var flowArchiveCmd = &cobra.Command{
	Use:   "archive <run-id>",
	Short: "Archive a terminal run's working directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, _, err := newServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		repoRoot, err := currentRepoRoot()
		if err != nil {
			return err
		}
		repo, err := svc.Repo(repoRoot)
		if err != nil {
			return err
		}
		summary, err := flows.ArchiveRun(repo.Controller.Store(), repo.RepoRoot, args[0], flowForce, flowDelete)
		if err != nil {
			return err
		}
		return printJSON(summary)
	},
}

var flowEventsCmd = &cobra.Command{
	Use:   "events <run-id>",
	Short: "Print a run's events, optionally following the stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, _, err := newServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		repoRoot, err := currentRepoRoot()
		if err != nil {
			return err
		}
		repo, err := svc.Repo(repoRoot)
		if err != nil {
			return err
		}
		if !flowFollow {
			events, err := repo.Controller.GetEvents(args[0], flowAfterSeq)
			if err != nil {
				return err
			}
			for _, event := range events {
				fmt.Printf("%4d  %-18s %s\n", event.Seq, event.Type, event.CreatedAt.Format("15:04:05.000"))
			}
			return nil
		}
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		for event := range repo.Controller.StreamEvents(ctx, args[0], flowAfterSeq) {
			fmt.Printf("%4d  %-18s %s\n", event.Seq, event.Type, event.CreatedAt.Format("15:04:05.000"))
		}
		return nil
	},
}

var flowWorkerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one flow to its next suspension point (internal)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := runWorker(context.Background(), flowRunID)
		if err != nil {
			fmt.Fprintln(os.Stderr, "worker error:", err)
		}
		if code != 0 {
			os.Exit(code)
		}
		return nil
	},
}
