package cli

import (
	"fmt"
	"path/filepath"

	"car.autorunner.dev/config"
	"car.autorunner.dev/inbox"
	"car.autorunner.dev/registry"
	"car.autorunner.dev/tickets"
	"github.com/spf13/cobra"
)

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Show and resolve the attention queue",
}

var (
	inboxResolveSeq    int
	inboxResolveReason string
)

func init() {
	inboxCmd.AddCommand(inboxListCmd)
	inboxCmd.AddCommand(inboxResolveCmd)
	inboxResolveCmd.Flags().IntVar(&inboxResolveSeq, "seq", 0, "dispatch seq the dismissal covers")
	inboxResolveCmd.Flags().StringVar(&inboxResolveReason, "reason", "", "why the item was dismissed")
}

// inboxSources constructs projection sources for every manifest repo (or
// just the CWD repo when no hub manifest exists).
func inboxSources() (func(), []inbox.RepoSource, error) {
	svc, _, _, err := newServices()
	if err != nil {
		return nil, nil, err
	}
	cleanup := svc.Close

	var roots []struct{ id, root string }
	if svc.HubRoot() != "" {
		manifest, err := config.LoadManifest(svc.HubRoot())
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		for _, entry := range manifest.Repos {
			roots = append(roots, struct{ id, root string }{entry.ID, manifest.RepoRoot(entry)})
		}
	} else {
		repoRoot, err := currentRepoRoot()
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		roots = append(roots, struct{ id, root string }{"", repoRoot})
	}

	var sources []inbox.RepoSource
	for _, entry := range roots {
		repo, err := svc.Repo(entry.root)
		if err != nil {
			continue
		}
		sources = append(sources, inbox.RepoSource{
			RepoID:   repo.RepoID,
			RepoRoot: repo.RepoRoot,
			Store:    repo.Controller.Store(),
		})
	}
	return cleanup, sources, nil
}

var inboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List items requiring attention",
	RunE: func(cmd *cobra.Command, args []string) error {
		cleanup, sources, err := inboxSources()
		if err != nil {
			return err
		}
		defer cleanup()
		items, err := inbox.NewProjector(nil).Project(sources)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("inbox is empty")
			return nil
		}
		for _, item := range items {
			title := item.Title
			if title == "" {
				title = item.Preview
			}
			fmt.Printf("%-20s %-36s %-18s %s\n", item.RepoID, item.RunID, item.ItemType, title)
		}
		return nil
	},
}

var inboxResolveCmd = &cobra.Command{
	Use:   "resolve <run-id> <item-type>",
	Short: "Dismiss an inbox item for the current repo",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		repoRoot, err := currentRepoRoot()
		if err != nil {
			return err
		}
		err = inbox.NewDismissalStore(repoRoot).Record(inbox.Dismissal{
			RunID:    args[0],
			ItemType: args[1],
			Seq:      inboxResolveSeq,
			Reason:   inboxResolveReason,
		})
		if err != nil {
			return err
		}
		fmt.Println("dismissed")
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconcile pass over the current repo",
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
		summary, err := repo.Reconciler.ReconcileAll(tickets.FlowType)
		if err != nil {
			return err
		}

		// Reap stale agent process records while we are at it.
		reg := registry.New(filepath.Join(repo.RepoRoot, config.DotDir, "process-registry"))
		reaped := 0
		for kind := range repo.Config.Agents {
			n, err := reg.Reap(kind, nil)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "reap %s: %v\n", kind, err)
				continue
			}
			reaped += n
		}
		return printJSON(map[string]any{"reconcile": summary, "reaped_process_records": reaped})
	},
}
