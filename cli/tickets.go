package cli

import (
	"fmt"
	"path/filepath"

	"car.autorunner.dev/config"
	"car.autorunner.dev/tickets"
	"github.com/spf13/cobra"
)

var ticketsCmd = &cobra.Command{
	Use:   "tickets",
	Short: "Inspect the current repo's ticket directory",
}

func init() {
	ticketsCmd.AddCommand(ticketsListCmd)
	ticketsCmd.AddCommand(ticketsDoctorCmd)
}

func repoTicketDir() (string, string, error) {
	repoRoot, err := currentRepoRoot()
	if err != nil {
		return "", "", err
	}
	cfg, err := config.LoadRepoConfig(repoRoot)
	if err != nil {
		return "", "", err
	}
	dir := cfg.TicketsDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(repoRoot, dir)
	}
	return repoRoot, dir, nil
}

var ticketsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tickets in order",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, ticketDir, err := repoTicketDir()
		if err != nil {
			return err
		}
		docs, err := tickets.ListTickets(ticketDir)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			status := "open"
			if doc.Frontmatter.Done {
				status = "done"
			}
			title := doc.Frontmatter.Title
			if title == "" {
				title = "-"
			}
			fmt.Printf("%-28s %-5s agent=%-9s %s\n", doc.Filename(), status, doc.Frontmatter.Agent, title)
		}
		return nil
	},
}

var ticketsDoctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Validate the ticket directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		repoRoot, ticketDir, err := repoTicketDir()
		if err != nil {
			return err
		}
		report, err := tickets.RunDoctor(repoRoot, ticketDir, []string{"codex", "opencode", "user"})
		if err != nil {
			return err
		}
		fmt.Printf("tickets: %d total, %d open, %d done\n", report.Total, report.Open, report.Done)
		for _, issue := range report.Issues {
			fmt.Printf("  [%s] %s: %s\n", issue.Severity, issue.File, issue.Message)
		}
		if !report.Healthy() {
			return fmt.Errorf("ticket directory has errors")
		}
		return nil
	},
}
