package tickets

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DoctorIssue is one validation finding for a ticket directory.
type DoctorIssue struct {
	File     string `json:"file"`
	Severity string `json:"severity"` // "error" or "warning"
	Message  string `json:"message"`
}

// DoctorReport summarises a ticket directory validation pass.
type DoctorReport struct {
	TicketDir string        `json:"ticket_dir"`
	Total     int           `json:"total"`
	Open      int           `json:"open"`
	Done      int           `json:"done"`
	Issues    []DoctorIssue `json:"issues"`
}

// Healthy reports whether no error-severity issues were found.
func (r *DoctorReport) Healthy() bool {
	for _, issue := range r.Issues {
		if issue.Severity == "error" {
			return false
		}
	}
	return true
}

// RunDoctor validates every markdown file in the ticket directory: canonical
// filenames, parseable frontmatter, unique indices, known agents and
// resolvable requires entries.
func RunDoctor(repoRoot, ticketDir string, knownAgents []string) (*DoctorReport, error) {
	report := &DoctorReport{TicketDir: ticketDir}

	entries, err := os.ReadDir(ticketDir)
	if os.IsNotExist(err) {
		report.Issues = append(report.Issues, DoctorIssue{
			Severity: "warning", Message: "ticket directory does not exist",
		})
		return report, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ticket dir %s: %w", ticketDir, err)
	}

	agents := map[string]bool{}
	for _, agent := range knownAgents {
		agents[agent] = true
	}

	indices := map[int][]string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".md") {
			continue
		}
		index := ParseTicketIndex(name)
		if index < 0 {
			report.Issues = append(report.Issues, DoctorIssue{
				File: name, Severity: "warning",
				Message: "filename does not match TICKET-<index>[suffix].md and will be ignored",
			})
			continue
		}
		indices[index] = append(indices[index], name)
		report.Total++

		doc, err := LoadTicket(filepath.Join(ticketDir, name))
		if err != nil {
			report.Issues = append(report.Issues, DoctorIssue{
				File: name, Severity: "error", Message: err.Error(),
			})
			continue
		}
		if doc.Frontmatter.Done {
			report.Done++
		} else {
			report.Open++
		}
		if len(agents) > 0 && !agents[doc.Frontmatter.Agent] {
			report.Issues = append(report.Issues, DoctorIssue{
				File: name, Severity: "error",
				Message: fmt.Sprintf("unknown agent %q", doc.Frontmatter.Agent),
			})
		}
		for _, required := range doc.Frontmatter.Requires {
			if _, err := ReadRequiredFile(repoRoot, required); err != nil {
				report.Issues = append(report.Issues, DoctorIssue{
					File: name, Severity: "warning",
					Message: fmt.Sprintf("requires entry %q: %v", required, err),
				})
			}
		}
	}

	var dupIndices []int
	for index, files := range indices {
		if len(files) > 1 {
			dupIndices = append(dupIndices, index)
		}
	}
	sort.Ints(dupIndices)
	for _, index := range dupIndices {
		files := indices[index]
		sort.Strings(files)
		report.Issues = append(report.Issues, DoctorIssue{
			File: files[0], Severity: "error",
			Message: fmt.Sprintf("duplicate ticket index %d: %s", index, strings.Join(files, ", ")),
		})
	}
	return report, nil
}
