package tickets

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"car.autorunner.dev/common"
)

// ticketFilenameRe is the canonical ticket filename shape:
// TICKET-<index>[suffix].md with a positive integer index.
var ticketFilenameRe = regexp.MustCompile(`^TICKET-(\d+)([A-Za-z0-9._-]*)\.md$`)

// ParseTicketIndex extracts the index from a ticket filename, or -1 when the
// name does not match the canonical shape.
func ParseTicketIndex(filename string) int {
	match := ticketFilenameRe.FindStringSubmatch(filename)
	if match == nil {
		return -1
	}
	index, err := strconv.Atoi(match[1])
	if err != nil || index <= 0 {
		return -1
	}
	return index
}

// LoadTicket parses one ticket file.
func LoadTicket(path string) (*TicketDoc, error) {
	index := ParseTicketIndex(filepath.Base(path))
	if index < 0 {
		return nil, fmt.Errorf("ticket filename %q does not match TICKET-<index>[suffix].md", filepath.Base(path))
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ticket %s: %w", path, err)
	}
	rawFM, body := SplitFrontmatter(string(raw))
	fm, err := ParseTicketFrontmatter(rawFM)
	if err != nil {
		return nil, fmt.Errorf("ticket %s: %w", filepath.Base(path), err)
	}
	return &TicketDoc{
		Path:           path,
		Index:          index,
		Frontmatter:    fm,
		RawFrontmatter: rawFM,
		Body:           body,
	}, nil
}

// ListTickets parses every canonical ticket in a directory, sorted by index.
// Duplicate indices are an error: the ordering would be ambiguous.
func ListTickets(ticketDir string) ([]*TicketDoc, error) {
	entries, err := os.ReadDir(ticketDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ticket dir %s: %w", ticketDir, err)
	}

	var docs []*TicketDoc
	seen := map[int]string{}
	for _, entry := range entries {
		if entry.IsDir() || ParseTicketIndex(entry.Name()) < 0 {
			continue
		}
		doc, err := LoadTicket(filepath.Join(ticketDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if other, dup := seen[doc.Index]; dup {
			return nil, fmt.Errorf("duplicate ticket index %d: %s and %s", doc.Index, other, entry.Name())
		}
		seen[doc.Index] = entry.Name()
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Index < docs[j].Index })
	return docs, nil
}

// NextOpenTicket returns the first ticket with done=false, or nil when every
// ticket is done.
func NextOpenTicket(docs []*TicketDoc) *TicketDoc {
	for _, doc := range docs {
		if !doc.Frontmatter.Done {
			return doc
		}
	}
	return nil
}

// maxRequiredFileBytes caps the size of a single injected requires file.
const maxRequiredFileBytes = 256 * 1024

// ReadRequiredFile loads one `requires` entry relative to the repo root,
// refusing paths escaping the repo, oversized files and binary content.
func ReadRequiredFile(repoRoot, relPath string) (string, error) {
	cleaned := filepath.Clean(strings.TrimSpace(relPath))
	if cleaned == "" || filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("requires path %q must stay inside the repo", relPath)
	}
	full := filepath.Join(repoRoot, cleaned)

	stat, err := os.Stat(full)
	if err != nil {
		return "", fmt.Errorf("requires file %s: %w", relPath, err)
	}
	if stat.Size() > maxRequiredFileBytes {
		return "", fmt.Errorf("requires file %s exceeds %d bytes", relPath, maxRequiredFileBytes)
	}
	raw, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("requires file %s: %w", relPath, err)
	}
	if isBinary(raw) {
		return "", fmt.Errorf("requires file %s appears to be binary", relPath)
	}
	return string(raw), nil
}

func isBinary(data []byte) bool {
	limit := len(data)
	if limit > 8000 {
		limit = 8000
	}
	for _, b := range data[:limit] {
		if b == 0 {
			return true
		}
	}
	return false
}

// SetTicketDone rewrites a ticket's done flag in place, editing only the
// `done:` line of the raw frontmatter so every other byte survives.
func SetTicketDone(doc *TicketDoc, done bool) error {
	lines := strings.Split(doc.RawFrontmatter, "\n")
	replaced := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "done:") {
			indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
			lines[i] = fmt.Sprintf("%sdone: %t", indent, done)
			replaced = true
			break
		}
	}
	if !replaced {
		return fmt.Errorf("ticket %s has no done key to rewrite", doc.Filename())
	}
	doc.RawFrontmatter = strings.Join(lines, "\n")
	doc.Frontmatter.Done = done
	content := RenderFrontmatter(doc.RawFrontmatter, doc.Body)
	return common.AtomicWrite(doc.Path, []byte(content))
}
