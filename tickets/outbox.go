package tickets

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DispatchFilename is the current outgoing message file.
const DispatchFilename = "DISPATCH.md"

// ReplyFilename is the human reply file inside a reply_history seq dir.
const ReplyFilename = "USER_REPLY.md"

// RunPaths locates a run's outbox/inbox directories under the workspace.
type RunPaths struct {
	RunDir             string
	DispatchDir        string
	DispatchPath       string
	DispatchHistoryDir string
	ReplyHistoryDir    string
}

// ResolveRunPaths computes the run directory layout for a workspace.
func ResolveRunPaths(workspaceRoot, runsDir, runID string) RunPaths {
	runDir := filepath.Join(workspaceRoot, runsDir, runID)
	dispatchDir := filepath.Join(runDir, "dispatch")
	return RunPaths{
		RunDir:             runDir,
		DispatchDir:        dispatchDir,
		DispatchPath:       filepath.Join(dispatchDir, DispatchFilename),
		DispatchHistoryDir: filepath.Join(runDir, "dispatch_history"),
		ReplyHistoryDir:    filepath.Join(runDir, "reply_history"),
	}
}

// EnsureRunDirs creates the outbox directories.
func (p RunPaths) EnsureRunDirs() error {
	for _, dir := range []string{p.DispatchDir, p.DispatchHistoryDir, p.ReplyHistoryDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create run dir %s: %w", dir, err)
		}
	}
	return nil
}

// LatestSeq returns the highest numeric child directory of a history dir,
// or 0 when the dir is empty or absent.
func LatestSeq(historyDir string) int {
	entries, err := os.ReadDir(historyDir)
	if err != nil {
		return 0
	}
	latest := 0
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		seq, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		if seq > latest {
			latest = seq
		}
	}
	return latest
}

// SeqDirName renders a history sequence directory name.
func SeqDirName(seq int) string {
	return fmt.Sprintf("%04d", seq)
}

// ParseDispatchFile reads and validates DISPATCH.md.
func ParseDispatchFile(path string) (*Dispatch, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dispatch: %w", err)
	}
	rawFM, body := SplitFrontmatter(string(raw))
	mode, title, extra, err := ParseDispatchFrontmatter(rawFM)
	if err != nil {
		return nil, err
	}
	return &Dispatch{
		Mode:  mode,
		Title: title,
		Body:  strings.TrimLeft(body, "\n"),
		Extra: extra,
	}, nil
}

// ArchiveDispatch moves DISPATCH.md plus its sibling attachments into
// `dispatch_history/<seq>/`. The destination directory is created with
// exclusive semantics: an existing directory means the seq was already
// consumed and the archive is refused. When no DISPATCH.md exists the
// return is (nil, nil).
func ArchiveDispatch(paths RunPaths, nextSeq int) (*ArchivedDispatch, error) {
	if _, err := os.Stat(paths.DispatchPath); os.IsNotExist(err) {
		return nil, nil
	}
	message, err := ParseDispatchFile(paths.DispatchPath)
	if err != nil {
		return nil, err
	}

	dest := filepath.Join(paths.DispatchHistoryDir, SeqDirName(nextSeq))
	if err := os.MkdirAll(paths.DispatchHistoryDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dispatch history dir: %w", err)
	}
	if err := os.Mkdir(dest, 0o755); err != nil {
		return nil, fmt.Errorf("dispatch seq %d already archived: %w", nextSeq, err)
	}

	var archived []string
	entries, err := os.ReadDir(paths.DispatchDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispatch dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		src := filepath.Join(paths.DispatchDir, name)
		dst := filepath.Join(dest, name)
		if err := copyTree(src, dst); err != nil {
			return nil, fmt.Errorf("failed to archive %s: %w", name, err)
		}
		archived = append(archived, dst)
	}

	// Clear the outbox; best effort, the archive copy is authoritative now.
	for _, name := range names {
		_ = os.RemoveAll(filepath.Join(paths.DispatchDir, name))
	}

	return &ArchivedDispatch{
		Seq:           nextSeq,
		Message:       *message,
		ArchivedDir:   dest,
		ArchivedFiles: archived,
	}, nil
}

// LoadArchivedDispatch parses `dispatch_history/<seq>/DISPATCH.md`.
func LoadArchivedDispatch(paths RunPaths, seq int) (*Dispatch, error) {
	return ParseDispatchFile(filepath.Join(paths.DispatchHistoryDir, SeqDirName(seq), DispatchFilename))
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := copyTree(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
				return err
			}
		}
		return nil
	}
	return copyFile(src, dst, info.Mode().Perm())
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
