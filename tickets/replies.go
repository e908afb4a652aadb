package tickets

import (
	"fmt"
	"os"
	"path/filepath"
)

// LatestReply loads the newest reply in reply_history, or nil when none
// exist.
func LatestReply(paths RunPaths) (*Reply, error) {
	seq := LatestSeq(paths.ReplyHistoryDir)
	if seq == 0 {
		return nil, nil
	}
	return LoadReply(paths, seq)
}

// LoadReply loads `reply_history/<seq>/USER_REPLY.md`.
func LoadReply(paths RunPaths, seq int) (*Reply, error) {
	path := filepath.Join(paths.ReplyHistoryDir, SeqDirName(seq), ReplyFilename)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read reply %d: %w", seq, err)
	}
	return &Reply{Seq: seq, Body: string(raw), Path: path}, nil
}

// WriteReply stores a human reply under the given sequence and returns it.
// seq 0 means the seq of the latest archived dispatch, matching the
// dispatch the human is answering.
func WriteReply(paths RunPaths, seq int, body string) (*Reply, error) {
	if seq <= 0 {
		seq = LatestSeq(paths.DispatchHistoryDir)
		if seq == 0 {
			return nil, fmt.Errorf("no dispatch to reply to")
		}
	}
	dir := filepath.Join(paths.ReplyHistoryDir, SeqDirName(seq))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create reply dir: %w", err)
	}
	path := filepath.Join(dir, ReplyFilename)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write reply: %w", err)
	}
	return &Reply{Seq: seq, Body: body, Path: path}, nil
}

// UnconsumedReply returns the newest reply whose seq is above
// lastConsumedSeq, or nil.
func UnconsumedReply(paths RunPaths, lastConsumedSeq int) (*Reply, error) {
	reply, err := LatestReply(paths)
	if err != nil || reply == nil {
		return nil, err
	}
	if reply.Seq <= lastConsumedSeq {
		return nil, nil
	}
	return reply, nil
}
