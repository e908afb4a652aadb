package registry

import (
	"time"

	"github.com/sirupsen/logrus"
)

// TerminateOptions tune the SIGTERM/SIGKILL escalation.
type TerminateOptions struct {
	Grace time.Duration // wait between SIGTERM and SIGKILL
	Wait  time.Duration // settle wait after SIGKILL
}

// DefaultTerminateOptions is the escalation profile used outside shutdown
// fast paths.
var DefaultTerminateOptions = TerminateOptions{
	Grace: 2 * time.Second,
	Wait:  200 * time.Millisecond,
}

// TerminatePID terminates a single pid via SIGTERM then SIGKILL. A missing
// process counts as success: the goal is "not running afterwards".
func TerminatePID(pid int, opts TerminateOptions, log *logrus.Entry) bool {
	if pid <= 0 {
		return false
	}
	if !signalPID(pid, sigTerm, log) {
		return false
	}
	if opts.Grace > 0 {
		time.Sleep(opts.Grace)
	}
	if !signalPID(pid, sigKill, log) {
		return false
	}
	if opts.Wait > 0 {
		time.Sleep(opts.Wait)
	}
	return true
}

// TerminateGroup terminates a process group. On platforms without process
// groups it falls back to treating pgid as a plain pid.
func TerminateGroup(pgid int, opts TerminateOptions, log *logrus.Entry) bool {
	if pgid <= 0 {
		return false
	}
	if !groupsSupported() {
		return TerminatePID(pgid, opts, log)
	}
	if !signalGroup(pgid, sigTerm, log) {
		return false
	}
	if opts.Grace > 0 {
		time.Sleep(opts.Grace)
	}
	if !signalGroup(pgid, sigKill, log) {
		return false
	}
	if opts.Wait > 0 {
		time.Sleep(opts.Wait)
	}
	return true
}

// TerminateRecord terminates both the process group and the pid of a record.
// Agents often spawn children, so the group is signalled first; the pid path
// doubles as the fallback for single-process agents and Windows. The target
// is terminated when at least one path succeeded.
func TerminateRecord(record *ProcessRecord, opts TerminateOptions, log *logrus.Entry) bool {
	if record == nil {
		return false
	}
	hadTarget := false
	groupOK := false
	pidOK := false
	if record.PGID > 0 {
		hadTarget = true
		groupOK = TerminateGroup(record.PGID, opts, log)
	}
	if record.PID > 0 {
		hadTarget = true
		pidOK = TerminatePID(record.PID, opts, log)
	}
	if !hadTarget {
		if log != nil {
			log.WithFields(logrus.Fields{"kind": record.Kind, "workspace_id": record.WorkspaceID}).
				Warn("process record has no pid or pgid to terminate")
		}
		return false
	}
	return groupOK || pidOK
}

// PIDRunning reports whether pid currently maps to a live process.
func PIDRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	return pidRunning(pid)
}

// Reap scans every record of a kind, terminates processes whose owning hub
// process is gone, and removes records whose pid is dead. Returns the number
// of records removed.
func (r *Registry) Reap(kind string, log *logrus.Entry) (int, error) {
	records, err := r.List(kind)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, record := range records {
		if PIDRunning(record.PID) {
			if record.OwnerPID > 0 && !PIDRunning(record.OwnerPID) {
				// Orphan from a dead hub process: bring it down too.
				rec := record
				TerminateRecord(&rec, DefaultTerminateOptions, log)
			} else {
				continue
			}
		}
		if err := r.Delete(kind, record.WorkspaceID); err != nil {
			if log != nil {
				log.WithError(err).WithField("workspace_id", record.WorkspaceID).
					Warn("failed to remove stale process record")
			}
			continue
		}
		removed++
	}
	return removed, nil
}
