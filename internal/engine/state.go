package engine

// State is a position in the per-intent state machine. DownloadEngine's
// states are finer-grained than journal.Status, which only persists what
// must survive a restart.
type State int

const (
	Searching State = iota
	Downloading
	Verifying
	Finalizing
	Completed
	Failed
	Cancelled
	Preempted
)

func (s State) String() string {
	switch s {
	case Searching:
		return "searching"
	case Downloading:
		return "downloading"
	case Verifying:
		return "verifying"
	case Finalizing:
		return "finalizing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	case Preempted:
		return "preempted"
	default:
		return "unknown"
	}
}

// Preemptible reports whether a download in this state may be preempted by
// the LaneScheduler. Once bytes stop flowing and verification/commit work
// begins, preemption is disallowed: it would either discard
// completed-but-unconfirmed hashing work or race the finalize handshake.
func (s State) Preemptible() bool {
	switch s {
	case Searching, Downloading:
		return true
	default:
		return false
	}
}
