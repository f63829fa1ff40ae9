package txnapply

// Mode is the context oplog entries are applied in.
type Mode int

const (
	// ModeSecondary is steady-state replication.
	ModeSecondary Mode = iota
	// ModeInitialSync copies a node from scratch. Committed transactions
	// reach it already unpacked, so prepared entries never do.
	ModeInitialSync
	// ModeRecovering replays the local oplog at startup. Prepared
	// transactions are left alone until ReconstructPreparedTransactions.
	ModeRecovering
	// ModeApplyOpsCmd is a user-issued applyOps command, which must not
	// carry transaction control entries.
	ModeApplyOpsCmd
)

func (m Mode) String() string {
	switch m {
	case ModeSecondary:
		return "secondary"
	case ModeInitialSync:
		return "initialSync"
	case ModeRecovering:
		return "recovering"
	case ModeApplyOpsCmd:
		return "applyOpsCmd"
	}
	return "unknown"
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, bool) {
	for _, m := range []Mode{ModeSecondary, ModeInitialSync, ModeRecovering, ModeApplyOpsCmd} {
		if m.String() == s {
			return m, true
		}
	}
	return ModeSecondary, false
}

// roundsUp reports whether timestamps behind the oldest timestamp are moved
// up instead of rejected.
func (m Mode) roundsUp() bool {
	return m == ModeRecovering || m == ModeInitialSync
}

// toleratesMissingNamespaces reports whether operations on dropped
// collections are skipped. History replayed in these modes may reference
// collections dropped later.
func (m Mode) toleratesMissingNamespaces() bool {
	return m == ModeRecovering || m == ModeInitialSync
}
