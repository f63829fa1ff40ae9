package txnerr

// IsRetriableError reports whether a retryable write may be retried after an
// error with this code.
func IsRetriableError(code Code) bool {
	switch code {
	case HostUnreachable, HostNotFound, NetworkTimeout, SocketException,
		NotMaster, NotMasterNoSlaveOk, NotMasterOrSecondary, PrimarySteppedDown,
		ShutdownInProgress, InterruptedAtShutdown, InterruptedDueToReplStateChange,
		ExceededTimeLimit:
		return true
	}
	return false
}

// IsExceededTimeLimitError reports whether the code is a timeout.
func IsExceededTimeLimitError(code Code) bool {
	switch code {
	case MaxTimeMSExpired, ExceededTimeLimit, NetworkInterfaceExceededTimeLimit:
		return true
	}
	return false
}

// IsStaleShardVersionError reports whether the shard rejected the request
// because the router's routing information was stale.
func IsStaleShardVersionError(code Code) bool {
	switch code {
	case StaleConfig, StaleShardVersion, StaleEpoch:
		return true
	}
	return false
}

// IsStaleShardOrDbError covers stale shard versions and stale database versions.
func IsStaleShardOrDbError(code Code) bool {
	return IsStaleShardVersionError(code) || code == StaleDbVersion
}

// IsSnapshotError reports whether the shard could not serve the requested snapshot.
func IsSnapshotError(code Code) bool {
	switch code {
	case SnapshotTooOld, SnapshotUnavailable, StaleChunkHistory:
		return true
	}
	return false
}

// IsViewResolutionError reports whether a shard asked the router to resolve a view.
func IsViewResolutionError(code Code) bool {
	return code == CommandOnShardedViewNotSupportedOnMongod
}

// IsUnknownCommitResult reports whether a commit attempt left the outcome
// undetermined. The client must retry the commit to learn it.
func IsUnknownCommitResult(commitErr, writeConcernErr error) bool {
	code := CodeOf(commitErr)
	if IsRetriableError(code) || IsExceededTimeLimitError(code) || code == TransactionTooOld {
		return true
	}
	return commitErr == nil && writeConcernErr != nil
}
