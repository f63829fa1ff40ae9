package txnerr

import "strconv"

// Code is a numeric error code. Values match the codes shards put on the
// wire so that replies can be classified without translation.
type Code int32

const (
	OK                                       Code = 0
	InternalError                            Code = 1
	BadValue                                 Code = 2
	HostUnreachable                          Code = 6
	HostNotFound                             Code = 7
	UnknownError                             Code = 8
	FailedToParse                            Code = 9
	IllegalOperation                         Code = 20
	NamespaceNotFound                        Code = 26
	MaxTimeMSExpired                         Code = 50
	ShardNotFound                            Code = 70
	StaleShardVersion                        Code = 63
	WriteConcernFailed                       Code = 64
	InvalidOptions                           Code = 72
	NetworkTimeout                           Code = 89
	ShutdownInProgress                       Code = 91
	WriteConflict                            Code = 112
	ConflictingOperationInProgress           Code = 117
	StaleEpoch                               Code = 150
	CommandOnShardedViewNotSupportedOnMongod Code = 169
	PrimarySteppedDown                       Code = 189
	PrepareConflict                          Code = 190
	NetworkInterfaceExceededTimeLimit        Code = 202
	TransactionTooOld                        Code = 225
	SnapshotTooOld                           Code = 239
	StaleChunkHistory                        Code = 241
	SnapshotUnavailable                      Code = 246
	StaleDbVersion                           Code = 249
	NoSuchTransaction                        Code = 251
	TransactionCommitted                     Code = 256
	PreparedTransactionInProgress            Code = 267
	ExceededTimeLimit                        Code = 262
	SocketException                          Code = 9001
	DuplicateKey                             Code = 11000
	NotMaster                                Code = 10107
	InterruptedAtShutdown                    Code = 11600
	InterruptedDueToReplStateChange          Code = 11602
	StaleConfig                              Code = 13388
	NotMasterNoSlaveOk                       Code = 13435
	NotMasterOrSecondary                     Code = 13436

	// Protocol violations raised by the router and the oplog applier.
	MissingRecoveryToken          Code = 50940
	ParticipantReadOnlyUnset      Code = 51112
	ParticipantReadOnlyAfterWrite Code = 51113
	PrepareInApplyOps             Code = 51145
	CommitPreparedInApplyOps      Code = 50987
	AbortPreparedInApplyOps       Code = 50972
	PreparedCommitWithCachedOps   Code = 51200
)

var codeNames = map[Code]string{
	OK:                                       "OK",
	InternalError:                            "InternalError",
	BadValue:                                 "BadValue",
	HostUnreachable:                          "HostUnreachable",
	HostNotFound:                             "HostNotFound",
	UnknownError:                             "UnknownError",
	FailedToParse:                            "FailedToParse",
	IllegalOperation:                         "IllegalOperation",
	NamespaceNotFound:                        "NamespaceNotFound",
	MaxTimeMSExpired:                         "MaxTimeMSExpired",
	ShardNotFound:                            "ShardNotFound",
	StaleShardVersion:                        "StaleShardVersion",
	WriteConcernFailed:                       "WriteConcernFailed",
	InvalidOptions:                           "InvalidOptions",
	NetworkTimeout:                           "NetworkTimeout",
	ShutdownInProgress:                       "ShutdownInProgress",
	WriteConflict:                            "WriteConflict",
	ConflictingOperationInProgress:           "ConflictingOperationInProgress",
	StaleEpoch:                               "StaleEpoch",
	CommandOnShardedViewNotSupportedOnMongod: "CommandOnShardedViewNotSupportedOnMongod",
	PrimarySteppedDown:                       "PrimarySteppedDown",
	PrepareConflict:                          "PrepareConflict",
	NetworkInterfaceExceededTimeLimit:        "NetworkInterfaceExceededTimeLimit",
	TransactionTooOld:                        "TransactionTooOld",
	SnapshotTooOld:                           "SnapshotTooOld",
	StaleChunkHistory:                        "StaleChunkHistory",
	SnapshotUnavailable:                      "SnapshotUnavailable",
	StaleDbVersion:                           "StaleDbVersion",
	NoSuchTransaction:                        "NoSuchTransaction",
	TransactionCommitted:                     "TransactionCommitted",
	PreparedTransactionInProgress:            "PreparedTransactionInProgress",
	ExceededTimeLimit:                        "ExceededTimeLimit",
	SocketException:                          "SocketException",
	DuplicateKey:                             "DuplicateKey",
	NotMaster:                                "NotMaster",
	InterruptedAtShutdown:                    "InterruptedAtShutdown",
	InterruptedDueToReplStateChange:          "InterruptedDueToReplStateChange",
	StaleConfig:                              "StaleConfig",
	NotMasterNoSlaveOk:                       "NotMasterNoSlaveOk",
	NotMasterOrSecondary:                     "NotMasterOrSecondary",
}

// String returns the code name, or "Location<n>" for unnamed codes.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "Location" + strconv.Itoa(int(c))
}

// CodeFromName maps a code name back to its code. Unknown names map to UnknownError.
func CodeFromName(name string) Code {
	for c, n := range codeNames {
		if n == name {
			return c
		}
	}
	return UnknownError
}
