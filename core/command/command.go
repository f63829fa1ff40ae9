// Package command builds and inspects the BSON command documents exchanged
// between routers and shards.
package command

import (
	"go.mongodb.org/mongo-driver/bson"
)

// Field names of transaction-related command arguments.
const (
	FieldTxnNumber        = "txnNumber"
	FieldAutocommit       = "autocommit"
	FieldStartTransaction = "startTransaction"
	FieldReadConcern      = "readConcern"
	FieldWriteConcern     = "writeConcern"
	FieldCoordinator      = "coordinator"
	FieldReadOnly         = "readOnly"
	FieldRecoveryToken    = "recoveryToken"
	FieldParticipants     = "participants"
	FieldLsid             = "lsid"
	FieldShardID          = "shardId"
	FieldTargets          = "$targets"
	FieldOperationTime    = "operationTime"
)

// Names of the commands that drive a transaction's lifecycle.
const (
	CommitTransaction           = "commitTransaction"
	AbortTransaction            = "abortTransaction"
	PrepareTransaction          = "prepareTransaction"
	CoordinateCommitTransaction = "coordinateCommitTransaction"
)

// ReportTransactions lists open transactions; routers and shards both serve it.
const ReportTransactions = "reportTransactions"

var transactionCommands = map[string]struct{}{
	CommitTransaction:           {},
	AbortTransaction:            {},
	PrepareTransaction:          {},
	CoordinateCommitTransaction: {},
}

// IsTransactionCommand reports whether name is one of the commands that
// commit, abort or prepare a transaction.
func IsTransactionCommand(name string) bool {
	_, ok := transactionCommands[name]
	return ok
}

// Name returns the command name, which is the first field of the document.
func Name(cmd bson.D) string {
	if len(cmd) == 0 {
		return ""
	}
	return cmd[0].Key
}

// Lookup returns the value of field in cmd.
func Lookup(cmd bson.D, field string) (interface{}, bool) {
	for _, e := range cmd {
		if e.Key == field {
			return e.Value, true
		}
	}
	return nil, false
}

// Has reports whether cmd contains field.
func Has(cmd bson.D, field string) bool {
	_, ok := Lookup(cmd, field)
	return ok
}

// Without returns a copy of cmd with every occurrence of the given fields removed.
func Without(cmd bson.D, fields ...string) bson.D {
	out := make(bson.D, 0, len(cmd))
next:
	for _, e := range cmd {
		for _, f := range fields {
			if e.Key == f {
				continue next
			}
		}
		out = append(out, e)
	}
	return out
}

// Clone returns a shallow copy of cmd that can be appended to freely.
func Clone(cmd bson.D) bson.D {
	out := make(bson.D, len(cmd), len(cmd)+4)
	copy(out, cmd)
	return out
}

// ToRaw marshals a document, panicking on failure. Only use it with
// documents built from plain Go values.
func ToRaw(doc interface{}) bson.Raw {
	b, err := bson.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return bson.Raw(b)
}
