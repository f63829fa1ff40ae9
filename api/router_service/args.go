package routerservice

import (
	"go.mongodb.org/mongo-driver/bson"

	"github.com/sushant-115/gojotxn/core/command"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/txnerr"
)

// statementArgs are the routing and transaction fields of a client command.
type statementArgs struct {
	lsid             *transaction.SessionID
	txnNumber        transaction.TxnNumber
	startTransaction bool
	readConcern      transaction.ReadConcernArgs
	writeConcern     bson.D
	targets          []transaction.ShardID
	recoveryToken    *transaction.RecoveryToken
}

func parseSessionID(v bson.RawValue) (transaction.SessionID, error) {
	var id transaction.SessionID
	if err := id.UnmarshalBSONValue(v.Type, v.Value); err != nil {
		return id, txnerr.Newf(txnerr.FailedToParse, "%v", err)
	}
	return id, nil
}

func parseStatementArgs(raw bson.Raw) (statementArgs, error) {
	var args statementArgs
	if v, err := raw.LookupErr(command.FieldLsid); err == nil {
		id, err := parseSessionID(v)
		if err != nil {
			return args, err
		}
		args.lsid = &id
	}

	txnNumberValue, txnErr := raw.LookupErr(command.FieldTxnNumber)
	autocommitValue, acErr := raw.LookupErr(command.FieldAutocommit)
	switch {
	case txnErr == nil && args.lsid == nil:
		return args, txnerr.New(txnerr.InvalidOptions, "txnNumber may only be provided for multi-document transactions on a session")
	case args.lsid != nil && txnErr != nil:
		return args, txnerr.New(txnerr.IllegalOperation, "commands on a session must belong to a transaction")
	case args.lsid != nil && acErr != nil:
		return args, txnerr.New(txnerr.IllegalOperation, "retryable writes are not supported")
	}
	if args.lsid != nil {
		n, ok := command.AsInt64(txnNumberValue)
		if !ok || txnNumberValue.Type == bson.TypeBoolean {
			return args, txnerr.Newf(txnerr.FailedToParse, "txnNumber must be a number, got %s", txnNumberValue.Type)
		}
		args.txnNumber = transaction.TxnNumber(n)
		autocommit, ok := autocommitValue.BooleanOK()
		if !ok {
			return args, txnerr.Newf(txnerr.FailedToParse, "autocommit must be a boolean, got %s", autocommitValue.Type)
		}
		if autocommit {
			return args, txnerr.New(txnerr.InvalidOptions, "autocommit must be false")
		}
	}

	if v, err := raw.LookupErr(command.FieldStartTransaction); err == nil {
		b, ok := v.BooleanOK()
		if !ok || !b {
			return args, txnerr.New(txnerr.InvalidOptions, "startTransaction must be true if present")
		}
		args.startTransaction = true
	}
	if v, err := raw.LookupErr(command.FieldReadConcern); err == nil {
		doc, ok := v.DocumentOK()
		if !ok {
			return args, txnerr.Newf(txnerr.FailedToParse, "readConcern must be a document, got %s", v.Type)
		}
		rc, err := transaction.ParseReadConcern(doc)
		if err != nil {
			return args, txnerr.Newf(txnerr.FailedToParse, "%v", err)
		}
		args.readConcern = rc
	}
	if v, err := raw.LookupErr(command.FieldWriteConcern); err == nil {
		doc, ok := v.DocumentOK()
		if !ok {
			return args, txnerr.Newf(txnerr.FailedToParse, "writeConcern must be a document, got %s", v.Type)
		}
		if err := bson.Unmarshal(doc, &args.writeConcern); err != nil {
			return args, txnerr.Newf(txnerr.FailedToParse, "%v", err)
		}
	}
	if v, err := raw.LookupErr(command.FieldTargets); err == nil {
		arr, ok := v.ArrayOK()
		if !ok {
			return args, txnerr.Newf(txnerr.FailedToParse, "%s must be an array of shard ids", command.FieldTargets)
		}
		values, err := arr.Values()
		if err != nil {
			return args, txnerr.Newf(txnerr.FailedToParse, "%v", err)
		}
		seen := make(map[transaction.ShardID]bool, len(values))
		for _, tv := range values {
			id, ok := tv.StringValueOK()
			if !ok || id == "" {
				return args, txnerr.Newf(txnerr.FailedToParse, "%s must hold non-empty strings", command.FieldTargets)
			}
			if !seen[transaction.ShardID(id)] {
				seen[transaction.ShardID(id)] = true
				args.targets = append(args.targets, transaction.ShardID(id))
			}
		}
	}
	if v, err := raw.LookupErr(command.FieldRecoveryToken); err == nil {
		var token transaction.RecoveryToken
		if err := v.Unmarshal(&token); err != nil {
			return args, txnerr.Newf(txnerr.FailedToParse, "recoveryToken: %v", err)
		}
		args.recoveryToken = &token
	}
	return args, nil
}
