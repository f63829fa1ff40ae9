package participant

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/sushant-115/gojotxn/core/command"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/txnerr"
)

// txnArgs are the session and transaction fields of a command.
type txnArgs struct {
	lsid             *transaction.SessionID
	txnNumber        *transaction.TxnNumber
	autocommit       *bool
	startTransaction bool
	readConcern      *transaction.ReadConcernArgs
}

func parseTxnArgs(raw bson.Raw) (txnArgs, error) {
	var args txnArgs
	if v, err := raw.LookupErr(command.FieldLsid); err == nil {
		var id transaction.SessionID
		if err := id.UnmarshalBSONValue(v.Type, v.Value); err != nil {
			return args, txnerr.Newf(txnerr.FailedToParse, "%v", err)
		}
		args.lsid = &id
	}
	if v, err := raw.LookupErr(command.FieldTxnNumber); err == nil {
		n, ok := command.AsInt64(v)
		if !ok || v.Type == bson.TypeBoolean {
			return args, txnerr.Newf(txnerr.FailedToParse, "txnNumber must be a number, got %s", v.Type)
		}
		txnNumber := transaction.TxnNumber(n)
		args.txnNumber = &txnNumber
	}
	if v, err := raw.LookupErr(command.FieldAutocommit); err == nil {
		b, ok := v.BooleanOK()
		if !ok {
			return args, txnerr.Newf(txnerr.FailedToParse, "autocommit must be a boolean, got %s", v.Type)
		}
		args.autocommit = &b
	}
	if v, err := raw.LookupErr(command.FieldStartTransaction); err == nil {
		b, ok := v.BooleanOK()
		if !ok {
			return args, txnerr.Newf(txnerr.FailedToParse, "startTransaction must be a boolean, got %s", v.Type)
		}
		args.startTransaction = b
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
		args.readConcern = &rc
	}

	if args.txnNumber != nil && args.lsid == nil {
		return args, txnerr.New(txnerr.InvalidOptions, "txnNumber may only be provided for operations on a session")
	}
	if args.autocommit != nil && *args.autocommit {
		return args, txnerr.New(txnerr.InvalidOptions, "autocommit may only be specified as false")
	}
	if args.startTransaction && args.autocommit == nil {
		return args, txnerr.New(txnerr.InvalidOptions, "startTransaction requires autocommit: false")
	}
	if args.txnNumber != nil && args.autocommit == nil {
		return args, txnerr.New(txnerr.IllegalOperation, "retryable writes are not supported")
	}
	if args.autocommit != nil && args.txnNumber == nil {
		return args, txnerr.New(txnerr.InvalidOptions, "autocommit requires a txnNumber")
	}
	return args, nil
}

// inTransaction reports whether the command belongs to a multi-statement
// transaction.
func (a txnArgs) inTransaction() bool {
	return a.txnNumber != nil
}

func (a txnArgs) key() (transaction.SessionID, transaction.TxnNumber, error) {
	if a.lsid == nil || a.txnNumber == nil {
		return transaction.SessionID{}, 0, txnerr.New(txnerr.InvalidOptions, "command requires lsid and txnNumber")
	}
	return *a.lsid, *a.txnNumber, nil
}

func lookupTimestamp(raw bson.Raw, field string) (primitive.Timestamp, bool, error) {
	v, err := raw.LookupErr(field)
	if err != nil {
		return primitive.Timestamp{}, false, nil
	}
	t, i, ok := v.TimestampOK()
	if !ok {
		return primitive.Timestamp{}, false, txnerr.Newf(txnerr.FailedToParse, "%s must be a timestamp, got %s", field, v.Type)
	}
	return primitive.Timestamp{T: t, I: i}, true, nil
}

func lookupString(raw bson.Raw, field string) (string, error) {
	v, err := raw.LookupErr(field)
	if err != nil {
		return "", txnerr.Newf(txnerr.FailedToParse, "missing %s", field)
	}
	s, ok := v.StringValueOK()
	if !ok {
		return "", txnerr.Newf(txnerr.FailedToParse, "%s must be a string, got %s", field, v.Type)
	}
	return s, nil
}

func lookupDocuments(raw bson.Raw, field string) ([]bson.Raw, error) {
	v, err := raw.LookupErr(field)
	if err != nil {
		return nil, txnerr.Newf(txnerr.FailedToParse, "missing %s", field)
	}
	arr, ok := v.ArrayOK()
	if !ok {
		return nil, txnerr.Newf(txnerr.FailedToParse, "%s must be an array, got %s", field, v.Type)
	}
	values, err := arr.Values()
	if err != nil {
		return nil, txnerr.Newf(txnerr.FailedToParse, "%s: %v", field, err)
	}
	out := make([]bson.Raw, 0, len(values))
	for i, v := range values {
		doc, ok := v.DocumentOK()
		if !ok {
			return nil, txnerr.Newf(txnerr.FailedToParse, "%s.%d must be a document, got %s", field, i, v.Type)
		}
		out = append(out, doc)
	}
	return out, nil
}
