package command

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/sushant-115/gojotxn/core/txnerr"
)

func TestStatusFromResult(t *testing.T) {
	require.NoError(t, StatusFromResult(OKReply()))

	err := StatusFromResult(ErrorReply(txnerr.New(txnerr.NoSuchTransaction, "gone")))
	require.Equal(t, txnerr.NoSuchTransaction, txnerr.CodeOf(err))
	require.Equal(t, "gone", txnerr.Reason(err))

	err = StatusFromResult(ToRaw(bson.D{{Key: "n", Value: 1}}))
	require.Equal(t, txnerr.FailedToParse, txnerr.CodeOf(err))

	err = StatusFromResult(ToRaw(bson.D{{Key: "ok", Value: false}}))
	require.Equal(t, txnerr.UnknownError, txnerr.CodeOf(err))
}

func TestWriteConcernStatusFromResult(t *testing.T) {
	require.NoError(t, WriteConcernStatusFromResult(OKReply()))

	reply := ToRaw(bson.D{
		{Key: "ok", Value: 1},
		{Key: "writeConcernError", Value: bson.D{{Key: "code", Value: 100}, {Key: "errmsg", Value: "timed out"}}},
	})
	require.NoError(t, StatusFromResult(reply))
	err := WriteConcernStatusFromResult(reply)
	require.Equal(t, txnerr.Code(100), txnerr.CodeOf(err))

	reply = ToRaw(bson.D{
		{Key: "ok", Value: 1},
		{Key: "writeConcernError", Value: bson.D{{Key: "errmsg", Value: "no code"}}},
	})
	require.Equal(t, txnerr.WriteConcernFailed, txnerr.CodeOf(WriteConcernStatusFromResult(reply)))
}

func TestCommandHelpers(t *testing.T) {
	cmd := bson.D{{Key: "find", Value: "c"}, {Key: "readConcern", Value: bson.D{}}, {Key: "txnNumber", Value: int64(3)}}
	require.Equal(t, "find", Name(cmd))
	require.True(t, Has(cmd, FieldTxnNumber))
	require.False(t, Has(Without(cmd, FieldTxnNumber, FieldReadConcern), FieldTxnNumber))
	require.Len(t, cmd, 3)

	require.True(t, IsTransactionCommand(CoordinateCommitTransaction))
	require.False(t, IsTransactionCommand("insert"))
}

func TestAppendFields(t *testing.T) {
	reply, err := AppendFields(OKReply(), bson.E{Key: "readOnly", Value: true})
	require.NoError(t, err)
	ro, ok := BoolField(reply, FieldReadOnly)
	require.True(t, ok)
	require.True(t, ro)
}
