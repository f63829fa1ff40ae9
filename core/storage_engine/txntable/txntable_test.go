package txntable

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojotxn/core/transaction"
)

func open(t *testing.T, path string) *Table {
	t.Helper()
	tbl, err := Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	return tbl
}

func record(id transaction.SessionID, txnNumber transaction.TxnNumber, state transaction.DurableState, secs uint32) transaction.TxnRecord {
	return transaction.TxnRecord{
		SessionID:       id,
		TxnNumber:       txnNumber,
		LastWriteOpTime: transaction.OpTime{TS: primitive.Timestamp{T: secs, I: 1}, Term: 1},
		LastWriteDate:   time.Unix(int64(secs), 0).UTC(),
		State:           state,
	}
}

func TestUpsertGetAndReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "txns.db")
	tbl := open(t, path)

	a := transaction.NewSessionID()
	require.NoError(t, tbl.Upsert(ctx, record(a, 1, transaction.StateInProgress, 10)))
	require.NoError(t, tbl.Upsert(ctx, record(a, 1, transaction.StatePrepared, 11)))

	got, ok, err := tbl.Get(ctx, a)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, transaction.StatePrepared, got.State)
	require.Equal(t, uint32(11), got.LastWriteOpTime.TS.T)

	require.NoError(t, tbl.Upsert(ctx, record(a, 0, transaction.StateCommitted, 12)))
	got, _, err = tbl.Get(ctx, a)
	require.NoError(t, err)
	require.Equal(t, transaction.StatePrepared, got.State, "older txnNumber leaves the row alone")

	_, ok, err = tbl.Get(ctx, transaction.NewSessionID())
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, tbl.Close())
	tbl = open(t, path)
	defer tbl.Close()
	got, ok, err = tbl.Get(ctx, a)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, a, got.SessionID)
}

func TestForEachInState(t *testing.T) {
	ctx := context.Background()
	tbl := open(t, filepath.Join(t.TempDir(), "txns.db"))
	defer tbl.Close()

	prepared := map[transaction.SessionID]bool{}
	for i := 0; i < 4; i++ {
		id := transaction.NewSessionID()
		state := transaction.StateCommitted
		if i%2 == 0 {
			state = transaction.StatePrepared
			prepared[id] = true
		}
		require.NoError(t, tbl.Upsert(ctx, record(id, transaction.TxnNumber(i), state, uint32(i+1))))
	}

	recs, err := tbl.InState(ctx, transaction.StatePrepared)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		require.True(t, prepared[rec.SessionID])
	}
}

func TestDecisions(t *testing.T) {
	ctx := context.Background()
	tbl := open(t, filepath.Join(t.TempDir(), "txns.db"))
	defer tbl.Close()

	id := transaction.NewSessionID()
	d := Decision{
		SessionID:       id,
		TxnNumber:       4,
		Outcome:         OutcomeCommit,
		CommitTimestamp: primitive.Timestamp{T: 9, I: 2},
		Participants:    []transaction.ShardID{"s0", "s1"},
	}
	require.NoError(t, tbl.PutDecision(ctx, d))

	got, ok, err := tbl.GetDecision(ctx, id, 4)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, d, got)

	_, ok, err = tbl.GetDecision(ctx, id, 5)
	require.NoError(t, err)
	require.False(t, ok)
}
