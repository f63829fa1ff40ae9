package main

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/sushant-115/gojotxn/core/command"
)

func TestShellBuildsTransactionStatements(t *testing.T) {
	s := newSession()

	cmd, err := s.build("insert shardA c {\"_id\": 1}")
	require.NoError(t, err)
	require.False(t, command.Has(cmd, command.FieldLsid), "statements outside begin are untransacted")

	cmd, err = s.build("begin snapshot")
	require.NoError(t, err)
	require.Nil(t, cmd)

	cmd, err = s.build(`insert shardA,shardB c {"_id": 2, "name": "two words"}`)
	require.NoError(t, err)
	require.Equal(t, "insert", command.Name(cmd))
	require.True(t, command.Has(cmd, command.FieldStartTransaction))
	require.True(t, command.Has(cmd, command.FieldReadConcern))
	v, _ := command.Lookup(cmd, command.FieldTargets)
	require.Equal(t, bson.A{"shardA", "shardB"}, v)
	docs, _ := command.Lookup(cmd, "documents")
	require.Equal(t, "two words", command.ToRaw(docs.(bson.A)[0]).Lookup("name").StringValue())

	cmd, err = s.build("find shardA c")
	require.NoError(t, err)
	require.False(t, command.Has(cmd, command.FieldStartTransaction), "only the first statement starts the transaction")
	n, _ := command.Lookup(cmd, command.FieldTxnNumber)
	require.EqualValues(t, 1, n)

	cmd, err = s.build("commit")
	require.NoError(t, err)
	require.Equal(t, command.CommitTransaction, command.Name(cmd))
	_, err = s.build("commit")
	require.Error(t, err)
}

func TestShellRejectsBadInput(t *testing.T) {
	s := newSession()
	_, err := s.build("insert shardA c")
	require.Error(t, err)
	_, err = s.build("insert shardA c {not json}")
	require.Error(t, err)
	_, err = s.build("drop everything")
	require.Error(t, err)

	cmd, err := s.build("   ")
	require.NoError(t, err)
	require.Nil(t, cmd)
}
