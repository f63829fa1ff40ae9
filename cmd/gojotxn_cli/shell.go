package main

import (
	"strings"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/sushant-115/gojotxn/core/command"
	"github.com/sushant-115/gojotxn/core/transaction"
)

const usage = `Commands:
  begin [snapshot]                 start a transaction on the next statement
  insert <shards> <coll> <json>    insert a document on each listed shard
  find <shards> <coll> [json]      find documents, optionally by filter
  commit | abort                   end the transaction
  report                           list open transactions on the router
  ping                             check the router is up
  help | exit`

// session tracks the transaction fields the shell attaches to statements.
type session struct {
	lsid      transaction.SessionID
	txnNumber int64
	inTxn     bool
	starting  bool
	snapshot  bool
}

func newSession() *session {
	return &session{lsid: transaction.NewSessionID()}
}

// build turns one shell line into a router command. A nil command with a
// nil error means the line was handled locally.
func (s *session) build(line string) (bson.D, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, nil
	}
	switch fields[0] {
	case "begin":
		s.txnNumber++
		s.inTxn, s.starting = true, true
		s.snapshot = len(fields) > 1 && fields[1] == "snapshot"
		return nil, nil
	case "ping":
		return bson.D{{Key: "ping", Value: 1}}, nil
	case "report":
		return bson.D{{Key: command.ReportTransactions, Value: 1}}, nil
	case "commit", "abort":
		if !s.inTxn {
			return nil, errors.New("no transaction; run begin first")
		}
		name := command.CommitTransaction
		if fields[0] == "abort" {
			name = command.AbortTransaction
		}
		cmd := s.attach(bson.D{{Key: name, Value: 1}})
		s.inTxn = false
		return cmd, nil
	case "insert":
		rest := splitN(line, 4)
		if len(rest) < 4 {
			return nil, errors.New("usage: insert <shards> <coll> <json>")
		}
		doc, err := parseJSON(rest[3])
		if err != nil {
			return nil, err
		}
		return s.attach(bson.D{
			{Key: "insert", Value: rest[2]},
			{Key: "documents", Value: bson.A{doc}},
			targets(rest[1]),
		}), nil
	case "find":
		rest := splitN(line, 4)
		if len(rest) < 3 {
			return nil, errors.New("usage: find <shards> <coll> [json]")
		}
		cmd := bson.D{{Key: "find", Value: rest[2]}}
		if len(rest) == 4 {
			filter, err := parseJSON(rest[3])
			if err != nil {
				return nil, err
			}
			cmd = append(cmd, bson.E{Key: "filter", Value: filter})
		}
		return s.attach(append(cmd, targets(rest[1]))), nil
	}
	return nil, errors.Newf("unknown command %q; try help", fields[0])
}

func (s *session) attach(cmd bson.D) bson.D {
	if !s.inTxn {
		return cmd
	}
	cmd = append(cmd,
		bson.E{Key: command.FieldLsid, Value: s.lsid},
		bson.E{Key: command.FieldTxnNumber, Value: s.txnNumber},
		bson.E{Key: command.FieldAutocommit, Value: false},
	)
	if s.starting {
		cmd = append(cmd, bson.E{Key: command.FieldStartTransaction, Value: true})
		if s.snapshot {
			cmd = append(cmd, bson.E{Key: command.FieldReadConcern, Value: bson.D{{Key: "level", Value: "snapshot"}}})
		}
		s.starting = false
	}
	return cmd
}

func targets(list string) bson.E {
	a := bson.A{}
	for _, id := range strings.Split(list, ",") {
		if id = strings.TrimSpace(id); id != "" {
			a = append(a, id)
		}
	}
	return bson.E{Key: command.FieldTargets, Value: a}
}

// splitN splits line into at most n whitespace separated parts, the last
// keeping its inner spaces.
func splitN(line string, n int) []string {
	var out []string
	rest := strings.TrimSpace(line)
	for len(out) < n-1 && rest != "" {
		i := strings.IndexAny(rest, " \t")
		if i < 0 {
			break
		}
		out = append(out, rest[:i])
		rest = strings.TrimSpace(rest[i:])
	}
	if rest != "" {
		out = append(out, rest)
	}
	return out
}

func parseJSON(s string) (bson.D, error) {
	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(s), false, &doc); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", s)
	}
	return doc, nil
}
