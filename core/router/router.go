// Package router tracks multi-shard transactions on the routing tier. One
// Router exists per logical session; it decides which shards participate,
// picks the snapshot read timestamp, decorates outgoing shard commands with
// transaction fields and chooses how to commit.
package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/clock"
	"github.com/sushant-115/gojotxn/core/shard"
	"github.com/sushant-115/gojotxn/core/transaction"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
)

// Action is what a statement asks of the transaction it names.
type Action int

const (
	ActionStart Action = iota
	ActionContinue
	ActionCommit
)

func (a Action) String() string {
	switch a {
	case ActionStart:
		return "start"
	case ActionContinue:
		return "continue"
	case ActionCommit:
		return "commit"
	}
	return "unknown"
}

// CommitType is the strategy chosen to commit a transaction.
type CommitType int

const (
	CommitTypeNotInitiated CommitType = iota
	CommitTypeNoShards
	CommitTypeSingleShard
	CommitTypeSingleWriteShard
	CommitTypeReadOnly
	CommitTypeTwoPhaseCommit
	CommitTypeRecoverWithToken
)

func (c CommitType) String() string {
	switch c {
	case CommitTypeNotInitiated:
		return "notInitiated"
	case CommitTypeNoShards:
		return "noShards"
	case CommitTypeSingleShard:
		return "singleShard"
	case CommitTypeSingleWriteShard:
		return "singleWriteShard"
	case CommitTypeReadOnly:
		return "readOnly"
	case CommitTypeTwoPhaseCommit:
		return "twoPhaseCommit"
	case CommitTypeRecoverWithToken:
		return "recoverWithToken"
	}
	return "unknown"
}

// ClientInfo describes the client connection that last used a session.
type ClientInfo struct {
	Host         string
	AppName      string
	ConnectionID int64
}

// Operation carries the per-statement arguments the router reads and, for
// continuing statements, fills in.
type Operation struct {
	ReadConcern  transaction.ReadConcernArgs
	WriteConcern bson.D
	Client       ClientInfo
}

func (op *Operation) writeConcern() bson.D {
	if op == nil || op.WriteConcern == nil {
		return bson.D{{Key: "w", Value: 1}, {Key: "wtimeout", Value: 0}}
	}
	return op.WriteConcern
}

// Config tunes router behaviour.
type Config struct {
	// SlowTransactionThreshold is the duration above which a finished
	// transaction is logged.
	SlowTransactionThreshold time.Duration
	// EnableRetriesWithinTransaction allows statements that hit stale
	// routing or snapshot errors to be retried inside the transaction.
	EnableRetriesWithinTransaction bool
	// MaxInFlightShardRequests bounds commit fan-out. Zero means unbounded.
	MaxInFlightShardRequests int
	// HostName is reported as the router's host in transaction reports.
	HostName string
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		SlowTransactionThreshold:       100 * time.Millisecond,
		EnableRetriesWithinTransaction: true,
	}
}

// Env is what every Router of a process shares.
type Env struct {
	Sender  shard.Sender
	Clock   clock.LogicalClock
	Ticks   clockwork.Clock
	Metrics *internaltelemetry.RouterMetrics
	Tracer  trace.Tracer
	Logger  *zap.Logger
	Config  Config
}

// Registry maps sessions to their routers. Routers are created on first
// use and dropped when the session ends.
type Registry struct {
	env *Env

	mu      sync.Mutex
	routers map[transaction.SessionID]*Router
}

// NewRegistry returns an empty registry. Sender, Clock and Metrics are required.
func NewRegistry(env Env) *Registry {
	if env.Ticks == nil {
		env.Ticks = clockwork.NewRealClock()
	}
	if env.Tracer == nil {
		env.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}
	env.Sender = &gossipSender{Sender: env.Sender, clock: env.Clock}
	return &Registry{
		env:     &env,
		routers: make(map[transaction.SessionID]*Router),
	}
}

// Get returns the router of a session, creating it if needed.
func (r *Registry) Get(sessionID transaction.SessionID) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routers[sessionID]
	if !ok {
		rt = newRouter(sessionID, r.env)
		r.routers[sessionID] = rt
	}
	return rt
}

// Evict forgets a session's router. It is called when the session ends.
func (r *Registry) Evict(sessionID transaction.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routers, sessionID)
}

// Sender returns the sender the routers use. Replies received through it
// advance the logical clock.
func (r *Registry) Sender() shard.Sender {
	return r.env.Sender
}

// Len returns the number of sessions with a router.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routers)
}

// Report returns the state report of every router with a transaction.
func (r *Registry) Report() []bson.D {
	r.mu.Lock()
	routers := make([]*Router, 0, len(r.routers))
	for _, rt := range r.routers {
		routers = append(routers, rt)
	}
	r.mu.Unlock()

	var out []bson.D
	for _, rt := range routers {
		if doc := rt.ReportState(rt.isActive()); doc != nil {
			out = append(out, doc)
		}
	}
	return out
}

// state is everything a Router mutates. All of it is guarded by Router.mu.
type state struct {
	txnNumber       transaction.TxnNumber
	participants    map[transaction.ShardID]Participant
	coordinatorID   transaction.ShardID
	atClusterTime   *AtClusterTime
	commitType      CommitType
	readConcernArgs transaction.ReadConcernArgs
	timing          TimingStats
	abortCause      string
	lastClient      ClientInfo
	active          bool

	recoveryShardID      transaction.ShardID
	latestStmtID         transaction.StmtID
	firstStmtID          transaction.StmtID
	terminationInitiated bool
	isRecoveringCommit   bool
}

// Router is the transaction state of one session. Methods may be called
// from the goroutine running the session's current statement; ReportState
// may be called from anywhere. The lock is never held across a remote call.
type Router struct {
	sessionID transaction.SessionID
	env       *Env
	logger    *zap.Logger

	mu sync.Mutex
	s  state
}

func newRouter(sessionID transaction.SessionID, env *Env) *Router {
	return &Router{
		sessionID: sessionID,
		env:       env,
		logger:    env.Logger.Named("txn_router").With(zap.Stringer("lsid", sessionID)),
		s: state{
			txnNumber:    transaction.UninitializedTxnNumber,
			participants: make(map[transaction.ShardID]Participant),
			latestStmtID: transaction.UninitializedStmtID,
			firstStmtID:  transaction.UninitializedStmtID,
		},
	}
}

// SessionID returns the session the router belongs to.
func (r *Router) SessionID() transaction.SessionID {
	return r.sessionID
}

// TxnNumber returns the current transaction number.
func (r *Router) TxnNumber() transaction.TxnNumber {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s.txnNumber
}

// CommitType returns the commit strategy, or CommitTypeNotInitiated.
func (r *Router) CommitType() CommitType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s.commitType
}

// CoordinatorID returns the coordinator shard, if one was chosen.
func (r *Router) CoordinatorID() (transaction.ShardID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s.coordinatorID, r.s.coordinatorID != ""
}

// RecoveryShardID returns the shard that will answer commit recovery, if any.
func (r *Router) RecoveryShardID() (transaction.ShardID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s.recoveryShardID, r.s.recoveryShardID != ""
}

// AbortCause returns why the transaction aborted, or "".
func (r *Router) AbortCause() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s.abortCause
}

// Participants returns a copy of the participant map.
func (r *Router) Participants() map[transaction.ShardID]Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[transaction.ShardID]Participant, len(r.s.participants))
	for id, p := range r.s.participants {
		out[id] = p
	}
	return out
}

// Participant returns the participant for shardID.
func (r *Router) Participant(shardID transaction.ShardID) (Participant, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok, err := r.participantLocked(shardID)
	if err != nil || !ok {
		return Participant{}, ok, err
	}
	return *p, true, nil
}

func (r *Router) isActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s.active
}

// TxnIDString identifies the transaction in log lines.
func (r *Router) TxnIDString() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.txnIDStringLocked()
}

func (r *Router) txnIDStringLocked() string {
	return fmt.Sprintf("%s:%d", r.sessionID, r.s.txnNumber)
}

func (r *Router) now() time.Time {
	return r.env.Ticks.Now()
}
