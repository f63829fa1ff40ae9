// Package connection caches gRPC client connections by remote address so
// that every shard command to the same node shares one multiplexed channel.
package connection

import (
	"sync"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

// ConnectionPoolManager hands out one *grpc.ClientConn per address,
// creating it on first use.
type ConnectionPoolManager struct {
	mu       sync.RWMutex
	conns    map[string]*grpc.ClientConn
	dialOpts []grpc.DialOption
	closed   bool
}

// NewConnectionPoolManager creates an empty pool. dialOpts are applied to
// every connection it creates.
func NewConnectionPoolManager(dialOpts ...grpc.DialOption) *ConnectionPoolManager {
	return &ConnectionPoolManager{
		conns:    make(map[string]*grpc.ClientConn),
		dialOpts: dialOpts,
	}
}

// Get returns the connection for address. A connection that has been shut
// down is replaced.
func (m *ConnectionPoolManager) Get(address string) (*grpc.ClientConn, error) {
	m.mu.RLock()
	conn, ok := m.conns[address]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, errors.New("connection pool is closed")
	}
	if ok && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("connection pool is closed")
	}
	// Double-check after acquiring write lock
	if conn, ok := m.conns[address]; ok && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}
	conn, err := grpc.NewClient(address, m.dialOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "creating client connection to %s", address)
	}
	m.conns[address] = conn
	return conn, nil
}

// Discard closes and forgets the connection to address.
func (m *ConnectionPoolManager) Discard(address string) {
	m.mu.Lock()
	conn, ok := m.conns[address]
	delete(m.conns, address)
	m.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

// Len reports how many addresses have a cached connection.
func (m *ConnectionPoolManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Close closes every connection. Later calls to Get fail.
func (m *ConnectionPoolManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs error
	for addr, conn := range m.conns {
		if err := conn.Close(); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "closing connection to %s", addr))
		}
	}
	m.conns = make(map[string]*grpc.ClientConn)
	m.closed = true
	return errs
}
