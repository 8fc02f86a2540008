// Package tcrm tracks the resource managers connected to the coordinator
// and delivers phase two instructions to them.
package tcrm

import (
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/rseata/api"
	"pkt.systems/rseata/internal/clock"
	"pkt.systems/rseata/internal/core"
	"pkt.systems/rseata/internal/correlation"
	"pkt.systems/rseata/internal/event"
	"pkt.systems/rseata/internal/loggingutil"
	"pkt.systems/rseata/internal/txn"
)

// DefaultQueueSize bounds undelivered instructions per connection.
const DefaultQueueSize = 128

// Resource describes what a resource manager announced.
type Resource struct {
	GroupID    string
	ResourceID string
	ClientID   string
	BranchType txn.BranchType
}

// Key addresses a connection.
type Key struct {
	ResourceID string
	ClientID   string
}

func (r Resource) key() Key { return Key{ResourceID: r.ResourceID, ClientID: r.ClientID} }

// Connection is one live instruction stream.
type Connection struct {
	ID          string
	Resource    Resource
	ConnectedAt time.Time

	queue     chan api.Instruction
	done      chan struct{}
	closeOnce sync.Once
}

// Instructions yields queued instructions in send order.
func (c *Connection) Instructions() <-chan api.Instruction { return c.queue }

// Done is closed once the connection is unregistered or evicted.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Info is a point in time view of a connection.
type Info struct {
	ID          string
	Resource    Resource
	ConnectedAt time.Time
	Queued      int
}

// Config configures NewRegistry.
type Config struct {
	QueueSize int
	Logger    pslog.Logger
	Events    *event.Bus
	Clock     clock.Clock
}

// Registry maps (resource id, client id) to the live connection.
type Registry struct {
	mu        sync.RWMutex
	conns     map[Key]*Connection
	queueSize int
	logger    pslog.Logger
	events    *event.Bus
	clock     clock.Clock
}

// NewRegistry builds an empty registry.
func NewRegistry(cfg Config) *Registry {
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Registry{
		conns:     make(map[Key]*Connection),
		queueSize: size,
		logger:    loggingutil.WithSubsystem(cfg.Logger, "tc.rm"),
		events:    cfg.Events,
		clock:     clock.Ensure(cfg.Clock),
	}
}

// Register opens a connection for res. A previous connection with the same
// key is evicted.
func (r *Registry) Register(res Resource) (*Connection, error) {
	res.ResourceID = strings.TrimSpace(res.ResourceID)
	res.ClientID = strings.TrimSpace(res.ClientID)
	if res.ResourceID == "" {
		return nil, core.InvalidArgument("resource_id required")
	}
	if res.ClientID == "" {
		return nil, core.InvalidArgument("client_id required")
	}
	conn := &Connection{
		ID:          correlation.NewID(),
		Resource:    res,
		ConnectedAt: r.clock.Now(),
		queue:       make(chan api.Instruction, r.queueSize),
		done:        make(chan struct{}),
	}
	r.mu.Lock()
	previous := r.conns[res.key()]
	r.conns[res.key()] = conn
	r.mu.Unlock()
	if previous != nil {
		previous.close()
		r.logger.Info("tc.rm.replace", "resource_id", res.ResourceID, "client_id", res.ClientID, "previous", previous.ID, "connection", conn.ID)
	}
	r.logger.Info("tc.rm.register", "resource_id", res.ResourceID, "client_id", res.ClientID, "branch_type", res.BranchType.String(), "connection", conn.ID)
	r.events.Publish(event.Event{
		Type:       event.ResourceRegistered,
		ResourceID: res.ResourceID,
		ClientID:   res.ClientID,
		BranchType: res.BranchType,
	})
	return conn, nil
}

// Unregister removes conn. It is a no-op when conn was already replaced or
// removed.
func (r *Registry) Unregister(conn *Connection) {
	if conn == nil {
		return
	}
	conn.close()
	if r.remove(conn) {
		r.logger.Info("tc.rm.unregister", "resource_id", conn.Resource.ResourceID, "client_id", conn.Resource.ClientID, "connection", conn.ID)
		r.publishGone(conn, "")
	}
}

// Lookup returns the live connection for the key.
func (r *Registry) Lookup(resourceID, clientID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[Key{ResourceID: resourceID, ClientID: clientID}]
	return conn, ok
}

// Send queues ins on the connection for (resourceID, clientID). A full or
// closed queue evicts the connection and the send fails with a protocol
// error.
func (r *Registry) Send(resourceID, clientID string, ins api.Instruction) error {
	conn, ok := r.Lookup(resourceID, clientID)
	if !ok {
		return core.Disconnected("no connection for resource %s client %s", resourceID, clientID)
	}
	if conn.closed() {
		r.evict(conn, "closed")
		return core.Disconnected("connection %s for resource %s is closed", conn.ID, resourceID)
	}
	select {
	case conn.queue <- ins:
		r.logger.Trace("tc.rm.send", "resource_id", resourceID, "client_id", clientID, "type", string(ins.Type), "xid", ins.Xid, "branch_id", ins.BranchID)
		return nil
	default:
		r.evict(conn, "queue_full")
		return core.Disconnected("instruction queue full for resource %s client %s", resourceID, clientID)
	}
}

// List returns every live connection ordered by resource then client.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, Info{
			ID:          conn.ID,
			Resource:    conn.Resource,
			ConnectedAt: conn.ConnectedAt,
			Queued:      len(conn.queue),
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Resource.ResourceID != out[j].Resource.ResourceID {
			return out[i].Resource.ResourceID < out[j].Resource.ResourceID
		}
		return out[i].Resource.ClientID < out[j].Resource.ClientID
	})
	return out
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Close evicts every connection.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[Key]*Connection)
	r.mu.Unlock()
	for _, conn := range conns {
		conn.close()
	}
}

func (r *Registry) evict(conn *Connection, reason string) {
	conn.close()
	if r.remove(conn) {
		r.logger.Warn("tc.rm.evict", "resource_id", conn.Resource.ResourceID, "client_id", conn.Resource.ClientID, "connection", conn.ID, "reason", reason)
		r.publishGone(conn, reason)
	}
}

func (r *Registry) remove(conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := conn.Resource.key()
	if current, ok := r.conns[key]; ok && current == conn {
		delete(r.conns, key)
		return true
	}
	return false
}

func (r *Registry) publishGone(conn *Connection, reason string) {
	r.events.Publish(event.Event{
		Type:       event.ResourceUnregistered,
		ResourceID: conn.Resource.ResourceID,
		ClientID:   conn.Resource.ClientID,
		BranchType: conn.Resource.BranchType,
		Error:      reason,
	})
}
