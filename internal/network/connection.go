package network

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/blockbridge/internal/bridge"
	"github.com/energizer-project/blockbridge/internal/protocol"
)

// ErrUnknownSession is returned for a session id the registry does not hold.
var ErrUnknownSession = errors.New("unknown session")

// Connection is one accepted client: its bridge session and the tracker
// observing it. The registry only uses it for bookkeeping; forwarding
// state lives entirely in the session.
type Connection struct {
	id       string
	remote   string
	openedAt time.Time

	session *bridge.Session
	tracker *protocol.Tracker

	lastActivity atomic.Int64

	mu              sync.Mutex
	username        string
	protocolVersion int32
	serverAddress   string
}

// ConnectionInfo is a point-in-time view of a Connection for the admin API.
type ConnectionInfo struct {
	ID              string         `json:"id"`
	Remote          string         `json:"remote"`
	State           protocol.State `json:"state"`
	Phase           bridge.Phase   `json:"phase"`
	Username        string         `json:"username,omitempty"`
	ProtocolVersion int32          `json:"protocol_version,omitempty"`
	ServerAddress   string         `json:"server_address,omitempty"`
	OpenedAt        time.Time      `json:"opened_at"`
	LastActivity    time.Time      `json:"last_activity"`
	Stats           bridge.Stats   `json:"stats"`
}

func newConnection(id, remote string, session *bridge.Session, tracker *protocol.Tracker) *Connection {
	now := time.Now()
	c := &Connection{
		id:       id,
		remote:   remote,
		openedAt: now,
		session:  session,
		tracker:  tracker,
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// ID returns the session id.
func (c *Connection) ID() string { return c.id }

// RemoteAddr returns the client address as a string.
func (c *Connection) RemoteAddr() string { return c.remote }

// Session returns the bridge session.
func (c *Connection) Session() *bridge.Session { return c.session }

// State returns the tracked protocol state.
func (c *Connection) State() protocol.State { return c.tracker.State() }

// MarkPlay moves the tracker to Play. Nothing on the wire announces that
// transition, so it is always driven from outside.
func (c *Connection) MarkPlay() (from protocol.State) {
	from = c.tracker.State()
	c.tracker.SetState(protocol.StatePlay)
	return from
}

// Username returns the name from Login Start, if one was seen.
func (c *Connection) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Connection) recordHandshake(h protocol.Handshake) {
	c.mu.Lock()
	c.protocolVersion = h.ProtocolVersion
	c.serverAddress = h.ServerAddress
	c.mu.Unlock()
}

func (c *Connection) recordLogin(l protocol.LoginStart) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username = l.Username
	return c.protocolVersion
}

// LastActivity returns the time the client last sent bytes.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// OpenedAt returns the accept time.
func (c *Connection) OpenedAt() time.Time { return c.openedAt }

// Info snapshots the connection.
func (c *Connection) Info() ConnectionInfo {
	c.mu.Lock()
	username, version, address := c.username, c.protocolVersion, c.serverAddress
	c.mu.Unlock()

	return ConnectionInfo{
		ID:              c.id,
		Remote:          c.remote,
		State:           c.tracker.State(),
		Phase:           c.session.Phase(),
		Username:        username,
		ProtocolVersion: version,
		ServerAddress:   address,
		OpenedAt:        c.openedAt,
		LastActivity:    c.LastActivity(),
		Stats:           c.session.Stats(),
	}
}

// Close tears the connection's session down.
func (c *Connection) Close() error {
	return c.session.Close()
}

// ConnectionRegistry tracks live client connections by session id.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewConnectionRegistry creates a new ConnectionRegistry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[string]*Connection),
	}
}

// Register adds a connection to the registry.
func (r *ConnectionRegistry) Register(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.conns[conn.id]; ok && existing != conn {
		existing.Close()
	}
	r.conns[conn.id] = conn
	log.Trace().Str("session_id", conn.id).Msg("connection registered")
}

// Unregister removes a connection without closing it.
func (r *ConnectionRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; ok {
		delete(r.conns, id)
		log.Trace().Str("session_id", id).Msg("connection unregistered")
	}
}

// Get returns the connection for a session id.
func (r *ConnectionRegistry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// List returns a snapshot of every connection, oldest first.
func (r *ConnectionRegistry) List() []ConnectionInfo {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	infos := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].OpenedAt.Equal(infos[j].OpenedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].OpenedAt.Before(infos[j].OpenedAt)
	})
	return infos
}

// Count returns the number of live connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Close tears down the session with the given id.
func (r *ConnectionRegistry) Close(id string) error {
	conn, ok := r.Get(id)
	if !ok {
		return ErrUnknownSession
	}
	return conn.Close()
}

// CloseAll tears down every registered session. Entries are removed by
// their handlers as they exit.
func (r *ConnectionRegistry) CloseAll() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
	if len(conns) > 0 {
		log.Info().Int("count", len(conns)).Msg("all connections closed")
	}
}
