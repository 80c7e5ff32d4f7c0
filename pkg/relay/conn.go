package relay

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/giongto35/cloud-relay/pkg/api"
	"github.com/giongto35/cloud-relay/pkg/logger"
	"github.com/giongto35/cloud-relay/pkg/wire"
	"github.com/gofrs/uuid"
)

// Meta is the machine info reported by heartbeats.
type Meta struct {
	ComputerName string
	MACAddress   string
	CurrentUser  string
	LastReboot   string
}

// Connection is one live peer.
//
// Role, session, requester and meta are written by the goroutine that reads
// the peer and read by others while routing, so they are kept in atomics.
// Sends from any goroutine are serialized.
type Connection struct {
	id string
	t  wire.Transport

	role          atomic.Pointer[api.Role]
	session       atomic.Pointer[Session]
	lastRequester atomic.Pointer[string]
	meta          atomic.Pointer[Meta]
	log           atomic.Pointer[logger.Logger]
	base          *logger.Logger

	mu     sync.Mutex
	closed atomic.Bool
	once   sync.Once
	done   chan struct{}
}

func NewConnection(t wire.Transport, log *logger.Logger) (*Connection, error) {
	uid, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	c := &Connection{id: uid.String(), t: t, done: make(chan struct{})}
	c.base = log.Extend(log.With().Str(logger.ConnField, c.ShortId()))
	c.log.Store(c.base.Extend(c.base.With().Str(logger.RoleField, api.RoleUnclassified.String())))
	return c, nil
}

func (c *Connection) Id() string { return c.id }

func (c *Connection) ShortId() string { return c.id[:3] + "." + c.id[len(c.id)-3:] }

func (c *Connection) String() string { return c.id }

func (c *Connection) Log() *logger.Logger { return c.log.Load() }

func (c *Connection) Role() api.Role {
	if r := c.role.Load(); r != nil {
		return *r
	}
	return api.RoleUnclassified
}

// classify sets the role once.
func (c *Connection) classify(role api.Role) bool {
	if !c.role.CompareAndSwap(nil, &role) {
		return false
	}
	c.log.Store(c.base.Extend(c.base.With().Str(logger.RoleField, role.String())))
	return true
}

func (c *Connection) Session() *Session { return c.session.Load() }

// SessionID is the code of the session the connection belongs to, if any.
func (c *Connection) SessionID() string {
	if s := c.Session(); s != nil {
		return s.ID()
	}
	return ""
}

// LastRequesterID is the id of the viewer that last asked this host for a frame.
func (c *Connection) LastRequesterID() string {
	if id := c.lastRequester.Load(); id != nil {
		return *id
	}
	return ""
}

func (c *Connection) setLastRequester(id string) { c.lastRequester.Store(&id) }

func (c *Connection) Meta() Meta {
	if m := c.meta.Load(); m != nil {
		return *m
	}
	return Meta{}
}

func (c *Connection) setMeta(m Meta) { c.meta.Store(&m) }

func (c *Connection) RemoteAddr() string { return c.t.RemoteAddr() }

func (c *Connection) SendMessage(m api.Message) error {
	data, err := api.Encode(m)
	if err != nil {
		return err
	}
	return c.send(wire.Message, data)
}

func (c *Connection) SendBytes(data []byte) error { return c.send(wire.Binary, data) }

func (c *Connection) send(kind wire.Kind, data []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if err := c.t.WriteUnit(kind, data); err != nil {
		c.Close()
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

// sendAndSeal sends m in the clear and turns on encryption for everything after it.
func (c *Connection) sendAndSeal(m api.Message, seal func(wire.Transport)) error {
	data, err := api.Encode(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if err := c.t.WriteUnit(wire.Message, data); err != nil {
		c.Close()
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	seal(c.t)
	return nil
}

// Close drops the peer, the reader goroutine finishes the cleanup.
func (c *Connection) Close() {
	c.closed.Store(true)
	c.once.Do(func() { _ = c.t.Close() })
}

func (c *Connection) IsClosed() bool { return c.closed.Load() }

// Done is closed once the connection is fully torn down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// release hands the pooled buffers back after the last read.
func (c *Connection) release() {
	c.Close()
	c.mu.Lock()
	c.t.Release()
	c.mu.Unlock()
	close(c.done)
}
