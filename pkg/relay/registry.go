package relay

import (
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"unicode"

	"github.com/giongto35/cloud-relay/pkg/api"
)

// Session groups the connections of one remote-access engagement.
// The first member is the canonical host of the session.
type Session struct {
	id      string
	key     string
	members []*Connection
}

// ID is the human-shareable session code.
func (s *Session) ID() string { return s.id }

// Registry is the table of live connections and sessions.
// Every mutation wakes up the waiters of Changed.
type Registry struct {
	mu       sync.Mutex
	conns    []*Connection
	byId     map[string]*Connection
	sessions map[string]*Session
	changed  chan struct{}
	newCode  func() (string, error)
}

// codeAlphabet has no look-alike characters (O/0, I/1, L).
const (
	codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	codeLen      = 8
	codeTries    = 10
)

var errNoFreeCode = errors.New("couldn't generate a free session code")

func NewRegistry() *Registry {
	return &Registry{
		byId:     make(map[string]*Connection),
		sessions: make(map[string]*Session),
		changed:  make(chan struct{}),
		newCode:  randomCode,
	}
}

// NormalizeCode strips all whitespace and upper-cases a session code.
func NormalizeCode(code string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, code)
}

// randomCode makes a code displayed as two groups of four, e.g. ABCD 2345.
func randomCode() (string, error) {
	b := make([]byte, codeLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	code := make([]byte, 0, codeLen+1)
	for i := range b {
		if i == codeLen/2 {
			code = append(code, ' ')
		}
		code = append(code, codeAlphabet[int(b[i])%len(codeAlphabet)])
	}
	return string(code), nil
}

// notify must be called under the lock.
func (r *Registry) notify() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// Changed returns a channel that is closed on the next registry change.
func (r *Registry) Changed() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changed
}

func (r *Registry) Add(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byId[c.Id()]; ok {
		return
	}
	r.conns = append(r.conns, c)
	r.byId[c.Id()] = c
	r.notify()
}

// Remove takes c out of the connection list and its session at once and
// marks it closed, so no routing can pick it afterwards.
// It returns the session c has left and its remaining members.
func (r *Registry) Remove(c *Connection) (*Session, []*Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c.closed.Store(true)
	if _, ok := r.byId[c.Id()]; !ok {
		return nil, nil
	}
	delete(r.byId, c.Id())
	for i, x := range r.conns {
		if x == c {
			r.conns = append(r.conns[:i], r.conns[i+1:]...)
			break
		}
	}
	s, rest := r.detach(c)
	r.notify()
	return s, rest
}

// detach must be called under the lock.
func (r *Registry) detach(c *Connection) (*Session, []*Connection) {
	s := c.session.Swap(nil)
	if s == nil {
		return nil, nil
	}
	for i, x := range s.members {
		if x == c {
			s.members = append(s.members[:i], s.members[i+1:]...)
			break
		}
	}
	if len(s.members) == 0 {
		if r.sessions[s.key] == s {
			delete(r.sessions, s.key)
		}
		return s, nil
	}
	return s, append([]*Connection(nil), s.members...)
}

// attach must be called under the lock.
func (r *Registry) attach(s *Session, c *Connection) {
	if c.Session() == s {
		return
	}
	r.detach(c)
	s.members = append(s.members, c)
	c.session.Store(s)
}

// CreateSession makes a new session with a fresh code and c as its host.
func (r *Registry) CreateSession(c *Connection) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < codeTries; i++ {
		code, err := r.newCode()
		if err != nil {
			return nil, err
		}
		key := NormalizeCode(code)
		if _, taken := r.sessions[key]; taken || key == "" {
			continue
		}
		s := &Session{id: code, key: key}
		r.sessions[key] = s
		r.attach(s, c)
		r.notify()
		return s, nil
	}
	return nil, errNoFreeCode
}

// JoinOrCreate adds c to the session with the given code,
// creating the session when there is none.
func (r *Registry) JoinOrCreate(code string, c *Connection) (s *Session, created bool, err error) {
	key := NormalizeCode(code)
	if key == "" {
		return nil, false, ErrSessionNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[key]
	if !ok {
		s = &Session{id: strings.TrimSpace(code), key: key}
		r.sessions[key] = s
		created = true
	}
	r.attach(s, c)
	r.notify()
	return s, created, nil
}

// Admission is the outcome of a join.
// A session hosted by a service does not admit viewers directly,
// then Service is set and nothing else changes.
type Admission struct {
	Session *Session
	Service *Connection
	Members []*Connection
}

// Join admits c into an existing session.
func (r *Registry) Join(code string, c *Connection) (Admission, error) {
	key := NormalizeCode(code)

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[key]
	if !ok || key == "" {
		return Admission{}, ErrSessionNotFound
	}
	if len(s.members) > 0 && s.members[0].Role() == api.RoleService {
		return Admission{Session: s, Service: s.members[0]}, nil
	}
	r.attach(s, c)
	r.notify()
	return Admission{Session: s, Members: append([]*Connection(nil), s.members...)}, nil
}

// Members returns a snapshot of the session members in order.
func (r *Registry) Members(s *Session) []*Connection {
	if s == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Connection(nil), s.members...)
}

// FindMember returns the first member of s matching fn.
func (r *Registry) FindMember(s *Session, fn func(c *Connection) bool) *Connection {
	if s == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range s.members {
		if fn(c) {
			return c
		}
	}
	return nil
}

func (r *Registry) Find(id string) *Connection {
	if id == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byId[id]
}

// FindBy returns the first connection, in connect order, matching fn.
func (r *Registry) FindBy(fn func(c *Connection) bool) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		if fn(c) {
			return c
		}
	}
	return nil
}

func (r *Registry) FindSession(code string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[NormalizeCode(code)]
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Registry) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
