package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/giongto35/cloud-relay/pkg/api"
)

// pending keeps viewers waiting for a service to bring up an elevated client.
type pending struct {
	mu sync.Mutex
	// viewer id -> service id
	m map[string]string
}

func newPending() *pending { return &pending{m: make(map[string]string)} }

func (p *pending) add(viewer, service string) {
	p.mu.Lock()
	p.m[viewer] = service
	p.mu.Unlock()
}

// forget drops the request of a viewer, reports whether there was one.
func (p *pending) forget(viewer string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.m[viewer]
	delete(p.m, viewer)
	return ok
}

// failed takes out all viewers waiting for the service.
func (p *pending) failed(service string) (viewers []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for v, s := range p.m {
		if s == service {
			viewers = append(viewers, v)
			delete(p.m, v)
		}
	}
	return
}

func (p *pending) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

func (r *Relay) failElevation(viewer string) {
	c := r.reg.Find(viewer)
	if c == nil {
		return
	}
	msg := &api.ElevationRequest{RequesterID: viewer, Status: api.StatusFailed}
	if err := c.SendMessage(msg); err != nil {
		c.Log().Debug().Err(err).Msg("Elevation failure")
	}
}

// elevationReply waits for the announced elevated client to connect and
// passes the outcome on to the viewer that asked for it.
func (r *Relay) elevationReply(ctx context.Context, c *Connection, m *api.ElevationRequest) error {
	if c.Role() == api.RoleViewer {
		return fmt.Errorf("%w: %v elevation reply", ErrUnexpectedRole, c.Role())
	}
	r.pending.forget(m.RequesterID)

	var failed error
	if m.Status == api.StatusOk {
		code := NormalizeCode(m.ClientSessionID)
		ok := code != "" && r.reg.Await(ctx, r.clock, r.wait, func() bool {
			return r.reg.FindBy(func(x *Connection) bool {
				return x.Role() == api.RoleElevatedClient && NormalizeCode(x.SessionID()) == code
			}) != nil
		})
		r.metrics.wait("elevation", ok)
		if !ok {
			m.Status = api.StatusFailed
			failed = fmt.Errorf("%w: %q", ErrElevationTimeout, m.ClientSessionID)
		}
	}

	requester := r.reg.Find(m.RequesterID)
	if requester == nil {
		return fmt.Errorf("%w: %v", ErrRequesterUnresolved, m.RequesterID)
	}
	if err := requester.SendMessage(m); err != nil {
		return err
	}
	return failed
}

// desktopSwitch retires a host endpoint once a new elevated client is live.
func (r *Relay) desktopSwitch(ctx context.Context, c *Connection, m *api.DesktopSwitch) error {
	if !c.Role().IsHost() {
		return fmt.Errorf("%w: %v desktop switch", ErrUnexpectedRole, c.Role())
	}
	s := c.Session()

	var failed error
	ok := r.reg.Await(ctx, r.clock, r.wait, func() bool {
		return r.reg.FindBy(func(x *Connection) bool {
			return x != c && x.Role() == api.RoleElevatedClient && x.Session() != nil
		}) != nil
	})
	r.metrics.wait("desktop_switch", ok)
	m.Status = api.StatusOk
	if !ok {
		m.Status = api.StatusFailed
		failed = ErrDesktopSwitchTimeout
	}

	members := r.reg.Members(s)
	r.broadcastParticipants(members)
	for _, x := range members {
		if err := x.SendMessage(m); err != nil {
			x.Log().Debug().Err(err).Msg("Desktop switch")
		}
	}
	c.Log().Info().Str("status", m.Status).Msg("Desktop switch, closing the old endpoint")
	c.Close()
	return failed
}
