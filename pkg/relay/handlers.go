package relay

import (
	"context"
	"fmt"
	"strings"

	"github.com/giongto35/cloud-relay/pkg/api"
	"github.com/giongto35/cloud-relay/pkg/logger"
)

const (
	statusNoKeys     = "Server has no authentication keys.  Create an authentication key on the server first."
	statusUnknownKey = "Authentication key wasn't found."
)

func (r *Relay) classify(c *Connection, m *api.Classify) error {
	if !c.classify(m.Role) {
		return fmt.Errorf("%w as %v", ErrAlreadyClassified, c.Role())
	}
	r.metrics.classified(api.RoleUnclassified, m.Role)

	switch m.Role {
	case api.RoleClient, api.RoleService:
		s, err := r.reg.CreateSession(c)
		if err != nil {
			return err
		}
		c.Log().Info().Str(logger.SessionField, s.ID()).Msg("New session")
		return c.SendMessage(&api.SessionAssigned{SessionID: s.ID()})
	case api.RoleElevatedClient:
		s, created, err := r.reg.JoinOrCreate(m.SessionID, c)
		if err != nil {
			return err
		}
		c.Log().Info().Str(logger.SessionField, s.ID()).Bool("new", created).Msg("Elevated client")
	case api.RoleViewer:
		return c.SendMessage(&api.ReadyForViewer{})
	}
	return nil
}

func (r *Relay) join(c *Connection, m *api.JoinRequest) error {
	if c.Role() != api.RoleViewer {
		return fmt.Errorf("%w: %v join", ErrUnexpectedRole, c.Role())
	}

	adm, err := r.reg.Join(m.SessionID, c)
	if err != nil {
		m.Status = api.StatusNotFound
		if serr := c.SendMessage(m); serr != nil {
			return serr
		}
		return fmt.Errorf("join %q: %w", m.SessionID, err)
	}

	if svc := adm.Service; svc != nil {
		c.Log().Info().Str(logger.SessionField, adm.Session.ID()).Msg("Ask service for an elevated client")
		r.pending.add(c.Id(), svc.Id())
		if err = svc.SendMessage(&api.ElevationRequest{RequesterID: c.Id()}); err != nil {
			r.pending.forget(c.Id())
			r.failElevation(c.Id())
			return err
		}
		return nil
	}

	r.broadcastParticipants(adm.Members)
	m.Status = api.StatusOk
	c.Log().Info().Str(logger.SessionField, adm.Session.ID()).Msg("Viewer joined")
	return c.SendMessage(m)
}

// broadcastParticipants sends the member list to every member, in member order.
func (r *Relay) broadcastParticipants(members []*Connection) {
	ids := make([]string, len(members))
	for i, x := range members {
		ids[i] = x.Id()
	}
	msg := &api.ParticipantList{ParticipantList: ids}
	for _, x := range members {
		if err := x.SendMessage(msg); err != nil {
			x.Log().Debug().Err(err).Msg("Participant list")
		}
	}
}

// imageRequest forwards a frame request to the hosts of the session and
// remembers the requester, so the next frame of each host goes back to it.
func (r *Relay) imageRequest(c *Connection, m *api.ImageRequest) error {
	s := c.Session()
	if s == nil {
		return ErrSessionNotFound
	}
	m.RequesterID = c.Id()
	for _, x := range r.reg.Members(s) {
		if !x.Role().IsHost() {
			continue
		}
		x.setLastRequester(c.Id())
		if err := x.SendMessage(m); err != nil {
			x.Log().Debug().Err(err).Msg("Image request")
		}
	}
	return nil
}

// relayFrame routes a raw frame by the role of its sender:
// host frames go to the last requester, viewer input goes to the session host.
func (r *Relay) relayFrame(c *Connection, data []byte) error {
	var target *Connection
	switch role := c.Role(); {
	case role.IsHost():
		id := c.LastRequesterID()
		if id == "" {
			r.metrics.dropped.WithLabelValues("no_requester").Inc()
			return ErrRequesterMissingID
		}
		if target = r.reg.Find(id); target == nil {
			r.metrics.dropped.WithLabelValues("no_requester").Inc()
			return fmt.Errorf("%w: %v", ErrRequesterUnresolved, id)
		}
	case role == api.RoleViewer:
		s := c.Session()
		if s == nil {
			r.metrics.dropped.WithLabelValues("no_session").Inc()
			return ErrSessionNotFound
		}
		if target = r.reg.FindMember(s, func(x *Connection) bool { return x.Role().IsHost() }); target == nil {
			r.metrics.dropped.WithLabelValues("no_host").Inc()
			return fmt.Errorf("%w: no host in %v", ErrRequesterUnresolved, s.ID())
		}
	default:
		r.metrics.dropped.WithLabelValues("role").Inc()
		return fmt.Errorf("%w: %v frame", ErrUnexpectedRole, role)
	}

	if err := target.SendBytes(data); err != nil {
		r.metrics.dropped.WithLabelValues("closed").Inc()
		return err
	}
	r.metrics.frame(len(data))
	return nil
}

// sas routes a secure attention sequence to the service with the MAC,
// regardless of sessions.
func (r *Relay) sas(_ *Connection, m *api.SAS) error {
	svc := r.reg.FindBy(func(x *Connection) bool {
		return x.Role() == api.RoleService && strings.EqualFold(x.Meta().MACAddress, m.MAC)
	})
	if svc == nil {
		return fmt.Errorf("%w: %v", ErrServiceNotFound, m.MAC)
	}
	return svc.SendMessage(m)
}

func (r *Relay) heartbeat(ctx context.Context, c *Connection, m *api.Heartbeat) error {
	meta := Meta{
		ComputerName: strings.TrimSpace(m.ComputerName),
		MACAddress:   m.MACAddress,
		CurrentUser:  m.CurrentUser,
		LastReboot:   m.LastReboot,
	}
	c.setMeta(meta)
	if r.inventory == nil {
		return nil
	}
	return r.inventory.AddOrUpdate(ctx, api.Computer{
		ComputerName: meta.ComputerName,
		MACAddress:   meta.MACAddress,
		CurrentUser:  meta.CurrentUser,
		LastReboot:   meta.LastReboot,
		LastOnline:   r.clock.Now(),
	})
}

// hubData answers a privileged inventory query.
func (r *Relay) hubData(ctx context.Context, c *Connection, m *api.HubDataRequest) error {
	key := m.Key
	m.Key, m.ComputerList = "", nil

	var rejected error
	switch {
	case r.keys == nil || r.keys.Len() == 0:
		m.Status, rejected = statusNoKeys, fmt.Errorf("%w: no keys", ErrAuthenticationRejected)
	case !r.keys.Touch(key, r.clock.Now()):
		m.Status, rejected = statusUnknownKey, fmt.Errorf("%w: unknown key", ErrAuthenticationRejected)
	}
	if rejected != nil {
		if err := c.SendMessage(m); err != nil {
			return err
		}
		return rejected
	}

	if err := r.keys.Save(); err != nil {
		c.Log().Error().Err(err).Msg("Key store save")
	}
	if r.inventory != nil {
		if err := r.inventory.Load(ctx); err != nil {
			c.Log().Error().Err(err).Msg("Inventory load")
		}
		m.ComputerList = r.inventory.ComputerList()
	}
	m.Status = api.StatusOk
	return c.SendMessage(m)
}

// transferStart stamps the sender and announces screen frames to the viewers.
func (r *Relay) transferStart(c *Connection, m *api.BinaryTransferStart) error {
	m.Sender = c.Id()
	if m.TransferType != api.ScreenCapture {
		return nil
	}
	s := c.Session()
	if s == nil {
		return ErrSessionNotFound
	}
	for _, x := range r.reg.Members(s) {
		if x.Role() != api.RoleViewer {
			continue
		}
		if err := x.SendMessage(m); err != nil {
			x.Log().Debug().Err(err).Msg("Transfer start")
		}
	}
	return nil
}
