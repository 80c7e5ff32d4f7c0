// Package relay brokers peer connections of remote-access sessions.
//
// Hosts (Service, Client, ElevatedClient) and Viewers connect to the relay,
// get grouped into sessions and exchange control messages and raw screen or
// input frames through it. Every connection is read by its own goroutine;
// hand-offs that need to wait for another peer run in separate goroutines
// and never block the reader.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/giongto35/cloud-relay/pkg/api"
	"github.com/giongto35/cloud-relay/pkg/buffer"
	"github.com/giongto35/cloud-relay/pkg/config"
	"github.com/giongto35/cloud-relay/pkg/keyservice"
	"github.com/giongto35/cloud-relay/pkg/logger"
	"github.com/giongto35/cloud-relay/pkg/wire"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

// KeyStore checks authentication keys of privileged queries.
type KeyStore interface {
	Len() int
	Touch(key string, t time.Time) bool
	Save() error
}

// Inventory is the computer hub.
type Inventory interface {
	AddOrUpdate(ctx context.Context, c api.Computer) error
	Load(ctx context.Context) error
	ComputerList() []api.Computer
}

// KeyFetcher issues per-connection encryption keys.
type KeyFetcher interface {
	Fetch(ctx context.Context) (keyservice.Key, error)
}

type Relay struct {
	conf  config.Relay
	wait  Wait
	clock Clock
	log   *logger.Logger

	reg   *Registry
	pools buffer.Pools

	keys       KeyStore
	inventory  Inventory
	keyFetcher KeyFetcher

	pending *pending

	promReg prometheus.Registerer
	metrics *metrics

	tasks sync.WaitGroup
}

type Option func(*Relay)

func WithClock(c Clock) Option                      { return func(r *Relay) { r.clock = c } }
func WithRegisterer(p prometheus.Registerer) Option { return func(r *Relay) { r.promReg = p } }
func WithKeyStore(k KeyStore) Option                { return func(r *Relay) { r.keys = k } }
func WithInventory(i Inventory) Option              { return func(r *Relay) { r.inventory = i } }
func WithKeyFetcher(f KeyFetcher) Option            { return func(r *Relay) { r.keyFetcher = f } }

func New(conf config.Relay, log *logger.Logger, opts ...Option) *Relay {
	r := &Relay{
		conf:    conf,
		wait:    DefaultWait,
		clock:   realClock{},
		log:     log.Extend(log.With().Str("s", "relay")),
		reg:     NewRegistry(),
		pools:   buffer.NewPools(conf.Buffer.ReceiveSize),
		pending: newPending(),
	}
	if conf.Wait.Poll > 0 {
		r.wait.Poll = conf.Wait.Poll
	}
	if conf.Wait.Timeout > 0 {
		r.wait.Timeout = conf.Wait.Timeout
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.promReg == nil {
		// unexposed
		r.promReg = prometheus.NewRegistry()
	}
	r.metrics = newMetrics(r.promReg, r.reg, r.pools)
	return r
}

func (r *Relay) Registry() *Registry { return r.reg }

func (r *Relay) Pools() buffer.Pools { return r.pools }

// Serve runs a peer connection until it closes or ctx is done.
func (r *Relay) Serve(ctx context.Context, t wire.Transport) {
	c, err := NewConnection(t, r.log)
	if err != nil {
		r.log.Error().Err(err).Msg("Connection id")
		_ = t.Close()
		t.Release()
		return
	}
	c.Log().Debug().Str("addr", t.RemoteAddr()).Msg("Connect")

	r.reg.Add(c)
	r.metrics.connections.WithLabelValues(api.RoleUnclassified.String()).Inc()
	defer r.disconnect(c)

	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.Done():
		}
	}()

	if err := r.negotiateEncryption(ctx, c); err != nil {
		c.Log().Warn().Err(err).Msg("Continue unencrypted")
	}

	for {
		kind, data, err := t.ReadUnit()
		if err != nil {
			if !c.IsClosed() && !isEOF(err) {
				c.Log().Warn().Err(err).Msg("Read")
			}
			return
		}
		r.dispatch(ctx, c, kind, data)
	}
}

func (r *Relay) disconnect(c *Connection) {
	role := c.Role()
	s, rest := r.reg.Remove(c)
	c.release()
	r.metrics.connections.WithLabelValues(role.String()).Dec()

	r.pending.forget(c.Id())
	if role == api.RoleService {
		for _, viewer := range r.pending.failed(c.Id()) {
			r.failElevation(viewer)
		}
	}
	if len(rest) > 0 {
		r.broadcastParticipants(rest)
	}
	l := c.Log().Debug()
	if s != nil {
		l = l.Str(logger.SessionField, s.ID())
	}
	l.Msg("Disconnect")
}

// Wait blocks until all spawned handlers are done.
func (r *Relay) Wait() { r.tasks.Wait() }

// spawn runs a handler that may wait for other peers.
func (r *Relay) spawn(c *Connection, t api.Type, fn func() error) {
	r.tasks.Add(1)
	go func() {
		defer r.tasks.Done()
		defer func() {
			if err := recover(); err != nil {
				c.Log().Error().Str(logger.TypeField, string(t)).
					Msgf("Handler panic: %v\n%s", err, debug.Stack())
			}
		}()
		r.report(c, t, fn())
	}()
}

func (r *Relay) report(c *Connection, t api.Type, err error) {
	switch {
	case err == nil:
	case isProtocol(err):
		c.Log().Debug().Err(err).Str(logger.TypeField, string(t)).Send()
	default:
		c.Log().Warn().Err(err).Str(logger.TypeField, string(t)).Send()
	}
}

func (r *Relay) dispatch(ctx context.Context, c *Connection, kind wire.Kind, data []byte) {
	if kind == wire.Binary {
		r.report(c, "frame", r.relayFrame(c, data))
		return
	}

	m, err := api.Decode(data)
	if err != nil {
		r.metrics.dropped.WithLabelValues("malformed").Inc()
		c.Log().Warn().Err(err).Msg("Dropped message")
		return
	}
	r.metrics.messages.WithLabelValues(string(m.Kind())).Inc()
	c.Log().Debug().Str(logger.TypeField, string(m.Kind())).Msg("←")

	if _, ok := m.(*api.Classify); !ok && c.Role() == api.RoleUnclassified {
		r.metrics.dropped.WithLabelValues("unclassified").Inc()
		r.report(c, m.Kind(), ErrNotClassified)
		return
	}

	switch m := m.(type) {
	case *api.Classify:
		err = r.classify(c, m)
	case *api.JoinRequest:
		err = r.join(c, m)
	case *api.ElevationRequest:
		r.spawn(c, m.Kind(), func() error { return r.elevationReply(ctx, c, m) })
	case *api.DesktopSwitch:
		r.spawn(c, m.Kind(), func() error { return r.desktopSwitch(ctx, c, m) })
	case *api.ImageRequest:
		err = r.imageRequest(c, m)
	case *api.SAS:
		err = r.sas(c, m)
	case *api.Heartbeat:
		err = r.heartbeat(ctx, c, m)
	case *api.HubDataRequest:
		err = r.hubData(ctx, c, m)
	case *api.BinaryTransferStart:
		err = r.transferStart(c, m)
	default:
		err = fmt.Errorf("%w: %v is not accepted from peers", api.ErrUnknownType, m.Kind())
	}
	r.report(c, m.Kind(), err)
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
