package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/giongto35/cloud-relay/pkg/api"
	"github.com/giongto35/cloud-relay/pkg/auth"
	"github.com/giongto35/cloud-relay/pkg/buffer"
	"github.com/giongto35/cloud-relay/pkg/config"
	"github.com/giongto35/cloud-relay/pkg/crypto"
	"github.com/giongto35/cloud-relay/pkg/hub"
	"github.com/giongto35/cloud-relay/pkg/keyservice"
	"github.com/giongto35/cloud-relay/pkg/logger"
	"github.com/giongto35/cloud-relay/pkg/wire"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const timeout = 3 * time.Second

func testConf() config.Relay {
	var conf config.Relay
	conf.Server.Address = "127.0.0.1:0"
	conf.Server.Ws.Address = "127.0.0.1:0"
	conf.Server.Ws.Path = "/ws"
	conf.Buffer.ReceiveSize = 1024
	conf.Buffer.MaxUnitSize = 1 << 20
	conf.Wait.Poll = 10 * time.Millisecond
	conf.Wait.Timeout = 300 * time.Millisecond
	return conf
}

func startRelay(t *testing.T, conf config.Relay, opts ...Option) (*Relay, *Server) {
	t.Helper()
	r := New(conf, logger.Nop(), opts...)
	s, err := NewServer(r, logger.Nop())
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	s.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return r, s
}

type unit struct {
	kind wire.Kind
	data []byte
}

// peer is a remote end of a relay connection.
type peer struct {
	t     *testing.T
	tr    wire.Transport
	units chan unit
	conn  *Connection
	code  string
}

func newPeer(t *testing.T, tr wire.Transport) *peer {
	p := &peer{t: t, tr: tr, units: make(chan unit, 64)}
	go func() {
		defer close(p.units)
		for {
			kind, data, err := tr.ReadUnit()
			if err != nil {
				return
			}
			p.units <- unit{kind: kind, data: append([]byte(nil), data...)}
		}
	}()
	t.Cleanup(func() { _ = tr.Close() })
	return p
}

func dial(t *testing.T, s *Server) *peer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	tr, err := wire.Dial(ctx, s.TCPAddr(), buffer.NewPools(1024), 0)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return newPeer(t, tr)
}

func dialWs(t *testing.T, s *Server) *peer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	tr, err := wire.DialSocket(ctx, s.WsURL(), buffer.NewPools(1024), 0)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	return newPeer(t, tr)
}

func (p *peer) send(m api.Message) {
	p.t.Helper()
	data, err := api.Encode(m)
	if err != nil {
		p.t.Fatalf("encode: %v", err)
	}
	if err := p.tr.WriteUnit(wire.Message, data); err != nil {
		p.t.Fatalf("send %v: %v", m.Kind(), err)
	}
}

func (p *peer) sendBytes(b []byte) {
	p.t.Helper()
	if err := p.tr.WriteUnit(wire.Binary, b); err != nil {
		p.t.Fatalf("send bytes: %v", err)
	}
}

func (p *peer) next() unit {
	p.t.Helper()
	select {
	case u, ok := <-p.units:
		if !ok {
			p.t.Fatalf("connection closed")
		}
		return u
	case <-time.After(timeout):
		p.t.Fatalf("nothing received")
	}
	return unit{}
}

// quiet checks that nothing arrives for a while.
func (p *peer) quiet() {
	p.t.Helper()
	select {
	case u, ok := <-p.units:
		if ok {
			p.t.Fatalf("unexpected %v unit: %s", u.kind, u.data)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func (p *peer) expectClosed() {
	p.t.Helper()
	for {
		select {
		case _, ok := <-p.units:
			if !ok {
				return
			}
		case <-time.After(timeout):
			p.t.Fatalf("connection is still open")
		}
	}
}

func (p *peer) bytes() []byte {
	p.t.Helper()
	u := p.next()
	if u.kind != wire.Binary {
		p.t.Fatalf("expected a frame, got %s", u.data)
	}
	return u.data
}

func expect[T api.Message](p *peer) T {
	p.t.Helper()
	u := p.next()
	if u.kind != wire.Message {
		p.t.Fatalf("expected a message, got a %v frame", len(u.data))
	}
	m, err := api.Decode(u.data)
	if err != nil {
		p.t.Fatalf("decode %s: %v", u.data, err)
	}
	v, ok := m.(T)
	if !ok {
		p.t.Fatalf("expected %T, got %s", *new(T), u.data)
	}
	return v
}

func (p *peer) participants(want ...*peer) {
	p.t.Helper()
	got := expect[*api.ParticipantList](p).ParticipantList
	if len(got) != len(want) {
		p.t.Fatalf("expected %v participants, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i].conn.Id() {
			p.t.Fatalf("participant %v: expected %v, got %v", i, want[i].conn.Id(), got[i])
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %v", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func setCodes(r *Relay, list ...string) {
	r.reg.mu.Lock()
	r.reg.newCode = codes(list...)
	r.reg.mu.Unlock()
}

// newest is the last connected peer, peers in tests connect one by one.
func newest(r *Relay) *Connection {
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()
	return r.reg.conns[len(r.reg.conns)-1]
}

// join connects p to the relay as role, code is used by elevated clients only.
func join(r *Relay, p *peer, role api.Role, code string) *peer {
	p.t.Helper()
	if st := expect[*api.EncryptionStatus](p); st.Status != api.EncryptionOff {
		p.t.Fatalf("unexpected encryption status %v", st.Status)
	}
	p.conn = newest(r)
	p.send(&api.Classify{Role: role, SessionID: code})
	switch role {
	case api.RoleClient, api.RoleService:
		p.code = expect[*api.SessionAssigned](p).SessionID
	case api.RoleViewer:
		expect[*api.ReadyForViewer](p)
	case api.RoleElevatedClient:
		waitFor(p.t, "elevated client", func() bool { return p.conn.Session() != nil })
		p.code = p.conn.SessionID()
	}
	return p
}

func connect(t *testing.T, r *Relay, s *Server, role api.Role, code string) *peer {
	t.Helper()
	return join(r, dial(t, s), role, code)
}

// viewer connects a viewer into the session of a client host.
func viewer(t *testing.T, r *Relay, s *Server, host *peer, others ...*peer) *peer {
	t.Helper()
	v := connect(t, r, s, api.RoleViewer, "")
	v.send(&api.JoinRequest{SessionID: host.code})
	all := append(append([]*peer{host}, others...), v)
	for _, x := range all {
		x.participants(all...)
	}
	if st := expect[*api.JoinRequest](v).Status; st != api.StatusOk {
		t.Fatalf("join status %v", st)
	}
	return v
}

func TestViewerJoin(t *testing.T) {
	r, s := startRelay(t, testConf())
	setCodes(r, "ABCD 2345")

	c := connect(t, r, s, api.RoleClient, "")
	if c.code != "ABCD 2345" {
		t.Fatalf("unexpected code %q", c.code)
	}

	v := connect(t, r, s, api.RoleViewer, "")
	v.send(&api.JoinRequest{SessionID: "abcd 23 45"})
	v.participants(c, v)
	c.participants(c, v)
	reply := expect[*api.JoinRequest](v)
	if reply.Status != api.StatusOk || reply.SessionID != "abcd 23 45" {
		t.Errorf("unexpected reply %+v", reply)
	}
}

func TestJoinNotFound(t *testing.T) {
	r, s := startRelay(t, testConf())

	v := connect(t, r, s, api.RoleViewer, "")
	v.send(&api.JoinRequest{SessionID: "ZZZZ 9999"})
	reply := expect[*api.JoinRequest](v)
	if reply.Status != api.StatusNotFound || reply.SessionID != "ZZZZ 9999" {
		t.Errorf("unexpected reply %+v", reply)
	}
	if v.conn.Session() != nil {
		t.Errorf("viewer is in a session")
	}
}

func TestUnclassifiedIsIgnored(t *testing.T) {
	r, s := startRelay(t, testConf())
	setCodes(r, "ABCD 2345")
	connect(t, r, s, api.RoleClient, "")

	p := dial(t, s)
	expect[*api.EncryptionStatus](p)
	p.send(&api.JoinRequest{SessionID: "ABCD 2345"})
	p.send(&api.Classify{Role: api.RoleViewer})
	expect[*api.ReadyForViewer](p)

	// second classification has no effect
	p.send(&api.Classify{Role: api.RoleService})
	p.quiet()
	if role := newest(r).Role(); role != api.RoleViewer {
		t.Errorf("role changed to %v", role)
	}
}

func TestServiceSessionAsksForElevation(t *testing.T) {
	r, s := startRelay(t, testConf())
	setCodes(r, "X1Y2")

	svc := connect(t, r, s, api.RoleService, "")
	if svc.code != "X1Y2" {
		t.Fatalf("unexpected code %q", svc.code)
	}
	el := connect(t, r, s, api.RoleElevatedClient, "X1Y2")
	if r.reg.Sessions() != 1 || el.conn.Session() != svc.conn.Session() {
		t.Fatalf("elevated client didn't join the service session")
	}

	v := connect(t, r, s, api.RoleViewer, "")
	v.send(&api.JoinRequest{SessionID: "x1 y2"})

	req := expect[*api.ElevationRequest](svc)
	if req.RequesterID != v.conn.Id() || req.Status != "" {
		t.Errorf("unexpected request %+v", req)
	}
	if v.conn.Session() != nil {
		t.Errorf("viewer was admitted")
	}
	el.quiet()
	v.quiet()

	// the service brings up an elevated client with a fresh code
	svc.send(&api.ElevationRequest{RequesterID: v.conn.Id(), Status: api.StatusOk, ClientSessionID: "el3v 4ted"})
	connect(t, r, s, api.RoleElevatedClient, "EL3V 4TED")

	reply := expect[*api.ElevationRequest](v)
	if reply.Status != api.StatusOk || reply.ClientSessionID != "el3v 4ted" {
		t.Errorf("unexpected reply %+v", reply)
	}

	waitFor(t, "wait metric", func() bool {
		return testutil.ToFloat64(r.metrics.waits.WithLabelValues("elevation", api.StatusOk)) == 1
	})
}

func TestElevationTimeout(t *testing.T) {
	r, s := startRelay(t, testConf())

	svc := connect(t, r, s, api.RoleService, "")
	v := connect(t, r, s, api.RoleViewer, "")
	v.send(&api.JoinRequest{SessionID: svc.code})
	expect[*api.ElevationRequest](svc)

	start := time.Now()
	svc.send(&api.ElevationRequest{RequesterID: v.conn.Id(), Status: api.StatusOk, ClientSessionID: "NOPE NOPE"})
	reply := expect[*api.ElevationRequest](v)
	if reply.Status != api.StatusFailed {
		t.Errorf("expected failure, got %+v", reply)
	}
	if d := time.Since(start); d < r.wait.Timeout {
		t.Errorf("failed before the timeout, in %v", d)
	}
}

func TestElevationRejectedByService(t *testing.T) {
	r, s := startRelay(t, testConf())

	svc := connect(t, r, s, api.RoleService, "")
	v := connect(t, r, s, api.RoleViewer, "")
	v.send(&api.JoinRequest{SessionID: svc.code})
	expect[*api.ElevationRequest](svc)

	svc.send(&api.ElevationRequest{RequesterID: v.conn.Id(), Status: api.StatusFailed})
	if reply := expect[*api.ElevationRequest](v); reply.Status != api.StatusFailed {
		t.Errorf("unexpected reply %+v", reply)
	}
}

func TestElevationFailsWhenServiceLeaves(t *testing.T) {
	r, s := startRelay(t, testConf())

	svc := connect(t, r, s, api.RoleService, "")
	v := connect(t, r, s, api.RoleViewer, "")
	v.send(&api.JoinRequest{SessionID: svc.code})
	expect[*api.ElevationRequest](svc)

	_ = svc.tr.Close()
	reply := expect[*api.ElevationRequest](v)
	if reply.Status != api.StatusFailed || reply.RequesterID != v.conn.Id() {
		t.Errorf("unexpected reply %+v", reply)
	}
	if r.pending.len() != 0 {
		t.Errorf("pending elevation left")
	}
}

func TestFrameRouting(t *testing.T) {
	r, s := startRelay(t, testConf())

	c := connect(t, r, s, api.RoleClient, "")
	v1 := viewer(t, r, s, c)
	v2 := viewer(t, r, s, c, v1)

	v2.send(&api.ImageRequest{})
	if req := expect[*api.ImageRequest](c); req.RequesterID != v2.conn.Id() {
		t.Errorf("unexpected requester %v", req.RequesterID)
	}

	frame := []byte("frame #1")
	c.send(&api.BinaryTransferStart{TransferType: api.ScreenCapture})
	for _, v := range []*peer{v1, v2} {
		if st := expect[*api.BinaryTransferStart](v); st.Sender != c.conn.Id() {
			t.Errorf("unexpected sender %v", st.Sender)
		}
	}
	c.sendBytes(frame)
	if got := v2.bytes(); !bytes.Equal(got, frame) {
		t.Errorf("unexpected frame %q", got)
	}
	v1.quiet()

	input := []byte("mouse")
	v1.sendBytes(input)
	if got := c.bytes(); !bytes.Equal(got, input) {
		t.Errorf("unexpected input %q", got)
	}

	waitFor(t, "frame metric", func() bool { return testutil.ToFloat64(r.metrics.frames) == 2 })
}

func TestFrameWithoutRequesterIsDropped(t *testing.T) {
	r, s := startRelay(t, testConf())

	c := connect(t, r, s, api.RoleClient, "")
	v := viewer(t, r, s, c)

	c.sendBytes([]byte("nobody asked"))
	waitFor(t, "drop", func() bool {
		return testutil.ToFloat64(r.metrics.dropped.WithLabelValues("no_requester")) == 1
	})
	v.quiet()
}

func TestFrameToGoneRequester(t *testing.T) {
	r, s := startRelay(t, testConf())

	c := connect(t, r, s, api.RoleClient, "")
	v := viewer(t, r, s, c)
	v.send(&api.ImageRequest{})
	expect[*api.ImageRequest](c)

	_ = v.tr.Close()
	c.participants(c)

	c.sendBytes([]byte("late frame"))
	waitFor(t, "drop", func() bool {
		return testutil.ToFloat64(r.metrics.dropped.WithLabelValues("no_requester")) == 1
	})
	if err := r.relayFrame(c.conn, []byte("late frame")); !errors.Is(err, ErrRequesterUnresolved) {
		t.Errorf("expected %v, got %v", ErrRequesterUnresolved, err)
	}
}

func TestParticipantsOnDisconnect(t *testing.T) {
	r, s := startRelay(t, testConf())

	c := connect(t, r, s, api.RoleClient, "")
	v1 := viewer(t, r, s, c)
	v2 := viewer(t, r, s, c, v1)

	_ = v1.tr.Close()
	c.participants(c, v2)
	v2.participants(c, v2)

	_ = c.tr.Close()
	v2.participants(v2)

	sess := v2.conn.Session()
	if sess == nil || r.reg.FindSession(sess.ID()) != sess {
		t.Fatalf("session is gone with a member left")
	}

	_ = v2.tr.Close()
	waitFor(t, "empty registry", func() bool { return r.reg.Len() == 0 && r.reg.Sessions() == 0 })
}

func TestDesktopSwitch(t *testing.T) {
	r, s := startRelay(t, testConf())

	c := connect(t, r, s, api.RoleClient, "")
	v := viewer(t, r, s, c)

	c.send(&api.DesktopSwitch{})
	el := connect(t, r, s, api.RoleElevatedClient, c.code)

	for _, x := range []*peer{c, v, el} {
		x.participants(c, v, el)
		if st := expect[*api.DesktopSwitch](x).Status; st != api.StatusOk {
			t.Errorf("unexpected status %v", st)
		}
	}
	c.expectClosed()
	v.participants(v, el)
	el.participants(v, el)
}

func TestDesktopSwitchTimeout(t *testing.T) {
	r, s := startRelay(t, testConf())

	c := connect(t, r, s, api.RoleClient, "")
	c.send(&api.DesktopSwitch{})
	c.participants(c)
	if st := expect[*api.DesktopSwitch](c).Status; st != api.StatusFailed {
		t.Errorf("unexpected status %v", st)
	}
	c.expectClosed()
	waitFor(t, "cleanup", func() bool { return r.reg.Len() == 0 })
}

func TestSASRouting(t *testing.T) {
	r, s := startRelay(t, testConf())

	svc := connect(t, r, s, api.RoleService, "")
	svc.send(&api.Heartbeat{ComputerName: " pc-1 ", MACAddress: "AA:BB:CC:DD:EE:FF"})
	waitFor(t, "heartbeat", func() bool { return svc.conn.Meta().MACAddress != "" })
	if name := svc.conn.Meta().ComputerName; name != "pc-1" {
		t.Errorf("unexpected name %q", name)
	}

	v := connect(t, r, s, api.RoleViewer, "")
	v.send(&api.SAS{MAC: "aa:bb:cc:dd:ee:ff"})
	if sas := expect[*api.SAS](svc); sas.MAC != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("unexpected sas %+v", sas)
	}

	v.send(&api.SAS{MAC: "00:00:00:00:00:00"})
	svc.quiet()
	v.quiet()
}

func TestHubData(t *testing.T) {
	dir := t.TempDir()
	keys, err := auth.Open(filepath.Join(dir, "keys.json"), logger.Nop())
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	store, err := hub.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("hub: %v", err)
	}
	inventory := hub.New(store)
	t.Cleanup(func() { _ = inventory.Close() })

	r, s := startRelay(t, testConf(), WithKeyStore(keys), WithInventory(inventory))

	svc := connect(t, r, s, api.RoleService, "")
	svc.send(&api.Heartbeat{ComputerName: "pc-1", MACAddress: "AA:BB", CurrentUser: "bob", LastReboot: "yesterday"})

	admin := connect(t, r, s, api.RoleViewer, "")
	admin.send(&api.HubDataRequest{Key: "whatever"})
	reply := expect[*api.HubDataRequest](admin)
	if reply.Status != statusNoKeys || reply.Key != "" || len(reply.ComputerList) != 0 {
		t.Errorf("unexpected reply %+v", reply)
	}

	key, err := keys.Add("admin")
	if err != nil {
		t.Fatalf("add key: %v", err)
	}

	admin.send(&api.HubDataRequest{Key: "whatever"})
	if reply = expect[*api.HubDataRequest](admin); reply.Status != statusUnknownKey {
		t.Errorf("unexpected reply %+v", reply)
	}

	waitFor(t, "inventory", func() bool {
		list, err := store.List(context.Background())
		return err == nil && len(list) == 1
	})
	admin.send(&api.HubDataRequest{Key: fmt.Sprintf("  %v ", key.Key)})
	reply = expect[*api.HubDataRequest](admin)
	if reply.Status != api.StatusOk || reply.Key != "" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if len(reply.ComputerList) != 1 {
		t.Fatalf("expected one computer, got %+v", reply.ComputerList)
	}
	pc := reply.ComputerList[0]
	if pc.ComputerName != "pc-1" || pc.MACAddress != "AA:BB" || pc.CurrentUser != "bob" || pc.ID == "" {
		t.Errorf("unexpected computer %+v", pc)
	}

	if used := keys.Keys()[0].LastUsed; used == nil {
		t.Errorf("key use is not recorded")
	}
}

type failingFetcher struct{}

func (failingFetcher) Fetch(context.Context) (keyservice.Key, error) {
	return keyservice.Key{}, keyservice.ErrBadResponse
}

func TestEncryptionFailed(t *testing.T) {
	conf := testConf()
	conf.Encryption.Enabled = true
	r, s := startRelay(t, conf, WithKeyFetcher(failingFetcher{}))

	p := dial(t, s)
	if st := expect[*api.EncryptionStatus](p); st.Status != api.EncryptionFailed || st.ID != "" {
		t.Fatalf("unexpected status %+v", st)
	}
	p.send(&api.Classify{Role: api.RoleClient})
	expect[*api.SessionAssigned](p)

	if v := testutil.ToFloat64(r.metrics.encryption.WithLabelValues(api.EncryptionFailed)); v != 1 {
		t.Errorf("unexpected metric %v", v)
	}
}

func TestEncryptionOn(t *testing.T) {
	secret, err := crypto.NewRandomKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	ks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprintf(w, `["key-1", %q]`, base64.StdEncoding.EncodeToString(secret))
	}))
	defer ks.Close()

	conf := testConf()
	conf.Encryption.Enabled = true
	r, s := startRelay(t, conf, WithKeyFetcher(keyservice.New(ks.URL, time.Second)))

	c := dial(t, s)
	st := expect[*api.EncryptionStatus](c)
	if st.Status != api.EncryptionOn || st.ID != "key-1" {
		t.Fatalf("unexpected status %+v", st)
	}
	c.conn = newest(r)
	cipher, err := crypto.NewCipherFromKey(secret)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	c.tr.SetCipher(cipher)
	c.send(&api.Classify{Role: api.RoleClient})
	c.code = expect[*api.SessionAssigned](c).SessionID

	// every connection is sealed on its own, websocket ones too
	v := dialWs(t, s)
	if st := expect[*api.EncryptionStatus](v); st.Status != api.EncryptionOn {
		t.Fatalf("unexpected ws status %+v", st)
	}
	vc, _ := crypto.NewCipherFromKey(secret)
	v.tr.SetCipher(vc)
	v.conn = newest(r)
	v.send(&api.Classify{Role: api.RoleViewer})
	expect[*api.ReadyForViewer](v)
	v.send(&api.JoinRequest{SessionID: c.code})
	v.participants(c, v)
	c.participants(c, v)
	expect[*api.JoinRequest](v)
}

func TestWebSocketPeers(t *testing.T) {
	r, s := startRelay(t, testConf())

	c := join(r, dialWs(t, s), api.RoleClient, "")
	v := viewer(t, r, s, c)

	v.send(&api.ImageRequest{})
	expect[*api.ImageRequest](c)

	frame := bytes.Repeat([]byte{7}, 4096)
	c.sendBytes(frame)
	if got := v.bytes(); !bytes.Equal(got, frame) {
		t.Errorf("frame is damaged")
	}
}

func TestShutdownClosesPeers(t *testing.T) {
	r := New(testConf(), logger.Nop())
	s, err := NewServer(r, logger.Nop())
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	s.Run()

	p := connect(t, r, s, api.RoleClient, "")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	p.expectClosed()
	if r.reg.Len() != 0 {
		t.Errorf("connections left after shutdown")
	}
}
