package voice_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/perkola/aulos/internal/voice"
	"github.com/perkola/aulos/pkg/audio"
)

type wsEnvelope struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
}

// fakeVoiceServer implements enough of the voice gateway to complete the
// handshake: WebSocket control channel plus a real UDP socket that answers
// IP discovery and collects the encrypted frames the client transmits.
type fakeVoiceServer struct {
	key             [32]byte
	ssrc            uint32
	heartbeatMillis float64

	udp     net.PacketConn
	httpSrv *httptest.Server
	wsURL   string

	packets  chan []byte
	speaking chan bool
	ackOff   atomic.Bool

	mu      sync.Mutex
	wsConns []*websocket.Conn

	closeOnce sync.Once
}

func newFakeVoiceServer(t *testing.T) *fakeVoiceServer {
	t.Helper()

	udp, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}

	s := &fakeVoiceServer{
		ssrc:            0x11223344,
		heartbeatMillis: 50,
		udp:             udp,
		packets:         make(chan []byte, 256),
		speaking:        make(chan bool, 16),
	}
	for i := range s.key {
		s.key[i] = byte(i * 7)
	}

	go s.serveUDP()

	s.httpSrv = httptest.NewServer(http.HandlerFunc(s.handleWS))
	s.wsURL = "ws" + strings.TrimPrefix(s.httpSrv.URL, "http")
	t.Cleanup(s.Close)
	return s
}

func (s *fakeVoiceServer) Close() {
	s.closeOnce.Do(func() {
		s.dropConns()
		s.httpSrv.Close()
		s.udp.Close()
	})
}

func (s *fakeVoiceServer) udpPort() int {
	return s.udp.LocalAddr().(*net.UDPAddr).Port
}

// dropConns kills every live control connection, which is how tests force
// the client into its reconnect cycle.
func (s *fakeVoiceServer) dropConns() {
	s.mu.Lock()
	conns := s.wsConns
	s.wsConns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.CloseNow()
	}
}

func (s *fakeVoiceServer) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.wsConns = append(s.wsConns, ws)
	s.mu.Unlock()
	defer ws.CloseNow()

	ctx := context.Background()

	env, err := readEnv(ctx, ws)
	if err != nil || env.Op != 0 {
		return
	}

	writeEnv(ws, 8, map[string]any{"heartbeat_interval": s.heartbeatMillis})
	writeEnv(ws, 2, map[string]any{
		"ssrc":  s.ssrc,
		"ip":    "127.0.0.1",
		"port":  s.udpPort(),
		"modes": []string{"xsalsa20_poly1305", "xsalsa20_poly1305_lite"},
	})

	// Select protocol arrives after the client's discovery round trip.
	for {
		env, err = readEnv(ctx, ws)
		if err != nil {
			return
		}
		if env.Op == 1 {
			break
		}
	}

	keyInts := make([]int, len(s.key))
	for i, b := range s.key {
		keyInts[i] = int(b)
	}
	writeEnv(ws, 4, map[string]any{
		"mode":       "xsalsa20_poly1305_lite",
		"secret_key": keyInts,
	})

	for {
		env, err := readEnv(ctx, ws)
		if err != nil {
			return
		}
		switch env.Op {
		case 3:
			if !s.ackOff.Load() {
				writeEnv(ws, 6, json.RawMessage(env.D))
			}
		case 5:
			var sp struct {
				Speaking bool `json:"speaking"`
			}
			if json.Unmarshal(env.D, &sp) == nil {
				select {
				case s.speaking <- sp.Speaking:
				default:
				}
			}
		}
	}
}

func (s *fakeVoiceServer) serveUDP() {
	buf := make([]byte, 1500)
	for {
		n, addr, err := s.udp.ReadFrom(buf)
		if err != nil {
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])

		switch {
		case n >= 2 && pkt[0] == 0x80 && pkt[1] == 0x78:
			select {
			case s.packets <- pkt:
			default:
			}
		case n == 70:
			// Discovery probe: echo the client's own address back.
			client := addr.(*net.UDPAddr)
			reply := make([]byte, 70)
			copy(reply[:4], pkt[:4])
			copy(reply[4:], client.IP.String())
			binary.LittleEndian.PutUint16(reply[68:], uint16(client.Port))
			s.udp.WriteTo(reply, addr)
		}
	}
}

func (s *fakeVoiceServer) nextPacket(t *testing.T) []byte {
	t.Helper()
	select {
	case pkt := <-s.packets:
		return pkt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a media packet")
		return nil
	}
}

// decrypt strips the RTP header and trailing nonce counter and opens the box.
func (s *fakeVoiceServer) decrypt(t *testing.T, pkt []byte) []byte {
	t.Helper()
	if len(pkt) < 12+4 {
		t.Fatalf("packet too short: %d bytes", len(pkt))
	}
	body := pkt[12:]
	counter := binary.LittleEndian.Uint32(body[len(body)-4:])
	var nonce [24]byte
	binary.LittleEndian.PutUint32(nonce[:], counter)
	payload, ok := secretbox.Open(nil, body[:len(body)-4], &nonce, &s.key)
	if !ok {
		t.Fatal("media packet did not authenticate")
	}
	return payload
}

func readEnv(ctx context.Context, ws *websocket.Conn) (wsEnvelope, error) {
	_, data, err := ws.Read(ctx)
	if err != nil {
		return wsEnvelope{}, err
	}
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return wsEnvelope{}, err
	}
	return env, nil
}

func writeEnv(ws *websocket.Conn, op int, d any) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(wsEnvelope{Op: op, D: raw})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, payload)
}

type fakeProvider struct {
	endpoint string

	mu     sync.Mutex
	joins  int
	leaves int
}

func (p *fakeProvider) Join(ctx context.Context, guildID, channelID string) (voice.Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.joins++
	return voice.Credentials{
		GuildID:   guildID,
		UserID:    "bot-user",
		SessionID: "session-1",
		Token:     "token-1",
		Endpoint:  p.endpoint,
	}, nil
}

func (p *fakeProvider) Leave(ctx context.Context, guildID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leaves++
	return nil
}

func (p *fakeProvider) counts() (joins, leaves int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.joins, p.leaves
}

func newTestManager(t *testing.T, p *fakeProvider) *voice.Manager {
	t.Helper()
	mgr, err := voice.NewManager(voice.ManagerConfig{
		Credentials:      p,
		HandshakeTimeout: 2 * time.Second,
		MaxRetries:       3,
		Backoff:          20 * time.Millisecond,
		MaxBackoff:       100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(mgr.Close)
	return mgr
}

func awaitState(t *testing.T, ch <-chan voice.StateChange, want voice.State) voice.StateChange {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case change, ok := <-ch:
			if !ok {
				t.Fatalf("state channel closed before reaching %v", want)
			}
			if change.State == want {
				return change
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

func TestManagerConnectHandshake(t *testing.T) {
	t.Parallel()

	srv := newFakeVoiceServer(t)
	provider := &fakeProvider{endpoint: srv.wsURL}
	mgr := newTestManager(t, provider)

	conn, err := mgr.Connect(context.Background(), "guild-1", "channel-1")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if got := conn.State(); got != voice.StateConnected {
		t.Errorf("State() = %v, want connected", got)
	}
	awaitState(t, conn.StateChanges(), voice.StateConnected)

	// One silence frame precedes all real audio.
	prime := srv.decrypt(t, srv.nextPacket(t))
	if !bytes.Equal(prime, []byte{0xF8, 0xFF, 0xFE}) {
		t.Errorf("priming payload = %#v, want opus silence", prime)
	}

	if joins, _ := provider.counts(); joins != 1 {
		t.Errorf("provider joins = %d, want 1", joins)
	}

	conn.Disconnect()

	if _, leaves := provider.counts(); leaves != 1 {
		t.Errorf("provider leaves = %d, want 1", leaves)
	}
	if got := mgr.Get("guild-1"); got != nil {
		t.Errorf("Get() after disconnect = %v, want nil", got)
	}
	change := awaitState(t, conn.StateChanges(), voice.StateDisconnected)
	if change.Err != nil {
		t.Errorf("graceful disconnect carried error %v", change.Err)
	}
	if _, ok := <-conn.StateChanges(); ok {
		t.Error("state channel still open after disconnect")
	}
}

func TestConnSendOpusPassthrough(t *testing.T) {
	t.Parallel()

	srv := newFakeVoiceServer(t)
	provider := &fakeProvider{endpoint: srv.wsURL}
	mgr := newTestManager(t, provider)

	conn, err := mgr.Connect(context.Background(), "guild-1", "channel-1")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	srv.nextPacket(t) // priming silence

	payload := []byte{0x01, 0x02, 0x03, 0x04}
	if err := conn.Send(audio.Frame{Data: payload, Encoding: audio.Opus}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case on := <-srv.speaking:
		if !on {
			t.Error("first frame announced speaking=false, want true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no speaking announcement before first frame")
	}

	pkt := srv.nextPacket(t)
	if seq := binary.BigEndian.Uint16(pkt[2:4]); seq != 1 {
		t.Errorf("sequence = %d, want 1 after the priming frame", seq)
	}
	if got := srv.decrypt(t, pkt); !bytes.Equal(got, payload) {
		t.Errorf("decrypted payload = %#v, want %#v", got, payload)
	}
}

func TestConnSendEncodesPCM(t *testing.T) {
	t.Parallel()

	srv := newFakeVoiceServer(t)
	provider := &fakeProvider{endpoint: srv.wsURL}
	mgr := newTestManager(t, provider)

	conn, err := mgr.Connect(context.Background(), "guild-1", "channel-1")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	srv.nextPacket(t) // priming silence

	if err := conn.Send(audio.SilencePCM()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got := srv.decrypt(t, srv.nextPacket(t))
	if len(got) == 0 {
		t.Error("encoded opus payload is empty")
	}
	if len(got) >= audio.FrameBytes {
		t.Errorf("opus payload is %d bytes, larger than the raw frame", len(got))
	}
}

func TestConnSendWhileDisconnected(t *testing.T) {
	t.Parallel()

	srv := newFakeVoiceServer(t)
	provider := &fakeProvider{endpoint: srv.wsURL}
	mgr := newTestManager(t, provider)

	conn, err := mgr.Connect(context.Background(), "guild-1", "channel-1")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	conn.Disconnect()

	if err := conn.Send(audio.SilenceOpus()); !errors.Is(err, voice.ErrNotConnected) {
		t.Fatalf("Send() after disconnect = %v, want ErrNotConnected", err)
	}
}

func TestConnReconnectsAfterServerDrop(t *testing.T) {
	t.Parallel()

	srv := newFakeVoiceServer(t)
	provider := &fakeProvider{endpoint: srv.wsURL}
	mgr := newTestManager(t, provider)

	conn, err := mgr.Connect(context.Background(), "guild-1", "channel-1")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	awaitState(t, conn.StateChanges(), voice.StateConnected)
	srv.nextPacket(t) // first session's priming silence

	srv.dropConns()

	change := awaitState(t, conn.StateChanges(), voice.StateReconnecting)
	if change.Err == nil {
		t.Error("reconnecting transition carried no cause")
	}
	awaitState(t, conn.StateChanges(), voice.StateConnected)

	if joins, _ := provider.counts(); joins != 2 {
		t.Errorf("provider joins = %d, want 2 (fresh credentials per attempt)", joins)
	}

	// The replacement session primes again and restarts its sequencing.
	pkt := srv.nextPacket(t)
	if seq := binary.BigEndian.Uint16(pkt[2:4]); seq != 0 {
		t.Errorf("first sequence after reconnect = %d, want 0", seq)
	}
	if got := srv.decrypt(t, pkt); !bytes.Equal(got, []byte{0xF8, 0xFF, 0xFE}) {
		t.Errorf("first payload after reconnect = %#v, want priming silence", got)
	}
}

func TestConnHeartbeatLossTriggersReconnect(t *testing.T) {
	t.Parallel()

	srv := newFakeVoiceServer(t)
	provider := &fakeProvider{endpoint: srv.wsURL}
	mgr := newTestManager(t, provider)

	conn, err := mgr.Connect(context.Background(), "guild-1", "channel-1")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	awaitState(t, conn.StateChanges(), voice.StateConnected)

	srv.ackOff.Store(true)

	change := awaitState(t, conn.StateChanges(), voice.StateReconnecting)
	if change.Err == nil || !strings.Contains(change.Err.Error(), "unacknowledged") {
		t.Errorf("reconnect cause = %v, want missed heartbeat acks", change.Err)
	}

	srv.ackOff.Store(false)
	awaitState(t, conn.StateChanges(), voice.StateConnected)
}

func TestConnTerminatesWhenGatewayUnreachable(t *testing.T) {
	t.Parallel()

	srv := newFakeVoiceServer(t)
	provider := &fakeProvider{endpoint: srv.wsURL}
	mgr := newTestManager(t, provider)

	conn, err := mgr.Connect(context.Background(), "guild-1", "channel-1")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	awaitState(t, conn.StateChanges(), voice.StateConnected)

	// Take the whole gateway away so every reconnect attempt fails.
	srv.Close()

	awaitState(t, conn.StateChanges(), voice.StateReconnecting)
	change := awaitState(t, conn.StateChanges(), voice.StateDisconnected)
	if !errors.Is(change.Err, voice.ErrSessionTerminated) {
		t.Fatalf("terminal error = %v, want ErrSessionTerminated", change.Err)
	}
	if _, ok := <-conn.StateChanges(); ok {
		t.Error("state channel still open after termination")
	}

	if got := mgr.Get("guild-1"); got != nil {
		t.Errorf("Get() after termination = %v, want nil", got)
	}
	if joins, leaves := provider.counts(); joins != 4 || leaves == 0 {
		t.Errorf("provider joins = %d leaves = %d, want 4 joins and a leave", joins, leaves)
	}
}

func TestManagerConnectSameChannelReusesConn(t *testing.T) {
	t.Parallel()

	srv := newFakeVoiceServer(t)
	provider := &fakeProvider{endpoint: srv.wsURL}
	mgr := newTestManager(t, provider)

	first, err := mgr.Connect(context.Background(), "guild-1", "channel-1")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	second, err := mgr.Connect(context.Background(), "guild-1", "channel-1")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if first != second {
		t.Error("second Connect() built a new session for the same channel")
	}
	if joins, _ := provider.counts(); joins != 1 {
		t.Errorf("provider joins = %d, want 1", joins)
	}
}

func TestManagerConnectMovesChannels(t *testing.T) {
	t.Parallel()

	srv := newFakeVoiceServer(t)
	provider := &fakeProvider{endpoint: srv.wsURL}
	mgr := newTestManager(t, provider)

	first, err := mgr.Connect(context.Background(), "guild-1", "channel-1")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	second, err := mgr.Connect(context.Background(), "guild-1", "channel-2")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if first == second {
		t.Fatal("moving channels reused the old session")
	}
	if got := first.State(); got != voice.StateDisconnected {
		t.Errorf("old session state = %v, want disconnected", got)
	}
	if got := second.ChannelID(); got != "channel-2" {
		t.Errorf("new session channel = %q, want channel-2", got)
	}
	if got := mgr.Get("guild-1"); got != second {
		t.Error("manager does not track the new session")
	}
}
