package voice

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/perkola/aulos/pkg/audio"
)

// Voice gateway opcodes.
const (
	opIdentify           = 0
	opSelectProtocol     = 1
	opReady              = 2
	opHeartbeat          = 3
	opSessionDescription = 4
	opSpeaking           = 5
	opHeartbeatAck       = 6
	opHello              = 8
)

// maxMissedAcks is how many consecutive unanswered heartbeats the transport
// tolerates before declaring the connection lost.
const maxMissedAcks = 3

// udpKeepaliveInterval matches the cadence the platform's own client uses to
// keep NAT mappings open on the media socket.
const udpKeepaliveInterval = 5 * time.Second

type gatewayEnvelope struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
}

type identifyData struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

type helloData struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

type readyData struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}

type selectProtocolData struct {
	Protocol string            `json:"protocol"`
	Data     selectProtocolUDP `json:"data"`
}

type selectProtocolUDP struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Mode    string `json:"mode"`
}

type sessionDescriptionData struct {
	Mode      string   `json:"mode"`
	SecretKey [32]byte `json:"secret_key"`
}

type speakingData struct {
	Speaking bool   `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
}

// transport is one established voice session: the control WebSocket, the
// media UDP socket, the session key and its sequencing state. A reconnect
// replaces the transport wholesale, never parts of it.
type transport struct {
	ws   *websocket.Conn
	udp  net.Conn
	pack *packetizer
	ssrc uint32
	log  *slog.Logger

	heartbeat time.Duration

	// speaking tracks the flag last announced on the control channel. It is
	// only touched under the owning Conn's mutex.
	speaking bool

	lost      chan error
	lostOnce  sync.Once
	acks      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// connectTransport dials the voice gateway and runs the full handshake:
// identify, hello/ready, UDP discovery, select protocol, session description.
// On success the heartbeat, read and keepalive loops are already running.
func connectTransport(ctx context.Context, creds Credentials, phaseTimeout time.Duration, log *slog.Logger) (*transport, error) {
	dialCtx, cancel := context.WithTimeout(ctx, phaseTimeout)
	ws, _, err := websocket.Dial(dialCtx, gatewayURL(creds.Endpoint), nil)
	cancel()
	if err != nil {
		return nil, &HandshakeError{Phase: "dial", Err: err}
	}

	t := &transport{
		ws:   ws,
		log:  log,
		lost: make(chan error, 1),
		acks: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	if err := t.handshake(ctx, creds, phaseTimeout); err != nil {
		ws.Close(websocket.StatusNormalClosure, "handshake failed")
		if t.udp != nil {
			t.udp.Close()
		}
		return nil, err
	}

	t.wg.Add(3)
	go t.readLoop()
	go t.heartbeatLoop()
	go t.keepaliveLoop()
	return t, nil
}

func (t *transport) handshake(ctx context.Context, creds Credentials, phaseTimeout time.Duration) error {
	ident := identifyData{
		ServerID:  creds.GuildID,
		UserID:    creds.UserID,
		SessionID: creds.SessionID,
		Token:     creds.Token,
	}
	if err := t.writeOp(ctx, opIdentify, ident, phaseTimeout); err != nil {
		return &HandshakeError{Phase: "identify", Err: err}
	}

	// Hello and ready can arrive in either order.
	var (
		hello     helloData
		ready     readyData
		haveHello bool
		haveReady bool
	)
	for !haveHello || !haveReady {
		msg, err := t.readOp(ctx, phaseTimeout)
		if err != nil {
			return &HandshakeError{Phase: "ready", Err: err}
		}
		switch msg.Op {
		case opHello:
			if err := json.Unmarshal(msg.D, &hello); err != nil {
				return &HandshakeError{Phase: "hello", Err: err}
			}
			haveHello = true
		case opReady:
			if err := json.Unmarshal(msg.D, &ready); err != nil {
				return &HandshakeError{Phase: "ready", Err: err}
			}
			haveReady = true
		}
	}

	if hello.HeartbeatInterval <= 0 {
		return &HandshakeError{Phase: "hello", Err: fmt.Errorf("non-positive heartbeat interval %v", hello.HeartbeatInterval)}
	}
	t.heartbeat = time.Duration(hello.HeartbeatInterval * float64(time.Millisecond))
	if !slices.Contains(ready.Modes, EncryptionMode) {
		return &HandshakeError{Phase: "ready", Err: fmt.Errorf("gateway offers none of our encryption modes: %v", ready.Modes)}
	}
	t.ssrc = ready.SSRC

	udp, err := net.Dial("udp", net.JoinHostPort(ready.IP, strconv.Itoa(ready.Port)))
	if err != nil {
		return &HandshakeError{Phase: "udp dial", Err: err}
	}
	t.udp = udp

	extIP, extPort, err := discoverExternalAddr(udp, ready.SSRC, phaseTimeout)
	if err != nil {
		return &HandshakeError{Phase: "ip discovery", Err: err}
	}

	sel := selectProtocolData{
		Protocol: "udp",
		Data:     selectProtocolUDP{Address: extIP, Port: extPort, Mode: EncryptionMode},
	}
	if err := t.writeOp(ctx, opSelectProtocol, sel, phaseTimeout); err != nil {
		return &HandshakeError{Phase: "select protocol", Err: err}
	}

	// The gateway may interleave other ops before the session description.
	for {
		msg, err := t.readOp(ctx, phaseTimeout)
		if err != nil {
			return &HandshakeError{Phase: "session description", Err: err}
		}
		if msg.Op != opSessionDescription {
			continue
		}
		var desc sessionDescriptionData
		if err := json.Unmarshal(msg.D, &desc); err != nil {
			return &HandshakeError{Phase: "session description", Err: err}
		}
		if desc.Mode != EncryptionMode {
			return &HandshakeError{Phase: "session description", Err: fmt.Errorf("gateway selected mode %q, want %q", desc.Mode, EncryptionMode)}
		}
		t.pack = newPacketizer(ready.SSRC, desc.SecretKey)
		return nil
	}
}

func (t *transport) writeOp(ctx context.Context, op int, d any, timeout time.Duration) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("voice: marshal op %d payload: %w", op, err)
	}
	payload, err := json.Marshal(gatewayEnvelope{Op: op, D: raw})
	if err != nil {
		return fmt.Errorf("voice: marshal op %d: %w", op, err)
	}

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return t.ws.Write(wctx, websocket.MessageText, payload)
}

func (t *transport) readOp(ctx context.Context, timeout time.Duration) (gatewayEnvelope, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, data, err := t.ws.Read(rctx)
	if err != nil {
		return gatewayEnvelope{}, err
	}
	var msg gatewayEnvelope
	if err := json.Unmarshal(data, &msg); err != nil {
		return gatewayEnvelope{}, fmt.Errorf("voice: decode gateway message: %w", err)
	}
	return msg, nil
}

// fail records the first transport failure and signals the supervisor.
// Later failures are dropped; one loss is enough to replace the transport.
func (t *transport) fail(err error) {
	t.lostOnce.Do(func() {
		t.lost <- err
	})
}

// Lost yields the error that killed the transport. It fires at most once and
// never fires for a deliberate close.
func (t *transport) Lost() <-chan error { return t.lost }

// readLoop dispatches control messages until the socket dies. Only heartbeat
// acks matter after the handshake; everything else is informational.
func (t *transport) readLoop() {
	defer t.wg.Done()
	for {
		_, data, err := t.ws.Read(context.Background())
		if err != nil {
			select {
			case <-t.done:
			default:
				t.fail(fmt.Errorf("voice: gateway read: %w", err))
			}
			return
		}

		var msg gatewayEnvelope
		if err := json.Unmarshal(data, &msg); err != nil {
			t.log.Debug("voice: discarding malformed gateway message", "err", err)
			continue
		}
		if msg.Op == opHeartbeatAck {
			select {
			case t.acks <- struct{}{}:
			default:
			}
		}
	}
}

// heartbeatLoop beats at the interval the gateway requested and counts
// unanswered beats. Hitting maxMissedAcks declares the connection lost.
func (t *transport) heartbeatLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-t.done:
			return
		case <-t.acks:
			missed = 0
		case <-ticker.C:
			if missed >= maxMissedAcks {
				t.fail(fmt.Errorf("voice: %d heartbeats unacknowledged", missed))
				return
			}
			if err := t.writeOp(context.Background(), opHeartbeat, time.Now().UnixMilli(), t.heartbeat); err != nil {
				select {
				case <-t.done:
				default:
					t.fail(fmt.Errorf("voice: send heartbeat: %w", err))
				}
				return
			}
			missed++
		}
	}
}

// keepaliveLoop sends a small counter datagram so NAT mappings for the media
// socket stay open across silent stretches.
func (t *transport) keepaliveLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(udpKeepaliveInterval)
	defer ticker.Stop()

	buf := make([]byte, 8)
	var counter uint64
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			binary.LittleEndian.PutUint64(buf, counter)
			counter++
			if _, err := t.udp.Write(buf); err != nil {
				t.log.Debug("voice: udp keepalive failed", "err", err)
			}
		}
	}
}

// sendFrame seals and transmits one Opus payload, announcing the speaking
// flag on the control channel first when it is not already raised.
func (t *transport) sendFrame(opusPayload []byte) error {
	if !t.speaking {
		if err := t.setSpeaking(true); err != nil {
			return err
		}
	}
	pkt, err := t.pack.packet(opusPayload)
	if err != nil {
		return err
	}
	if _, err := t.udp.Write(pkt); err != nil {
		return fmt.Errorf("voice: udp write: %w", err)
	}
	return nil
}

func (t *transport) setSpeaking(on bool) error {
	d := speakingData{Speaking: on, SSRC: t.ssrc}
	if err := t.writeOp(context.Background(), opSpeaking, d, 5*time.Second); err != nil {
		return fmt.Errorf("voice: set speaking: %w", err)
	}
	t.speaking = on
	return nil
}

// primeSilence transmits the single silence frame the platform expects
// between handshake completion and the first real audio frame.
func (t *transport) primeSilence() error {
	pkt, err := t.pack.packet(audio.SilenceOpus().Data)
	if err != nil {
		return err
	}
	if _, err := t.udp.Write(pkt); err != nil {
		return fmt.Errorf("voice: prime silence: %w", err)
	}
	return nil
}

// close tears the transport down and waits for its loops to exit. Safe to
// call more than once and after a failure.
func (t *transport) close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.ws.Close(websocket.StatusNormalClosure, "disconnect")
		if t.udp != nil {
			t.udp.Close()
		}
		t.wg.Wait()
	})
}

// gatewayURL normalizes a voice endpoint into a dialable WebSocket URL.
// Production endpoints arrive as "host:port"; full URLs pass through.
func gatewayURL(endpoint string) string {
	if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://") {
		return endpoint
	}
	return "wss://" + strings.TrimSuffix(endpoint, ":80") + "/?v=4"
}
