// Package transport maintains the duplex JSON channel to the control
// plane: registration, heartbeats, frame signing, reconnect with capped
// backoff, and replay of spooled traffic after an outage.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hdwhite1980/opsis-agent-sub000/internal/creds"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/logging"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/metrics"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/protocol"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/spool"
)

const (
	defaultHeartbeat    = 30 * time.Second
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	maxFrameBytes       = 1 << 20
	inboundBuffer       = 64
)

// ErrNotConnected is returned by Send while the link is down.
var ErrNotConnected = errors.New("transport not connected")

var errSessionInvalid = errors.New("session invalidated by server")

// knownInbound is the full set of frame types the server may send.
// Anything else is logged and dropped without dispatch.
var knownInbound = map[string]bool{}

func init() {
	for _, t := range []string{
		protocol.TypeWelcome,
		protocol.TypePong,
		protocol.TypeAck,
		protocol.TypeDecision,
		protocol.TypeAdvisory,
		protocol.TypeTicketCreated,
		protocol.TypePlaybook,
		protocol.TypeExecutePlaybook,
		protocol.TypeDiagnosticRequest,
		protocol.TypeDiagnosticComplete,
		protocol.TypeAddToIgnoreList,
		protocol.TypeReinvestigationResponse,
		protocol.TypeForceDiagnostic,
		protocol.TypeConfigUpdate,
		protocol.TypeUpdateAvailable,
		protocol.TypeSessionExpired,
		protocol.TypeAuthFailed,
		protocol.TypeBillingExpired,
		protocol.TypeServiceAlert,
		protocol.TypeServiceAlertResolved,
		protocol.TypeUserPrompt,
		protocol.TypeExecutePendingAction,
		protocol.TypeCancelPendingAction,
		protocol.TypeMaintenanceWindow,
		protocol.TypeCancelMaintenanceWindow,
		protocol.TypeKeyRotation,
	} {
		knownInbound[t] = true
	}
}

// Config identifies this device to the control plane and tunes the
// connection.
type Config struct {
	URL          string
	DeviceID     string
	TenantID     string
	Hostname     string
	Version      string
	Heartbeat    time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// Deps are the transport's collaborators. Creds and Spool may be nil.
type Deps struct {
	Creds  *creds.File
	Signer *protocol.Signer
	Spool  *spool.Spool
}

// Client owns the websocket connection and its reconnect state. Inbound
// frames are handed to the pipeline through Inbound(); everything else
// about the link stays in here.
type Client struct {
	cfg  Config
	deps Deps

	inbound    chan protocol.Frame
	reactivate chan struct{}
	hbChanged  chan struct{}

	mu          sync.RWMutex
	conn        *websocket.Conn
	invalidated bool
	hbInterval  time.Duration

	writeMu sync.Mutex
	log     zerolog.Logger
}

// New builds a client. Run must be called to connect.
func New(cfg Config, deps Deps) *Client {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if deps.Signer == nil {
		deps.Signer = protocol.NewSigner("")
	}
	return &Client{
		cfg:        cfg,
		deps:       deps,
		inbound:    make(chan protocol.Frame, inboundBuffer),
		reactivate: make(chan struct{}, 1),
		hbChanged:  make(chan struct{}, 1),
		hbInterval: cfg.Heartbeat,
		log:        logging.WithComponent("transport"),
	}
}

// Inbound delivers accepted server frames, in arrival order.
func (c *Client) Inbound() <-chan protocol.Frame {
	return c.inbound
}

// Connected reports whether the link is currently up.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Invalidated reports whether the server killed the session. While set,
// the client does not reconnect.
func (c *Client) Invalidated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.invalidated
}

// ResetSession clears a server-side invalidation so Run resumes
// connecting. Operator-triggered.
func (c *Client) ResetSession() {
	c.mu.Lock()
	was := c.invalidated
	c.invalidated = false
	c.mu.Unlock()
	if !was {
		return
	}
	select {
	case c.reactivate <- struct{}{}:
	default:
	}
	c.log.Info().Msg("session reset, reconnect resumed")
}

// Send signs and writes one frame. Safe for concurrent use.
func (c *Client) Send(f protocol.Frame) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	if err := c.deps.Signer.Sign(f); err != nil {
		return err
	}
	data, err := f.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s frame: %w", f.Type(), err)
	}
	metrics.FramesSent.WithLabelValues(f.Type()).Inc()
	return nil
}

// Run connects and keeps reconnecting until ctx ends. Backoff starts at
// 1s and caps at 5 minutes with 30% jitter; a session invalidation
// parks the loop until ResetSession.
func (c *Client) Run(ctx context.Context) error {
	bo := newReconnectBackoff()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if c.Invalidated() {
			select {
			case <-ctx.Done():
				return nil
			case <-c.reactivate:
				bo.Reset()
				continue
			}
		}

		established, err := c.runConnection(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			bo.Reset()
		}
		if err != nil && !errors.Is(err, errSessionInvalid) {
			c.log.Warn().Err(err).Msg("connection lost")
		}
		if c.Invalidated() {
			c.log.Error().Msg("reconnect suspended until operator intervention")
			continue
		}

		wait := bo.NextBackOff()
		metrics.Reconnects.Inc()
		c.log.Info().Dur("retry_in", wait).Msg("reconnecting")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

func newReconnectBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.RandomizationFactor = 0.3
	bo.Multiplier = 2
	bo.MaxInterval = 5 * time.Minute
	return bo
}

// runConnection dials, registers and serves one connection until it
// drops. established reports whether registration went out, so the
// caller can reset its backoff.
func (c *Client) runConnection(ctx context.Context) (established bool, err error) {
	header := http.Header{}
	if c.deps.Creds != nil {
		if tok := c.deps.Creds.Current().AuthToken; tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(maxFrameBytes)
	c.setConn(conn)
	defer c.dropConn()

	if err := c.sendRegister(); err != nil {
		return false, fmt.Errorf("register: %w", err)
	}
	c.log.Info().Str("url", c.cfg.URL).Msg("connected to control plane")
	metrics.TransportConnected.Set(1)
	defer metrics.TransportConnected.Set(0)

	c.drainSpool()

	loopCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(loopCtx)
	}()
	go func() {
		// ReadMessage does not watch ctx; closing the conn unblocks it.
		defer wg.Done()
		<-loopCtx.Done()
		conn.Close()
	}()

	err = c.readLoop(loopCtx, conn)
	cancel()
	wg.Wait()
	return true, err
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.hbInterval = c.cfg.Heartbeat
	c.mu.Unlock()
}

func (c *Client) dropConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) sendRegister() error {
	return c.Send(protocol.New(protocol.TypeRegister, c.cfg.DeviceID, map[string]any{
		"tenant_id":     c.cfg.TenantID,
		"hostname":      c.cfg.Hostname,
		"agent_version": c.cfg.Version,
		"os":            runtime.GOOS,
	}))
}

// drainSpool replays frames queued while offline, oldest first. A frame
// is acked only after its send succeeds.
func (c *Client) drainSpool() {
	if c.deps.Spool == nil {
		return
	}
	sent := 0
	for {
		e, ok := c.deps.Spool.Next()
		if !ok {
			break
		}
		f, err := e.Frame()
		if err != nil {
			c.log.Warn().Err(err).Int64("id", e.ID).Msg("dropping undecodable spooled frame")
			c.deps.Spool.Ack(e.ID)
			continue
		}
		if err := c.Send(f); err != nil {
			c.log.Warn().Err(err).Msg("spool replay interrupted")
			break
		}
		c.deps.Spool.Ack(e.ID)
		sent++
	}
	if sent > 0 {
		c.log.Info().Int("frames", sent).Msg("spooled frames replayed")
	}
	metrics.SpoolDepth.Set(float64(c.deps.Spool.Count()))
}

func (c *Client) heartbeatInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hbInterval
}

// readDeadline keeps a dead link from lingering: if nothing arrives for
// three heartbeat intervals the read errors and we reconnect.
func (c *Client) readDeadline() time.Duration {
	d := 3 * c.heartbeatInterval()
	if d < 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	t := time.NewTimer(c.heartbeatInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.hbChanged:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			t.Reset(c.heartbeatInterval())
			continue
		case <-t.C:
		}

		data := map[string]any{"agent_version": c.cfg.Version}
		if c.deps.Spool != nil {
			data["spooled_frames"] = c.deps.Spool.Count()
		}
		if err := c.Send(protocol.New(protocol.TypeHeartbeat, c.cfg.DeviceID, data)); err != nil {
			c.log.Debug().Err(err).Msg("heartbeat")
		}
		t.Reset(c.heartbeatInterval())
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		conn.SetReadDeadline(time.Now().Add(c.readDeadline()))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f, err := protocol.Decode(raw)
		if err != nil {
			metrics.FramesDropped.WithLabelValues("malformed").Inc()
			c.log.Warn().Err(err).Msg("malformed inbound frame")
			continue
		}
		if stop := c.dispatch(ctx, f); stop {
			return errSessionInvalid
		}
	}
}

// dispatch verifies and routes one inbound frame. Transport-level types
// are consumed here; the rest go to the pipeline.
func (c *Client) dispatch(ctx context.Context, f protocol.Frame) (stop bool) {
	typ := f.Type()
	if !knownInbound[typ] {
		metrics.FramesDropped.WithLabelValues("unknown_type").Inc()
		c.log.Warn().Str("type", typ).Msg("unknown inbound frame type")
		return false
	}
	if protocol.RequiresSignature(typ) {
		if err := c.deps.Signer.Verify(f); err != nil {
			metrics.FramesDropped.WithLabelValues("bad_signature").Inc()
			c.log.Error().Err(err).Str("type", typ).Msg("rejected inbound frame")
			return false
		}
	}
	metrics.FramesReceived.WithLabelValues(typ).Inc()

	switch typ {
	case protocol.TypePong:
		c.log.Debug().Msg("pong")
		return false
	case protocol.TypeKeyRotation:
		c.rotateKey(f)
		return false
	case protocol.TypeWelcome:
		// Interval applies here; thresholds and features are the
		// pipeline's business, so the frame is forwarded as well.
		c.applyWelcome(f)
	case protocol.TypeSessionExpired, protocol.TypeAuthFailed, protocol.TypeBillingExpired:
		c.invalidate(typ)
		c.forward(ctx, f)
		return true
	}
	c.forward(ctx, f)
	return false
}

func (c *Client) forward(ctx context.Context, f protocol.Frame) {
	select {
	case c.inbound <- f:
	case <-ctx.Done():
	}
}

func (c *Client) applyWelcome(f protocol.Frame) {
	data := f.Data()
	secs := protocol.Float(data, "heartbeat_interval", 0)
	if secs <= 0 {
		return
	}
	c.mu.Lock()
	c.hbInterval = time.Duration(secs * float64(time.Second))
	c.mu.Unlock()
	select {
	case c.hbChanged <- struct{}{}:
	default:
	}
	c.log.Info().Float64("seconds", secs).Msg("heartbeat interval set by server")
}

// rotateKey persists the new shared secret, switches the signer over and
// acknowledges. The ack is signed with the new key; the server rotated
// before telling us.
func (c *Client) rotateKey(f protocol.Frame) {
	secret := protocol.Str(f.Data(), "new_secret")
	if secret == "" {
		c.log.Error().Msg("key rotation frame missing new_secret")
		return
	}
	if c.deps.Creds != nil {
		if err := c.deps.Creds.RotateSecret(secret); err != nil {
			c.log.Error().Err(err).Msg("persist rotated secret")
			return
		}
	}
	c.deps.Signer.Rotate(secret)
	c.log.Info().Msg("shared secret rotated")

	ack := protocol.New(protocol.TypeActionResult, c.cfg.DeviceID, map[string]any{
		"action": "key_rotation",
		"status": "ok",
	})
	if err := c.Send(ack); err != nil {
		c.log.Warn().Err(err).Msg("acknowledge key rotation")
	}
}

func (c *Client) invalidate(reason string) {
	c.mu.Lock()
	c.invalidated = true
	c.mu.Unlock()
	c.log.Error().Str("reason", reason).Msg("server invalidated the session")
}
