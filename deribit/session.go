package deribit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/gorilla/websocket"

	appconfig "optionflow/config"
	"optionflow/logger"
	"optionflow/models"
)

// SessionState tracks where a session is in its lifecycle. State is owned
// by the task driving the session; there is exactly one writer.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateAuthenticating
	StateActive
	StateClosing
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// pendingLimit bounds the notifications buffered while a request/response
// exchange is in flight.
const pendingLimit = 256

// Session manages one logical connection cycle to the Deribit websocket:
// connect, authenticate, subscribe, receive, ping, close. It never
// reconnects by itself; retry policy belongs to the collector.
type Session struct {
	config     *appconfig.Config
	dialer     *websocket.Dialer
	conn       *websocket.Conn
	state      SessionState
	subscribed map[string]struct{}
	pending    []models.Frame
	frames     chan models.Frame
	readErr    chan error
	nextID     int64
	log        *logger.Log
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// NewSession creates a disconnected session for the configured feed.
func NewSession(cfg *appconfig.Config) *Session {
	return &Session{
		config:     cfg,
		dialer:     &websocket.Dialer{HandshakeTimeout: requestTimeout(cfg)},
		state:      StateDisconnected,
		subscribed: make(map[string]struct{}),
		log:        logger.GetLogger(),
	}
}

func requestTimeout(cfg *appconfig.Config) time.Duration {
	return time.Duration(cfg.Deribit.RequestTimeoutMs) * time.Millisecond
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return s.state
}

// Subscribed returns the instruments confirmed on this session, sorted for
// stable output. The set is cleared on Close; it does not survive a
// reconnect.
func (s *Session) Subscribed() []string {
	names := make([]string, 0, len(s.subscribed))
	for name := range s.subscribed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Connect establishes the websocket transport and starts the internal read
// pump. On success the session is in the Connecting state, ready for
// Authenticate.
func (s *Session) Connect(ctx context.Context) error {
	if s.state != StateDisconnected {
		return &InvalidStateError{Op: "connect", State: s.state}
	}

	log := s.log.WithComponent("feed_session").WithFields(logger.Fields{"url": s.config.Deribit.WSURL})

	conn, _, err := s.dialer.DialContext(ctx, s.config.Deribit.WSURL, nil)
	if err != nil {
		return &TransportError{Op: "connect", Err: err}
	}

	s.conn = conn
	s.frames = make(chan models.Frame, s.config.Channels.FrameBuffer)
	s.readErr = make(chan error, 1)
	s.state = StateConnecting

	go s.readPump(conn, s.frames, s.readErr)

	log.Info("connected to deribit websocket")
	return nil
}

// readPump reads inbound messages for the lifetime of one connection and
// feeds parsed frames to the session's frame channel. A frame that fails to
// parse is logged and skipped; a read error ends the pump.
func (s *Session) readPump(conn *websocket.Conn, frames chan<- models.Frame, readErr chan<- error) {
	log := s.log.WithComponent("feed_session").WithFields(logger.Fields{"worker": "read_pump"})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		logger.IncrementFrameRead(len(data))

		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.WithError(err).Warn("failed to parse inbound frame")
			continue
		}

		select {
		case frames <- frame:
		default:
			log.Warn("frame buffer full, dropping frame")
		}
	}
}

// send writes one JSON-RPC request and returns its id.
func (s *Session) send(method string, params interface{}) (int64, error) {
	s.nextID++
	req := rpcRequest{JSONRPC: "2.0", ID: s.nextID, Method: method, Params: params}

	_ = s.conn.SetWriteDeadline(time.Now().Add(requestTimeout(s.config)))
	if err := s.conn.WriteJSON(req); err != nil {
		return 0, &TransportError{Op: method, Err: err}
	}
	return s.nextID, nil
}

// awaitResponse blocks until the response with the given id arrives, the
// timeout elapses, or the transport fails. Notifications that arrive in the
// meantime are buffered so ReceiveFrame can deliver them in wire order.
func (s *Session) awaitResponse(ctx context.Context, op string, id int64, timeout time.Duration) (models.Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return models.Frame{}, ctx.Err()
		case err := <-s.readErr:
			return models.Frame{}, &TransportError{Op: op, Err: err}
		case <-timer.C:
			return models.Frame{}, &TimeoutError{Op: op, Wait: timeout}
		case frame := <-s.frames:
			if frame.ID == id {
				return frame, nil
			}
			if frame.IsNotification() {
				if len(s.pending) < pendingLimit {
					s.pending = append(s.pending, frame)
				} else {
					s.log.WithComponent("feed_session").Warn("pending buffer full, dropping notification")
				}
			}
		}
	}
}

// Authenticate performs the client-credentials handshake. On success the
// session becomes Active.
func (s *Session) Authenticate(ctx context.Context) error {
	if s.state != StateConnecting {
		return &InvalidStateError{Op: "authenticate", State: s.state}
	}
	s.state = StateAuthenticating

	log := s.log.WithComponent("feed_session").WithFields(logger.Fields{"operation": "authenticate"})

	params := map[string]string{
		"grant_type":    "client_credentials",
		"client_id":     s.config.Deribit.ClientID,
		"client_secret": s.config.Deribit.ClientSecret,
	}
	id, err := s.send("public/auth", params)
	if err != nil {
		return err
	}

	timeout := time.Duration(s.config.Deribit.AuthTimeoutMs) * time.Millisecond
	frame, err := s.awaitResponse(ctx, "authenticate", id, timeout)
	if err != nil {
		return err
	}
	if frame.Error != nil {
		return &AuthError{Reason: frame.Error.Message}
	}

	var result models.AuthResult
	if err := json.Unmarshal(frame.Result, &result); err != nil {
		return &AuthError{Reason: fmt.Sprintf("malformed auth response: %v", err)}
	}
	if result.AccessToken == "" {
		return &AuthError{Reason: "response carried no access token"}
	}

	s.state = StateActive
	log.Info("websocket authenticated successfully")
	return nil
}

// Subscribe registers ticker channels for all instruments in one request.
// On failure the subscription set is unchanged and the error names the
// requested channels.
func (s *Session) Subscribe(ctx context.Context, names []string) error {
	if s.state != StateActive {
		return &InvalidStateError{Op: "subscribe", State: s.state}
	}

	log := s.log.WithComponent("feed_session").WithFields(logger.Fields{"operation": "subscribe"})

	channels := make([]string, len(names))
	for i, name := range names {
		channels[i] = fmt.Sprintf("ticker.%s.raw", name)
	}

	id, err := s.send("public/subscribe", map[string]interface{}{"channels": channels})
	if err != nil {
		return &SubscribeError{Channels: channels, Err: err}
	}

	frame, err := s.awaitResponse(ctx, "subscribe", id, requestTimeout(s.config))
	if err != nil {
		return &SubscribeError{Channels: channels, Err: err}
	}
	if frame.Error != nil {
		return &SubscribeError{Channels: channels, Err: &rpcCallError{Method: "public/subscribe", Code: frame.Error.Code, Message: frame.Error.Message}}
	}

	var accepted []string
	if err := json.Unmarshal(frame.Result, &accepted); err != nil {
		return &SubscribeError{Channels: channels, Err: fmt.Errorf("malformed subscribe response: %w", err)}
	}

	// The ack lists the channels the exchange actually registered. Anything
	// missing from it was refused; marking it subscribed would leave the
	// session silently blind to that instrument.
	acceptedSet := make(map[string]struct{}, len(accepted))
	for _, channel := range accepted {
		acceptedSet[channel] = struct{}{}
	}
	var refused []string
	for _, channel := range channels {
		if _, ok := acceptedSet[channel]; !ok {
			refused = append(refused, channel)
		}
	}
	if len(refused) > 0 {
		return &SubscribeError{Channels: refused, Err: fmt.Errorf("%d of %d channels not accepted", len(refused), len(channels))}
	}

	for _, name := range names {
		s.subscribed[name] = struct{}{}
	}

	log.WithFields(logger.Fields{"requested": len(channels), "accepted": len(accepted)}).Info("subscribed to ticker channels")
	return nil
}

// ReceiveFrame returns the next inbound frame. When the idle window elapses
// with no frame it returns ErrIdle so the caller can send a liveness ping;
// idle is a signal, not a failure.
func (s *Session) ReceiveFrame(ctx context.Context) (models.Frame, error) {
	if s.state != StateActive {
		return models.Frame{}, &InvalidStateError{Op: "receive_frame", State: s.state}
	}

	if len(s.pending) > 0 {
		frame := s.pending[0]
		s.pending = s.pending[1:]
		return frame, nil
	}

	idle := time.Duration(s.config.Deribit.IdleTimeoutMs) * time.Millisecond
	timer := time.NewTimer(idle)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return models.Frame{}, ctx.Err()
	case err := <-s.readErr:
		return models.Frame{}, &TransportError{Op: "receive_frame", Err: err}
	case <-timer.C:
		return models.Frame{}, ErrIdle
	case frame := <-s.frames:
		return frame, nil
	}
}

// Ping sends a zero-payload keepalive. No response is required for the
// caller to continue; the eventual pong surfaces as an ordinary frame.
func (s *Session) Ping(ctx context.Context) error {
	if s.state != StateActive {
		return &InvalidStateError{Op: "ping", State: s.state}
	}
	_, err := s.send("public/ping", nil)
	return err
}

// Close shuts the transport down on every exit path. It is safe to call in
// any state and always leaves the session Disconnected with an empty
// subscription set.
func (s *Session) Close() {
	if s.conn == nil {
		s.state = StateDisconnected
		return
	}
	s.state = StateClosing

	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = s.conn.Close()

	s.conn = nil
	s.subscribed = make(map[string]struct{})
	s.pending = nil
	s.state = StateDisconnected

	s.log.WithComponent("feed_session").Info("websocket connection closed")
}
