package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/splax/filify/internal/domain"
	"github.com/splax/filify/pkg/jwt"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 50 * time.Second
)

// Frame types exchanged with the browser.
const (
	frameHello           = "hello"
	frameChain           = "chain"
	frameVisibility      = "visibility"
	frameResult          = "result"
	frameSendTransaction = "send_transaction"
	frameNotice          = "notice"
)

type inbound struct {
	Type    string      `json:"type"`
	ChainID uint64      `json:"chain_id,omitempty"`
	Address string      `json:"address,omitempty"`
	Visible *bool       `json:"visible,omitempty"`
	ID      string      `json:"id,omitempty"`
	TxHash  string      `json:"tx_hash,omitempty"`
	Error   *frameError `json:"error,omitempty"`
}

type outbound struct {
	Type    string         `json:"type"`
	ID      string         `json:"id,omitempty"`
	To      string         `json:"to,omitempty"`
	Data    string         `json:"data,omitempty"`
	ChainID uint64         `json:"chain_id,omitempty"`
	Notice  *domain.Notice `json:"notice,omitempty"`
}

type result struct {
	txHash string
	err    error
}

type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	subject string
	closed  chan struct{}
	once    sync.Once

	// guarded by Bridge.mu
	ready   bool
	chainID uint64
	address string
	visible bool
	pending map[string]chan result
}

func (s *session) write(frame outbound) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(frame)
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// Bridge is the signer backed by a browser wallet connected over a websocket.
// Only the most recent session is active and only one signing request is
// outstanding at a time.
type Bridge struct {
	secret   string
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	session  *session
	onChange func()

	signing chan struct{}
}

// NewBridge constructs a Bridge that accepts sessions carrying a wallet-scoped
// token signed with secret.
func NewBridge(secret string, allowedOrigins []string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			origins[trimmed] = struct{}{}
		}
	}
	return &Bridge{
		secret: secret,
		logger: logger.With("component", "wallet"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || len(origins) == 0 {
					return true
				}
				_, ok := origins[origin]
				return ok
			},
		},
		signing: make(chan struct{}, 1),
	}
}

// OnChange registers a callback fired when the session becomes ready or
// changes chain or visibility.
func (b *Bridge) OnChange(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Connected reports whether a browser session has introduced itself.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session != nil && b.session.ready
}

// Foreground reports whether the connected page is visible to the user.
func (b *Bridge) Foreground() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session != nil && b.session.ready && b.session.visible
}

// Address returns the account the session reported.
func (b *Bridge) Address() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return ""
	}
	return b.session.address
}

// ActiveChainID returns the chain the wallet is connected to.
func (b *Bridge) ActiveChainID(ctx context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil || !b.session.ready {
		return 0, ErrNoSession
	}
	if b.session.chainID == 0 {
		return 0, ErrChainUnknown
	}
	return b.session.chainID, nil
}

// SendTransaction asks the wallet to sign and broadcast payload and waits for
// the transaction hash.
func (b *Bridge) SendTransaction(ctx context.Context, payload domain.UpdatePayload) (string, error) {
	select {
	case b.signing <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-b.signing }()

	b.mu.Lock()
	s := b.session
	if s == nil || !s.ready {
		b.mu.Unlock()
		return "", ErrNoSession
	}
	id := uuid.NewString()
	ch := make(chan result, 1)
	s.pending[id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(s.pending, id)
		b.mu.Unlock()
	}()

	frame := outbound{Type: frameSendTransaction, ID: id, To: payload.TargetContract, Data: payload.CallData, ChainID: payload.ChainID}
	if err := s.write(frame); err != nil {
		return "", fmt.Errorf("send signing request: %w", err)
	}
	b.logger.Info("signing request sent", "request_id", id, "chain_id", payload.ChainID)

	select {
	case res := <-ch:
		return res.txHash, res.err
	case <-s.closed:
		return "", ErrSessionClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Notify forwards a notice to the connected page. Without a session the
// notice is dropped.
func (b *Bridge) Notify(notice domain.Notice) {
	b.mu.Lock()
	s := b.session
	b.mu.Unlock()
	if s == nil {
		return
	}
	if err := s.write(outbound{Type: frameNotice, Notice: &notice}); err != nil {
		b.logger.Warn("notice delivery failed", "deployment_id", notice.DeploymentID, "error", err)
	}
}

// ServeHTTP upgrades an authenticated request into the active wallet session.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	}
	claims, err := jwt.ParseScoped(token, b.secret, jwt.ScopeWallet)
	if err != nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	s := &session{
		conn:    conn,
		subject: claims.Subject,
		closed:  make(chan struct{}),
		pending: make(map[string]chan result),
	}

	b.mu.Lock()
	previous := b.session
	b.session = s
	b.mu.Unlock()
	if previous != nil {
		b.logger.Info("wallet session replaced", "subject", previous.subject)
		previous.close()
	}
	b.logger.Info("wallet session opened", "subject", s.subject)

	go b.pingLoop(s)
	b.readLoop(s)
}

func (b *Bridge) readLoop(s *session) {
	defer func() {
		s.close()
		b.mu.Lock()
		if b.session == s {
			b.session = nil
		}
		b.mu.Unlock()
		b.logger.Info("wallet session closed", "subject", s.subject)
	}()

	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Warn("wallet session read failed", "error", err)
			}
			return
		}
		var frame inbound
		if err := json.Unmarshal(data, &frame); err != nil {
			b.logger.Warn("malformed wallet frame", "error", err)
			continue
		}
		b.handle(s, frame)
	}
}

func (b *Bridge) handle(s *session, frame inbound) {
	b.mu.Lock()
	changed := false
	switch frame.Type {
	case frameHello:
		changed = !s.ready || s.chainID != frame.ChainID
		s.ready = true
		s.chainID = frame.ChainID
		s.address = frame.Address
		s.visible = frame.Visible == nil || *frame.Visible
	case frameChain:
		changed = s.chainID != frame.ChainID
		s.chainID = frame.ChainID
	case frameVisibility:
		if frame.Visible != nil {
			changed = !s.visible && *frame.Visible
			s.visible = *frame.Visible
		}
	case frameResult:
		ch, ok := s.pending[frame.ID]
		if ok {
			res := result{txHash: strings.TrimSpace(frame.TxHash)}
			if frame.Error != nil {
				res = result{err: frame.Error.toError()}
			} else if res.txHash == "" {
				res.err = errors.New("wallet returned an empty transaction hash")
			}
			select {
			case ch <- res:
			default:
			}
		} else {
			b.logger.Warn("result for unknown request", "request_id", frame.ID)
		}
	default:
		b.logger.Warn("unknown wallet frame", "type", frame.Type)
	}
	onChange := b.onChange
	visible := s.visible
	b.mu.Unlock()

	if changed && onChange != nil && visible {
		onChange()
	}
}

func (b *Bridge) pingLoop(s *session) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			s.writeMu.Unlock()
			if err != nil {
				s.close()
				return
			}
		}
	}
}
