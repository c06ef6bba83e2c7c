package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// StreamConfig parameterizes the shared WebSocket book-stream plumbing every
// adapter reuses: each exchange only supplies its URL, message shapes, and a
// Parse function turning one raw frame into zero or more book updates.
type StreamConfig struct {
	Exchange         string
	URL              string
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	BuildSubscribe   func(nativeSymbols []string) any
	BuildUnsubscribe func(nativeSymbols []string) any
	Parse            func(data []byte) ([]BookUpdate, error)
}

// Stream is a shared BookStreamHandle implementation: one physical
// connection, a read loop decoding frames via cfg.Parse, a ping loop for
// liveness, and Add/Remove sending exchange-specific (un)subscribe frames.
type Stream struct {
	cfg  StreamConfig
	conn *websocket.Conn

	updates chan BookUpdate
	closeCh chan struct{}
	once    sync.Once

	writeMu sync.Mutex
}

// OpenStream dials cfg.URL, subscribes to the initial symbol set, and starts
// the read/ping loops. The returned Stream satisfies BookStreamHandle.
func OpenStream(ctx context.Context, cfg StreamConfig, initialSymbols []string) (*Stream, error) {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("exchange: invalid stream url %q: %w", cfg.URL, err)
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = cfg.HandshakeTimeout

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("exchange: %s: dial stream: %w", cfg.Exchange, err)
	}

	s := &Stream{
		cfg:     cfg,
		conn:    conn,
		updates: make(chan BookUpdate, 256),
		closeCh: make(chan struct{}),
	}

	if len(initialSymbols) > 0 {
		if err := s.send(cfg.BuildSubscribe(initialSymbols)); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("exchange: %s: initial subscribe: %w", cfg.Exchange, err)
		}
	}

	go s.readLoop()
	go s.pingLoop()
	return s, nil
}

func (s *Stream) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Stream) readLoop() {
	defer close(s.updates)
	for {
		select {
		case <-s.closeCh:
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closeCh:
			default:
				log.Warn().Str("exchange", s.cfg.Exchange).Err(err).Msg("exchange: stream read error, ending stream")
			}
			return
		}

		parsed, err := s.cfg.Parse(data)
		if err != nil {
			log.Debug().Str("exchange", s.cfg.Exchange).Err(err).Msg("exchange: dropping unparseable frame")
			continue
		}
		for _, u := range parsed {
			select {
			case s.updates <- u:
			case <-s.closeCh:
				return
			}
		}
	}
}

func (s *Stream) pingLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				log.Warn().Str("exchange", s.cfg.Exchange).Err(err).Msg("exchange: ping failed, ending stream")
				_ = s.Close()
				return
			}
		}
	}
}

func (s *Stream) Updates() <-chan BookUpdate { return s.updates }

func (s *Stream) Add(nativeSymbol string) error {
	return s.send(s.cfg.BuildSubscribe([]string{nativeSymbol}))
}

func (s *Stream) Remove(nativeSymbol string) error {
	return s.send(s.cfg.BuildUnsubscribe([]string{nativeSymbol}))
}

func (s *Stream) Close() error {
	s.once.Do(func() { close(s.closeCh) })
	return s.conn.Close()
}
