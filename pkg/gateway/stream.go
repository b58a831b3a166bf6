package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/calspread/pkg/models"
	"github.com/sirupsen/logrus"
)

// Stream is the push half of the bridge. It dials lazily on the first
// Subscribe and again after a disconnect.
type Stream struct {
	url       string
	apiKey    string
	apiSecret string

	mu     sync.Mutex
	conn   *websocket.Conn
	codes  map[string]bool
	quotes chan models.Quote
	events chan models.OrderEvent
	done   chan struct{}
	closed bool

	logger *logrus.Logger
}

func NewStream(url, apiKey, apiSecret string, buffer int, logger *logrus.Logger) *Stream {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Stream{
		url:       url,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		codes:     make(map[string]bool),
		quotes:    make(chan models.Quote, buffer),
		events:    make(chan models.OrderEvent, buffer),
		done:      make(chan struct{}),
		logger:    logger,
	}
}

func (s *Stream) Quotes() <-chan models.Quote { return s.quotes }

func (s *Stream) OrderEvents() <-chan models.OrderEvent { return s.events }

// Subscribe requests bid/ask delivery for codes, connecting first if needed.
func (s *Stream) Subscribe(ctx context.Context, codes ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("stream closed")
	}
	if s.conn == nil {
		if err := s.connect(ctx); err != nil {
			return err
		}
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sub := subscribeFrame{
		Type:    "subscribe",
		Channel: "bidask",
		Codes:   codes,
		Key:     s.apiKey,
		Time:    timestamp,
	}
	if s.apiSecret != "" {
		sub.Signature = Sign(s.apiSecret, timestamp+"SUBSCRIBE"+strings.Join(codes, ","))
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.dropLocked(s.conn)
		return fmt.Errorf("write subscribe: %w", err)
	}

	for _, c := range codes {
		s.codes[c] = true
	}
	return nil
}

// connect is called with mu held.
func (s *Stream) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}
	s.conn = conn

	go s.readLoop(conn)
	go s.keepAlive(conn)

	s.logger.WithField("url", s.url).Info("Stream connected")
	return nil
}

func (s *Stream) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.WithError(err).Error("Failed to read stream message")
			}
			s.drop(conn)
			return
		}
		if err := s.dispatch(data); err != nil {
			s.logger.WithError(err).Warn("Dropping malformed stream frame")
		}
	}
}

func (s *Stream) dispatch(data []byte) error {
	var env streamEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	switch env.Type {
	case "bidask":
		var f bidAskFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		select {
		case s.quotes <- toQuote(f):
		case <-s.done:
		}
	case "order":
		var f orderFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		select {
		case s.events <- toOrderEvent(f):
		case <-s.done:
		}
	case "subscribed", "pong":
	default:
		s.logger.WithField("type", env.Type).Debug("Ignoring stream frame")
	}
	return nil
}

func (s *Stream) keepAlive(conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			current := s.conn == conn
			s.mu.Unlock()
			if !current {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				s.logger.WithError(err).Error("Failed to send ping")
				s.drop(conn)
				return
			}
		}
	}
}

func (s *Stream) drop(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(conn)
}

func (s *Stream) dropLocked(conn *websocket.Conn) {
	if s.conn != conn {
		return
	}
	conn.Close()
	s.conn = nil
}

// Connected reports whether the stream holds a live connection.
func (s *Stream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Subscriptions lists every code subscribed so far.
func (s *Stream) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.codes))
	for c := range s.codes {
		out = append(out, c)
	}
	return out
}

// Close stops the stream for good.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}
