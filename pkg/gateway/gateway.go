package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/gregtusar/calspread/pkg/broker"
	"github.com/sirupsen/logrus"
)

var _ broker.Broker = (*Gateway)(nil)

// ErrStreamDisconnected is returned by Ping when quotes were subscribed but
// the stream has lost its connection.
var ErrStreamDisconnected = errors.New("gateway: stream disconnected")

// Gateway joins the REST client and the stream into one broker.Broker.
type Gateway struct {
	*Client
	*Stream
}

func New(cfg Config, logger *logrus.Logger) (*Gateway, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway base_url is required")
	}
	if cfg.StreamURL == "" {
		return nil, fmt.Errorf("gateway stream_url is required")
	}

	auth, err := NewAuthenticator(cfg.AuthType, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, err
	}

	secret := cfg.APISecret
	if cfg.AuthType == AuthTypeJWT {
		secret = ""
	}

	return &Gateway{
		Client: NewClient(cfg, auth, logger),
		Stream: NewStream(cfg.StreamURL, cfg.APIKey, secret, cfg.StreamBuffer, logger),
	}, nil
}

// Ping checks both halves. A stream that dropped after subscribing fails the
// heartbeat so the supervisor re-dials it through Subscribe.
func (g *Gateway) Ping(ctx context.Context) error {
	if err := g.Client.Ping(ctx); err != nil {
		return err
	}
	if len(g.Stream.Subscriptions()) > 0 && !g.Stream.Connected() {
		return ErrStreamDisconnected
	}
	return nil
}
