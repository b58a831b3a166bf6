// Package gateway talks to the broker bridge: a REST API for session, account
// and order calls plus a WebSocket stream for quotes and order events. Wire
// payloads are translated into pkg/models on receipt.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gregtusar/calspread/pkg/broker"
	"github.com/gregtusar/calspread/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrUnauthorized is returned when the bridge rejects the credentials or the
// session has expired.
var ErrUnauthorized = errors.New("gateway: unauthorized")

// APIError is a non-2xx answer from the bridge.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway: status %d: %s", e.StatusCode, e.Message)
}

type Config struct {
	BaseURL   string   `mapstructure:"base_url"`
	StreamURL string   `mapstructure:"stream_url"`
	AuthType  AuthType `mapstructure:"auth_type"`
	APIKey    string   `mapstructure:"api_key"`
	APISecret string   `mapstructure:"api_secret"`

	PersonID     string `mapstructure:"person_id"`
	Password     string `mapstructure:"password"`
	CertPath     string `mapstructure:"cert_path"`
	CertPassword string `mapstructure:"cert_password"`
	Simulation   bool   `mapstructure:"simulation"`

	// Account is queried by Ping.
	Account           string        `mapstructure:"account"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	Timeout           time.Duration `mapstructure:"timeout"`
	StreamBuffer      int           `mapstructure:"stream_buffer"`
}

// Client is the REST half of the bridge.
type Client struct {
	cfg        Config
	auth       Authenticator
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger
	now        func() time.Time
}

func NewClient(cfg Config, auth Authenticator, logger *logrus.Logger) *Client {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		cfg:        cfg,
		auth:       auth,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		logger:     logger,
		now:        time.Now,
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.auth != nil {
		if err := c.auth.AddAuthHeaders(req, method, path, string(body)); err != nil {
			return err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	case resp.StatusCode >= 300:
		var e errorPayload
		_ = json.Unmarshal(data, &e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return nil
}

// Session

func (c *Client) Login(ctx context.Context) error {
	in := map[string]any{
		"person_id":  c.cfg.PersonID,
		"password":   c.cfg.Password,
		"simulation": c.cfg.Simulation,
	}
	if err := c.doRequest(ctx, http.MethodPost, "/v1/session/login", in, nil); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	c.logger.WithField("simulation", c.cfg.Simulation).Info("Logged in to gateway")
	return nil
}

func (c *Client) ActivateCertificate(ctx context.Context) error {
	in := map[string]any{
		"ca_path":   c.cfg.CertPath,
		"ca_passwd": c.cfg.CertPassword,
		"person_id": c.cfg.PersonID,
	}
	if err := c.doRequest(ctx, http.MethodPost, "/v1/session/ca", in, nil); err != nil {
		return fmt.Errorf("activate certificate: %w", err)
	}
	return nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodPost, "/v1/session/logout", nil, nil)
}

// Ping queries margin, the cheapest authenticated call.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Margin(ctx, c.cfg.Account)
	return err
}

// AccountGateway

func (c *Client) ListPositions(ctx context.Context, account string) ([]models.Position, error) {
	var out []positionPayload
	if err := c.doRequest(ctx, http.MethodGet, accountPath(account, "positions"), nil, &out); err != nil {
		return nil, err
	}
	positions := make([]models.Position, 0, len(out))
	for _, p := range out {
		positions = append(positions, toPosition(p))
	}
	return positions, nil
}

func (c *Client) ListOrders(ctx context.Context, account string) ([]models.WorkingOrder, error) {
	var out []orderPayload
	if err := c.doRequest(ctx, http.MethodGet, accountPath(account, "orders"), nil, &out); err != nil {
		return nil, err
	}
	orders := make([]models.WorkingOrder, 0, len(out))
	for _, o := range out {
		orders = append(orders, toWorkingOrder(o))
	}
	return orders, nil
}

func (c *Client) Margin(ctx context.Context, account string) (models.MarginSnapshot, error) {
	var out marginPayload
	if err := c.doRequest(ctx, http.MethodGet, accountPath(account, "margin"), nil, &out); err != nil {
		return models.MarginSnapshot{}, err
	}
	return toMargin(out, c.now()), nil
}

// OrderGateway

func (c *Client) Submit(ctx context.Context, req models.OrderRequest) (models.OrderAck, error) {
	tif := req.TimeInForce
	if tif == "" {
		tif = models.TimeInForceROD
	}
	in := placeOrderPayload{
		Account:   c.cfg.Account,
		Code:      req.Contract,
		Action:    fromSide(req.Side),
		Price:     req.Price,
		Quantity:  req.Quantity,
		PriceType: "LMT",
		OrderType: string(tif),
		OCType:    "Auto",
	}
	var out orderAckPayload
	if err := c.doRequest(ctx, http.MethodPost, "/v1/orders", in, &out); err != nil {
		return models.OrderAck{}, fmt.Errorf("submit %s: %w", req.Contract, err)
	}
	return models.OrderAck{
		OrderID: out.ID,
		Status:  broker.StatusFromGateway(out.Status),
		Message: out.Message,
	}, nil
}

func (c *Client) Cancel(ctx context.Context, orderID string) error {
	return c.doRequest(ctx, http.MethodDelete, "/v1/orders/"+url.PathEscape(orderID), nil, nil)
}

func (c *Client) Amend(ctx context.Context, orderID string, change models.Amendment) error {
	in := amendPayload{Price: change.Price, Quantity: change.Quantity}
	return c.doRequest(ctx, http.MethodPatch, "/v1/orders/"+url.PathEscape(orderID), in, nil)
}

// ContractDirectory

func (c *Client) Resolve(ctx context.Context, instrument, monthCode string) (models.ContractID, error) {
	path := "/v1/contracts/futures/" + url.PathEscape(instrument) + "/" + url.PathEscape(monthCode)
	var out contractPayload
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &out); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return models.ContractID{}, fmt.Errorf("%s%s: %w", instrument, monthCode, broker.ErrContractNotFound)
		}
		return models.ContractID{}, err
	}
	return models.ContractID{
		Instrument: instrument,
		MonthCode:  monthCode,
		Code:       out.Code,
	}, nil
}

func accountPath(account, resource string) string {
	return "/v1/accounts/" + url.PathEscape(account) + "/" + resource
}
