// Package venue wraps the trading venue's REST API: market discovery, order
// books, order submission/status, settlement outcomes, balances and
// redemption. All calls are rate limited and carry bounded timeouts.
package venue

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/snipe/internal/domain"
	"github.com/betbot/snipe/pkg/ratelimit"
)

var log = logrus.WithField("component", "venue")

// API is the venue surface the engine depends on. The concrete Client talks
// HTTP; tests substitute fakes.
type API interface {
	DiscoverMarkets(ctx context.Context, instrument, timeframe string) ([]Market, error)
	GetOrderBook(ctx context.Context, marketID string) (*Book, error)
	SubmitOrder(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetMarketOutcome(ctx context.Context, marketID string) (*OutcomeResponse, error)
	GetBalance(ctx context.Context) (*Balance, error)
	Redeem(ctx context.Context, marketID string) (*RedeemResult, error)
}

// ClientConfig configures the REST client.
type ClientConfig struct {
	BaseURL        string
	WalletAddress  string
	RequestTimeout time.Duration
	RateBurst      int
	RatePerSecond  int
}

// Client is the resty-backed implementation of API.
type Client struct {
	http    *resty.Client
	wallet  common.Address
	limiter ratelimit.Limiter
}

// NewClient builds a venue client. The wallet address must be a valid
// checksummable hex address; balance and redemption calls are scoped to it.
func NewClient(cfg ClientConfig) (*Client, error) {
	if !common.IsHexAddress(cfg.WalletAddress) {
		return nil, fmt.Errorf("invalid wallet address %q", cfg.WalletAddress)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 15
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(cfg.RequestTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		SetRetryAfter(func(c *resty.Client, resp *resty.Response) (time.Duration, error) {
			// Honor Retry-After on 429 rate limiting.
			if resp.StatusCode() == http.StatusTooManyRequests {
				if ra := resp.Header().Get("Retry-After"); ra != "" {
					if d, err := time.ParseDuration(ra + "s"); err == nil {
						return d, nil
					}
				}
				return 10 * time.Second, nil
			}
			return 0, nil
		})

	return &Client{
		http:    client,
		wallet:  common.HexToAddress(cfg.WalletAddress),
		limiter: ratelimit.NewTokenBucket(cfg.RateBurst, cfg.RatePerSecond),
	}, nil
}

// Wallet returns the configured wallet address.
func (c *Client) Wallet() common.Address {
	return c.wallet
}

func (c *Client) get(ctx context.Context, path string, params map[string]string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(out).
		Get(path)
	if err != nil {
		return errors.Wrapf(err, "GET %s", path)
	}
	if resp.IsError() {
		return errors.Errorf("GET %s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(out).
		Post(path)
	if err != nil {
		return errors.Wrapf(err, "POST %s", path)
	}
	if resp.IsError() {
		return errors.Errorf("POST %s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	return nil
}

// DiscoverMarkets lists the currently listed windows for one instrument and
// timeframe, soonest close first.
func (c *Client) DiscoverMarkets(ctx context.Context, instrument, timeframe string) ([]Market, error) {
	var out struct {
		Markets []Market `json:"markets"`
	}
	err := c.get(ctx, "/markets", map[string]string{
		"instrument": instrument,
		"timeframe":  timeframe,
		"active":     "true",
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Markets, nil
}

// GetOrderBook fetches a top-of-book snapshot for one market.
func (c *Client) GetOrderBook(ctx context.Context, marketID string) (*Book, error) {
	var out struct {
		UpBid   Quote `json:"upBid"`
		UpAsk   Quote `json:"upAsk"`
		DownBid Quote `json:"downBid"`
		DownAsk Quote `json:"downAsk"`
	}
	if err := c.get(ctx, "/markets/"+marketID+"/book", nil, &out); err != nil {
		return nil, err
	}
	return &Book{
		MarketID:  marketID,
		UpBid:     out.UpBid,
		UpAsk:     out.UpAsk,
		DownBid:   out.DownBid,
		DownAsk:   out.DownAsk,
		FetchedAt: time.Now(),
	}, nil
}

// SubmitOrder submits an order. A nil error with Accepted=true means the
// venue acknowledged the submission, nothing more.
func (c *Client) SubmitOrder(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if !req.Side.Valid() {
		return nil, errors.Errorf("invalid side %q", req.Side)
	}
	var out SubmitResult
	if err := c.post(ctx, "/orders", req, &out); err != nil {
		return nil, err
	}
	log.Debugf("submit %s %s x%.0f @ %.2f -> accepted=%v status=%s",
		req.MarketID, req.Side, req.Size, req.Price, out.Accepted, out.Status)
	return &out, nil
}

// GetOrderStatus queries the venue for an order's current state. This is the
// only call that proves execution.
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	var out OrderStatus
	if err := c.get(ctx, "/orders/"+orderID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelOrder cancels a resting order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.http.R().SetContext(ctx).Delete("/orders/" + orderID)
	if err != nil {
		return errors.Wrapf(err, "DELETE /orders/%s", orderID)
	}
	if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
		return errors.Errorf("cancel %s: status %d", orderID, resp.StatusCode())
	}
	return nil
}

// GetMarketOutcome polls the settlement oracle for one market.
func (c *Client) GetMarketOutcome(ctx context.Context, marketID string) (*OutcomeResponse, error) {
	var out OutcomeResponse
	if err := c.get(ctx, "/markets/"+marketID+"/outcome", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBalance fetches the authoritative wallet balance.
func (c *Client) GetBalance(ctx context.Context) (*Balance, error) {
	var out Balance
	if err := c.get(ctx, "/wallets/"+c.wallet.Hex()+"/balance", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Redeem converts winning claims for a settled market into spendable balance.
func (c *Client) Redeem(ctx context.Context, marketID string) (*RedeemResult, error) {
	var out RedeemResult
	body := map[string]string{
		"marketId": marketID,
		"wallet":   c.wallet.Hex(),
	}
	if err := c.post(ctx, "/redeem", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WinnerFromOutcome maps an oracle response to a domain outcome.
func WinnerFromOutcome(resp *OutcomeResponse) domain.Outcome {
	o := domain.Outcome{MarketID: resp.MarketID, Resolved: resp.Resolved}
	if resp.Resolved {
		o.Winner = domain.Side(strings.ToLower(resp.WinningSide))
	}
	return o
}
