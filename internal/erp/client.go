package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"erpsync/internal/config"
	"erpsync/internal/logging"
	"erpsync/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

type DocumentKind string

const (
	DocCustomer DocumentKind = "customer"
	DocOrder    DocumentKind = "sales_order"
	DocInvoice  DocumentKind = "invoice"
	DocPayment  DocumentKind = "payment"
)

// Result is a created ERP document. Raw keeps the upstream body for the sync log.
type Result struct {
	ID  string
	Raw string
}

// Client talks to the ERP's JSON API.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zerolog.Logger
	tokens  oauth2.TokenSource
}

func NewClient(cfg config.ERPConfig, logger *zerolog.Logger) *Client {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if cfg.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.RateLimitRPS)
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logging.Component(logger, "erp"),
	}

	if cfg.TokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, c.http)
		c.tokens = oauth2.ReuseTokenSource(nil, cc.TokenSource(ctx))
	}
	return c
}

// Authenticate returns a bearer token, reusing the cached one until it expires.
// Without a token URL the ERP is assumed to be unauthenticated and "" is returned.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	tok, err := c.tokens.Token()
	if err != nil {
		return "", fmt.Errorf("erp authenticate: %w", err)
	}
	return tok.AccessToken, nil
}

// FindCustomer looks up a customer by email. It returns "" when the ERP has none.
func (c *Client) FindCustomer(ctx context.Context, token, email string) (string, error) {
	var resp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	q := url.Values{"email": {email}}
	if _, err := c.do(ctx, http.MethodGet, "/customers?"+q.Encode(), token, nil, &resp); err != nil {
		return "", err
	}
	if len(resp.Data) == 0 {
		return "", nil
	}
	return resp.Data[0].ID, nil
}

// PostDocument creates a document of the given kind.
func (c *Client) PostDocument(ctx context.Context, kind DocumentKind, payload any, token string) (*Result, error) {
	var resp struct {
		ID string `json:"id"`
	}
	raw, err := c.do(ctx, http.MethodPost, "/documents/"+string(kind), token, payload, &resp)
	if err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, &malformedError{body: raw, err: fmt.Errorf("%s response has no id", kind)}
	}
	c.logger.Debug().Str("kind", string(kind)).Str("id", resp.ID).Msg("document created")
	return &Result{ID: resp.ID, Raw: raw}, nil
}

func (c *Client) FetchProducts(ctx context.Context, token string) ([]models.Product, error) {
	var resp struct {
		Data []models.Product `json:"data"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/products", token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// FetchStock returns stock levels, limited to skus when non-empty.
func (c *Client) FetchStock(ctx context.Context, token string, skus []string) ([]models.StockLevel, error) {
	path := "/stock"
	if len(skus) > 0 {
		path += "?" + url.Values{"sku": skus}.Encode()
	}
	var resp struct {
		Data []models.StockLevel `json:"data"`
	}
	if _, err := c.do(ctx, http.MethodGet, path, token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return "", fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("erp %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read erp response: %w", err)
	}
	raw := string(data)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return raw, &APIError{StatusCode: resp.StatusCode, Body: raw}
	}
	if out != nil {
		if err := decodeLenient(data, out); err != nil {
			c.logger.Warn().Err(err).Str("path", path).Msg("undecodable erp response")
			return raw, &malformedError{body: raw, err: err}
		}
	}
	return raw, nil
}

// decodeLenient decodes the first JSON value in data. The ERP streams responses and
// sometimes wraps them in stray bytes (BOM, debug output, trailing garbage).
func decodeLenient(data []byte, out any) error {
	start := bytes.IndexAny(data, "{[")
	if start < 0 {
		return errors.New("no json value in body")
	}
	return json.NewDecoder(bytes.NewReader(data[start:])).Decode(out)
}
