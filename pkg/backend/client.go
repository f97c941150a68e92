package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ItsMeShrewt/posagent/pkg/config"
	pkgerrors "github.com/ItsMeShrewt/posagent/pkg/errors"
	"github.com/ItsMeShrewt/posagent/pkg/logger"
	"github.com/sethvargo/go-retry"
)

// Client talks to the POS backend. Bulk reads retry on transient failures;
// mutating calls are issued exactly once and their errors surfaced as coded
// errors for the submission flow to interpret.
type Client struct {
	baseURL      string
	http         *http.Client
	logg         *logger.Logger
	readRetries  uint64
	retryBackoff time.Duration
}

func NewClient(cfg config.BackendConfig, logg *logger.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("backend base url is required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:      base,
		http:         &http.Client{Timeout: timeout},
		logg:         logg,
		readRetries:  cfg.ReadRetries,
		retryBackoff: cfg.RetryBackoff,
	}, nil
}

// Products fetches the full product list.
func (c *Client) Products(ctx context.Context) ([]Product, error) {
	var out []Product
	if err := c.getList(ctx, "/products", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Inventories fetches every inventory record; callers sum them per product.
func (c *Client) Inventories(ctx context.Context) ([]InventoryRecord, error) {
	var out []InventoryRecord
	if err := c.getList(ctx, "/inventories", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Categories fetches the category list.
func (c *Client) Categories(ctx context.Context) ([]Category, error) {
	var out []Category
	if err := c.getList(ctx, "/categories", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateOrder submits a draft order. A 409 maps to CodeStationConflict with
// the conflicting station in the details; a 422 maps to CodeStaleStock.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResponse, error) {
	var out CreateOrderResponse
	if err := c.send(ctx, http.MethodPost, "/orders", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClaimStation reserves the station for the session. A 409 means another
// session holds it.
func (c *Client) ClaimStation(ctx context.Context, stationID, sessionID string) error {
	return c.send(ctx, http.MethodPost, "/pc-session/claim", claimRequest{PCNumber: stationID, SessionID: sessionID}, nil)
}

// ReleaseStation frees the station claim.
func (c *Client) ReleaseStation(ctx context.Context, stationID, sessionID string) error {
	return c.send(ctx, http.MethodPost, "/pc-session/release", claimRequest{PCNumber: stationID, SessionID: sessionID}, nil)
}

// BeaconRelease fires a release without waiting for the response body, for
// shutdown paths where the agent cannot block. Errors are logged, not returned.
func (c *Client) BeaconRelease(stationID, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.ReleaseStation(ctx, stationID, sessionID); err != nil {
		c.logg.Warn(c.logg.WithStationID(ctx, stationID), "beacon release failed: "+err.Error())
	}
}

// OrdersBySession lists the backend's orders for one tab session.
func (c *Client) OrdersBySession(ctx context.Context, sessionID string) ([]PendingOrder, error) {
	var out []PendingOrder
	if err := c.getList(ctx, "/orders/by-session/"+sessionID, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// OrdersByStation lists the backend's orders for one station.
func (c *Client) OrdersByStation(ctx context.Context, stationID string) ([]PendingOrder, error) {
	var out []PendingOrder
	if err := c.getList(ctx, "/orders/by-pc/"+stationID, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ConfirmOrder marks the order completed. Admin-mode agents only.
func (c *Client) ConfirmOrder(ctx context.Context, orderID int64) error {
	return c.send(ctx, http.MethodPost, fmt.Sprintf("/orders/%d/confirm", orderID), nil, nil)
}

// CancelOrder cancels a pending order. Admin-mode agents only.
func (c *Client) CancelOrder(ctx context.Context, orderID int64) error {
	return c.send(ctx, http.MethodPatch, fmt.Sprintf("/orders/%d/cancel", orderID), nil, nil)
}

// getList performs a retried GET and decodes either a bare array or a
// {"data": [...]} envelope into out.
func (c *Client) getList(ctx context.Context, path string, out any) error {
	backoff := retry.WithMaxRetries(c.readRetries, retry.NewConstant(c.backoffInterval()))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		body, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			if pkgerrors.Retryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		if err := decodeList(body, out); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode "+path)
		}
		return nil
	})
}

func (c *Client) backoffInterval() time.Duration {
	if c.retryBackoff <= 0 {
		return 250 * time.Millisecond
	}
	return c.retryBackoff
}

func (c *Client) send(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode "+path)
		}
		body = bytes.NewReader(raw)
	}
	raw, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(extractJSONObject(raw), out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode "+path)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, method+" "+path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read response")
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return raw, nil
	}
	return nil, c.errorFromResponse(resp.StatusCode, raw, path)
}

// errorFromResponse turns a non-2xx response into a coded error. The backend
// occasionally wraps its JSON in non-JSON noise, so the body is searched for
// an embedded object before falling back to the raw text.
func (c *Client) errorFromResponse(status int, raw []byte, path string) error {
	var parsed errorBody
	_ = json.Unmarshal(extractJSONObject(raw), &parsed)

	message := parsed.Message
	if message == "" {
		message = parsed.Error
	}
	if message == "" {
		message = strings.TrimSpace(string(raw))
	}
	if message == "" {
		message = http.StatusText(status)
	}

	switch {
	case status == http.StatusConflict:
		err := pkgerrors.New(pkgerrors.CodeStationConflict, message)
		if parsed.ActivePC != "" {
			err = err.WithDetails(map[string]any{"active_pc": parsed.ActivePC})
		}
		return err
	case status == http.StatusUnprocessableEntity:
		return pkgerrors.New(pkgerrors.CodeStaleStock, message)
	case status == http.StatusNotFound:
		return pkgerrors.New(pkgerrors.CodeNotFound, message)
	case status >= 500:
		return pkgerrors.New(pkgerrors.CodeDependency, message)
	default:
		return pkgerrors.New(pkgerrors.CodeValidation, message)
	}
}

// decodeList accepts either a bare JSON array or a {"data": [...]} envelope.
func decodeList(raw []byte, out any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return json.Unmarshal(trimmed, out)
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(extractJSONObject(trimmed), &envelope); err != nil {
		return err
	}
	if len(envelope.Data) == 0 {
		return fmt.Errorf("response has neither an array body nor a data field")
	}
	return json.Unmarshal(envelope.Data, out)
}

// extractJSONObject locates the first balanced JSON object inside a possibly
// noisy body. Returns the input unchanged when no object is found.
func extractJSONObject(raw []byte) []byte {
	start := bytes.IndexByte(raw, '{')
	if start < 0 {
		return raw
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1]
			}
		}
	}
	return raw
}
