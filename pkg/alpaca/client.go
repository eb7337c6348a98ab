// Documentation: https://ascom-standards.org/api/?urls.primaryName=ASCOM+Alpaca+Device+API

package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Global transaction counter
var txCounter atomic.Int32

type baseResponse struct {
	ClientTransactionID int             `json:"ClientTransactionID"`
	ServerTransactionID int             `json:"ServerTransactionID"`
	ErrorNumber         int             `json:"ErrorNumber"`
	ErrorMessage        string          `json:"ErrorMessage"`
	Value               json.RawMessage `json:"Value,omitempty"`
}

// Client is the capability surface the core needs from a device: activate,
// deactivate and probe the Connected property. Device semantics (slewing,
// exposures, focus) live behind type-specific accessors and are out of scope
// here.
type Client interface {
	Type() DeviceType
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Connected(ctx context.Context) (bool, error)
	Description(ctx context.Context) (string, error)
}

// NewClient builds the client for a device. All four ASCOM types share the
// same lifecycle surface; the DeviceType tag keeps callers that dispatch on
// device kind exhaustive instead of comparing strings.
func NewClient(t DeviceType, host string, port, number int) Client {
	return &httpClient{
		devType: t,
		base:    fmt.Sprintf("http://%s/api/v1/%s/%d", joinHostPort(host, port), strings.ToLower(t.String()), number),
		hc:      &http.Client{Timeout: 10 * time.Second},
	}
}

func joinHostPort(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

// httpClient issues Alpaca GET/PUT requests against a single device endpoint.
type httpClient struct {
	devType DeviceType
	base    string
	hc      *http.Client
}

func (c *httpClient) Type() DeviceType { return c.devType }

func (c *httpClient) Connect(ctx context.Context) error {
	if err := c.putBool(ctx, "connected", "Connected", true); err != nil {
		return err
	}

	// The property write is accepted before the device finishes connecting
	// on some firmwares, so read it back.
	connected, err := c.Connected(ctx)
	if err != nil {
		return err
	}
	if !connected {
		return fmt.Errorf("device at %s did not report connected", c.base)
	}
	return nil
}

func (c *httpClient) Disconnect(ctx context.Context) error {
	return c.putBool(ctx, "connected", "Connected", false)
}

func (c *httpClient) Connected(ctx context.Context) (bool, error) {
	raw, err := c.get(ctx, "connected")
	if err != nil {
		return false, err
	}

	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, fmt.Errorf("invalid connected value: %v", err)
	}
	return v, nil
}

func (c *httpClient) Description(ctx context.Context) (string, error) {
	raw, err := c.get(ctx, "description")
	if err != nil {
		return "", err
	}

	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("invalid description value: %v", err)
	}
	return v, nil
}

func (c *httpClient) get(ctx context.Context, property string) (json.RawMessage, error) {
	u := fmt.Sprintf("%s/%s?ClientTransactionID=%d", c.base, property, txCounter.Add(1))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	return c.do(req)
}

// putBool writes a boolean device property. The form key is the cased
// parameter name the Alpaca spec expects (e.g. "Connected").
func (c *httpClient) putBool(ctx context.Context, property, param string, value bool) error {
	params := url.Values{}
	params.Set(param, strconv.FormatBool(value))
	params.Set("ClientTransactionID", strconv.Itoa(int(txCounter.Add(1))))

	u := c.base + "/" + property
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, strings.NewReader(params.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	_, err = c.do(req)
	return err
}

func (c *httpClient) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, req.URL.Path)
	}

	var body baseResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("invalid response body: %v", err)
	}

	if body.ErrorNumber != 0 {
		return nil, fmt.Errorf("device error %d: %s", body.ErrorNumber, body.ErrorMessage)
	}
	return body.Value, nil
}
