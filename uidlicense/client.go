package uidlicense

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout   = 10 * time.Second
	maxResponseBytes = 1 << 20 // 1 MB
)

// OnlineClient communicates with the UID license HTTP API.
type OnlineClient struct {
	serverURL    string
	sessionToken string
	httpClient   *http.Client
	timeout      time.Duration // applied after all options
	userAgent    string
}

// NewOnlineClient creates a new client for the UID license server.
// serverURL is the base URL (e.g. "https://license.example.com").
// Admin methods additionally need WithSessionToken.
func NewOnlineClient(serverURL string, opts ...ClientOption) *OnlineClient {
	c := &OnlineClient{
		serverURL: strings.TrimRight(serverURL, "/"),
		timeout:   defaultTimeout,
		userAgent: "cnw-uid-license-go/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	// Apply timeout after all options so ordering doesn't matter.
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	c.httpClient.Timeout = c.timeout
	return c
}

// Activate binds a game UID to a license key.
func (c *OnlineClient) Activate(ctx context.Context, req ActivateRequest) (*Binding, error) {
	var b Binding
	if err := c.do(ctx, http.MethodPost, "/v1/activate", req, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Deactivate removes a binding and releases its license capacity. Paused and
// banned bindings are refused with ErrBindingLocked; use DeleteBinding with an
// admin session for those.
func (c *OnlineClient) Deactivate(ctx context.Context, bindingID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/bindings/"+url.PathEscape(bindingID), nil, nil)
}

// ListBindings lists bindings by user reference and/or license key.
func (c *OnlineClient) ListBindings(ctx context.Context, filter BindingFilter) ([]Binding, error) {
	q := url.Values{}
	if filter.UserRef != "" {
		q.Set("user_ref", filter.UserRef)
	}
	if filter.LicenseKey != "" {
		q.Set("license_key", filter.LicenseKey)
	}
	path := "/v1/bindings"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var list []Binding
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Receipt fetches a signed receipt for an active binding.
func (c *OnlineClient) Receipt(ctx context.Context, bindingID string) (*ReceiptFile, error) {
	var rf ReceiptFile
	if err := c.do(ctx, http.MethodGet, "/v1/bindings/"+url.PathEscape(bindingID)+"/receipt", nil, &rf); err != nil {
		return nil, err
	}
	return &rf, nil
}

// CreateLicense issues a new license. Requires an admin session token.
func (c *OnlineClient) CreateLicense(ctx context.Context, req CreateLicenseRequest) (*License, error) {
	var lic License
	if err := c.do(ctx, http.MethodPost, "/v1/admin/licenses", req, &lic); err != nil {
		return nil, err
	}
	return &lic, nil
}

// ListLicenses lists every license. Requires an admin session token.
func (c *OnlineClient) ListLicenses(ctx context.Context) ([]License, error) {
	var list []License
	if err := c.do(ctx, http.MethodGet, "/v1/admin/licenses", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// SetLicenseStatus overwrites a license status. Requires an admin session token.
func (c *OnlineClient) SetLicenseStatus(ctx context.Context, licenseID string, status LicenseStatus) error {
	body := map[string]LicenseStatus{"status": status}
	return c.do(ctx, http.MethodPut, "/v1/admin/licenses/"+url.PathEscape(licenseID)+"/status", body, nil)
}

// DeleteLicense removes a license without live bindings. Requires an admin session token.
func (c *OnlineClient) DeleteLicense(ctx context.Context, licenseID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/admin/licenses/"+url.PathEscape(licenseID), nil, nil)
}

// SetBindingStatus overwrites a binding status. Requires an admin session token.
func (c *OnlineClient) SetBindingStatus(ctx context.Context, bindingID string, status BindingStatus) error {
	body := map[string]BindingStatus{"status": status}
	return c.do(ctx, http.MethodPut, "/v1/admin/bindings/"+url.PathEscape(bindingID)+"/status", body, nil)
}

// DeleteBinding removes any binding regardless of its status. Requires an
// admin session token.
func (c *OnlineClient) DeleteBinding(ctx context.Context, bindingID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/admin/bindings/"+url.PathEscape(bindingID), nil, nil)
}

// Dashboard returns the admin overview. Requires an admin session token.
func (c *OnlineClient) Dashboard(ctx context.Context) (*Dashboard, error) {
	var d Dashboard
	if err := c.do(ctx, http.MethodGet, "/v1/admin/stats", nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// do performs a request with an optional JSON body and decodes the
// {data: ...} envelope into dest. On non-2xx responses, it parses the server
// error format and returns a mapped error.
func (c *OnlineClient) do(ctx context.Context, method, path string, body, dest interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.sessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.sessionToken)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return c.parseError(resp.StatusCode, respBody)
	}
	if dest == nil {
		return nil
	}

	wrapper := struct {
		Data interface{} `json:"data"`
	}{Data: dest}
	if err := json.Unmarshal(respBody, &wrapper); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// parseError parses the server error response format:
// {"error": {"code": "...", "message": "..."}}
func (c *OnlineClient) parseError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return &ServerError{
			StatusCode: statusCode,
			Code:       "UNKNOWN",
			Message:    string(body),
		}
	}
	se := &ServerError{
		StatusCode: statusCode,
		Code:       errResp.Error.Code,
		Message:    errResp.Error.Message,
	}
	return mapServerError(se)
}
