package main

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

	"golang.org/x/oauth2/clientcredentials"

	"github.com/nomis52/tenantflow/server/handlers"
	"github.com/nomis52/tenantflow/tenant"
)

// settings are the resolved connection settings of a command.
type settings struct {
	Server       string
	Tenant       string
	TenantHeader string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Timeout      time.Duration
}

// apiError is a non-2xx response from the server.
type apiError struct {
	Status  int
	Kind    string
	Message string
}

func (e *apiError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.Kind)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

type apiClient struct {
	base   *url.URL
	tenant string
	header string
	http   *http.Client
}

func newAPIClient(ctx context.Context, s settings) (*apiClient, error) {
	if s.Server == "" {
		return nil, fmt.Errorf("server address is required")
	}
	base, err := url.Parse(strings.TrimRight(s.Server, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", s.Server, err)
	}

	hc := &http.Client{Timeout: s.Timeout}
	if s.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     s.ClientID,
			ClientSecret: s.ClientSecret,
			TokenURL:     s.TokenURL,
			Scopes:       s.Scopes,
		}
		hc = cc.Client(ctx)
		hc.Timeout = s.Timeout
	}

	header := s.TenantHeader
	if header == "" {
		header = tenant.DefaultHeader
	}
	return &apiClient{base: base, tenant: s.Tenant, header: header, http: hc}, nil
}

// do sends a JSON request and decodes the response into out when out is not
// nil. Non-2xx responses are returned as *apiError.
func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body, out any) (int, error) {
	u := *c.base
	u.Path += path
	u.RawQuery = query.Encode()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.tenant != "" {
		req.Header.Set(c.header, c.tenant)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var e handlers.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return resp.StatusCode, &apiError{Status: resp.StatusCode, Kind: e.Kind, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
	}
	return resp.StatusCode, nil
}

func executionPath(id string, parts ...string) string {
	p := "/api/v1/executions/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}
