// Package fhirclient issues live FHIR REST queries against the server named
// in a CDS Hooks request.
package fhirclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/ehr/cdshooks/internal/platform/fhir"
)

// Options controls a single Request.
type Options struct {
	// PageLimit bounds the number of searchset pages read. Zero follows
	// every next link.
	PageLimit int
	// Flat returns the entry resources of all pages as a []map[string]interface{}
	// instead of the first response body.
	Flat bool
}

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	token      string
}

// New returns a client for baseURL. An empty accessToken sends no
// Authorization header.
func New(baseURL, accessToken string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.Logger = nil
	retryClient.HTTPClient = &http.Client{Timeout: timeout}

	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: retryClient.StandardClient(),
		token:      accessToken,
	}
}

// NewFromRequest builds a client from the fhirServer and fhirAuthorization
// of a hook request. It returns nil when the request names no server.
func NewFromRequest(req *fhir.CDSHookRequest, timeout time.Duration) *Client {
	if req == nil || req.FHIRServer == "" {
		return nil
	}
	token := ""
	if req.FHIRAuth != nil {
		token = req.FHIRAuth.AccessToken
	}
	return New(req.FHIRServer, token, timeout)
}

// Request GETs urlOrPath, resolving relative paths against BaseURL.
func (c *Client) Request(ctx context.Context, urlOrPath string, opts Options) (interface{}, error) {
	next := c.resolve(urlOrPath)
	first, err := c.get(ctx, next)
	if err != nil {
		return nil, err
	}
	if !opts.Flat {
		return first, nil
	}

	resources := []map[string]interface{}{}
	page := first
	for pages := 1; ; pages++ {
		if rt, _ := page["resourceType"].(string); rt != "Bundle" {
			resources = append(resources, page)
			return resources, nil
		}
		resources = append(resources, fhir.EntryResources(page)...)

		if opts.PageLimit > 0 && pages >= opts.PageLimit {
			return resources, nil
		}
		link := nextLink(page)
		if link == "" {
			return resources, nil
		}
		if page, err = c.get(ctx, c.resolve(link)); err != nil {
			return nil, err
		}
	}
}

func (c *Client) resolve(urlOrPath string) string {
	if strings.HasPrefix(urlOrPath, "http://") || strings.HasPrefix(urlOrPath, "https://") {
		return urlOrPath
	}
	return c.BaseURL + "/" + strings.TrimPrefix(urlOrPath, "/")
}

func (c *Client) get(ctx context.Context, uri string) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", uri, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s: status %d: %s", uri, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out map[string]interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func nextLink(bundle map[string]interface{}) string {
	links, _ := bundle["link"].([]interface{})
	for _, raw := range links {
		link, _ := raw.(map[string]interface{})
		if rel, _ := link["relation"].(string); rel == "next" {
			u, _ := link["url"].(string)
			return u
		}
	}
	return ""
}
