package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/xerrors"

	"github.com/piscreen/piscreen/internal/pscontent"
)

// Client drives a screen's control-plane API the same way the fleet manager
// does. It's what backs the CLI's ping/list/show/delete/add actions.
type Client struct {
	baseURL    string
	httpClient *http.Client
	password   string
}

// NewClient targets the screen at baseURL. Screens serve self-signed
// certificates in the field, so insecure skips verification.
func NewClient(baseURL, password string, insecure bool) *Client {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	if insecure {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		}
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		password:   password,
	}
}

func (c *Client) Ping(ctx context.Context) (*Envelope, error) {
	return c.do(ctx, http.MethodGet, "/ping", nil)
}

func (c *Client) List(ctx context.Context) (*Envelope, error) {
	return c.do(ctx, http.MethodGet, "/display", nil)
}

func (c *Client) Show(ctx context.Context, name string) (*Envelope, error) {
	return c.do(ctx, http.MethodGet, "/display/"+url.PathEscape(name), nil)
}

func (c *Client) Delete(ctx context.Context, name string) (*Envelope, error) {
	return c.do(ctx, http.MethodDelete, "/display/"+url.PathEscape(name), nil)
}

func (c *Client) Add(ctx context.Context, spec pscontent.Spec) (*Envelope, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return nil, xerrors.Errorf("error encoding content spec: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/display", bytes.NewReader(body))
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*Envelope, error) {
	reqURL := fmt.Sprintf("%s%s?password=%s", c.baseURL, path, url.QueryEscape(c.password))

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, xerrors.Errorf("error building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("error requesting %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	// Mapped routes always answer 200; anything else means we hit a path the
	// screen doesn't serve.
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.Errorf("unexpected status %d from %s %s", resp.StatusCode, method, path)
	}

	var envelope Envelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, xerrors.Errorf("error decoding response envelope: %w", err)
	}
	return &envelope, nil
}

// buildAddSpec assembles the wire spec for an add action. For url content
// the content argument is the URL itself; for image and html content it
// names a local file to upload. Expiry and constraint strings are validated
// here too, so a typo fails before anything crosses the network.
func buildAddSpec(name, contentType, content string, duration int, expire string, only, except []string, caption string) (pscontent.Spec, error) {
	spec := pscontent.Spec{
		Name:     name,
		Type:     contentType,
		Duration: duration,
		Caption:  caption,
	}

	switch contentType {
	case "url":
		spec.Content = base64.StdEncoding.EncodeToString([]byte(content))
	case "image", "html":
		data, err := os.ReadFile(content)
		if err != nil {
			return pscontent.Spec{}, xerrors.Errorf("error reading content file: %w", err)
		}
		spec.Content = base64.StdEncoding.EncodeToString(data)
		if contentType == "image" {
			spec.Filename = filepath.Base(content)
		}
	default:
		return pscontent.Spec{}, xerrors.Errorf("content type %q is not one of 'url', 'image', or 'html'", contentType)
	}

	if expire != "" {
		expiry, err := pscontent.ParseExpiry(expire)
		if err != nil {
			return pscontent.Spec{}, err
		}
		spec.Expiry = expiry.Format("20060102150405")
	}

	for _, constraint := range only {
		if _, err := pscontent.ParseTimeConstraint(constraint); err != nil {
			return pscontent.Spec{}, err
		}
	}
	for _, constraint := range except {
		if _, err := pscontent.ParseTimeConstraint(constraint); err != nil {
			return pscontent.Spec{}, err
		}
	}
	spec.Only = only
	spec.Except = except

	return spec, nil
}

// printEnvelope renders a response envelope for a human at a terminal,
// expanding content listings entry by entry.
func printEnvelope(envelope *Envelope) {
	if envelope.Status != StatusSuccess {
		fmt.Printf("Operation failed: %s\n", envelope.Reason)
		return
	}

	fmt.Println("Operation succeeded")
	if envelope.Reason != "" {
		fmt.Printf("    %s\n", envelope.Reason)
	}

	switch content := envelope.Content.(type) {
	case map[string]any:
		printContentEntry(content)
	case []any:
		for _, entry := range content {
			if m, ok := entry.(map[string]any); ok {
				printContentEntry(m)
			}
		}
	}
}

func printContentEntry(entry map[string]any) {
	fmt.Printf("Name: %v (%v)\n", entry["name"], entry["type"])

	keys := make([]string, 0, len(entry))
	for key := range entry {
		if key == "name" || key == "type" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := fmt.Sprintf("%v", entry[key])
		fmt.Printf("    %s: %s\n", key, shorten(value, 60))
	}
}

func shorten(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
