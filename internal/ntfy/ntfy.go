package ntfy

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultServerURL = "https://ntfy.sh"

// Client sends notifications via ntfy
type Client struct {
	ServerURL string
	Topic     string
	Token     string

	HTTPClient *http.Client
}

// NewClient creates a new ntfy client
func NewClient(serverURL, topic, token string) *Client {
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	return &Client{
		ServerURL:  serverURL,
		Topic:      topic,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// IsConfigured returns true if the topic is set
func (c *Client) IsConfigured() bool {
	return c.Topic != "" && c.ServerURL != ""
}

// Send sends a notification with the given title, message and tags
func (c *Client) Send(ctx context.Context, title, message string, tags ...string) error {
	if !c.IsConfigured() {
		return fmt.Errorf("ntfy topic not configured")
	}

	url := strings.TrimRight(c.ServerURL, "/") + "/" + strings.TrimLeft(c.Topic, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(message))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}

	req.Header.Set("Content-Type", "text/plain")
	if title != "" {
		req.Header.Set("Title", title)
	}
	if len(tags) > 0 {
		req.Header.Set("Tags", strings.Join(tags, ","))
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned status %d", resp.StatusCode)
	}

	return nil
}

// Test sends a test notification to verify the topic
func (c *Client) Test(ctx context.Context) error {
	return c.Send(ctx, "foldermerge", "Test notification - ntfy is configured correctly!")
}
