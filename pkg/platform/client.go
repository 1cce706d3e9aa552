package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Agent states reported in heartbeats
const (
	AgentStatusOnline    = "online"
	AgentStatusRecording = "recording"
	AgentStatusError     = "error"
	AgentStatusOffline   = "offline"
)

// Client reports encoder status to a control platform
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// Config holds platform client configuration
type Config struct {
	URL    string
	APIKey string
	Logger *slog.Logger
}

// ChannelReport is the per-channel part of a heartbeat
type ChannelReport struct {
	ID              string `json:"id"`
	SessionState    string `json:"session_state"`
	Resolution      string `json:"resolution,omitempty"`
	Format          string `json:"format,omitempty"`
	FramesSubmitted int64  `json:"frames_submitted"`
	FramesDropped   int64  `json:"frames_dropped"`
	UnitsEmitted    int64  `json:"units_emitted"`
	LastPTS         int64  `json:"last_pts_us"`
	Error           string `json:"error,omitempty"`
}

// HeartbeatRequest is sent periodically while the agent runs
type HeartbeatRequest struct {
	Status       string          `json:"status"`
	Version      string          `json:"version,omitempty"`
	Hostname     string          `json:"hostname,omitempty"`
	Channels     []ChannelReport `json:"channels,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	SentAt       time.Time       `json:"sent_at"`
}

// New creates a new platform client
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: cfg.URL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger.With("component", "platform"),
	}
}

// IsConfigured returns true if the client is properly configured
func (c *Client) IsConfigured() bool {
	return c.baseURL != ""
}

// CheckHealth checks if the platform is accessible
func (c *Client) CheckHealth(ctx context.Context) error {
	if !c.IsConfigured() {
		return fmt.Errorf("platform client not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("platform unhealthy (status %d)", resp.StatusCode)
	}

	return nil
}

// Heartbeat sends one status report for agentID
func (c *Client) Heartbeat(ctx context.Context, agentID string, hb HeartbeatRequest) error {
	if !c.IsConfigured() {
		return nil // Silent skip if platform not configured
	}
	if hb.SentAt.IsZero() {
		hb.SentAt = time.Now().UTC()
	}

	body, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/v1/agents/%s/heartbeat", c.baseURL, url.PathEscape(agentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("heartbeat failed (status %d): %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// RunHeartbeat sends report() every interval until ctx is cancelled, then
// sends a final offline heartbeat.
func (c *Client) RunHeartbeat(ctx context.Context, agentID string, interval time.Duration, report func() HeartbeatRequest) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			offlineCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.Heartbeat(offlineCtx, agentID, HeartbeatRequest{Status: AgentStatusOffline}); err != nil {
				c.logger.Warn("Offline heartbeat failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := c.Heartbeat(ctx, agentID, report()); err != nil && ctx.Err() == nil {
				c.logger.Warn("Heartbeat failed", "error", err)
			}
		}
	}
}
