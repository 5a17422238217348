package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type SlackClient struct {
	Token   string
	BaseURL string
	HTTP    *http.Client
}

// PostMessage posts text to channel via chat.postMessage and returns the
// message timestamp.
func (c *SlackClient) PostMessage(ctx context.Context, channel, text string) (string, error) {
	if c.HTTP == nil {
		c.HTTP = &http.Client{Timeout: 10 * time.Second}
	}
	baseURL := c.BaseURL
	if baseURL == "" {
		baseURL = "https://slack.com/api"
	}
	if c.Token == "" {
		return "", fmt.Errorf("missing slack token")
	}
	if channel == "" {
		return "", fmt.Errorf("missing slack channel")
	}

	body, err := json.Marshal(map[string]any{
		"channel": channel,
		"text":    text,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat.postMessage", bytes.NewBuffer(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
		TS    string `json:"ts,omitempty"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return "", err
	}
	if !resp.OK {
		if resp.Error == "" {
			resp.Error = "slack api error"
		}
		return "", fmt.Errorf("%s", resp.Error)
	}
	return resp.TS, nil
}
