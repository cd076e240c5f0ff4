package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

const discordTimeout = 10 * time.Second

var discordColors = map[Level]int{
	LevelInfo:     0x3498db,
	LevelWarning:  0xf1c40f,
	LevelCritical: 0xe74c3c,
}

// Discord posts messages to a webhook.
type Discord struct {
	url    string
	client *http.Client
}

// NewDiscord creates a webhook notifier.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{url: webhookURL, client: &http.Client{Timeout: discordTimeout}}
}

func (d *Discord) Name() string { return "discord" }

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

type discordPayload struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

// Send posts msg as an embed.
func (d *Discord) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(discordPayload{
		Username: "Sentinel",
		Embeds: []discordEmbed{{
			Title:       msg.Title,
			Description: msg.Text,
			Color:       discordColors[msg.Level],
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}},
	})
	if err != nil {
		return errors.Wrap(err, "marshal discord payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build discord request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post discord webhook")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("discord webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}
