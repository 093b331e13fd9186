package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/lukasbauer/negocia/internal/insight"
)

// Discord is a simple Discord webhook notifier.
type Discord struct {
	webhookURL string
	logger     *log.Logger
	client     *http.Client
}

// NewDiscord creates a new Discord notifier. If webhookURL is empty,
// notifications are silently skipped.
func NewDiscord(webhookURL string, logger *log.Logger) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		logger:     logger,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled returns true if the webhook is configured.
func (d *Discord) Enabled() bool {
	return d.webhookURL != ""
}

// discordMessage is the payload for Discord webhook.
type discordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// send posts a message to Discord webhook asynchronously.
// Errors are logged but don't affect caller.
func (d *Discord) send(ctx context.Context, msg discordMessage) {
	if !d.Enabled() {
		return
	}
	ctx = context.WithoutCancel(ctx)

	go func() {
		body, err := json.Marshal(msg)
		if err != nil {
			d.logger.Printf("discord: failed to marshal message: %v", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, "POST", d.webhookURL, bytes.NewReader(body))
		if err != nil {
			d.logger.Printf("discord: failed to create request: %v", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			d.logger.Printf("discord: failed to send webhook: %v", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			d.logger.Printf("discord: webhook returned status %d", resp.StatusCode)
		}
	}()
}

// SessionClosed posts a recap of a closed session: signal counts per
// category and the strongest objection, if any.
func (d *Discord) SessionClosed(ctx context.Context, snap insight.Snapshot) {
	d.send(ctx, recap(snap))
}

func recap(snap insight.Snapshot) discordMessage {
	fields := []embedField{
		{Name: "Fragments", Value: fmt.Sprintf("%d", snap.FragmentCount), Inline: true},
		{Name: "Signals", Value: fmt.Sprintf("%d", snap.Total()), Inline: true},
	}
	counts := snap.Counts()
	for _, cat := range snap.Categories() {
		if counts[cat] == 0 {
			continue
		}
		fields = append(fields, embedField{
			Name:   strings.ReplaceAll(string(cat), "_", " "),
			Value:  fmt.Sprintf("%d", counts[cat]),
			Inline: true,
		})
	}

	color := 0x00FF00 // Green
	var top *insight.Signal
	for i, s := range snap.Signals[insight.CategoryObjection] {
		if top == nil || s.Confidence > top.Confidence {
			top = &snap.Signals[insight.CategoryObjection][i]
		}
	}
	if top != nil {
		color = 0xFFA500 // Orange
		fields = append(fields, embedField{
			Name:  "Top objection",
			Value: fmt.Sprintf("%s (%.0f%%)", top.Summary, top.Confidence*100),
		})
	}

	at := snap.LastActivity
	if snap.ClosedAt != nil {
		at = *snap.ClosedAt
	}
	return discordMessage{
		Embeds: []discordEmbed{{
			Title:       "Session closed",
			Description: fmt.Sprintf("Session `%s`", snap.SessionID),
			Color:       color,
			Fields:      fields,
			Timestamp:   at.UTC().Format(time.RFC3339),
		}},
	}
}
