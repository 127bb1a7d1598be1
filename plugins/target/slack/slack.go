package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/mbiondo/logfanout/core"
	"github.com/mbiondo/logfanout/plugins/target/format"
)

func init() {
	// Auto-register this plugin
	core.RegisterOutputPlugin("slack", NewSlackOutputFromConfig)
}

// maxAttachments caps the attachments of a single webhook message
const maxAttachments = 50

// Config represents slack output configuration
type Config struct {
	WebhookURL string        `yaml:"webhook_url"`          // Required: Slack webhook URL
	Username   string        `yaml:"username,omitempty"`   // Optional: Username to post as
	Channel    string        `yaml:"channel,omitempty"`    // Optional: Channel to post to
	IconEmoji  string        `yaml:"icon_emoji,omitempty"` // Optional: Emoji icon
	IconURL    string        `yaml:"icon_url,omitempty"`   // Optional: URL icon
	Timeout    time.Duration `yaml:"timeout,omitempty"`    // Optional: HTTP timeout
}

// Validate validates the Config
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.WebhookURL, validation.Required, is.URL),
		validation.Field(&c.IconURL, is.URL),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
	)
}

// NewSlackOutputFromConfig creates a slack output from configuration map
func NewSlackOutputFromConfig(config map[string]any) (any, error) {
	var cfg Config
	if err := core.GetPluginConfig(config, &cfg); err != nil {
		return nil, err
	}

	return NewSlackOutput(cfg)
}

// SlackOutput posts one webhook message per batch, one attachment per entry
type SlackOutput struct {
	config     Config
	client     *http.Client
	closeMutex sync.Mutex
	closed     bool
}

// SlackMessage represents a Slack message payload
type SlackMessage struct {
	Text        string            `json:"text,omitempty"`
	Username    string            `json:"username,omitempty"`
	Channel     string            `json:"channel,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	IconURL     string            `json:"icon_url,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Fallback  string       `json:"fallback"`
	Color     string       `json:"color"`
	Title     string       `json:"title"`
	Text      string       `json:"text"`
	Fields    []SlackField `json:"fields,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short,omitempty"`
}

// NewSlackOutput creates a new Slack output plugin
func NewSlackOutput(config Config) (*SlackOutput, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &SlackOutput{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}, nil
}

// WriteBatch sends the batch to Slack as a single message
func (s *SlackOutput) WriteBatch(entries []*core.LogEntry) error {
	s.closeMutex.Lock()
	closed := s.closed
	s.closeMutex.Unlock()
	if closed {
		return fmt.Errorf("slack output is closed")
	}
	if len(entries) == 0 {
		return nil
	}

	jsonData, err := json.Marshal(s.createSlackMessage(entries))
	if err != nil {
		return fmt.Errorf("failed to marshal Slack message: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.WebhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send Slack message: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return nil
}

// createSlackMessage creates a Slack message from a batch of entries
func (s *SlackOutput) createSlackMessage(entries []*core.LogEntry) SlackMessage {
	shown := entries
	if len(shown) > maxAttachments {
		shown = shown[:maxAttachments]
	}

	attachments := make([]SlackAttachment, 0, len(shown))
	for _, entry := range shown {
		attachments = append(attachments, s.createAttachment(entry))
	}

	message := SlackMessage{
		Text:        fmt.Sprintf("%d log entries", len(entries)),
		Username:    s.config.Username,
		Channel:     s.config.Channel,
		IconEmoji:   s.config.IconEmoji,
		IconURL:     s.config.IconURL,
		Attachments: attachments,
	}
	if len(entries) == 1 {
		message.Text = ""
	}
	if omitted := len(entries) - len(shown); omitted > 0 {
		message.Text += fmt.Sprintf(" (%d not shown)", omitted)
	}

	return message
}

func (s *SlackOutput) createAttachment(entry *core.LogEntry) SlackAttachment {
	categories := strings.Join(entry.Categories(), ",")
	title := "Log Entry"
	if categories != "" {
		title += " - " + categories
	}

	fields := []SlackField{
		{
			Title: "Timestamp",
			Value: entry.OccurredOn().Format(format.TimeLayout),
			Short: true,
		},
	}
	if categories != "" {
		fields = append(fields, SlackField{Title: "Categories", Value: categories, Short: true})
	}
	entry.Properties().Range(func(key string, value any) bool {
		fields = append(fields, SlackField{Title: key, Value: fmt.Sprint(value), Short: true})
		return true
	})

	return SlackAttachment{
		Fallback:  format.TextLine(entry),
		Color:     colorForCategories(entry.Categories()),
		Title:     title,
		Text:      entry.Text(),
		Fields:    fields,
		Timestamp: entry.OccurredOn().Unix(),
	}
}

// colorForCategories returns the color of the most severe known category
func colorForCategories(categories []string) string {
	color := "#808080" // gray for unknown categories
	for _, category := range categories {
		switch strings.ToLower(category) {
		case "error", "err", "fatal", "critical":
			return "danger" // red
		case "warn", "warning":
			color = "warning" // yellow/orange
		case "info":
			if color == "#808080" {
				color = "good" // green
			}
		}
	}
	return color
}

// Close closes the Slack output (no-op for HTTP client)
func (s *SlackOutput) Close() error {
	s.closeMutex.Lock()
	defer s.closeMutex.Unlock()

	s.closed = true
	return nil
}
