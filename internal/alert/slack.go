package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/wesleyorama2/mobu/internal/log"
)

// Slack posts alerts to a Slack incoming webhook as Block Kit messages.
type Slack struct {
	hookURL string
	client  *http.Client
	timeout time.Duration
	logger  zerolog.Logger
}

// SlackOption configures a Slack reporter.
type SlackOption func(*Slack)

// WithHTTPClient sets the HTTP client used to post alerts.
func WithHTTPClient(client *http.Client) SlackOption {
	return func(s *Slack) {
		s.client = client
	}
}

// WithTimeout bounds a single delivery attempt.
func WithTimeout(d time.Duration) SlackOption {
	return func(s *Slack) {
		s.timeout = d
	}
}

// NewSlack creates a reporter for the given webhook URL.
func NewSlack(hookURL string, opts ...SlackOption) *Slack {
	s := &Slack{
		hookURL: hookURL,
		client:  &http.Client{},
		timeout: 10 * time.Second,
		logger:  log.WithComponent("alert"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Report implements Reporter.
func (s *Slack) Report(ctx context.Context, msg Message) {
	if err := s.Post(ctx, msg); err != nil {
		s.logger.Error().Err(err).Msg("cannot send alert to Slack")
	}
}

// Post delivers one message and returns any delivery error.
func (s *Slack) Post(ctx context.Context, msg Message) error {
	body, err := json.Marshal(RenderSlack(msg))
	if err != nil {
		return fmt.Errorf("encode slack message: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.hookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("slack webhook returned status %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

type slackText struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Verbatim bool   `json:"verbatim,omitempty"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackAttachment struct {
	Blocks []slackBlock `json:"blocks"`
}

type slackMessage struct {
	Text        string            `json:"text,omitempty"`
	Blocks      []slackBlock      `json:"blocks"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

// RenderSlack converts a message to Slack's Block Kit layout.
func RenderSlack(msg Message) any {
	out := slackMessage{Text: TruncateHead(msg.Text, MaxTextLength)}
	out.Blocks = append(out.Blocks, slackBlock{
		Type: "section",
		Text: &slackText{Type: "mrkdwn", Text: out.Text},
	})

	if len(msg.Fields) > 0 {
		fields := make([]slackText, 0, len(msg.Fields))
		for _, f := range msg.Fields {
			text := fmt.Sprintf("*%s*\n%s", f.Heading, f.Text)
			fields = append(fields, slackText{Type: "mrkdwn", Text: TruncateHead(text, MaxTextLength)})
		}
		out.Blocks = append(out.Blocks, slackBlock{Type: "section", Fields: fields})
	}

	for _, b := range msg.Blocks {
		out.Blocks = append(out.Blocks, renderSlackBlock(b))
	}
	out.Blocks = append(out.Blocks, slackBlock{Type: "divider"})

	if len(msg.Attachments) > 0 {
		var attachment slackAttachment
		for _, b := range msg.Attachments {
			attachment.Blocks = append(attachment.Blocks, renderSlackBlock(b))
		}
		out.Attachments = []slackAttachment{attachment}
	}
	return out
}

func renderSlackBlock(b Block) slackBlock {
	heading := fmt.Sprintf("*%s*\n", b.Heading)
	var text string
	if b.Code {
		body := b.Text
		if len(body) == 0 || body[len(body)-1] != '\n' {
			body += "\n"
		}
		budget := MaxTextLength - len(heading) - len("```\n```")
		text = heading + "```\n" + TruncateTail(body, budget) + "```"
	} else {
		text = heading + TruncateTail(b.Text, MaxTextLength-len(heading))
	}
	return slackBlock{
		Type: "section",
		Text: &slackText{Type: "mrkdwn", Text: text, Verbatim: true},
	}
}
