package jupyter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/wesleyorama2/mobu/internal/failure"
	"github.com/wesleyorama2/mobu/internal/log"
)

// ErrNoWebSocket is returned when running code on a closed session.
var ErrNoWebSocket = errors.New("session has no open kernel channel")

const sessionCloseTimeout = 30 * time.Second

var ansiEscape = regexp.MustCompile(`(\x{9B}|\x{1B}\[)[0-?]*[ -/]*[@-~]`)

// StripANSI removes ANSI control sequences from text.
func StripANSI(text string) string {
	return ansiEscape.ReplaceAllString(text, "")
}

// Session is an open kernel session in the user's lab.
type Session struct {
	ID       string
	KernelID string
	Notebook string

	client *Client
	mu     sync.Mutex
	conn   *websocket.Conn
}

type sessionRequest struct {
	Kernel struct {
		Name string `json:"name"`
	} `json:"kernel"`
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
}

// OpenSession creates a kernel session and connects to its channel. The
// caller owns the session and must Close it; WithSession does that for you.
func (c *Client) OpenSession(ctx context.Context, kernelName, notebook string) (*Session, error) {
	var body sessionRequest
	body.Kernel.Name = kernelName
	body.Path = strings.ReplaceAll(uuid.NewString(), "-", "")
	if notebook != "" {
		body.Name = notebook
		body.Type = "notebook"
	} else {
		body.Name = "(no notebook)"
		body.Type = "console"
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode session request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "user/"+c.user.Username+"/api/sessions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	r, err := c.send(ctx, c.httpClient, req)
	if err != nil {
		return nil, err
	}
	if r.status != http.StatusCreated {
		return nil, c.protocolError(http.MethodPost, r, "cannot create session")
	}

	reply := gjson.ParseBytes(r.body)
	s := &Session{
		ID:       reply.Get("id").String(),
		KernelID: reply.Get("kernel.id").String(),
		Notebook: notebook,
		client:   c,
	}
	if s.ID == "" || s.KernelID == "" {
		return nil, c.protocolError(http.MethodPost, r, "session reply has no session or kernel id")
	}

	if err := s.connect(ctx); err != nil {
		s.deleteSession(context.WithoutCancel(ctx))
		return nil, err
	}

	c.logger.Info().
		Str(log.FieldSession, s.ID).
		Str(log.FieldKernel, s.KernelID).
		Str(log.FieldNotebook, notebook).
		Msg("created lab session")
	return s, nil
}

// WithSession opens a session, hands it to fn and always closes it, even if
// fn fails or ctx is cancelled.
func (c *Client) WithSession(ctx context.Context, kernelName, notebook string, fn func(*Session) error) error {
	s, err := c.OpenSession(ctx, kernelName, notebook)
	if err != nil {
		return err
	}
	defer s.Close(ctx)
	return fn(s)
}

func (s *Session) channelURL() *url.URL {
	u := s.client.baseURL.JoinPath("user", s.client.user.Username, "api", "kernels", s.KernelID, "channels")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u
}

func (s *Session) connect(ctx context.Context) error {
	c := s.client
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.user.Token)
	header.Set("X-XSRFToken", c.xsrfToken)

	channels := s.channelURL()
	c.logger.Debug().Str(log.FieldURL, channels.String()).Msg("opening kernel channel")

	conn, resp, err := c.dialer.DialContext(ctx, channels.String(), header)
	if err != nil {
		if resp != nil {
			r := &response{status: resp.StatusCode, reason: http.StatusText(resp.StatusCode), finalURL: channels}
			return c.protocolError(http.MethodGet, r, "cannot open kernel channel")
		}
		return fmt.Errorf("open kernel channel %s: %w", channels, err)
	}
	if c.maxMessageSize > 0 {
		conn.SetReadLimit(c.maxMessageSize)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

// Close closes the kernel channel, logs back in to the lab and deletes the
// session. Failures are logged, not returned, since closing happens on the
// way out of an execution block.
func (s *Session) Close(ctx context.Context) {
	c := s.client
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sessionCloseTimeout)
	defer cancel()

	if err := c.LabLogin(ctx); err != nil {
		c.logger.Warn().Err(err).Str(log.FieldSession, s.ID).Msg("cannot log in to lab to delete session")
	}
	s.deleteSession(ctx)
}

func (s *Session) deleteSession(ctx context.Context) {
	c := s.client
	req, err := c.newRequest(ctx, http.MethodDelete, "user/"+c.user.Username+"/api/sessions/"+s.ID, nil)
	if err != nil {
		c.logger.Warn().Err(err).Str(log.FieldSession, s.ID).Msg("cannot delete session")
		return
	}
	r, err := c.send(ctx, c.httpClient, req)
	if err != nil {
		c.logger.Warn().Err(err).Str(log.FieldSession, s.ID).Msg("cannot delete session")
		return
	}
	if r.status != http.StatusNoContent {
		c.logger.Warn().Int(log.FieldStatus, r.status).Str(log.FieldSession, s.ID).Msg("unexpected status deleting session")
	}
}

type kernelMessage struct {
	Header       kernelHeader   `json:"header"`
	ParentHeader map[string]any `json:"parent_header"`
	Channel      string         `json:"channel"`
	Content      executeRequest `json:"content"`
	Metadata     map[string]any `json:"metadata"`
	Buffers      map[string]any `json:"buffers"`
}

type kernelHeader struct {
	Username string `json:"username"`
	Version  string `json:"version"`
	Session  string `json:"session"`
	MsgID    string `json:"msg_id"`
	MsgType  string `json:"msg_type"`
	Date     string `json:"date"`
}

type executeRequest struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
}

// RunCode executes code in the session's kernel and returns everything it
// wrote to its output streams. A kernel error becomes a
// *failure.ExecutionError carrying the traceback with control sequences
// removed.
//
// RunCode imposes no timeout; bound it through ctx. Once ctx is done the
// kernel channel is closed and the session cannot run more code.
func (s *Session) RunCode(ctx context.Context, code string) (string, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return "", ErrNoWebSocket
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	msgID := strings.ReplaceAll(uuid.NewString(), "-", "")
	request := kernelMessage{
		Header: kernelHeader{
			Username: s.client.user.Username,
			Version:  "5.0",
			Session:  s.ID,
			MsgID:    msgID,
			MsgType:  "execute_request",
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
		},
		ParentHeader: map[string]any{},
		Channel:      "shell",
		Content: executeRequest{
			Code:            code,
			UserExpressions: map[string]any{},
		},
		Metadata: map[string]any{},
		Buffers:  map[string]any{},
	}
	if err := conn.WriteJSON(request); err != nil {
		return "", s.channelError(ctx, err)
	}

	var output strings.Builder
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", s.channelError(ctx, err)
		}
		if !gjson.ValidBytes(data) {
			continue
		}
		msg := gjson.ParseBytes(data)
		if msg.Get("parent_header.msg_id").String() != msgID {
			continue
		}

		switch msg.Get("msg_type").String() {
		case "error":
			var traceback strings.Builder
			for _, line := range msg.Get("content.traceback").Array() {
				traceback.WriteString(line.String())
			}
			text := traceback.String()
			if text == "" {
				text = msg.Get("content.ename").String() + ": " + msg.Get("content.evalue").String()
			}
			return "", s.executionError(code, StripANSI(text), "error")
		case "stream":
			output.WriteString(msg.Get("content.text").String())
		case "execute_reply":
			status := msg.Get("content.status").String()
			if status == "ok" {
				return output.String(), nil
			}
			return "", s.executionError(code, output.String(), status)
		}
	}
}

func (s *Session) executionError(code, text, status string) error {
	err := failure.NewExecutionError(code, text, status)
	err.SetUser(s.client.user.Username)
	err.Notebook = s.Notebook
	return err
}

func (s *Session) channelError(ctx context.Context, err error) error {
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return fmt.Errorf("kernel channel closed: %w", err)
	}
	return fmt.Errorf("kernel channel: %w", err)
}
