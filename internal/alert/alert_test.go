package alert_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/mobu/internal/alert"
)

func TestTruncateHead(t *testing.T) {
	if got := alert.TruncateHead("short", 100); got != "short" {
		t.Errorf("TruncateHead() = %q, want %q", got, "short")
	}

	long := strings.Repeat("a", 200)
	got := alert.TruncateHead(long, 100)
	if len(got) > 100 {
		t.Errorf("len(TruncateHead()) = %d, want <= 100", len(got))
	}
	if !strings.HasPrefix(got, "aaaa") || !strings.HasSuffix(got, "... truncated ...") {
		t.Errorf("TruncateHead() = %q", got)
	}
}

func TestTruncateTail(t *testing.T) {
	long := strings.Repeat("x", 100) + "ValueError: boom"
	got := alert.TruncateTail(long, 50)
	if len(got) > 50 {
		t.Errorf("len(TruncateTail()) = %d, want <= 50", len(got))
	}
	if !strings.HasPrefix(got, "... truncated ...") || !strings.HasSuffix(got, "ValueError: boom") {
		t.Errorf("TruncateTail() = %q", got)
	}
}

func TestTruncateKeepsUTF8(t *testing.T) {
	long := strings.Repeat("é", 100)
	for _, got := range []string{alert.TruncateHead(long, 51), alert.TruncateTail(long, 51)} {
		if !json.Valid([]byte(`"` + got + `"`)) || strings.ContainsRune(got, '�') {
			t.Errorf("truncated text is not valid UTF-8: %q", got)
		}
	}
}

func TestSlackPost(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	msg := alert.Message{
		Text:   "Error while running code",
		Fields: []alert.Field{{Heading: "User", Text: "bot-mobu-testuser01"}},
		Attachments: []alert.Block{
			{Heading: "Error", Text: strings.Repeat("line\n", 2000), Code: true},
			{Heading: "Code executed", Text: "print(2+2)", Code: true},
		},
	}

	slack := alert.NewSlack(server.URL)
	require.NoError(t, slack.Post(context.Background(), msg))

	blocks := received["blocks"].([]any)
	require.Len(t, blocks, 3)
	fields := blocks[1].(map[string]any)["fields"].([]any)
	assert.Equal(t, "*User*\nbot-mobu-testuser01", fields[0].(map[string]any)["text"])

	attachments := received["attachments"].([]any)
	require.Len(t, attachments, 1)
	attBlocks := attachments[0].(map[string]any)["blocks"].([]any)
	require.Len(t, attBlocks, 2)
	errText := attBlocks[0].(map[string]any)["text"].(map[string]any)["text"].(string)
	assert.LessOrEqual(t, len(errText), alert.MaxTextLength)
	assert.True(t, strings.HasPrefix(errText, "*Error*\n```\n... truncated ..."))
	assert.True(t, strings.HasSuffix(errText, "```"))
}

func TestSlackPostError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer server.Close()

	err := alert.NewSlack(server.URL).Post(context.Background(), alert.Message{Text: "x"})
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Errorf("Post() error = %v, want status 400", err)
	}
}

func TestRecorder(t *testing.T) {
	var r alert.Recorder
	r.Report(context.Background(), alert.Message{Text: "one"})
	r.Report(context.Background(), alert.Message{Text: "two"})
	got := r.Messages()
	if len(got) != 2 || got[1].Text != "two" {
		t.Errorf("Messages() = %+v", got)
	}
}
