package jupyter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/wesleyorama2/mobu/internal/log"
)

// ProgressMessage is one event from the spawn progress stream.
type ProgressMessage struct {
	Progress  int
	Message   string
	Ready     bool
	Timestamp time.Time
}

func (m ProgressMessage) String() string {
	return m.Timestamp.Format("2006-01-02 15:04:05.000") + " - " + m.Message
}

// WatchProgress returns the lazy sequence of progress events for the
// user's pending spawn. The sequence ends when the stream closes or after
// the first ready event. A failure to open or read the stream is yielded as
// the final error; a redirect loop surfaces as ErrTooManyRedirects.
//
// The stream has no timeout of its own: bound it through ctx.
func (c *Client) WatchProgress(ctx context.Context) iter.Seq2[ProgressMessage, error] {
	return func(yield func(ProgressMessage, error) bool) {
		req, err := c.newRequest(ctx, http.MethodGet, "hub/api/users/"+c.user.Username+"/server/progress", nil)
		if err != nil {
			yield(ProgressMessage{}, err)
			return
		}
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.streamClient.Do(req)
		if err != nil {
			yield(ProgressMessage{}, fmt.Errorf("open progress stream: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			r := &response{
				status:   resp.StatusCode,
				reason:   http.StatusText(resp.StatusCode),
				finalURL: resp.Request.URL,
				body:     body,
			}
			yield(ProgressMessage{}, c.protocolError(http.MethodGet, r, "cannot watch spawn progress"))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		var data strings.Builder
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "data:"):
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
				continue
			case line != "":
				// Comments, event names and ids are not used by the hub.
				continue
			}

			if data.Len() == 0 {
				continue
			}
			msg, ok := parseProgress(data.String())
			data.Reset()
			if !ok {
				c.logger.Debug().Msg("ignoring malformed progress event")
				continue
			}
			c.logger.Info().
				Int("progress", msg.Progress).
				Bool("ready", msg.Ready).
				Msgf("spawn progress: %s", msg.Message)
			if !yield(msg, nil) || msg.Ready {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			yield(ProgressMessage{}, fmt.Errorf("read progress stream: %w", err))
			return
		}
		c.logger.Debug().Str(log.FieldURL, resp.Request.URL.String()).Msg("progress stream closed")
	}
}

func parseProgress(data string) (ProgressMessage, bool) {
	if !gjson.Valid(data) {
		return ProgressMessage{}, false
	}
	parsed := gjson.Parse(data)
	return ProgressMessage{
		Progress:  int(parsed.Get("progress").Int()),
		Message:   parsed.Get("message").String(),
		Ready:     parsed.Get("ready").Bool(),
		Timestamp: time.Now().UTC(),
	}, true
}
