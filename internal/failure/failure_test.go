package failure_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/wesleyorama2/mobu/internal/failure"
	"github.com/wesleyorama2/mobu/internal/timing"
)

func TestEnrichFromStopwatch(t *testing.T) {
	timings := timing.New()
	sw := timings.Start("execute_code", map[string]string{"node": "node-7", "image": "w_2024_10"})

	err := failure.NewExecutionError("print(1/0)", "ZeroDivisionError: division by zero\n", "error")
	err.Annotate("image", "explicit")
	wrapped := fmt.Errorf("execute: %w", err)

	failure.Enrich(wrapped, "bot-mobu-user01", sw)

	if err.User != "bot-mobu-user01" {
		t.Errorf("User = %q, want %q", err.User, "bot-mobu-user01")
	}
	if err.Event != "execute_code" {
		t.Errorf("Event = %q, want execute_code", err.Event)
	}
	if err.Started != sw.Started() {
		t.Errorf("Started = %v, want %v", err.Started, sw.Started())
	}
	if err.Annotations["node"] != "node-7" {
		t.Errorf("node annotation = %q, want node-7", err.Annotations["node"])
	}
	if err.Annotations["image"] != "explicit" {
		t.Errorf("image annotation = %q, want explicit", err.Annotations["image"])
	}
}

func TestEnrichIgnoresForeignErrors(t *testing.T) {
	plain := errors.New("boom")
	if got := failure.Enrich(plain, "user", nil); got != plain {
		t.Errorf("Enrich() = %v, want same error", got)
	}
}

func TestExecutionErrorAlert(t *testing.T) {
	err := failure.NewExecutionError("print(1/0)", "Traceback\nZeroDivisionError: division by zero", "error")
	err.Notebook = "exceptions.ipynb"
	err.SetUser("bot-mobu-user01")
	err.Annotate("node", "node-7")

	if !strings.Contains(err.Error(), "cell of notebook exceptions.ipynb failed (status: error)") {
		t.Errorf("Error() = %q", err.Error())
	}
	if !strings.HasSuffix(err.Error(), "ZeroDivisionError: division by zero") {
		t.Errorf("Error() = %q, want traceback tail", err.Error())
	}

	msg := failure.ToAlert(err, "ignored")
	if !strings.HasPrefix(msg.Text, "Error while running `exceptions.ipynb`") {
		t.Errorf("Text = %q", msg.Text)
	}
	headings := map[string]string{}
	for _, f := range msg.Fields {
		headings[f.Heading] = f.Text
	}
	if headings["User"] != "bot-mobu-user01" || headings["Node"] != "node-7" {
		t.Errorf("Fields = %+v", msg.Fields)
	}
	if len(msg.Attachments) != 2 || msg.Attachments[0].Heading != "Error" || msg.Attachments[1].Heading != "Code executed" {
		t.Errorf("Attachments = %+v", msg.Attachments)
	}
}

func TestTimeoutMessagesStateElapsedSeconds(t *testing.T) {
	spawn := failure.NewProvisioningTimeoutError(605*time.Second, "progress log")
	if spawn.Error() != "lab did not spawn after 605s" {
		t.Errorf("Error() = %q", spawn.Error())
	}
	if spawn.Alert().Blocks[0].Text != "progress log" {
		t.Errorf("Alert() log block = %+v", spawn.Alert().Blocks)
	}

	del := failure.NewDeprovisionTimeoutError(61 * time.Second)
	if del.Error() != "lab not deleted after 61s" {
		t.Errorf("Error() = %q", del.Error())
	}
}

func TestProvisioningFailureUnwrap(t *testing.T) {
	cause := errors.New("stream closed")
	err := failure.NewProvisioningFailureError("log", cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
}

func TestProtocolError(t *testing.T) {
	err := failure.NewProtocolError("POST", "https://example.com/nb/hub/spawn", 500, "Internal Server Error", "oops")
	err.SetUser("someuser")
	want := "someuser: status 500 (Internal Server Error) from POST https://example.com/nb/hub/spawn"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	msg := err.Alert()
	if msg.Text != "Status 500 from POST https://example.com/nb/hub/spawn" {
		t.Errorf("Text = %q", msg.Text)
	}
	if len(msg.Blocks) != 1 || msg.Blocks[0].Text != "oops" {
		t.Errorf("Blocks = %+v", msg.Blocks)
	}
}

func TestNotFoundNeverAlerted(t *testing.T) {
	err := fmt.Errorf("lookup: %w", &failure.NotFoundError{Kind: "Flock", Name: "test"})
	if failure.ShouldAlert(err) {
		t.Error("ShouldAlert(NotFoundError) = true, want false")
	}
	if !failure.IsNotFound(err) {
		t.Error("IsNotFound() = false, want true")
	}
	if !failure.ShouldAlert(errors.New("other")) {
		t.Error("ShouldAlert(other) = false, want true")
	}
}

func TestToAlertForeignError(t *testing.T) {
	msg := failure.ToAlert(errors.New("kaboom"), "user01")
	if msg.Text != "Uncaught error" || msg.Blocks[0].Text != "kaboom" {
		t.Errorf("ToAlert() = %+v", msg)
	}
}
