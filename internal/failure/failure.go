// Package failure holds the error taxonomy of the monitor. Every alertable
// error carries a Context that is filled in from the timing chain before it
// reaches the monkey, and renders itself as an alert.Message.
package failure

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/wesleyorama2/mobu/internal/alert"
	"github.com/wesleyorama2/mobu/internal/timing"
)

// DateFormat is used for every timestamp shown in alerts.
const DateFormat = "2006-01-02 15:04:05"

// Context is the common state of every alertable failure.
type Context struct {
	User        string
	Event       string
	Started     time.Time
	FailedAt    time.Time
	Annotations map[string]string
}

func newContext() Context {
	return Context{FailedAt: time.Now().UTC()}
}

// SetUser records the user the failure happened for, if not already set.
func (c *Context) SetUser(user string) {
	if c.User == "" {
		c.User = user
	}
}

// Enrich copies the event name, start time and annotations of the open
// stopwatch. Annotations already present on the failure win.
func (c *Context) Enrich(sw *timing.Stopwatch) {
	if sw == nil {
		return
	}
	if c.Event == "" {
		c.Event = sw.Event()
	}
	if c.Started.IsZero() {
		c.Started = sw.Started()
	}
	merged := sw.Annotations()
	if merged == nil {
		merged = make(map[string]string)
	}
	maps.Copy(merged, c.Annotations)
	c.Annotations = merged
}

// Annotate sets one annotation on the failure.
func (c *Context) Annotate(key, value string) {
	if c.Annotations == nil {
		c.Annotations = make(map[string]string)
	}
	c.Annotations[key] = value
}

func (c *Context) fields() []alert.Field {
	var fields []alert.Field
	if !c.Started.IsZero() {
		fields = append(fields, alert.Field{Heading: "Started at", Text: c.Started.Format(DateFormat)})
	}
	fields = append(fields,
		alert.Field{Heading: "Failed at", Text: c.FailedAt.Format(DateFormat)},
		alert.Field{Heading: "User", Text: c.User},
	)
	if c.Event != "" {
		fields = append(fields, alert.Field{Heading: "Event", Text: c.Event})
	}
	if image := c.Annotations["image"]; image != "" {
		fields = append(fields, alert.Field{Heading: "Image", Text: image})
	}
	if node := c.Annotations["node"]; node != "" {
		fields = append(fields, alert.Field{Heading: "Node", Text: node})
	}
	return fields
}

// Enrichable is implemented by every failure that embeds a Context.
type Enrichable interface {
	SetUser(user string)
	Enrich(sw *timing.Stopwatch)
}

// Alertable is implemented by failures that render their own alert.
type Alertable interface {
	error
	Alert() alert.Message
}

// Enrich attaches the user and the open stopwatch to err if it is part of
// the taxonomy. It returns err unchanged for convenience.
func Enrich(err error, user string, sw *timing.Stopwatch) error {
	var e Enrichable
	if errors.As(err, &e) {
		e.SetUser(user)
		e.Enrich(sw)
	}
	return err
}

// ToAlert renders any error as an alert. Errors outside the taxonomy are
// reported as uncaught errors with their message.
func ToAlert(err error, user string) alert.Message {
	var a Alertable
	if errors.As(err, &a) {
		return a.Alert()
	}
	return alert.Message{
		Text: "Uncaught error",
		Fields: []alert.Field{
			{Heading: "Failed at", Text: time.Now().UTC().Format(DateFormat)},
			{Heading: "User", Text: user},
		},
		Blocks: []alert.Block{{Heading: "Error", Text: err.Error(), Code: true}},
	}
}

// ShouldAlert reports whether err is worth forwarding to the alert sink.
func ShouldAlert(err error) bool {
	var nf *NotFoundError
	return err != nil && !errors.As(err, &nf)
}

// ProtocolError is a bad status or redirect from the remote service.
type ProtocolError struct {
	Context
	Method string
	URL    string
	Status int
	Reason string
	Body   string
}

// NewProtocolError creates a ProtocolError.
func NewProtocolError(method, url string, status int, reason, body string) *ProtocolError {
	return &ProtocolError{
		Context: newContext(),
		Method:  method,
		URL:     url,
		Status:  status,
		Reason:  reason,
		Body:    body,
	}
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("status %d", e.Status)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	msg += " from " + e.Method + " " + e.URL
	if e.User != "" {
		msg = e.User + ": " + msg
	}
	return msg
}

// Alert implements Alertable.
func (e *ProtocolError) Alert() alert.Message {
	fields := e.fields()
	if e.Reason != "" {
		fields = append(fields, alert.Field{Heading: "Message", Text: e.Reason})
	}
	msg := alert.Message{
		Text:   fmt.Sprintf("Status %d from %s %s", e.Status, e.Method, e.URL),
		Fields: fields,
	}
	if e.Body != "" {
		msg.Blocks = append(msg.Blocks, alert.Block{Heading: "Body", Text: e.Body, Code: true})
	}
	return msg
}

// ProvisioningTimeoutError means the environment did not become ready within
// the spawn budget.
type ProvisioningTimeoutError struct {
	Context
	Elapsed time.Duration
	Log     string
}

// NewProvisioningTimeoutError creates a ProvisioningTimeoutError.
func NewProvisioningTimeoutError(elapsed time.Duration, log string) *ProvisioningTimeoutError {
	return &ProvisioningTimeoutError{Context: newContext(), Elapsed: elapsed, Log: log}
}

func (e *ProvisioningTimeoutError) Error() string {
	return fmt.Sprintf("lab did not spawn after %ds", int(e.Elapsed.Seconds()))
}

// Alert implements Alertable.
func (e *ProvisioningTimeoutError) Alert() alert.Message {
	msg := alert.Message{
		Text:   fmt.Sprintf("Lab did not spawn after %ds", int(e.Elapsed.Seconds())),
		Fields: e.fields(),
	}
	if e.Log != "" {
		msg.Blocks = append(msg.Blocks, alert.Block{Heading: "Log", Text: e.Log})
	}
	return msg
}

// ProvisioningFailureError means the progress stream ended, or failed,
// without the environment becoming ready.
type ProvisioningFailureError struct {
	Context
	Log string
	Err error
}

// NewProvisioningFailureError creates a ProvisioningFailureError.
func NewProvisioningFailureError(log string, cause error) *ProvisioningFailureError {
	return &ProvisioningFailureError{Context: newContext(), Log: log, Err: cause}
}

func (e *ProvisioningFailureError) Error() string {
	if e.Err != nil {
		return "spawning lab failed: " + e.Err.Error()
	}
	return "spawning lab failed"
}

func (e *ProvisioningFailureError) Unwrap() error { return e.Err }

// Alert implements Alertable.
func (e *ProvisioningFailureError) Alert() alert.Message {
	msg := alert.Message{Text: "Spawning lab failed", Fields: e.fields()}
	if e.Err != nil {
		msg.Fields = append(msg.Fields, alert.Field{Heading: "Cause", Text: e.Err.Error()})
	}
	if e.Log != "" {
		msg.Blocks = append(msg.Blocks, alert.Block{Heading: "Log", Text: e.Log})
	}
	return msg
}

// ExecutionError means code run in the kernel failed.
type ExecutionError struct {
	Context
	Code     string
	Output   string // error text, ANSI sequences already removed
	Status   string
	Notebook string
}

// NewExecutionError creates an ExecutionError.
func NewExecutionError(code, output, status string) *ExecutionError {
	return &ExecutionError{Context: newContext(), Code: code, Output: output, Status: status}
}

func (e *ExecutionError) Error() string {
	msg := "running code block failed"
	if e.Notebook != "" {
		msg = "cell of notebook " + e.Notebook + " failed"
	}
	if e.Status != "" {
		msg += " (status: " + e.Status + ")"
	}
	if e.User != "" {
		msg = e.User + ": " + msg
	}
	if e.Output != "" {
		msg += ": " + lastLine(e.Output)
	}
	return msg
}

// Alert implements Alertable.
func (e *ExecutionError) Alert() alert.Message {
	text := "Error while running code"
	if e.Notebook != "" {
		text = fmt.Sprintf("Error while running `%s`", e.Notebook)
	}
	if e.Status != "" {
		text += "\n*Status*: " + e.Status
	}

	msg := alert.Message{Text: text, Fields: e.fields()}
	if e.Output != "" {
		msg.Attachments = append(msg.Attachments, alert.Block{Heading: "Error", Text: e.Output, Code: true})
	}
	msg.Attachments = append(msg.Attachments, alert.Block{Heading: "Code executed", Text: e.Code, Code: true})
	return msg
}

// DeprovisionTimeoutError means the environment was not gone within the
// delete budget.
type DeprovisionTimeoutError struct {
	Context
	Elapsed time.Duration
}

// NewDeprovisionTimeoutError creates a DeprovisionTimeoutError.
func NewDeprovisionTimeoutError(elapsed time.Duration) *DeprovisionTimeoutError {
	return &DeprovisionTimeoutError{Context: newContext(), Elapsed: elapsed}
}

func (e *DeprovisionTimeoutError) Error() string {
	return fmt.Sprintf("lab not deleted after %ds", int(e.Elapsed.Seconds()))
}

// Alert implements Alertable.
func (e *DeprovisionTimeoutError) Alert() alert.Message {
	return alert.Message{
		Text:   fmt.Sprintf("Lab not deleted after %ds", int(e.Elapsed.Seconds())),
		Fields: e.fields(),
	}
}

// NotFoundError is a failed flock or monkey lookup. It is never alerted.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Name)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n ")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
