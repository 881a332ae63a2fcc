// Package jupytertest provides an in-memory JupyterHub and lab for tests.
package jupytertest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/wesleyorama2/mobu/internal/users"
)

// State is the lifecycle state of a user's lab.
type State int

// Lab states.
const (
	Stopped State = iota
	Pending
	Running
)

// Event is one spawn progress event.
type Event struct {
	Progress int    `json:"progress"`
	Message  string `json:"message"`
	Ready    bool   `json:"ready"`
}

// Result is what the fake kernel answers to an execute request.
type Result struct {
	Output    string
	Traceback []string
	Status    string // defaults to "ok", or "error" when Traceback is set
}

// TokenPrefix is prepended to usernames to form the tokens the hub accepts.
const TokenPrefix = "gt-"

// Hub emulates the parts of JupyterHub and JupyterLab the client uses.
// Knobs may be set before the first request.
type Hub struct {
	// Prefix is the URL prefix the hub is served under.
	Prefix string

	// Progress returns the events sent on the spawn progress stream.
	Progress func(user string) []Event
	// ProgressDelay is waited before each progress event.
	ProgressDelay time.Duration
	// HoldProgress keeps the progress stream open after the last event
	// until the client goes away.
	HoldProgress bool
	// ProgressRedirectLoop makes the progress endpoint redirect to itself.
	ProgressRedirectLoop bool
	// UnknownRedirect makes the hub root redirect to an unrelated page.
	UnknownRedirect bool
	// KeepOnDelete leaves labs running when asked to delete them.
	KeepOnDelete bool
	// FailSpawn makes spawn requests fail with a 500.
	FailSpawn bool
	// Execute answers execute requests. The default handles the image and
	// node probes and print(2+2).
	Execute func(user, code string) Result

	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	states   map[string]State
	forms    map[string]map[string]string
	sessions map[string]string
	spawns   int
	deletes  int
	executed []string
}

// New starts a fake hub. Call Close when done.
func New() *Hub {
	h := &Hub{
		Prefix:   "/nb/",
		states:   make(map[string]State),
		forms:    make(map[string]map[string]string),
		sessions: make(map[string]string),
	}
	h.server = httptest.NewServer(h.routes())
	return h
}

// URL returns the environment URL of the hub.
func (h *Hub) URL() string {
	return h.server.URL
}

// Close shuts the server down.
func (h *Hub) Close() {
	h.server.CloseClientConnections()
	h.server.Close()
}

// Issuer returns an issuer handing out tokens this hub accepts.
func (h *Hub) Issuer() users.Issuer {
	return issuer{}
}

type issuer struct{}

func (issuer) Issue(_ context.Context, user users.User, scopes []string) (users.AuthenticatedUser, error) {
	return users.AuthenticatedUser{User: user, Scopes: scopes, Token: TokenPrefix + user.Username}, nil
}

// User returns an authenticated user for username.
func User(username string) users.AuthenticatedUser {
	return users.AuthenticatedUser{
		User:   users.User{Username: username},
		Scopes: []string{"exec:notebook"},
		Token:  TokenPrefix + username,
	}
}

// SetState forces the lab state of a user.
func (h *Hub) SetState(user string, state State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states[user] = state
}

// State returns the lab state of a user.
func (h *Hub) State(user string) State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.states[user]
}

// Spawns returns how many spawn requests were accepted.
func (h *Hub) Spawns() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.spawns
}

// Deletes returns how many lab deletions were requested.
func (h *Hub) Deletes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deletes
}

// OpenSessions returns the number of sessions not yet deleted.
func (h *Hub) OpenSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// SpawnForm returns the last spawn form posted by user.
func (h *Hub) SpawnForm(user string) map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.forms[user]
}

// Executed returns all code received by kernels, in order.
func (h *Hub) Executed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.executed...)
}

func (h *Hub) routes() http.Handler {
	r := chi.NewRouter()
	r.Route(strings.TrimSuffix(h.Prefix, "/"), func(r chi.Router) {
		r.Use(h.authenticate)
		r.Get("/hub/login", h.ok)
		r.Get("/hub", h.hubRoot)
		r.Get("/hub/spawn", h.ok)
		r.Post("/hub/spawn", h.spawn)
		r.Get("/hub/spawn-pending/{user}", h.ok)
		r.Get("/hub/api/users/{user}/server/progress", h.progress)
		r.Delete("/hub/api/users/{user}/server", h.deleteServer)
		r.Get("/user/{user}/lab", h.lab)
		r.Post("/user/{user}/api/sessions", h.createSession)
		r.Delete("/user/{user}/api/sessions/{session}", h.deleteSession)
		r.Get("/user/{user}/api/kernels/{kernel}/channels", h.channels)
	})
	r.Get("/elsewhere", h.ok)
	return r
}

type userKey struct{}

func (h *Hub) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !strings.HasPrefix(token, TokenPrefix) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		user := strings.TrimPrefix(token, TokenPrefix)

		if r.Method != http.MethodGet {
			cookie, err := r.Cookie("_xsrf")
			if err != nil || cookie.Value == "" || cookie.Value != r.Header.Get("X-XSRFToken") {
				http.Error(w, "xsrf check failed", http.StatusForbidden)
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func userOf(r *http.Request) string {
	user, _ := r.Context().Value(userKey{}).(string)
	return user
}

func (h *Hub) ok(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("<html></html>"))
}

func (h *Hub) hubRoot(w http.ResponseWriter, r *http.Request) {
	user := userOf(r)
	if h.UnknownRedirect {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
		return
	}
	var target string
	switch h.State(user) {
	case Running:
		target = h.Prefix + "user/" + user + "/lab"
	case Pending:
		target = h.Prefix + "hub/spawn-pending/" + user
	default:
		target = h.Prefix + "hub/spawn"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Hub) spawn(w http.ResponseWriter, r *http.Request) {
	user := userOf(r)
	if h.FailSpawn {
		http.Error(w, "spawner exploded", http.StatusInternalServerError)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	form := make(map[string]string)
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}

	h.mu.Lock()
	h.forms[user] = form
	h.states[user] = Pending
	h.spawns++
	h.mu.Unlock()

	http.Redirect(w, r, h.Prefix+"hub/spawn-pending/"+user, http.StatusFound)
}

func (h *Hub) progress(w http.ResponseWriter, r *http.Request) {
	user := userOf(r)
	if h.ProgressRedirectLoop {
		http.Redirect(w, r, r.URL.Path, http.StatusFound)
		return
	}

	events := []Event{
		{Progress: 0, Message: "Server requested"},
		{Progress: 50, Message: "Pulling image"},
		{Progress: 100, Message: "Server ready", Ready: true},
	}
	if h.Progress != nil {
		events = h.Progress(user)
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	for _, event := range events {
		if h.ProgressDelay > 0 {
			select {
			case <-time.After(h.ProgressDelay):
			case <-r.Context().Done():
				return
			}
		}
		if event.Ready {
			h.SetState(user, Running)
		}
		data, _ := json.Marshal(event)
		_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	if h.HoldProgress {
		<-r.Context().Done()
	}
}

func (h *Hub) deleteServer(w http.ResponseWriter, r *http.Request) {
	user := userOf(r)
	h.mu.Lock()
	h.deletes++
	if !h.KeepOnDelete {
		h.states[user] = Stopped
	}
	h.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

func (h *Hub) lab(w http.ResponseWriter, r *http.Request) {
	if h.State(userOf(r)) != Running {
		http.Error(w, "lab not running", http.StatusServiceUnavailable)
		return
	}
	h.ok(w, r)
}

func (h *Hub) createSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kernel struct {
			Name string `json:"name"`
		} `json:"kernel"`
		Type string `json:"type"`
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Kernel.Name == "" || req.Path == "" {
		http.Error(w, "bad session request", http.StatusBadRequest)
		return
	}
	if h.State(userOf(r)) != Running {
		http.Error(w, "lab not running", http.StatusServiceUnavailable)
		return
	}

	id := uuid.NewString()
	kernel := uuid.NewString()
	h.mu.Lock()
	h.sessions[id] = kernel
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":     id,
		"path":   req.Path,
		"type":   req.Type,
		"kernel": map[string]any{"id": kernel, "name": req.Kernel.Name},
	})
}

func (h *Hub) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session")
	h.mu.Lock()
	_, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if !ok {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Hub) channels(w http.ResponseWriter, r *http.Request) {
	user := userOf(r)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		request := gjson.ParseBytes(data)
		if request.Get("header.msg_type").String() != "execute_request" {
			continue
		}
		msgID := request.Get("header.msg_id").String()
		code := request.Get("content.code").String()

		h.mu.Lock()
		h.executed = append(h.executed, code)
		h.mu.Unlock()

		result := h.execute(user, code)
		for _, reply := range kernelReplies(msgID, result) {
			if err := conn.WriteJSON(reply); err != nil {
				return
			}
		}
	}
}

func (h *Hub) execute(user, code string) Result {
	if h.Execute != nil {
		return h.Execute(user, code)
	}
	return DefaultExecute(user, code)
}

// DefaultExecute answers the probes the monitor runs in every session.
func DefaultExecute(_ string, code string) Result {
	switch {
	case strings.Contains(code, "JUPYTER_IMAGE_SPEC"):
		return Result{Output: "registry.example.com/sciplat-lab:w_2024_10\nWeekly 2024_10\n"}
	case strings.Contains(code, "get_node"):
		return Result{Output: "node-1"}
	case strings.Contains(code, "print(2+2)"):
		return Result{Output: "4\n"}
	default:
		return Result{}
	}
}

func kernelReplies(msgID string, result Result) []map[string]any {
	replies := []map[string]any{
		{
			"msg_type":      "status",
			"parent_header": map[string]any{"msg_id": "someone-else"},
			"content":       map[string]any{"execution_state": "busy"},
		},
	}
	parent := map[string]any{"msg_id": msgID}
	if result.Output != "" {
		replies = append(replies, map[string]any{
			"msg_type":      "stream",
			"parent_header": parent,
			"content":       map[string]any{"name": "stdout", "text": result.Output},
		})
	}
	status := result.Status
	if len(result.Traceback) > 0 {
		replies = append(replies, map[string]any{
			"msg_type":      "error",
			"parent_header": parent,
			"content":       map[string]any{"ename": "Error", "evalue": "", "traceback": result.Traceback},
		})
		if status == "" {
			status = "error"
		}
	}
	if status == "" {
		status = "ok"
	}
	replies = append(replies, map[string]any{
		"msg_type":      "execute_reply",
		"parent_header": parent,
		"content":       map[string]any{"status": status},
	})
	return replies
}
