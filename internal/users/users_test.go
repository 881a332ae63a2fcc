package users_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/mobu/internal/users"
)

func intPtr(v int) *int { return &v }

func TestGenerate(t *testing.T) {
	tests := []struct {
		name      string
		count     int
		spec      users.Spec
		wantFirst string
		wantLast  string
	}{
		{"single", 1, users.Spec{UsernamePrefix: "bot-mobu-testuser"}, "bot-mobu-testuser1", "bot-mobu-testuser1"},
		{"nine", 9, users.Spec{UsernamePrefix: "u"}, "u1", "u9"},
		{"ten", 10, users.Spec{UsernamePrefix: "u"}, "u01", "u10"},
		{"hundred", 100, users.Spec{UsernamePrefix: "u"}, "u001", "u100"},
		{"fifteen", 15, users.Spec{UsernamePrefix: "u"}, "u01", "u15"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := users.Generate(tt.count, tt.spec)
			if len(got) != tt.count {
				t.Fatalf("len(Generate()) = %d, want %d", len(got), tt.count)
			}
			if got[0].Username != tt.wantFirst {
				t.Errorf("first = %q, want %q", got[0].Username, tt.wantFirst)
			}
			if got[len(got)-1].Username != tt.wantLast {
				t.Errorf("last = %q, want %q", got[len(got)-1].Username, tt.wantLast)
			}
			for i := 1; i < len(got); i++ {
				if got[i-1].Username >= got[i].Username {
					t.Errorf("usernames not strictly increasing: %q >= %q", got[i-1].Username, got[i].Username)
				}
				if len(got[i].Username) != len(got[0].Username) {
					t.Errorf("username %q not padded like %q", got[i].Username, got[0].Username)
				}
			}
		})
	}
}

func TestGenerateContiguousIDs(t *testing.T) {
	got := users.Generate(12, users.Spec{UsernamePrefix: "u", UIDStart: intPtr(60000), GIDStart: intPtr(70000)})
	for i, u := range got {
		require.NotNil(t, u.UID)
		require.NotNil(t, u.GID)
		assert.Equal(t, 60000+i, *u.UID)
		assert.Equal(t, 70000+i, *u.GID)
	}

	noIDs := users.Generate(3, users.Spec{UsernamePrefix: "u"})
	for _, u := range noIDs {
		assert.Nil(t, u.UID)
		assert.Nil(t, u.GID)
	}
}

func TestGenerateEmpty(t *testing.T) {
	if got := users.Generate(0, users.Spec{UsernamePrefix: "u"}); got != nil {
		t.Errorf("Generate(0) = %v, want nil", got)
	}
}

func TestTokenIssuer(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/api/v1/tokens", r.URL.Path)
		assert.Equal(t, "Bearer admin-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token": "gt-abc.def"}`))
	}))
	defer server.Close()

	issuer := users.NewTokenIssuer(server.URL+"/", "admin-token", users.WithRate(0))
	user := users.User{Username: "bot-mobu-user1", UID: intPtr(60001)}
	authed, err := issuer.Issue(context.Background(), user, []string{"exec:notebook"})
	require.NoError(t, err)

	assert.Equal(t, "gt-abc.def", authed.Token)
	assert.Equal(t, []string{"exec:notebook"}, authed.Scopes)
	assert.Equal(t, "bot-mobu-user1", got["username"])
	assert.Equal(t, "service", got["token_type"])
	assert.EqualValues(t, 60001, got["uid"])
	_, hasGID := got["gid"]
	assert.False(t, hasGID)
}

func TestTokenIssuerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"forbidden"}`, http.StatusForbidden)
	}))
	defer server.Close()

	_, err := users.NewTokenIssuer(server.URL, "bad").Issue(context.Background(), users.User{Username: "u"}, nil)
	if err == nil {
		t.Fatal("Issue() error = nil, want error")
	}
	assert.Contains(t, err.Error(), "status 403")
}

func TestRedacted(t *testing.T) {
	u := users.AuthenticatedUser{User: users.User{Username: "u"}, Token: "secret"}
	if u.Redacted().Token == "secret" {
		t.Error("Redacted() kept the token")
	}
	if u.Token != "secret" {
		t.Error("Redacted() modified the original")
	}
}
