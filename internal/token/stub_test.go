package token

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukerupert/roadlog/internal/remote"
)

// newAuthStub spins up an auth endpoint that always answers with the given
// status and body, wrapped in a real AuthClient.
func newAuthStub(t *testing.T, status int, body string) *remote.AuthClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	client := remote.NewClient(remote.Config{BaseURL: srv.URL, APIKey: "anon"}, slog.Default())
	return remote.NewAuthClient(client)
}
