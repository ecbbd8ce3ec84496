package oauth_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"google.golang.org/api/option"

	"github.com/nhle/mailbrief/internal/mail"
	"github.com/nhle/mailbrief/internal/model"
	"github.com/nhle/mailbrief/internal/oauth"
	"github.com/nhle/mailbrief/internal/sync"
	"github.com/nhle/mailbrief/internal/testutil"
)

type echoGenerator struct{}

func (echoGenerator) Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	return "summary", nil
}

// gmailAPI serves one unread message and records the bearer tokens it sees.
func gmailAPI(t *testing.T) (*httptest.Server, func() []string) {
	t.Helper()
	raw := "From: Dana <dana@example.com>\r\nSubject: Standup\r\nMessage-ID: <s1@example.com>\r\n\r\nMoved to 10am.\r\n"

	var mu gosync.Mutex
	var bearers []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		bearers = append(bearers, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/users/me/messages"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"messages": []map[string]string{{"id": "m1"}},
			})
		case strings.HasSuffix(r.URL.Path, "/users/me/messages/m1"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":  "m1",
				"raw": base64.URLEncoding.EncodeToString([]byte(raw)),
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), bearers...)
	}
}

func TestPollRefreshesExpiredGmailToken(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewTestStore(t)
	tokens := tokenServer(t, "access-2", nil)
	api, seen := gmailAPI(t)

	flow := oauth.NewFlow(testOAuthConfig, st, testutil.DiscardLogger(), oauth.WithEndpoint(endpoint(tokens)))
	gm := mail.NewGmailClient(flow, option.WithEndpoint(api.URL+"/"))

	expired := model.OAuthToken{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(-time.Hour),
	}
	if err := st.SaveOAuthUser(ctx, 9, "me@gmail.com", expired); err != nil {
		t.Fatalf("SaveOAuthUser: %v", err)
	}
	user, err := st.GetUser(ctx, 9)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}

	poller := sync.NewPoller(&mail.Router{OAuth: gm}, echoGenerator{}, st, sync.Limits{}, testutil.DiscardLogger())
	summaries, err := poller.Poll(ctx, user)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Subject != "Standup" || summaries[0].MessageID != "<s1@example.com>" {
		t.Fatalf("summaries = %+v", summaries)
	}

	if len(seen()) == 0 {
		t.Fatal("gmail API was not called")
	}
	for _, b := range seen() {
		if b != "access-2" {
			t.Fatalf("gmail saw bearer %q, want the refreshed token", b)
		}
	}

	user, err = st.GetUser(ctx, 9)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if user.Token == nil || user.Token.AccessToken != "access-2" {
		t.Fatalf("stored token = %+v, want refreshed", user.Token)
	}
}
