package oauth_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nhle/mailbrief/internal/model"
	"github.com/nhle/mailbrief/internal/oauth"
	"github.com/nhle/mailbrief/internal/testutil"
)

type fakeExchanger struct {
	chatID int64
	err    error
}

func (f fakeExchanger) Exchange(ctx context.Context, state, code string) (int64, model.OAuthToken, error) {
	if f.err != nil {
		return 0, model.OAuthToken{}, f.err
	}
	return f.chatID, model.OAuthToken{AccessToken: "a", RefreshToken: "r"}, nil
}

type fakeProfiles struct {
	email string
	err   error
}

func (f fakeProfiles) Profile(ctx context.Context, user *model.User) (string, error) {
	return f.email, f.err
}

type fakeMonitor struct {
	started []int64
}

func (m *fakeMonitor) Start(chatID int64) bool {
	m.started = append(m.started, chatID)
	return true
}

func (m *fakeMonitor) Running() []int64 { return m.started }

type fakeNotifier struct {
	texts []string
}

func (n *fakeNotifier) Notify(ctx context.Context, chatID int64, text string) error {
	n.texts = append(n.texts, text)
	return nil
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestCallbackConnectsMailbox(t *testing.T) {
	st := testutil.NewTestStore(t)
	mon := &fakeMonitor{}
	notif := &fakeNotifier{}
	srv := oauth.NewServer(fakeExchanger{chatID: 21}, fakeProfiles{email: "me@gmail.com"}, st, mon, notif, testutil.DiscardLogger())

	rec := get(t, srv.Handler(), "/oauth/callback?state=s&code=c")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}

	u, err := st.GetUser(context.Background(), 21)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.Email != "me@gmail.com" || u.AuthMethod != model.AuthOAuth || !u.Eligible() {
		t.Fatalf("stored user = %+v", u)
	}
	if len(mon.started) != 1 || mon.started[0] != 21 {
		t.Fatalf("started = %v", mon.started)
	}
	if len(notif.texts) != 1 || !strings.Contains(notif.texts[0], "me@gmail.com") {
		t.Fatalf("notifications = %q", notif.texts)
	}

	rec = get(t, srv.Handler(), "/healthz")
	var body struct {
		Status     string `json:"status"`
		Monitoring int    `json:"monitoring"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	if body.Status != "ok" || body.Monitoring != 1 {
		t.Fatalf("health = %+v", body)
	}
}

func TestCallbackFailures(t *testing.T) {
	tests := []struct {
		name      string
		target    string
		exchanger fakeExchanger
		profiles  fakeProfiles
		want      int
	}{
		{"denied", "/oauth/callback?error=access_denied", fakeExchanger{}, fakeProfiles{}, http.StatusBadRequest},
		{"missing code", "/oauth/callback?state=s", fakeExchanger{}, fakeProfiles{}, http.StatusBadRequest},
		{"unknown state", "/oauth/callback?state=s&code=c", fakeExchanger{err: oauth.ErrUnknownState}, fakeProfiles{}, http.StatusBadRequest},
		{"exchange failed", "/oauth/callback?state=s&code=c", fakeExchanger{err: errors.New("invalid_grant")}, fakeProfiles{}, http.StatusBadGateway},
		{"no profile", "/oauth/callback?state=s&code=c", fakeExchanger{chatID: 1}, fakeProfiles{err: errors.New("403")}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mon := &fakeMonitor{}
			srv := oauth.NewServer(tt.exchanger, tt.profiles, testutil.NewTestStore(t), mon, &fakeNotifier{}, testutil.DiscardLogger())

			rec := get(t, srv.Handler(), tt.target)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if len(mon.started) != 0 {
				t.Fatal("monitoring started on failure")
			}
		})
	}
}
