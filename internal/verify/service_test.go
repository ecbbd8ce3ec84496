package verify_test

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nhle/mailbrief/internal/mail"
	"github.com/nhle/mailbrief/internal/model"
	"github.com/nhle/mailbrief/internal/store"
	"github.com/nhle/mailbrief/internal/testutil"
	"github.com/nhle/mailbrief/internal/verify"
)

type recordingSender struct {
	sent []mail.Outgoing
	err  error
}

func (r *recordingSender) Send(ctx context.Context, user *model.User, msg mail.Outgoing) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

type recordingStarter struct {
	started []int64
}

func (r *recordingStarter) Start(chatID int64) bool {
	r.started = append(r.started, chatID)
	return true
}

var codeLine = regexp.MustCompile(`verification code is: ([A-Z0-9]+)`)

func sentCode(t *testing.T, msg mail.Outgoing) string {
	t.Helper()
	m := codeLine.FindStringSubmatch(msg.Body)
	if m == nil {
		t.Fatalf("no code in body %q", msg.Body)
	}
	return m[1]
}

type fixture struct {
	store   *store.SQLiteStore
	sender  *recordingSender
	starter *recordingStarter
	svc     *verify.Service
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   testutil.NewTestStore(t),
		sender:  &recordingSender{},
		starter: &recordingStarter{},
		now:     time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	f.svc = verify.NewService(f.store, f.sender, f.starter, testutil.DiscardLogger(),
		verify.WithClock(func() time.Time { return f.now }))

	if err := f.store.UpsertUser(context.Background(), 1, testutil.Credentials("me@example.com")); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	return f
}

func TestRequestAndCheck(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.svc.RequestChallenge(ctx, 1); err != nil {
		t.Fatalf("RequestChallenge: %v", err)
	}
	if len(f.sender.sent) != 1 {
		t.Fatalf("sent %d emails", len(f.sender.sent))
	}
	msg := f.sender.sent[0]
	if msg.To != "me@example.com" || msg.Subject != "Email Bot Verification Code" {
		t.Fatalf("unexpected email: %+v", msg)
	}
	if !strings.Contains(msg.Body, "expires in 5 minutes") {
		t.Errorf("body lacks expiry: %q", msg.Body)
	}

	code := sentCode(t, msg)
	f.now = f.now.Add(299 * time.Second)
	if err := f.svc.CheckChallenge(ctx, 1, strings.ToLower(code)); err != nil {
		t.Fatalf("CheckChallenge: %v", err)
	}

	u, _ := f.store.GetUser(ctx, 1)
	if !u.Verified {
		t.Fatal("user not verified")
	}
	if len(f.starter.started) != 1 || f.starter.started[0] != 1 {
		t.Fatalf("started = %v", f.starter.started)
	}

	// A consumed code cannot be reused.
	if err := f.svc.CheckChallenge(ctx, 1, code); !errors.Is(err, verify.ErrInvalidCode) {
		t.Fatalf("reuse: err = %v", err)
	}
}

func TestExpiredCodeChangesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.svc.RequestChallenge(ctx, 1); err != nil {
		t.Fatalf("RequestChallenge: %v", err)
	}
	code := sentCode(t, f.sender.sent[0])

	f.now = f.now.Add(301 * time.Second)
	if err := f.svc.CheckChallenge(ctx, 1, code); !errors.Is(err, verify.ErrInvalidCode) {
		t.Fatalf("expired: err = %v", err)
	}

	u, _ := f.store.GetUser(ctx, 1)
	if u.Verified || len(f.starter.started) != 0 {
		t.Fatal("expired check mutated state")
	}
}

func TestWrongCodeKeepsChallenge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.svc.RequestChallenge(ctx, 1); err != nil {
		t.Fatalf("RequestChallenge: %v", err)
	}
	code := sentCode(t, f.sender.sent[0])

	if err := f.svc.CheckChallenge(ctx, 1, "ZZZZZZZ"); !errors.Is(err, verify.ErrInvalidCode) {
		t.Fatalf("wrong code: err = %v", err)
	}
	if err := f.svc.CheckChallenge(ctx, 1, "  "); !errors.Is(err, verify.ErrInvalidCode) {
		t.Fatalf("blank code: err = %v", err)
	}
	if err := f.svc.CheckChallenge(ctx, 1, code); err != nil {
		t.Fatalf("right code after wrong one: %v", err)
	}
}

func TestNewRequestSupersedesOld(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_ = f.svc.RequestChallenge(ctx, 1)
	_ = f.svc.RequestChallenge(ctx, 1)
	first, second := sentCode(t, f.sender.sent[0]), sentCode(t, f.sender.sent[1])
	if first == second {
		t.Skip("codes collided")
	}

	if err := f.svc.CheckChallenge(ctx, 1, first); !errors.Is(err, verify.ErrInvalidCode) {
		t.Fatalf("superseded code accepted: %v", err)
	}
	if err := f.svc.CheckChallenge(ctx, 1, second); err != nil {
		t.Fatalf("latest code rejected: %v", err)
	}
}

// failingVerify is a store whose combined consume-and-verify step fails.
type failingVerify struct {
	*store.SQLiteStore
	err error
}

func (f failingVerify) ConsumeChallengeAndVerify(context.Context, int64, string, time.Time) (bool, error) {
	return false, f.err
}

func TestCheckFailureDoesNotStartMonitoring(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.svc.RequestChallenge(ctx, 1); err != nil {
		t.Fatalf("RequestChallenge: %v", err)
	}
	code := sentCode(t, f.sender.sent[0])

	boom := errors.New("database is locked")
	svc := verify.NewService(failingVerify{f.store, boom}, f.sender, f.starter, testutil.DiscardLogger(),
		verify.WithClock(func() time.Time { return f.now }))
	if err := svc.CheckChallenge(ctx, 1, code); !errors.Is(err, boom) {
		t.Fatalf("CheckChallenge err = %v, want %v", err, boom)
	}
	if len(f.starter.started) != 0 {
		t.Fatalf("monitoring started after a failed check: %v", f.starter.started)
	}

	// The code is still valid once the store recovers.
	if err := f.svc.CheckChallenge(ctx, 1, code); err != nil {
		t.Fatalf("CheckChallenge after recovery: %v", err)
	}
}

func TestRequestErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.svc.RequestChallenge(ctx, 404); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown user: err = %v", err)
	}

	f.sender.err = &mail.AuthError{Email: "me@example.com", Message: "535 bad credentials"}
	err := f.svc.RequestChallenge(ctx, 1)
	if !mail.IsAuthError(err) {
		t.Fatalf("send failure: err = %v", err)
	}
}

func TestGenerateCodeFormat(t *testing.T) {
	format := regexp.MustCompile(`^[A-Z0-9]+$`)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("codes have the requested length and alphabet", prop.ForAll(
		func(n int) bool {
			code, err := verify.GenerateCode(n)
			return err == nil && len(code) == n && format.MatchString(code)
		},
		gen.IntRange(1, 32),
	))

	properties.TestingRun(t)
}
