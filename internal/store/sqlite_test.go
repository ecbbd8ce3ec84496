package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nhle/mailbrief/internal/credential"
	"github.com/nhle/mailbrief/internal/model"
	"github.com/nhle/mailbrief/internal/store"
	"github.com/nhle/mailbrief/internal/testutil"
)

func TestUserLifecycle(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	if _, err := s.GetUser(ctx, 42); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetUser on empty store: err = %v, want ErrNotFound", err)
	}

	if err := s.UpsertUser(ctx, 42, testutil.Credentials("u@example.com")); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}

	u, err := s.GetUser(ctx, 42)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.Email != "u@example.com" || u.Secret != "app-password" || u.IMAPPort != 993 {
		t.Fatalf("unexpected user: %+v", u)
	}
	if u.Verified || u.Eligible() {
		t.Fatal("new user must not be verified")
	}
	if u.AuthMethod != model.AuthPassword {
		t.Fatalf("AuthMethod = %q", u.AuthMethod)
	}

	if err := s.SetVerified(ctx, 42); err != nil {
		t.Fatalf("SetVerified: %v", err)
	}
	u, _ = s.GetUser(ctx, 42)
	if !u.Eligible() {
		t.Fatal("verified user with credentials must be eligible")
	}

	// Re-setup overwrites credentials and drops verification.
	creds := testutil.Credentials("other@example.com")
	if err := s.UpsertUser(ctx, 42, creds); err != nil {
		t.Fatalf("UpsertUser again: %v", err)
	}
	u, _ = s.GetUser(ctx, 42)
	if u.Email != "other@example.com" || u.Verified {
		t.Fatalf("re-setup did not reset user: %+v", u)
	}

	if err := s.SetVerified(ctx, 99); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("SetVerified unknown user: err = %v, want ErrNotFound", err)
	}
}

func TestListVerifiedUsers(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	for id := int64(1); id <= 3; id++ {
		if err := s.UpsertUser(ctx, id, testutil.Credentials(fmt.Sprintf("u%d@example.com", id))); err != nil {
			t.Fatalf("UpsertUser(%d): %v", id, err)
		}
	}
	_ = s.SetVerified(ctx, 2)

	verified, err := s.ListVerifiedUsers(ctx)
	if err != nil {
		t.Fatalf("ListVerifiedUsers: %v", err)
	}
	if len(verified) != 1 || verified[0].ChatID != 2 {
		t.Fatalf("ListVerifiedUsers = %+v, want only chat 2", verified)
	}

	all, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListUsers returned %d users, want 3", len(all))
	}
}

func TestChallengeExpiryAndCase(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	_ = s.UpsertUser(ctx, 7, testutil.Credentials("u@example.com"))

	t0 := time.Unix(1_700_000_000, 0)
	if err := s.StoreChallenge(ctx, 7, "AB12CD", t0.Add(300*time.Second)); err != nil {
		t.Fatalf("StoreChallenge: %v", err)
	}

	tests := []struct {
		name string
		code string
		at   time.Time
		want bool
	}{
		{name: "wrong code", code: "ZZZZZZ", at: t0.Add(10 * time.Second), want: false},
		{name: "expired", code: "AB12CD", at: t0.Add(301 * time.Second), want: false},
		{name: "lowercase before expiry", code: "ab12cd", at: t0.Add(299 * time.Second), want: true},
		{name: "consumed", code: "AB12CD", at: t0.Add(200 * time.Second), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.CheckAndConsumeChallenge(ctx, 7, tt.code, tt.at)
			if err != nil {
				t.Fatalf("CheckAndConsumeChallenge: %v", err)
			}
			if got != tt.want {
				t.Fatalf("CheckAndConsumeChallenge(%q) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestChallengeExpiryKeepsSubSecondPrecision(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	_ = s.UpsertUser(ctx, 7, testutil.Credentials("u@example.com"))

	t0 := time.Unix(1_700_000_000, 900*int64(time.Millisecond))
	expiry := t0.Add(300 * time.Second)
	if err := s.StoreChallenge(ctx, 7, "AB12CD", expiry); err != nil {
		t.Fatalf("StoreChallenge: %v", err)
	}

	if ok, _ := s.CheckAndConsumeChallenge(ctx, 7, "AB12CD", expiry); ok {
		t.Fatal("code accepted at its expiry instant")
	}
	// Same second as the expiry, but still before it.
	ok, err := s.CheckAndConsumeChallenge(ctx, 7, "AB12CD", t0.Add(299500*time.Millisecond))
	if err != nil {
		t.Fatalf("CheckAndConsumeChallenge: %v", err)
	}
	if !ok {
		t.Fatal("code rejected half a second before expiry")
	}
}

func TestConsumeChallengeAndVerify(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	_ = s.UpsertUser(ctx, 7, testutil.Credentials("u@example.com"))

	now := time.Unix(1_700_000_000, 0)
	if err := s.StoreChallenge(ctx, 7, "AB12CD", now.Add(time.Minute)); err != nil {
		t.Fatalf("StoreChallenge: %v", err)
	}

	ok, err := s.ConsumeChallengeAndVerify(ctx, 7, "WRONG1", now)
	if err != nil || ok {
		t.Fatalf("wrong code: ok = %v, err = %v", ok, err)
	}
	if u, _ := s.GetUser(ctx, 7); u.Verified {
		t.Fatal("wrong code verified the user")
	}

	ok, err = s.ConsumeChallengeAndVerify(ctx, 7, "ab12cd", now)
	if err != nil || !ok {
		t.Fatalf("right code: ok = %v, err = %v", ok, err)
	}
	u, err := s.GetUser(ctx, 7)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if !u.Verified {
		t.Fatal("user not verified after consuming the code")
	}
	if ok, _ := s.CheckAndConsumeChallenge(ctx, 7, "AB12CD", now); ok {
		t.Fatal("code usable twice")
	}
}

func TestChallengeOverwrite(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	_ = s.UpsertUser(ctx, 7, testutil.Credentials("u@example.com"))

	now := time.Unix(1_700_000_000, 0)
	_ = s.StoreChallenge(ctx, 7, "AAAAAA", now.Add(time.Minute))
	_ = s.StoreChallenge(ctx, 7, "BBBBBB", now.Add(time.Minute))

	if ok, _ := s.CheckAndConsumeChallenge(ctx, 7, "AAAAAA", now); ok {
		t.Fatal("superseded code must be rejected")
	}
	if ok, _ := s.CheckAndConsumeChallenge(ctx, 7, "BBBBBB", now); !ok {
		t.Fatal("latest code must be accepted")
	}
}

func TestRecordProcessedMessageUnique(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	rec := model.ProcessedMessage{ChatID: 1, MessageID: "<a@x>", Sender: "a", Subject: "s", Summary: "sum"}
	if err := s.RecordProcessedMessage(ctx, rec); err != nil {
		t.Fatalf("RecordProcessedMessage: %v", err)
	}
	if err := s.RecordProcessedMessage(ctx, rec); !errors.Is(err, store.ErrAlreadyProcessed) {
		t.Fatalf("second write: err = %v, want ErrAlreadyProcessed", err)
	}

	ok, err := s.IsMessageProcessed(ctx, 1, "<a@x>")
	if err != nil || !ok {
		t.Fatalf("IsMessageProcessed = %v, %v", ok, err)
	}
	// Identity is per chat.
	ok, _ = s.IsMessageProcessed(ctx, 2, "<a@x>")
	if ok {
		t.Fatal("record leaked across chats")
	}
}

func TestPropertyRecordsAreUniquePerMessage(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("records equal distinct ids", prop.ForAll(
		func(ids []int) bool {
			ctx := context.Background()
			s, err := store.NewSQLiteStore(":memory:")
			if err != nil {
				return false
			}
			defer s.Close()

			distinct := map[int]bool{}
			for _, id := range ids {
				err := s.RecordProcessedMessage(ctx, model.ProcessedMessage{
					ChatID: 5, MessageID: fmt.Sprintf("m%d", id),
				})
				if err != nil && !errors.Is(err, store.ErrAlreadyProcessed) {
					return false
				}
				if (err == nil) == distinct[id] {
					return false
				}
				distinct[id] = true
			}

			n, err := s.CountProcessedMessages(ctx, 5)
			return err == nil && n == len(distinct)
		},
		gen.SliceOf(gen.IntRange(0, 9)),
	))

	properties.TestingRun(t)
}

func TestOAuthUserAndState(t *testing.T) {
	ctx := context.Background()
	key := make([]byte, credential.KeySize)
	sealer, err := credential.NewSealer(key)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	s := testutil.NewTestStore(t, store.WithSealer(sealer))

	now := time.Unix(1_700_000_000, 0)
	if err := s.SaveOAuthState(ctx, "state-1", 11, now.Add(10*time.Minute)); err != nil {
		t.Fatalf("SaveOAuthState: %v", err)
	}
	chatID, err := s.ConsumeOAuthState(ctx, "state-1", now)
	if err != nil || chatID != 11 {
		t.Fatalf("ConsumeOAuthState = %d, %v", chatID, err)
	}
	if _, err := s.ConsumeOAuthState(ctx, "state-1", now); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("state reuse: err = %v, want ErrNotFound", err)
	}

	_ = s.SaveOAuthState(ctx, "state-2", 11, now.Add(-time.Second))
	if _, err := s.ConsumeOAuthState(ctx, "state-2", now); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expired state: err = %v, want ErrNotFound", err)
	}

	tok := model.OAuthToken{AccessToken: "at", RefreshToken: "rt", TokenType: "Bearer", Expiry: now.Add(time.Hour).UTC()}
	if err := s.SaveOAuthUser(ctx, 11, "me@gmail.com", tok); err != nil {
		t.Fatalf("SaveOAuthUser: %v", err)
	}
	u, err := s.GetUser(ctx, 11)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if !u.Eligible() || u.AuthMethod != model.AuthOAuth || u.Token == nil || u.Token.RefreshToken != "rt" {
		t.Fatalf("unexpected oauth user: %+v", u)
	}

	tok.AccessToken = "at2"
	if err := s.UpdateOAuthToken(ctx, 11, tok); err != nil {
		t.Fatalf("UpdateOAuthToken: %v", err)
	}
	u, _ = s.GetUser(ctx, 11)
	if u.Token.AccessToken != "at2" {
		t.Fatalf("token not updated: %+v", u.Token)
	}
}
