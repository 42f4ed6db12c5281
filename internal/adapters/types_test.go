package adapters

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

func TestNewCredential(t *testing.T) {
	tests := []struct {
		name     string
		user     string
		pass     string
		token    string
		wantKind CredentialKind
		wantErr  bool
	}{
		{name: "password", user: "alice", pass: "pw", wantKind: CredentialPassword},
		{name: "token", token: "abc", wantKind: CredentialToken},
		{name: "both", user: "alice", pass: "pw", token: "abc", wantErr: true},
		{name: "neither", wantErr: true},
		{name: "user only", user: "alice", wantErr: true},
		{name: "password only", pass: "pw", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred, err := NewCredential(tt.user, tt.pass, tt.token)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidCredentials) {
					t.Fatalf("error = %v, want ErrInvalidCredentials", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cred.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", cred.Kind, tt.wantKind)
			}
			if err := cred.Validate(); err != nil {
				t.Errorf("Validate() = %v", err)
			}
		})
	}
}

func TestCredentialNeverPrintsSecrets(t *testing.T) {
	for _, cred := range []Credential{
		PasswordCredential("alice", "hunter2"),
		TokenCredential("s3cr3t-token"),
	} {
		out := fmt.Sprintf("%v %s", cred, cred)
		var sb strings.Builder
		slog.New(slog.NewTextHandler(&sb, nil)).Info("login", "cred", cred)
		out += sb.String()
		for _, s := range cred.Secrets() {
			if strings.Contains(out, s) {
				t.Errorf("output %q leaks secret %q", out, s)
			}
		}
	}
}

func TestChallengeJSONKeepsUnknownAttributes(t *testing.T) {
	in := `{"id":"c1","name":"Warmup","is_solved":false,"points":100,"category":"web","hint":{"cost":5}}`

	var ch Challenge
	if err := json.Unmarshal([]byte(in), &ch); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if ch.ID != "c1" || ch.Name != "Warmup" {
		t.Fatalf("core fields = %+v", ch)
	}
	if p, ok := ch.Number(AttrPoints); !ok || p != 100 {
		t.Errorf("points = %v, %v; want 100, true", p, ok)
	}
	if ch.Text(AttrCategory) != "web" {
		t.Errorf("category = %q, want web", ch.Text(AttrCategory))
	}

	out, err := json.Marshal(ch)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var before, after map[string]any
	_ = json.Unmarshal([]byte(in), &before)
	_ = json.Unmarshal(out, &after)
	for k, v := range before {
		if fmt.Sprint(after[k]) != fmt.Sprint(v) {
			t.Errorf("field %q = %v after round trip, want %v", k, after[k], v)
		}
	}
}

func TestSessionJSONKeepsAttributes(t *testing.T) {
	sess := Session{URL: "https://ctf.example", Token: "t", Attrs: map[string]any{"csrf": "x"}}
	data, err := json.Marshal(sess)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got Session
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.URL != sess.URL || got.Token != sess.Token || got.Attrs["csrf"] != "x" {
		t.Errorf("round trip = %+v, want %+v", got, sess)
	}
}

func TestWrapKeepsKind(t *testing.T) {
	inner := Fail("get_challenge", "", ErrChallengeNotFound, errors.New("404"))
	err := Wrap("solve", "ctx|https://x", inner, ErrPlatformUnavailable)
	if !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("Wrap lost kind: %v", err)
	}
	if errors.Is(err, ErrPlatformUnavailable) {
		t.Fatalf("Wrap applied fallback over existing kind: %v", err)
	}
	msg := err.Error()
	for _, want := range []string{"solve", "ctx|https://x", "challenge not found", "get_challenge", "404"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}

	plain := Wrap("list", "", errors.New("connection reset"), ErrPlatformUnavailable)
	if !errors.Is(plain, ErrPlatformUnavailable) {
		t.Errorf("plain error should take fallback kind, got %v", plain)
	}
	if KindName(plain) != "unavailable" {
		t.Errorf("KindName = %q, want unavailable", KindName(plain))
	}
}
