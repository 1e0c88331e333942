package auth

import (
	"context"
	"errors"
	"testing"

	"parley/internal/store"
)

func TestStrongPassword(t *testing.T) {
	cases := []struct {
		pw string
		ok bool
	}{
		{"Str0ng!pass", true},
		{"Sh0rt!a", false},    // under 8 chars
		{"alllower1!", false}, // no uppercase
		{"ALLUPPER1!", false}, // no lowercase
		{"NoDigits!!", false}, // no number
		{"Password1", false},  // no special character
		{"Under_score1", true},
		{"P@ssw0rd", true},
		{"", false},
	}
	for _, tc := range cases {
		if got := strongPassword(tc.pw); got != tc.ok {
			t.Errorf("strongPassword(%q) = %v, want %v", tc.pw, got, tc.ok)
		}
	}
}

func TestRegisterAndLogin(t *testing.T) {
	svc := New(store.NewMemory(), "test-secret")
	ctx := context.Background()

	user, token, err := svc.Register(ctx, "alice@example.com", "Str0ng!pass", "cat.png")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if user.Email != "alice@example.com" || token == "" {
		t.Fatalf("unexpected result: %+v token=%q", user, token)
	}
	if user.PasswordHash == "Str0ng!pass" {
		t.Fatal("password stored in plaintext")
	}

	// Duplicate email.
	if _, _, err := svc.Register(ctx, "alice@example.com", "Str0ng!pass", ""); !errors.Is(err, store.ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}

	// Weak password never reaches the store.
	if _, _, err := svc.Register(ctx, "bob@example.com", "weak", ""); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	// Successful login.
	got, token, err := svc.Login(ctx, "alice@example.com", "Str0ng!pass")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if got.Email != "alice@example.com" || token == "" {
		t.Fatalf("unexpected login result: %+v", got)
	}

	// Wrong password and unknown email are indistinguishable.
	if _, _, err := svc.Login(ctx, "alice@example.com", "Wr0ng!pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "ghost@example.com", "Str0ng!pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestVerify(t *testing.T) {
	svc := New(store.NewMemory(), "test-secret")

	_, token, err := svc.Register(context.Background(), "alice@example.com", "Str0ng!pass", "")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	claims, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if claims.Email != "alice@example.com" {
		t.Errorf("wrong identity: %q", claims.Email)
	}

	if _, err := svc.Verify("not.a.token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}

	// Token signed with a different secret must be rejected.
	other := New(store.NewMemory(), "other-secret")
	foreign, _ := other.issue("mallory@example.com")
	if _, err := svc.Verify(foreign); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected foreign token rejected, got %v", err)
	}
}
