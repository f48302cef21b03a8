package user

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pairing_engine/internal/model"
)

func TestStaticProvider(t *testing.T) {
	p, err := NewStaticProviderFromUsers([]model.User{
		{ID: "u1", Name: "Test User", Token: "t1"},
		{ID: "u2", Name: "No Token"},
	})
	if err != nil {
		t.Fatalf("NewStaticProviderFromUsers failed: %v", err)
	}

	// Test GetUser
	u, err := p.GetUser("u1")
	if err != nil {
		t.Errorf("GetUser failed: %v", err)
	}
	if u.Name != "Test User" {
		t.Errorf("Expected 'Test User', got %s", u.Name)
	}

	// Test GetUserByToken
	u2, err := p.GetUserByToken("t1")
	if err != nil {
		t.Errorf("GetUserByToken failed: %v", err)
	}
	if u2.ID != "u1" {
		t.Errorf("Expected u1, got %s", u2.ID)
	}

	// Test NotFound
	_, err = p.GetUser("u3")
	if err == nil {
		t.Error("Expected error for non-existent user")
	}

	_, err = p.GetUserByToken("bogus")
	if !errors.Is(err, model.ErrIdentityMissing) {
		t.Errorf("Expected ErrIdentityMissing, got %v", err)
	}

	if got := len(p.Users()); got != 2 {
		t.Errorf("Expected 2 users, got %d", got)
	}
}

func TestStaticProviderFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	content := `users:
  - id: alice
    name: Alice
    token: alice-token
  - id: bob
    name: Bob
    token: bob-token
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write users file: %v", err)
	}

	p, err := NewStaticProvider(path)
	if err != nil {
		t.Fatalf("NewStaticProvider failed: %v", err)
	}
	u, err := p.GetUserByToken("bob-token")
	if err != nil {
		t.Fatalf("GetUserByToken failed: %v", err)
	}
	if u.ID != "bob" || u.Name != "Bob" {
		t.Errorf("unexpected user: %+v", u)
	}
}

func TestStaticProviderRejectsDuplicates(t *testing.T) {
	_, err := NewStaticProviderFromUsers([]model.User{
		{ID: "u1", Token: "t"},
		{ID: "u2", Token: "t"},
	})
	if err == nil {
		t.Error("Expected error for duplicate token")
	}

	_, err = NewStaticProviderFromUsers([]model.User{{ID: "u1"}, {ID: "u1"}})
	if err == nil {
		t.Error("Expected error for duplicate id")
	}

	if _, err := NewStaticProvider(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestStaticProviderReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}
	write("users:\n  - id: alice\n    token: a\n")

	p, err := NewStaticProvider(path)
	if err != nil {
		t.Fatalf("NewStaticProvider failed: %v", err)
	}

	// 解析失败时保留原有用户
	write("users: [")
	if err := p.Reload(); err == nil {
		t.Error("expected reload error for broken file")
	}
	if _, err := p.GetUser("alice"); err != nil {
		t.Errorf("alice should survive a failed reload: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()

	// 等待 watcher 就绪后再写入，重复写直到生效
	deadline := time.Now().Add(3 * time.Second)
	for {
		write("users:\n  - id: bob\n    token: b\n")
		if _, err := p.GetUserByToken("b"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watcher did not pick up the new users file")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, err := p.GetUser("alice"); err == nil {
		t.Error("alice should be gone after reload")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	mem, _ := NewStaticProviderFromUsers(nil)
	if err := mem.Reload(); err == nil {
		t.Error("in-memory provider cannot reload")
	}
}
