package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tbourn/go-chat-mirror/internal/domain"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("CREDENTIALS_SECRET", "correct horse battery")
	t.Setenv("LOG_LEVEL", "error")
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCredentials_ListAndRemove(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "mirror.db")

	out, err := runCLI(t, "--env-file", "", "--db", dbPath, "credentials", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "DOMAIN") || strings.Contains(out, "chat.example.org") {
		t.Fatalf("empty list output: %q", out)
	}

	// Seed a credential through the same store the CLI opens.
	a := &app{dbPath: dbPath}
	if err := a.load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	db, store, err := a.openStore(false)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	if err := store.Save(context.Background(), domain.Account{
		Domain: "chat.example.org", UserID: "5", Username: "me", Discriminator: "0001", Token: "tok",
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	closeDB(db)

	out, err = runCLI(t, "--env-file", "", "--db", dbPath, "creds", "list")
	if err != nil || !strings.Contains(out, "chat.example.org") || !strings.Contains(out, "me#0001") {
		t.Fatalf("list after save: %q %v", out, err)
	}

	out, err = runCLI(t, "--env-file", "", "--db", dbPath, "credentials", "remove", "--domain", "Chat.Example.org", "--user", "5")
	if err != nil || !strings.Contains(out, "removed 5") {
		t.Fatalf("remove: %q %v", out, err)
	}
	if _, err := runCLI(t, "--env-file", "", "--db", dbPath, "credentials", "remove", "--domain", "chat.example.org", "--user", "5"); err == nil {
		t.Fatalf("second remove should fail")
	}
}

func TestCredentials_AddRequiresFlags(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "mirror.db")
	if _, err := runCLI(t, "--env-file", "", "--db", dbPath, "credentials", "add", "--domain", "chat.example.org"); err == nil {
		t.Fatalf("expected missing --token error")
	}
}

func TestRoot_BadConfig(t *testing.T) {
	t.Setenv("CREDENTIALS_SECRET", "short")
	root := newRootCmd()
	root.SetArgs([]string{"--env-file", "", "credentials", "list"})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "CREDENTIALS_SECRET") {
		t.Fatalf("expected config error, got %v", err)
	}
}
