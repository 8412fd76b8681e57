package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/rs/zerolog"

	"github.com/dataswift/hatsync/adapters"
	"github.com/dataswift/hatsync/engine"
	"github.com/dataswift/hatsync/hat"
	"github.com/dataswift/hatsync/hat/hattest"
	"github.com/dataswift/hatsync/internal/app"
	"github.com/dataswift/hatsync/reachability"
	"github.com/dataswift/hatsync/resource"
	"github.com/dataswift/hatsync/storage"
)

// testOpener opens a file-backed engine against a fake HAT, so state
// survives between commands the way it does between CLI invocations.
func testOpener(t *testing.T, srv *hattest.Server, gate *reachability.Static) opener {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hatsync.db")
	return func(ctx context.Context) (*app.App, error) {
		db, err := storage.Open(ctx, storage.DriverSQLite, path)
		if err != nil {
			return nil, err
		}
		client, err := hat.New("alice.hubofallthings.net", hat.NewMemoryCredentials("tok"), hat.WithBaseURL(srv.URL))
		if err != nil {
			return nil, err
		}
		reg := resource.NewRegistry()
		adapters.Register(reg, client, "alice.hubofallthings.net", nil)
		e, err := engine.New(ctx, db, reg, gate, engine.WithTrigger(engine.Manual))
		if err != nil {
			return nil, err
		}
		return &app.App{DB: db, Client: client, Gate: gate, Engine: e, Log: zerolog.Nop()}, nil
	}
}

func run(t *testing.T, open opener, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true
	var out bytes.Buffer
	cmd := newRootCmd(open)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLIOfflineNoteThenSync(t *testing.T) {
	srv := hattest.NewServer("tok")
	defer srv.Close()
	gate := reachability.NewStatic(false)
	open := testOpener(t, srv, gate)

	out, err := run(t, open, "notes", "add", "hello", "world")
	if err != nil {
		t.Fatalf("notes add: %v", err)
	}
	if !strings.Contains(out, "Queued note") {
		t.Errorf("notes add output = %q", out)
	}

	out, err = run(t, open, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "offline") || !strings.Contains(out, "notes") || !strings.Contains(out, "1 queued") {
		t.Errorf("status output = %q", out)
	}

	out, err = run(t, open, "queue", "notes")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if !strings.Contains(out, "create") {
		t.Errorf("queue output = %q", out)
	}

	out, err = run(t, open, "sync", "notes")
	if err != nil {
		t.Fatalf("sync offline: %v", err)
	}
	if !strings.Contains(out, "remaining 1") || !strings.Contains(out, "stopped") {
		t.Errorf("offline sync output = %q", out)
	}
	if srv.TotalCalls() != 0 {
		t.Errorf("calls while offline = %d, want 0", srv.TotalCalls())
	}

	gate.SetOnline(true)
	out, err = run(t, open, "sync")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !strings.Contains(out, "applied 1") {
		t.Errorf("sync output = %q", out)
	}
	recs := srv.Records("rumpel/notablesv1")
	if len(recs) != 1 {
		t.Fatalf("server records = %d, want 1", len(recs))
	}
	note, err := adapters.DecodeNote(recs[0].Data)
	if err != nil {
		t.Fatal(err)
	}
	if note.Message != "hello world" {
		t.Errorf("message = %q, want %q", note.Message, "hello world")
	}

	out, err = run(t, open, "notes", "list")
	if err != nil {
		t.Fatalf("notes list: %v", err)
	}
	if !strings.Contains(out, "hello world") || strings.Contains(out, "pending") {
		t.Errorf("notes list output = %q", out)
	}
}

func TestCLIDeadLetters(t *testing.T) {
	srv := hattest.NewServer("tok")
	defer srv.Close()
	open := testOpener(t, srv, reachability.NewStatic(true))

	out, err := run(t, open, "dead")
	if err != nil {
		t.Fatalf("dead: %v", err)
	}
	if !strings.Contains(out, "No dead letters") {
		t.Errorf("dead output = %q", out)
	}

	if _, err := run(t, open, "dead", "requeue", "nope"); err == nil {
		t.Error("requeue of an unknown id should fail")
	}

	out, err = run(t, open, "dead", "clear")
	if err != nil {
		t.Fatalf("dead clear: %v", err)
	}
	if !strings.Contains(out, "Discarded 0") {
		t.Errorf("dead clear output = %q", out)
	}
}

func TestCLIQueueClearAndNoteDelete(t *testing.T) {
	srv := hattest.NewServer("tok")
	defer srv.Close()
	open := testOpener(t, srv, reachability.NewStatic(false))

	if _, err := run(t, open, "notes", "add", "first"); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, open, "notes", "add", "second"); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, open, "queue", "notes", "--clear")
	if err != nil {
		t.Fatalf("queue --clear: %v", err)
	}
	if !strings.Contains(out, "Discarded 2") {
		t.Errorf("queue --clear output = %q", out)
	}

	if _, err := run(t, open, "queue", "workouts"); err == nil {
		t.Error("queue for an unknown type should fail")
	}
	if _, err := run(t, open, "notes", "rm", "missing"); err == nil {
		t.Error("deleting an unknown note should fail")
	}
}

func TestCLICacheListing(t *testing.T) {
	srv := hattest.NewServer("tok")
	defer srv.Close()
	open := testOpener(t, srv, reachability.NewStatic(true))

	if _, err := run(t, open, "notes", "list"); err != nil {
		t.Fatalf("notes list: %v", err)
	}

	out, err := run(t, open, "cache", "notes")
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	if !strings.Contains(out, "fresh") || !strings.Contains(out, "1 entries") {
		t.Errorf("cache output = %q", out)
	}

	if _, err := run(t, open, "cache", "invalidate", "notes"); err != nil {
		t.Fatalf("cache invalidate: %v", err)
	}
	out, err = run(t, open, "cache", "notes")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "0 entries") {
		t.Errorf("cache output after invalidate = %q", out)
	}
}

func TestParseParams(t *testing.T) {
	tests := []struct {
		args    []string
		want    map[string]string
		wantErr bool
	}{
		{nil, nil, false},
		{[]string{"startDate=2024-01-01"}, map[string]string{"startDate": "2024-01-01"}, false},
		{[]string{"a=1", "b="}, map[string]string{"a": "1", "b": ""}, false},
		{[]string{"novalue"}, nil, true},
		{[]string{"=x"}, nil, true},
	}

	for _, tt := range tests {
		got, err := parseParams(tt.args)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseParams(%v) error = %v, wantErr %v", tt.args, err, tt.wantErr)
			continue
		}
		if len(got) != len(tt.want) {
			t.Errorf("parseParams(%v) = %v, want %v", tt.args, got, tt.want)
			continue
		}
		for k, v := range tt.want {
			if got[k] != v {
				t.Errorf("parseParams(%v)[%q] = %q, want %q", tt.args, k, got[k], v)
			}
		}
	}
}
