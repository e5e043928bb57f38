package ssh

import (
	"bytes"
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/agent462/devherd/internal/adb"
	"github.com/agent462/devherd/internal/sshtest"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestStageIn_UploadsOnce(t *testing.T) {
	var logs bytes.Buffer
	r := newTestRunner(t, nil, WithLogger(zerolog.New(&logs).Level(zerolog.DebugLevel)))
	stageDir := filepath.Join(t.TempDir(), "stage")
	s := NewStager(r, stageDir)

	local := writeFile(t, t.TempDir(), "app.apk", "apk bytes")
	remote, err := s.StageIn(context.Background(), local)
	if err != nil {
		t.Fatalf("StageIn: %v", err)
	}
	if path.Dir(remote) != stageDir || !strings.HasSuffix(remote, "-app.apk") {
		t.Errorf("staged path = %q", remote)
	}
	data, err := os.ReadFile(remote)
	if err != nil || string(data) != "apk bytes" {
		t.Fatalf("staged content = %q, %v", data, err)
	}
	if _, err := os.Stat(remote + ".part"); !os.IsNotExist(err) {
		t.Error("partial upload left behind")
	}

	again, err := s.StageIn(context.Background(), local)
	if err != nil {
		t.Fatal(err)
	}
	if again != remote {
		t.Errorf("second stage path = %q, want %q", again, remote)
	}
	if !strings.Contains(logs.String(), "already staged") {
		t.Error("identical content was uploaded twice")
	}
}

func TestStageIn_DifferentContentDifferentPath(t *testing.T) {
	r := newTestRunner(t, nil)
	s := NewStager(r, t.TempDir())
	dir := t.TempDir()

	a, err := s.StageIn(context.Background(), writeFile(t, dir, "app.apk", "v1"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.StageIn(context.Background(), writeFile(t, dir, "app.apk", "v2"))
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("changed content reused the old staged path")
	}
}

func TestStageIn_MissingLocalFile(t *testing.T) {
	r := newTestRunner(t, nil)
	s := NewStager(r, t.TempDir())
	if _, err := s.StageIn(context.Background(), filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestStageOut(t *testing.T) {
	r := newTestRunner(t, nil)
	stageDir := t.TempDir()
	s := NewStager(r, stageDir)

	tmp := s.TempPath("/sdcard/logcat.txt")
	if path.Dir(tmp) != stageDir || !strings.HasSuffix(tmp, "-logcat.txt") {
		t.Errorf("TempPath = %q", tmp)
	}
	if other := s.TempPath("logcat.txt"); other == tmp {
		t.Error("TempPath should be unique per call")
	}
	if err := os.WriteFile(tmp, []byte("log line\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	local := filepath.Join(t.TempDir(), "out", "nested", "logcat.txt")
	if err := s.StageOut(context.Background(), tmp, local); err != nil {
		t.Fatalf("StageOut: %v", err)
	}
	data, err := os.ReadFile(local)
	if err != nil || string(data) != "log line\n" {
		t.Errorf("local content = %q, %v", data, err)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Error("staged file not removed after download")
	}
}

func TestStager_BridgePushAndPull(t *testing.T) {
	var commands []string
	r := newTestRunner(t, func(req sshtest.Request) sshtest.Reply {
		commands = append(commands, req.Command)
		fields := strings.Fields(req.Command)
		// adb -s s1 pull <remote> <bridge tmp>
		if len(fields) == 5 && fields[3] == "pull" {
			if err := os.WriteFile(fields[4], []byte("pulled"), 0o644); err != nil {
				return sshtest.Reply{Stderr: err.Error(), ExitCode: 1}
			}
		}
		return sshtest.Reply{}
	})
	stageDir := t.TempDir()
	bridge := adb.NewBridge(r, adb.WithStager(NewStager(r, stageDir)))
	ctx := context.Background()

	local := writeFile(t, t.TempDir(), "fixture.bin", "fixture")
	res, err := bridge.Push(ctx, "s1", local, "/data/local/tmp/fixture.bin")
	if err != nil || res.ExitCode != 0 {
		t.Fatalf("Push: %v %+v", err, res)
	}
	fields := strings.Fields(commands[0])
	if len(fields) != 6 || path.Dir(fields[4]) != stageDir {
		t.Errorf("push did not use the staged file: %q", commands[0])
	}

	out := filepath.Join(t.TempDir(), "got.txt")
	if _, err := bridge.Pull(ctx, "s1", "/sdcard/result.txt", out); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if data, _ := os.ReadFile(out); string(data) != "pulled" {
		t.Errorf("pulled content = %q", data)
	}
}
