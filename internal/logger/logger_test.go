package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLevelsWriteToConsole(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "")
	if err != nil {
		t.Fatal(err)
	}

	l.Info("hello %d", 1)
	l.Warning("careful %s", "now")
	l.Error("broken")

	out := buf.String()
	for _, want := range []string{"INFO", "hello 1", "WARNING", "careful now", "ERROR", "broken"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestLogDirFiles(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	l, err := New(&buf, dir)
	if err != nil {
		t.Fatal(err)
	}

	l.Warning("no target in %s", "ref3.jpg")
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "warning.log"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "no target in ref3.jpg") {
		t.Errorf("warning.log = %q", data)
	}

	info, err := os.ReadFile(filepath.Join(dir, "info.log"))
	if err != nil {
		t.Fatal(err)
	}
	if len(info) != 0 {
		t.Errorf("info.log should be empty, got %q", info)
	}
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.Info("dropped")
	l.Error("dropped")
}
