package logger

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestSetupWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "osmgraph.log")
	restore := Replace(nil)
	defer restore()

	Setup(Options{File: path})
	Get().Debug("hidden")
	Get().Info("Import started", zap.String("source", "monaco.osm.pbf"))
	Sync()

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var lines []map[string]interface{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var entry map[string]interface{}
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			t.Fatalf("log line is not JSON: %q", sc.Text())
		}
		lines = append(lines, entry)
	}
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1 (debug is filtered at info level)", len(lines))
	}
	if lines[0]["msg"] != "Import started" || lines[0]["source"] != "monaco.osm.pbf" {
		t.Errorf("unexpected entry %v", lines[0])
	}
}

func TestReplace(t *testing.T) {
	nop := zap.NewNop()
	restore := Replace(nop)
	if Get() != nop {
		t.Error("Get should return the replaced logger")
	}
	restore()
	if Get() == nop {
		t.Error("restore should reinstate the previous logger")
	}
}
