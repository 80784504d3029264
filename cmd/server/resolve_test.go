package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hls-broadcaster/internal/catalog"
	"hls-broadcaster/internal/platform/config"
)

const testCatalog = `
media:
  - id: intro
    path: /media/intro.mp4
    duration_seconds: 60
  - id: feature
    path: /media/feature.mp4
    duration_seconds: 120
channels:
  - id: one
    name: Channel One
    start_time: 2024-01-01T00:00:00Z
    loop: true
    items:
      - media_id: intro
        position: 0
      - media_id: feature
        position: 1
`

func TestPrintResolution(t *testing.T) {
	cat, err := catalog.Parse([]byte(testCatalog))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}

	var buf bytes.Buffer
	at := time.Date(2024, 1, 1, 0, 1, 30, 0, time.UTC)
	if err := printResolution(context.Background(), &buf, cat, "one", at); err != nil {
		t.Fatalf("printResolution: %v", err)
	}

	var out resolveOutput
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out.Status != "playing" || out.Position == nil {
		t.Fatalf("expected a position, got %+v", out)
	}
	if out.Position.MediaID != "feature" || out.Position.OffsetSeconds != 30 {
		t.Errorf("unexpected position %+v", out.Position)
	}

	buf.Reset()
	if err := printResolution(context.Background(), &buf, cat, "one", at.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	out = resolveOutput{}
	_ = json.Unmarshal(buf.Bytes(), &out)
	if out.Status != "not_started" || out.Position != nil {
		t.Errorf("unexpected output %+v", out)
	}

	if err := printResolution(context.Background(), &buf, cat, "missing", at); err == nil {
		t.Error("expected an error for an unknown channel")
	}
}

func TestResolveCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channels.yaml")
	if err := os.WriteFile(path, []byte(testCatalog), 0o644); err != nil {
		t.Fatal(err)
	}

	root := rootCommand(config.Settings{CatalogPath: "unused.yaml"})
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"resolve", "one", "--catalog", path, "--at", "2024-01-01T00:00:10Z"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	var out resolveOutput
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("decode output: %v (%q)", err, buf.String())
	}
	if out.Position == nil || out.Position.MediaID != "intro" || out.Position.OffsetSeconds != 10 {
		t.Errorf("unexpected output %+v", out)
	}

	root = rootCommand(config.Settings{CatalogPath: path})
	root.SetArgs([]string{"resolve", "one", "--at", "yesterday"})
	if err := root.Execute(); err == nil {
		t.Error("expected an error for a malformed --at")
	}
}
