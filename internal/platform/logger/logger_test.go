package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"loud":    slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info", "json")

	r := chi.NewRouter()
	r.Use(RequestLogger(log))
	r.Get("/stream/{channelID}/{file}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "file") == "broken.m3u8" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/stream/ch1/master.m3u8", nil))
	if buf.Len() != 0 {
		t.Fatalf("successful polls should log at debug, got %s", buf.String())
	}

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/stream/ch1/broken.m3u8", nil))
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if rec["level"] != "WARN" || rec["status"] != float64(503) || rec["channel_id"] != "ch1" {
		t.Errorf("unexpected log record %v", rec)
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	Component(NewWriter(&buf, "info", "json"), "supervisor").Info("hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["component"] != "supervisor" {
		t.Errorf("expected component attribute, got %v", rec)
	}
}
