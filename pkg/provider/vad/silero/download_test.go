package silero_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/flametree-ai/sipvox/pkg/provider/vad/silero"
)

// TestEnsureModelDownloads verifies the happy path through a redirect chain,
// including a relative Location hop.
func TestEnsureModelDownloads(t *testing.T) {
	t.Parallel()

	payload := []byte("onnx-bytes")
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/hop", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/hop", func(w http.ResponseWriter, r *http.Request) {
		// Relative Location: must resolve against the current URL.
		w.Header().Set("Location", "model.onnx")
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("/model.onnx", func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua == "" {
			t.Errorf("download request carries no user agent")
		}
		w.Write(payload)
	})

	path := filepath.Join(t.TempDir(), "models", "silero.onnx")
	if err := silero.EnsureModel(context.Background(), path, srv.URL+"/start"); err != nil {
		t.Fatalf("EnsureModel: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read downloaded model: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("model content = %q, want %q", got, payload)
	}
}

// TestEnsureModelExisting verifies that a present model file short-circuits
// the download, even with no URL configured.
func TestEnsureModelExisting(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "silero.onnx")
	if err := os.WriteFile(path, []byte("existing"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := silero.EnsureModel(context.Background(), path, ""); err != nil {
		t.Fatalf("EnsureModel with existing file: %v", err)
	}
}

// TestEnsureModelFailures verifies the error paths: missing URL, redirect
// loops, non-2xx answers and empty bodies. No file may be left behind.
func TestEnsureModelFailures(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/loop", http.StatusFound)
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/empty", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	cases := []struct {
		name string
		url  string
	}{
		{name: "no url configured", url: ""},
		{name: "redirect loop", url: srv.URL + "/loop"},
		{name: "http error", url: srv.URL + "/missing"},
		{name: "empty body", url: srv.URL + "/empty"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "silero.onnx")
			if err := silero.EnsureModel(context.Background(), path, tc.url); err == nil {
				t.Fatal("EnsureModel succeeded, want error")
			}
			if _, err := os.Stat(path); !os.IsNotExist(err) {
				t.Errorf("failed download left a file behind")
			}
		})
	}
}
