package voice

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTranscribeFile(t *testing.T) {
	var gotModel, gotLanguage, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
		}
		gotModel = r.FormValue("model")
		gotLanguage = r.FormValue("language")
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
		} else {
			data, _ := io.ReadAll(f)
			if string(data) != "RIFF-fake-audio" {
				t.Errorf("uploaded %q", data)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"  What is the price of bitcoin?  "}`))
	}))
	defer srv.Close()

	tr, err := New(Config{APIKey: "test-key", BaseURL: srv.URL, Language: "en"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path := filepath.Join(t.TempDir(), "question.wav")
	if err := os.WriteFile(path, []byte("RIFF-fake-audio"), 0o644); err != nil {
		t.Fatal(err)
	}

	text, err := tr.TranscribeFile(context.Background(), path)
	if err != nil {
		t.Fatalf("TranscribeFile: %v", err)
	}
	if text != "What is the price of bitcoin?" {
		t.Errorf("text = %q", text)
	}
	if gotModel != DefaultModel || gotLanguage != "en" {
		t.Errorf("model = %q, language = %q", gotModel, gotLanguage)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestTranscribeFileRejects(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New without API key succeeded")
	}
	tr, _ := New(Config{APIKey: "k", BaseURL: "http://127.0.0.1:1"})
	if _, err := tr.TranscribeFile(context.Background(), "notes.txt"); err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Errorf("err = %v, want unsupported format", err)
	}
}
