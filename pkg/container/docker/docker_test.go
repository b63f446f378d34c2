package docker

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nstogner/godagent/pkg/container"
)

func TestDecodeMessages(t *testing.T) {
	stream := `{"stream":"Step 1/2 : FROM alpine\n"}
{"status":"Pulling fs layer"}
not json
{"stream":"Successfully built abc\n"}
`
	out, err := decodeMessages(strings.NewReader(stream))
	if err != nil {
		t.Fatalf("decodeMessages: %v", err)
	}
	want := "Step 1/2 : FROM alpine\nPulling fs layer\nSuccessfully built abc\n"
	if out != want {
		t.Errorf("out = %q, want %q", out, want)
	}

	_, err = decodeMessages(strings.NewReader(`{"error":"no such file: Dockerfile"}`))
	if err == nil || !strings.Contains(err.Error(), "Dockerfile") {
		t.Errorf("err = %v, want the build error", err)
	}
}

func TestEngineIntegration(t *testing.T) {
	if os.Getenv("DOCKER_INTEGRATION") == "" {
		t.Skip("Skipping: DOCKER_INTEGRATION not set")
	}
	e, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := e.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	name := "godagent-test-" + uuid.New().String()[:8]
	defer e.Remove(context.Background(), name, true)

	s, err := e.Run(ctx, container.RunSpec{Image: "nginx:alpine", Name: name, Ports: []string{"80"}, Pull: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Name != name {
		t.Errorf("Name = %q, want %q", s.Name, name)
	}
	if err := WaitRunning(ctx, e, name); err != nil {
		t.Fatalf("WaitRunning: %v", err)
	}
	if _, err := e.Logs(ctx, name, 10); err != nil {
		t.Errorf("Logs: %v", err)
	}
	if err := e.Stop(ctx, name); err != nil {
		t.Errorf("Stop: %v", err)
	}
}
