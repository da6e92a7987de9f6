package buildsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// logBlobServer serves a build status endpoint and a Range-addressed log
// blob, growing the blob and flipping the build to SUCCESS as the test
// progresses.
type logBlobServer struct {
	mu        sync.Mutex
	content   string
	status    string
	readFails int // fail this many blob reads with 500 before recovering
}

func (s *logBlobServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/projects/demo-project/builds/b-1", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		status := s.status
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "b-1", "status": status})
	})
	mux.HandleFunc("/storage/demo-logs/log-b-1.txt", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.readFails > 0 {
			s.readFails--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var offset int
		if _, err := fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-", &offset); err != nil {
			t.Errorf("missing range header: %v", err)
		}
		if offset >= len(s.content) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte(s.content[offset:]))
	})
	return mux
}

func TestStreamLogsFollowsCursorUntilTerminal(t *testing.T) {
	blob := &logBlobServer{content: "FETCHSOURCE\nfetching source\n", status: "WORKING"}
	srv := httptest.NewServer(blob.handler(t))
	defer srv.Close()

	client := testClient(srv)

	var mu sync.Mutex
	var lines []string
	done := make(chan error, 1)
	go func() {
		done <- client.StreamLogs(context.Background(), "b-1", "gs://demo-logs", func(line string) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
		})
	}()

	time.Sleep(1500 * time.Millisecond)
	blob.mu.Lock()
	blob.content += "BUILD\nbuilding image\n"
	blob.status = "SUCCESS"
	blob.mu.Unlock()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stream ended with error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("stream did not terminate after build finished")
	}

	mu.Lock()
	defer mu.Unlock()
	got := strings.Join(lines, "\n")
	want := "FETCHSOURCE\nfetching source\nBUILD\nbuilding image"
	if got != want {
		t.Fatalf("expected lines:\n%s\ngot:\n%s", want, got)
	}
}

func TestStreamLogsRetriesTransientReadFailures(t *testing.T) {
	blob := &logBlobServer{content: "DONE\n", status: "SUCCESS", readFails: 2}
	srv := httptest.NewServer(blob.handler(t))
	defer srv.Close()

	client := testClient(srv)

	var mu sync.Mutex
	var lines []string
	err := client.StreamLogs(context.Background(), "b-1", "gs://demo-logs", func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("stream must survive transient read failures: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 1 || lines[0] != "DONE" {
		t.Fatalf("expected the line despite retries, got %v", lines)
	}
}

func TestStreamLogsHonorsCancellation(t *testing.T) {
	blob := &logBlobServer{status: "WORKING"}
	srv := httptest.NewServer(blob.handler(t))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- testClient(srv).StreamLogs(ctx, "b-1", "gs://demo-logs", func(string) {})
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context error after cancellation")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after cancellation")
	}
}
