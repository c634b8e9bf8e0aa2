package autofix

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestReporter(t *testing.T, handler http.Handler) *ForgeReporter {
	t.Helper()

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := NewForgeReporter(ts.Client(), "test-token", ts.URL, "meshline", "meshline", logger)
	if err != nil {
		t.Fatalf("NewForgeReporter: %v", err)
	}
	return r
}

func TestReportDeployment(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v3/repos/meshline/meshline/issues", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"number":   7,
			"html_url": "https://forge.test/meshline/meshline/issues/7",
		})
	})

	r := newTestReporter(t, mux)
	fix := testFix(nil)
	plan := DeploymentPlan{Strategy: StrategyAuto, Reason: "confidence 0.90 meets threshold 0.80 with tests"}
	result := &DeployResult{Deployed: true, Stage: 100, Output: "ok\t./...\t0.3s"}

	url, err := r.ReportDeployment(context.Background(), fix, plan, result)
	if err != nil {
		t.Fatalf("ReportDeployment: %v", err)
	}
	if url != "https://forge.test/meshline/meshline/issues/7" {
		t.Errorf("url = %q", url)
	}

	title, _ := got["title"].(string)
	if !strings.Contains(title, "deployed") || !strings.Contains(title, fix.Description) {
		t.Errorf("title = %q", title)
	}
	body, _ := got["body"].(string)
	for _, want := range []string{"fix-1", "Confidence: 0.90", "Rollout stage: 100%", "ok\t./..."} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
	labels, _ := got["labels"].([]any)
	if len(labels) != 2 || labels[0] != "autofix" || labels[1] != "auto" {
		t.Errorf("labels = %v", labels)
	}
}

func TestReportDeploymentFailureTitle(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v3/repos/meshline/meshline/issues", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"number": 8, "html_url": "https://forge.test/i/8"})
	})

	r := newTestReporter(t, mux)
	plan := DeploymentPlan{Strategy: StrategyStaged, Reason: "confidence or test coverage insufficient for direct deploy"}
	result := &DeployResult{Deployed: false, Output: "FAIL"}

	if _, err := r.ReportDeployment(context.Background(), testFix(nil), plan, result); err != nil {
		t.Fatalf("ReportDeployment: %v", err)
	}
	if title, _ := got["title"].(string); !strings.Contains(title, "needs attention") {
		t.Errorf("title = %q", title)
	}
}

func TestNewForgeReporterRequiresRepo(t *testing.T) {
	if _, err := NewForgeReporter(nil, "", "", "", "", nil); err == nil {
		t.Fatal("missing owner/repo accepted")
	}
}
