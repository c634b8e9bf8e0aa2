package autofix

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	gogithub "github.com/google/go-github/v69/github"
)

// ForgeReporter files the outcome of fix deployments as issues on the
// project's forge so humans see what the pipeline did.
type ForgeReporter struct {
	client *gogithub.Client
	owner  string
	repo   string
	logger *slog.Logger
}

// NewForgeReporter creates a reporter. baseURL may be empty for
// github.com; anything else is treated as an enterprise endpoint.
func NewForgeReporter(httpClient *http.Client, token, baseURL, owner, repo string, logger *slog.Logger) (*ForgeReporter, error) {
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("forge reporter: owner and repo are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := gogithub.NewClient(httpClient)
	if baseURL != "" && baseURL != "https://api.github.com" {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("forge reporter: %w", err)
		}
	}
	if token != "" {
		client = client.WithAuthToken(token)
	}

	return &ForgeReporter{client: client, owner: owner, repo: repo, logger: logger}, nil
}

// maxOutputLen bounds how much test output lands in an issue body.
const maxOutputLen = 4000

// ReportDeployment opens an issue describing what a deploy attempt
// did. Returns the issue URL.
func (r *ForgeReporter) ReportDeployment(ctx context.Context, fix *Fix, plan DeploymentPlan, result *DeployResult) (string, error) {
	var title string
	if result != nil && result.Deployed {
		title = fmt.Sprintf("autofix deployed: %s", fix.Description)
	} else {
		title = fmt.Sprintf("autofix needs attention: %s", fix.Description)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Fix `%s`", fix.ID)
	if fix.Platform != "" {
		fmt.Fprintf(&b, " (platform: %s)", fix.Platform)
	}
	fmt.Fprintf(&b, "\n\n- Confidence: %.2f\n- Strategy: %s (%s)\n- Patches: %d\n- Tests: %d\n",
		fix.Confidence, plan.Strategy, plan.Reason, len(fix.Patches), len(fix.Tests))
	if result != nil {
		fmt.Fprintf(&b, "- Deployed: %t\n", result.Deployed)
		if result.Deployed {
			fmt.Fprintf(&b, "- Rollout stage: %d%%\n", result.Stage)
		}
		if result.Output != "" {
			output := result.Output
			if len(output) > maxOutputLen {
				output = output[:maxOutputLen] + "\n… truncated"
			}
			fmt.Fprintf(&b, "\n```\n%s\n```\n", output)
		}
	}
	body := b.String()

	labels := []string{"autofix", string(plan.Strategy)}
	issue, resp, err := r.client.Issues.Create(ctx, r.owner, r.repo, &gogithub.IssueRequest{
		Title:  &title,
		Body:   &body,
		Labels: &labels,
	})
	if err != nil {
		return "", fmt.Errorf("create deployment issue: %w", err)
	}
	if resp != nil && resp.Rate.Remaining < 100 {
		r.logger.Warn("forge rate limit low", "remaining", resp.Rate.Remaining)
	}

	r.logger.Info("deployment reported", "fix", fix.ID, "issue", issue.GetHTMLURL())
	return issue.GetHTMLURL(), nil
}
