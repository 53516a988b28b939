package adapters

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	githubPlatform   = "github"
	githubAPIBase    = "https://api.github.com"
	githubPageSize   = 100
	githubResIssues  = "issues"
	githubResStars   = "stargazers"
)

var githubWebhookTypes = map[string]bool{
	"issues":        true,
	"issue_comment": true,
	"pull_request":  true,
	"star":          true,
}

// GitHubAdapter syncs issues and stargazers for the repositories configured
// on the integration. One stream per repository per resource, paginated with
// GitHub's page parameter.
type GitHubAdapter struct {
	evaluator *expressions.Evaluator
	baseURL   string
}

// NewGitHubAdapter creates the GitHub adapter
func NewGitHubAdapter() *GitHubAdapter {
	return &GitHubAdapter{
		evaluator: expressions.NewEvaluator(),
		baseURL:   githubAPIBase,
	}
}

// Platform returns the platform key
func (a *GitHubAdapter) Platform() string {
	return githubPlatform
}

// GenerateStreams publishes one first-page stream per repo per resource
func (a *GitHubAdapter) GenerateStreams(ctx context.Context, gctx *GenerateContext) error {
	ctx, span := tracing.StartSpan(ctx, "GitHubAdapter.GenerateStreams")
	defer span.End()

	repos, err := settingsStrings(gctx.Settings(), "repos")
	if err != nil {
		return fmt.Errorf("github integration has no repos configured: %w", err)
	}

	for _, repo := range repos {
		for _, resource := range []string{githubResIssues, githubResStars} {
			identifier := fmt.Sprintf("%s:%s:page:1", resource, repo)
			metadata := map[string]any{
				"repo":     repo,
				"resource": resource,
				"page":     1,
			}
			if err := gctx.PublishStream(ctx, identifier, metadata); err != nil {
				return err
			}
		}
	}

	gctx.Logger().WithContext(ctx).Infof("Generated github streams for %d repos", len(repos))
	return nil
}

// ProcessStream fetches one page of the stream's resource
func (a *GitHubAdapter) ProcessStream(ctx context.Context, sctx *StreamContext) error {
	ctx, span := tracing.StartSpan(ctx, "GitHubAdapter.ProcessStream")
	defer span.End()

	meta := sctx.Metadata()
	repo, _ := meta["repo"].(string)
	resource, _ := meta["resource"].(string)
	page, err := a.evaluator.EvaluateInt("page", meta)
	if err != nil || page < 1 {
		page = 1
	}
	if repo == "" || resource == "" {
		return fmt.Errorf("github stream %s has invalid metadata", sctx.Stream.ID)
	}

	reqURL := fmt.Sprintf("%s/repos/%s/%s?per_page=%d&page=%d",
		a.baseURL, repo, resource, githubPageSize, page)
	if resource == githubResIssues {
		reqURL += "&state=all&sort=updated&direction=asc"
		if since := cursorString(sctx.Integration.Settings.Data, resource, repo); since != "" {
			reqURL += "&since=" + url.QueryEscape(since)
		}
	}

	headers := map[string]string{
		"Accept":               "application/vnd.github+json",
		"X-GitHub-Api-Version": "2022-11-28",
	}
	if token := sctx.AuthToken(); token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	if resource == githubResStars {
		// starred_at is only present with the star media type
		headers["Accept"] = "application/vnd.github.star+json"
	}

	resp, err := sctx.Fetch().Get(ctx, reqURL, headers)
	if err != nil {
		return err
	}

	records, err := a.evaluator.EvaluateSlice("[*]", resp.BodyJSON)
	if err != nil {
		return fmt.Errorf("unexpected github %s payload: %w", resource, err)
	}

	for _, raw := range records {
		payload, err := a.normalize(resource, repo, raw)
		if err != nil {
			return err
		}
		if err := sctx.PublishData(ctx, payload); err != nil {
			return err
		}
	}

	if resource == githubResIssues && len(records) > 0 {
		last := records[len(records)-1]
		if updated, _ := a.evaluator.EvaluateString("updated_at", last); updated != "" {
			sctx.SetCursor(cursorKey(resource, repo), updated)
		}
	}

	// A full page means there may be more
	if len(records) == githubPageSize {
		nextMeta := map[string]any{
			"repo":     repo,
			"resource": resource,
			"page":     page + 1,
		}
		sctx.PublishNextPage(fmt.Sprintf("%s:%s:page:%d", resource, repo, page+1), nextMeta)
	}

	sctx.Logger().WithContext(ctx).Infof("Processed github %s page %d for %s: %d records",
		resource, page, repo, len(records))
	return nil
}

// normalize maps one raw API record to the stable data payload shape
func (a *GitHubAdapter) normalize(resource, repo string, raw any) (map[string]any, error) {
	switch resource {
	case githubResIssues:
		id, _ := a.evaluator.EvaluateString("id", raw)
		title, _ := a.evaluator.EvaluateString("title", raw)
		state, _ := a.evaluator.EvaluateString("state", raw)
		author, _ := a.evaluator.EvaluateString("user.login", raw)
		createdAt, _ := a.evaluator.EvaluateString("created_at", raw)
		htmlURL, _ := a.evaluator.EvaluateString("html_url", raw)
		body, _ := a.evaluator.EvaluateString("body", raw)
		return map[string]any{
			"type":       "issue",
			"sourceId":   id,
			"repo":       repo,
			"title":      title,
			"state":      state,
			"author":     author,
			"body":       body,
			"url":        htmlURL,
			"occurredAt": createdAt,
		}, nil

	case githubResStars:
		author, _ := a.evaluator.EvaluateString("user.login", raw)
		starredAt, _ := a.evaluator.EvaluateString("starred_at", raw)
		return map[string]any{
			"type":       "star",
			"sourceId":   fmt.Sprintf("star:%s:%s", repo, author),
			"repo":       repo,
			"author":     author,
			"occurredAt": starredAt,
		}, nil

	default:
		return nil, fmt.Errorf("unknown github resource %q", resource)
	}
}

// SupportsWebhook reports whether the webhook type is understood
func (a *GitHubAdapter) SupportsWebhook(webhookType string) bool {
	return githubWebhookTypes[webhookType]
}

// ProcessWebhook normalizes a verified GitHub webhook into data records
func (a *GitHubAdapter) ProcessWebhook(ctx context.Context, wctx *WebhookContext) error {
	ctx, span := tracing.StartSpan(ctx, "GitHubAdapter.ProcessWebhook")
	defer span.End()

	payload := wctx.Payload()
	repo, _ := a.evaluator.EvaluateString("repository.full_name", payload)

	switch wctx.Webhook.Type {
	case "issues", "pull_request":
		action, _ := a.evaluator.EvaluateString("action", payload)
		subject := "issue"
		if wctx.Webhook.Type == "pull_request" {
			subject = "pull_request"
		}
		raw, err := a.evaluator.EvaluateMap(subject, payload)
		if err != nil || raw == nil {
			return fmt.Errorf("github %s webhook has no %s payload", wctx.Webhook.Type, subject)
		}
		record, err := a.normalize(githubResIssues, repo, raw)
		if err != nil {
			return err
		}
		record["type"] = subject
		record["action"] = action
		return wctx.PublishData(ctx, record)

	case "issue_comment":
		author, _ := a.evaluator.EvaluateString("comment.user.login", payload)
		body, _ := a.evaluator.EvaluateString("comment.body", payload)
		commentID, _ := a.evaluator.EvaluateString("comment.id", payload)
		createdAt, _ := a.evaluator.EvaluateString("comment.created_at", payload)
		return wctx.PublishData(ctx, map[string]any{
			"type":       "issue_comment",
			"sourceId":   commentID,
			"repo":       repo,
			"author":     author,
			"body":       body,
			"occurredAt": createdAt,
		})

	case "star":
		author, _ := a.evaluator.EvaluateString("sender.login", payload)
		starredAt, _ := a.evaluator.EvaluateString("starred_at", payload)
		return wctx.PublishData(ctx, map[string]any{
			"type":       "star",
			"sourceId":   fmt.Sprintf("star:%s:%s", repo, author),
			"repo":       repo,
			"author":     author,
			"occurredAt": starredAt,
		})

	default:
		return fmt.Errorf("unsupported github webhook type %q", wctx.Webhook.Type)
	}
}

// settingsStrings extracts a required list of strings from settings
func settingsStrings(settings map[string]any, key string) ([]string, error) {
	raw, ok := settings[key].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("setting %q missing or empty", key)
	}

	values := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("setting %q contains a non-string entry", key)
		}
		values = append(values, s)
	}
	return values, nil
}

func cursorKey(resource, scope string) string {
	return fmt.Sprintf("%s:%s", resource, scope)
}

// cursorString reads a previously persisted cursor from integration settings
func cursorString(settings map[string]any, resource, scope string) string {
	cursors, ok := settings[models.CursorSettingsKey].(map[string]any)
	if !ok {
		return ""
	}
	cursor, _ := cursors[cursorKey(resource, scope)].(string)
	return cursor
}
