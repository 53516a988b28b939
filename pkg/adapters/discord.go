package adapters

import (
	"context"
	"fmt"

	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	discordPlatform = "discord"
	discordAPIBase  = "https://discord.com/api/v10"
	discordPageSize = 100
)

var discordWebhookTypes = map[string]bool{
	"MESSAGE_CREATE": true,
	"MESSAGE_UPDATE": true,
	"GUILD_MEMBER_ADD": true,
}

// DiscordAdapter syncs channel messages for the channels configured on the
// integration. Discord paginates backwards with a before-ID cursor, so each
// continuation page carries the ID of the oldest message seen so far.
type DiscordAdapter struct {
	evaluator *expressions.Evaluator
	baseURL   string
}

// NewDiscordAdapter creates the Discord adapter
func NewDiscordAdapter() *DiscordAdapter {
	return &DiscordAdapter{
		evaluator: expressions.NewEvaluator(),
		baseURL:   discordAPIBase,
	}
}

// Platform returns the platform key
func (a *DiscordAdapter) Platform() string {
	return discordPlatform
}

// GenerateStreams publishes one first-page stream per configured channel
func (a *DiscordAdapter) GenerateStreams(ctx context.Context, gctx *GenerateContext) error {
	ctx, span := tracing.StartSpan(ctx, "DiscordAdapter.GenerateStreams")
	defer span.End()

	channels, err := settingsStrings(gctx.Settings(), "channels")
	if err != nil {
		return fmt.Errorf("discord integration has no channels configured: %w", err)
	}

	for _, channel := range channels {
		identifier := fmt.Sprintf("messages:%s", channel)
		metadata := map[string]any{
			"channelId": channel,
		}
		if err := gctx.PublishStream(ctx, identifier, metadata); err != nil {
			return err
		}
	}

	gctx.Logger().WithContext(ctx).Infof("Generated discord streams for %d channels", len(channels))
	return nil
}

// ProcessStream fetches one page of messages for the stream's channel
func (a *DiscordAdapter) ProcessStream(ctx context.Context, sctx *StreamContext) error {
	ctx, span := tracing.StartSpan(ctx, "DiscordAdapter.ProcessStream")
	defer span.End()

	meta := sctx.Metadata()
	channel, _ := meta["channelId"].(string)
	if channel == "" {
		return fmt.Errorf("discord stream %s has no channelId", sctx.Stream.ID)
	}
	before, _ := meta["before"].(string)

	reqURL := fmt.Sprintf("%s/channels/%s/messages?limit=%d", a.baseURL, channel, discordPageSize)
	if before != "" {
		reqURL += "&before=" + before
	}

	headers := map[string]string{}
	if token := sctx.AuthToken(); token != "" {
		headers["Authorization"] = "Bot " + token
	}

	resp, err := sctx.Fetch().Get(ctx, reqURL, headers)
	if err != nil {
		return err
	}

	records, err := a.evaluator.EvaluateSlice("[*]", resp.BodyJSON)
	if err != nil {
		return fmt.Errorf("unexpected discord messages payload: %w", err)
	}

	var oldestID string
	for _, raw := range records {
		id, _ := a.evaluator.EvaluateString("id", raw)
		author, _ := a.evaluator.EvaluateString("author.username", raw)
		content, _ := a.evaluator.EvaluateString("content", raw)
		timestamp, _ := a.evaluator.EvaluateString("timestamp", raw)

		payload := map[string]any{
			"type":       "message",
			"sourceId":   id,
			"channelId":  channel,
			"author":     author,
			"body":       content,
			"occurredAt": timestamp,
		}
		if err := sctx.PublishData(ctx, payload); err != nil {
			return err
		}
		// Messages come newest first
		oldestID = id
	}

	if len(records) == discordPageSize && oldestID != "" {
		nextMeta := map[string]any{
			"channelId": channel,
			"before":    oldestID,
		}
		sctx.PublishNextPage(fmt.Sprintf("messages:%s:before:%s", channel, oldestID), nextMeta)
	}

	sctx.Logger().WithContext(ctx).Infof("Processed discord channel %s: %d messages", channel, len(records))
	return nil
}

// SupportsWebhook reports whether the gateway event type is understood
func (a *DiscordAdapter) SupportsWebhook(webhookType string) bool {
	return discordWebhookTypes[webhookType]
}

// ProcessWebhook normalizes a verified Discord gateway event into a data record
func (a *DiscordAdapter) ProcessWebhook(ctx context.Context, wctx *WebhookContext) error {
	ctx, span := tracing.StartSpan(ctx, "DiscordAdapter.ProcessWebhook")
	defer span.End()

	payload := wctx.Payload()

	switch wctx.Webhook.Type {
	case "MESSAGE_CREATE", "MESSAGE_UPDATE":
		id, _ := a.evaluator.EvaluateString("id", payload)
		channel, _ := a.evaluator.EvaluateString("channel_id", payload)
		author, _ := a.evaluator.EvaluateString("author.username", payload)
		content, _ := a.evaluator.EvaluateString("content", payload)
		timestamp, _ := a.evaluator.EvaluateString("timestamp", payload)
		return wctx.PublishData(ctx, map[string]any{
			"type":       "message",
			"sourceId":   id,
			"channelId":  channel,
			"author":     author,
			"body":       content,
			"occurredAt": timestamp,
		})

	case "GUILD_MEMBER_ADD":
		author, _ := a.evaluator.EvaluateString("user.username", payload)
		userID, _ := a.evaluator.EvaluateString("user.id", payload)
		joinedAt, _ := a.evaluator.EvaluateString("joined_at", payload)
		return wctx.PublishData(ctx, map[string]any{
			"type":       "member_join",
			"sourceId":   fmt.Sprintf("join:%s", userID),
			"author":     author,
			"occurredAt": joinedAt,
		})

	default:
		return fmt.Errorf("unsupported discord webhook type %q", wctx.Webhook.Type)
	}
}
