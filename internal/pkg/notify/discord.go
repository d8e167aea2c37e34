package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"boothsync/internal/config"
	"boothsync/internal/model"
	"boothsync/internal/pkg/metrics"
)

const (
	discordUsername       = "BOOTH Scraper Bot"
	discordAvatarURL      = "https://asset.booth.pm/static-images/booth_logo_icon_red.png"
	discordColor          = 0xFC4D50
	discordTitlePrefix    = "New Product: "
	discordTitleLimit     = 256
	discordDescLimit      = 200
	discordFieldLimit     = 1024
	defaultDiscordTimeout = 5 * time.Second
)

var tokyo = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		return time.FixedZone("JST", 9*60*60)
	}
	return loc
}()

type discordPayload struct {
	Username  string         `json:"username"`
	AvatarURL string         `json:"avatar_url,omitempty"`
	Embeds    []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	URL         string         `json:"url,omitempty"`
	Color       int            `json:"color"`
	Description string         `json:"description"`
	Fields      []discordField `json:"fields"`
	Image       *discordImage  `json:"image,omitempty"`
	Footer      discordFooter  `json:"footer"`
	Timestamp   string         `json:"timestamp"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordImage struct {
	URL string `json:"url"`
}

type discordFooter struct {
	Text string `json:"text"`
}

// DiscordNotifier 通过 Webhook 发送新商品卡片。
type DiscordNotifier struct {
	webhookURL string
	client     *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// NewDiscordNotifier 创建 Discord 通知器。WebhookURL 为空时 Send 直接跳过。
func NewDiscordNotifier(cfg config.DiscordConfig, logger *slog.Logger) *DiscordNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultDiscordTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscordNotifier{
		webhookURL: strings.TrimSpace(cfg.WebhookURL),
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
		now:        time.Now,
	}
}

// Send 实现 Notifier。
func (n *DiscordNotifier) Send(ctx context.Context, product *model.Product) error {
	if n.webhookURL == "" {
		n.logger.Warn("discord webhook not configured, skip notification")
		metrics.NotifyTotal.WithLabelValues("discord", "skipped").Inc()
		return nil
	}
	if product == nil {
		return fmt.Errorf("product is nil")
	}

	body, err := json.Marshal(n.buildPayload(product))
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		metrics.NotifyTotal.WithLabelValues("discord", "error").Inc()
		return fmt.Errorf("post discord webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.NotifyTotal.WithLabelValues("discord", "error").Inc()
		return fmt.Errorf("discord webhook status %d", resp.StatusCode)
	}

	metrics.NotifyTotal.WithLabelValues("discord", "ok").Inc()
	n.logger.Info("discord notification sent", slog.String("url", product.SourceURL))
	return nil
}

func (n *DiscordNotifier) buildPayload(p *model.Product) discordPayload {
	now := n.now()

	desc := "No description"
	if p.Description != "" {
		r := []rune(p.Description)
		if len(r) > discordDescLimit {
			desc = string(r[:discordDescLimit]) + "..."
		} else {
			desc = p.Description
		}
	}

	tags := strings.Join(tagNames(p), ", ")
	if tags == "" {
		tags = "None"
	}

	embed := discordEmbed{
		Title:       discordTitlePrefix + truncateRunes(p.Title, discordTitleLimit-len([]rune(discordTitlePrefix))),
		URL:         p.SourceURL,
		Color:       discordColor,
		Description: desc,
		Fields: []discordField{
			{Name: "Price", Value: "¥" + formatJPY(p.LowPrice), Inline: true},
			{Name: "Seller", Value: sellerName(p), Inline: true},
			{Name: "Tags", Value: truncateRunes(tags, discordFieldLimit), Inline: false},
		},
		Footer:    discordFooter{Text: "Registered at " + now.In(tokyo).Format("2006/01/02 15:04:05")},
		Timestamp: now.UTC().Format(time.RFC3339),
	}
	if img := mainImageURL(p); img != "" {
		embed.Image = &discordImage{URL: img}
	}

	return discordPayload{
		Username:  discordUsername,
		AvatarURL: discordAvatarURL,
		Embeds:    []discordEmbed{embed},
	}
}
