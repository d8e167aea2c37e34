package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"boothsync/internal/config"
	"boothsync/internal/model"
	"boothsync/internal/pkg/metrics"

	"gopkg.in/gomail.v2"
)

// EmailNotifier 实现邮件通知。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
	send   func(m *gomail.Message) error
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
	n.send = func(m *gomail.Message) error {
		d := gomail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.SMTPUser, n.cfg.SMTPPass)
		return d.DialAndSend(m)
	}
	return n
}

// Send 发送新商品邮件。配置不完整时跳过。
func (n *EmailNotifier) Send(ctx context.Context, product *model.Product) error {
	if n.cfg == nil || n.cfg.SMTPHost == "" || n.cfg.SMTPUser == "" || n.cfg.FromEmail == "" {
		n.logger.Warn("email config missing, skip notification")
		metrics.NotifyTotal.WithLabelValues("email", "skipped").Inc()
		return nil
	}
	if strings.TrimSpace(n.cfg.ToEmail) == "" {
		n.logger.Warn("email recipient empty, skip notification")
		metrics.NotifyTotal.WithLabelValues("email", "skipped").Inc()
		return nil
	}
	if product == nil {
		return fmt.Errorf("product is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", n.cfg.ToEmail)
	m.SetHeader("Subject", "[BOOTH] New Product: "+truncateRunes(product.Title, 120))
	m.SetBody("text/html", n.buildHTMLBody(product))

	if err := n.send(m); err != nil {
		metrics.NotifyTotal.WithLabelValues("email", "error").Inc()
		return fmt.Errorf("send email: %w", err)
	}

	metrics.NotifyTotal.WithLabelValues("email", "ok").Inc()
	n.logger.Info("email notification sent", slog.String("to", n.cfg.ToEmail), slog.String("url", product.SourceURL))
	return nil
}

func (n *EmailNotifier) buildHTMLBody(p *model.Product) string {
	priceLine := "¥ " + formatJPY(p.LowPrice)
	if p.HighPrice > p.LowPrice {
		priceLine = fmt.Sprintf("¥ %s ~ ¥ %s", formatJPY(p.LowPrice), formatJPY(p.HighPrice))
	}

	template := `
<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8" />
<style>
  body { font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937; }
  .card { max-width: 600px; margin: 24px auto; background: #ffffff; border-radius: 12px; overflow: hidden; border: 1px solid #e5e7eb; }
  .header { background: #fc4d50; color: #ffffff; padding: 16px 20px; font-size: 16px; font-weight: bold; }
  .content { padding: 20px; }
  .hero img { width: 100%%; max-width: 520px; display: block; margin: 0 auto 16px; border-radius: 8px; }
  .price { font-size: 24px; font-weight: bold; color: #ef4444; margin: 8px 0 12px; }
  .title { font-size: 16px; margin-bottom: 8px; }
  .seller { font-size: 13px; color: #6b7280; margin-bottom: 16px; }
  .cta { display: inline-block; padding: 12px 20px; background: #fc4d50; color: #fff; text-decoration: none; border-radius: 8px; font-weight: bold; }
  .footer { margin-top: 20px; font-size: 12px; color: #6b7280; }
</style>
</head>
<body>
  <div class="card">
    <div class="header">新商品を登録しました</div>
    <div class="content">
      <div class="hero"><img src="%s" alt="Product Image" /></div>
      <div class="price">%s</div>
      <div class="title">%s</div>
      <div class="seller">%s</div>
      <div style="text-align:center; margin-bottom: 12px;">
        <a class="cta" href="%s" target="_blank">BOOTH で見る</a>
      </div>
      <div class="footer">Tags: %s</div>
    </div>
  </div>
</body>
</html>`

	tags := strings.Join(tagNames(p), ", ")
	if tags == "" {
		tags = "None"
	}

	return fmt.Sprintf(template,
		html.EscapeString(mainImageURL(p)),
		priceLine,
		html.EscapeString(p.Title),
		html.EscapeString(sellerName(p)),
		html.EscapeString(p.SourceURL),
		html.EscapeString(tags),
	)
}
