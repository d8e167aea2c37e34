package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"boothsync/internal/model"
)

// Notifier 定义新商品通知接口。
type Notifier interface {
	// Send 发送通知。
	//
	// product 需要已装载 Images、ProductTags.Tag 与 Seller。
	Send(ctx context.Context, product *model.Product) error
}

// Multi 依次调用多个通知器，汇总所有错误。
type Multi []Notifier

// Send 实现 Notifier。
func (m Multi) Send(ctx context.Context, product *model.Product) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Send(ctx, product); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func mainImageURL(p *model.Product) string {
	for _, img := range p.Images {
		if img.IsMain {
			return img.ImageURL
		}
	}
	if len(p.Images) > 0 {
		return p.Images[0].ImageURL
	}
	return ""
}

func tagNames(p *model.Product) []string {
	seen := make(map[string]struct{}, len(p.ProductTags))
	names := make([]string, 0, len(p.ProductTags))
	for _, pt := range p.ProductTags {
		if pt.Tag == nil {
			continue
		}
		if _, ok := seen[pt.Tag.Name]; ok {
			continue
		}
		seen[pt.Tag.Name] = struct{}{}
		names = append(names, pt.Tag.Name)
	}
	return names
}

func sellerName(p *model.Product) string {
	if p.Seller == nil || strings.TrimSpace(p.Seller.Name) == "" {
		return "Unknown"
	}
	return p.Seller.Name
}

// truncateRunes 按字符截断，超出时以 "..." 结尾且总长不超过 limit。
func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}

func formatJPY(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	s := fmt.Sprintf("%d", v)
	n := len(s)
	if n <= 3 {
		return sign + s
	}
	out := make([]byte, 0, n+n/3)
	for i, ch := range []byte(s) {
		out = append(out, ch)
		if (n-i-1)%3 == 0 && i != n-1 {
			out = append(out, ',')
		}
	}
	return sign + string(out)
}
