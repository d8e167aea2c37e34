package crawler

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	listingItemSelector = ".item-card__title a, .market-item-card__title a"
	listingNextSelector = `.pager .next a, a[rel="next"]`
)

// ListingPage 列表页解析结果。
type ListingPage struct {
	ItemURLs []string
	HasNext  bool
}

// ParseListingPage 解析列表页，返回商品 URL（去重，保持首次出现顺序）与是否有下一页。
func ParseListingPage(baseURL string, html []byte) (*ListingPage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("%w: listing: %v", ErrParseFailure, err)
	}

	page := &ListingPage{}
	seen := make(map[string]struct{})
	doc.Find(listingItemSelector).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		href = absoluteURL(baseURL, href)
		if !strings.Contains(href, "/items/") {
			return
		}
		if _, dup := seen[href]; dup {
			return
		}
		seen[href] = struct{}{}
		page.ItemURLs = append(page.ItemURLs, href)
	})

	if href, ok := doc.Find(listingNextSelector).First().Attr("href"); ok && strings.TrimSpace(href) != "" {
		page.HasNext = true
	}
	return page, nil
}
