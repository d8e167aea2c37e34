package crawler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

var (
	priceWithCurrencyRe = regexp.MustCompile(`[¥￥]\s*([0-9][0-9,]*)`)
	digitsOnlyRe        = regexp.MustCompile(`^[0-9][0-9,]*$`)
	spaceRe             = regexp.MustCompile(`\s+`)
)

// DraftVariation 解析得到的价格规格。
type DraftVariation struct {
	Name  string
	Price int64
	Type  string // download / physical
}

// DraftItem 详情页解析结果，交给 catalog.Committer 入库。
type DraftItem struct {
	SourceURL     string
	SourceEnURL   string
	Title         string
	Description   string
	Price         int64
	LowPrice      int64
	HighPrice     int64
	Variations    []DraftVariation
	Images        []string
	Tags          []string
	AgeRating     AgeRating
	SellerName    string
	SellerURL     string
	SellerIconURL string
	PublishedAt   time.Time // 零值表示入库时使用当前时间
}

// Payload 详情页内容，Structured 或 Markup 二选一。
type Payload interface {
	sourceURL() string
	markup() []byte
}

// Structured 页面带有 JSON-LD Product。
type Structured struct {
	URL     string
	Product *SchemaProduct
	HTML    []byte
}

// Markup 只有 HTML。
type Markup struct {
	URL  string
	HTML []byte
}

func (s Structured) sourceURL() string { return s.URL }
func (s Structured) markup() []byte    { return s.HTML }
func (m Markup) sourceURL() string     { return m.URL }
func (m Markup) markup() []byte        { return m.HTML }

// SchemaProduct schema.org Product 中用到的字段。
type SchemaProduct struct {
	Type          json.RawMessage `json:"@type"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Image         json.RawMessage `json:"image"`
	Offers        json.RawMessage `json:"offers"`
	ReleaseDate   string          `json:"releaseDate"`
	DatePublished string          `json:"datePublished"`
}

type schemaOffer struct {
	Price     flexNumber `json:"price"`
	LowPrice  flexNumber `json:"lowPrice"`
	HighPrice flexNumber `json:"highPrice"`
	Seller    *struct {
		Name string `json:"name"`
	} `json:"seller"`
}

// flexNumber 兼容数字与字符串两种写法。
type flexNumber struct {
	Value int64
	Set   bool
}

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	s = strings.ReplaceAll(s, ",", "")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	n.Value = int64(f)
	n.Set = true
	return nil
}

func (p *SchemaProduct) isProduct() bool {
	if p == nil {
		return false
	}
	var single string
	if err := json.Unmarshal(p.Type, &single); err == nil {
		return single == "Product"
	}
	var many []string
	if err := json.Unmarshal(p.Type, &many); err == nil {
		for _, t := range many {
			if t == "Product" {
				return true
			}
		}
	}
	return false
}

func (p *SchemaProduct) offers() []schemaOffer {
	if p == nil || len(p.Offers) == 0 {
		return nil
	}
	var one schemaOffer
	if err := json.Unmarshal(p.Offers, &one); err == nil {
		return []schemaOffer{one}
	}
	var many []schemaOffer
	if err := json.Unmarshal(p.Offers, &many); err == nil {
		return many
	}
	return nil
}

func (p *SchemaProduct) images() []string {
	if p == nil || len(p.Image) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(p.Image, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(p.Image, &many); err == nil {
		return many
	}
	return nil
}

// PayloadFromHTML 页面含 JSON-LD Product 时返回 Structured，否则返回 Markup。
func PayloadFromHTML(rawURL string, html []byte) Payload {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return Markup{URL: rawURL, HTML: html}
	}
	if product := findSchemaProduct(doc); product != nil {
		return Structured{URL: rawURL, Product: product, HTML: html}
	}
	return Markup{URL: rawURL, HTML: html}
}

func findSchemaProduct(doc *goquery.Document) *SchemaProduct {
	var found *SchemaProduct
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		raw := []byte(strings.TrimSpace(s.Text()))
		if len(raw) == 0 {
			return true
		}

		var one SchemaProduct
		if err := json.Unmarshal(raw, &one); err == nil && one.isProduct() {
			found = &one
			return false
		}
		var many []SchemaProduct
		if err := json.Unmarshal(raw, &many); err == nil {
			for i := range many {
				if many[i].isProduct() {
					found = &many[i]
					return false
				}
			}
		}
		var graph struct {
			Graph []SchemaProduct `json:"@graph"`
		}
		if err := json.Unmarshal(raw, &graph); err == nil {
			for i := range graph.Graph {
				if graph.Graph[i].isProduct() {
					found = &graph.Graph[i]
					return false
				}
			}
		}
		return true
	})
	return found
}

// Resolve 把详情页内容解析为 DraftItem。没有标题时返回 nil。
func Resolve(p Payload) *DraftItem {
	if p == nil {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(p.markup()))
	if err != nil {
		return nil
	}

	var schema *SchemaProduct
	if s, ok := p.(Structured); ok {
		schema = s.Product
	}

	item := &DraftItem{
		SourceURL:   p.sourceURL(),
		SourceEnURL: englishURL(p.sourceURL()),
	}

	item.Title = resolveTitle(schema, doc)
	if item.Title == "" {
		return nil
	}
	item.Description = resolveDescription(schema, doc)
	resolvePrice(item, schema, doc)
	item.Variations = resolveVariations(doc)
	item.Images = resolveImages(schema, doc)
	item.Tags = resolveTags(doc)
	resolveSeller(item, schema, doc)
	item.PublishedAt = resolvePublishedAt(schema, doc)
	item.AgeRating = detectAgeRating(item.Description, item.Tags, doc)

	return item
}

// FetchItem 抓取并解析一个详情页。
func FetchItem(ctx context.Context, fetcher PageFetcher, rawURL string) (*DraftItem, error) {
	resp, err := fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	item := Resolve(PayloadFromHTML(rawURL, resp.Body))
	if item == nil {
		return nil, fmt.Errorf("%w: no title at %s", ErrParseFailure, rawURL)
	}
	return item, nil
}

func resolveTitle(schema *SchemaProduct, doc *goquery.Document) string {
	if schema != nil {
		if t := strings.TrimSpace(schema.Name); t != "" {
			return t
		}
	}
	if t := strings.TrimSpace(doc.Find("h1.market-item-detail-item-title").First().Text()); t != "" {
		return t
	}
	title := doc.Find("title").First().Text()
	if i := strings.Index(title, " - "); i >= 0 {
		title = title[:i]
	}
	return strings.TrimSpace(title)
}

func resolveDescription(schema *SchemaProduct, doc *goquery.Document) string {
	if schema != nil {
		if d := strings.TrimSpace(schema.Description); d != "" {
			return d
		}
	}
	for _, sel := range []string{".market-item-detail-item-description", ".u-text-leading-loose"} {
		if d := strings.TrimSpace(doc.Find(sel).First().Text()); d != "" {
			return d
		}
	}
	return ""
}

func resolvePrice(item *DraftItem, schema *SchemaProduct, doc *goquery.Document) {
	for _, offer := range schema.offers() {
		switch {
		case offer.Price.Set:
			item.Price = offer.Price.Value
		case offer.LowPrice.Set:
			item.Price = offer.LowPrice.Value
		case offer.HighPrice.Set:
			item.Price = offer.HighPrice.Value
		default:
			continue
		}
		item.LowPrice = item.Price
		item.HighPrice = item.Price
		if offer.LowPrice.Set {
			item.LowPrice = offer.LowPrice.Value
		}
		if offer.HighPrice.Set {
			item.HighPrice = offer.HighPrice.Value
		}
		return
	}

	if price, ok := parsePriceText(doc.Find(".market-item-detail-price").First().Text()); ok {
		item.Price = price
		item.LowPrice = price
		item.HighPrice = price
	}
}

// parsePriceText 从 "¥ 1,500" 或纯数字文本中解析价格。
func parsePriceText(text string) (int64, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}
	raw := ""
	if m := priceWithCurrencyRe.FindStringSubmatch(text); len(m) > 1 {
		raw = m[1]
	} else if digitsOnlyRe.MatchString(text) {
		raw = text
	}
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.ReplaceAll(raw, ",", ""), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func resolveVariations(doc *goquery.Document) []DraftVariation {
	var out []DraftVariation
	doc.Find(".variation-item").Each(func(_ int, s *goquery.Selection) {
		name := collapseSpace(s.Find(".variation-name").First().Text())
		price, ok := parsePriceText(s.Find(".variation-price").First().Text())
		if name == "" && !ok {
			return
		}
		if name == "" {
			name = "Standard"
		}
		out = append(out, DraftVariation{
			Name:  name,
			Price: price,
			Type:  variationType(s),
		})
	})
	return out
}

func variationType(s *goquery.Selection) string {
	text := s.Find(".variation-type").Text()
	if strings.Contains(text, "物販") || strings.Contains(text, "発送") || s.HasClass("variation-item--physical") {
		return "physical"
	}
	return "download"
}

func resolveImages(schema *SchemaProduct, doc *goquery.Document) []string {
	seen := make(map[string]struct{})
	var images []string
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		images = append(images, u)
	}

	doc.Find(".market-item-detail-item-image img").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok && strings.TrimSpace(src) != "" {
			add(src)
			return
		}
		if origin, ok := s.Attr("data-origin"); ok {
			add(origin)
		}
	})
	if len(images) == 0 {
		for _, u := range schema.images() {
			add(u)
		}
	}
	return images
}

func resolveTags(doc *goquery.Document) []string {
	seen := make(map[string]struct{})
	var tags []string
	doc.Find(`a[href*="/tags/"]`).Each(func(_ int, s *goquery.Selection) {
		name := collapseSpace(s.Text())
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		tags = append(tags, name)
	})
	return tags
}

func resolveSeller(item *DraftItem, schema *SchemaProduct, doc *goquery.Document) {
	for _, offer := range schema.offers() {
		if offer.Seller != nil && strings.TrimSpace(offer.Seller.Name) != "" {
			item.SellerName = strings.TrimSpace(offer.Seller.Name)
			break
		}
	}

	if link := doc.Find(".market-item-detail-shop-name a").First(); link.Length() > 0 {
		if name := collapseSpace(link.Text()); name != "" {
			item.SellerName = name
		}
		if href, ok := link.Attr("href"); ok {
			item.SellerURL = absoluteURL(DefaultBaseURL, href)
		}
	} else if nav := doc.Find(".nav-info-shop-name").First(); nav.Length() > 0 {
		if item.SellerName == "" {
			item.SellerName = collapseSpace(nav.Text())
		}
		href, ok := nav.Attr("href")
		if !ok {
			href, ok = nav.Closest("a").Attr("href")
		}
		if !ok {
			href, _ = nav.Find("a").First().Attr("href")
		}
		item.SellerURL = absoluteURL(DefaultBaseURL, href)
	}

	for _, sel := range []string{".market-item-detail-shop-icon img", ".nav-info-shop-icon img"} {
		if src, ok := doc.Find(sel).First().Attr("src"); ok && strings.TrimSpace(src) != "" {
			item.SellerIconURL = strings.TrimSpace(src)
			return
		}
	}
}

var publishedLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04",
	"2006-01-02",
	"2006/01/02",
}

func resolvePublishedAt(schema *SchemaProduct, doc *goquery.Document) time.Time {
	var candidates []string
	if schema != nil {
		candidates = append(candidates, schema.ReleaseDate, schema.DatePublished)
	}
	if node := doc.Find("[itemprop=datePublished]").First(); node.Length() > 0 {
		if v, ok := node.Attr("content"); ok {
			candidates = append(candidates, v)
		}
		if v, ok := node.Attr("datetime"); ok {
			candidates = append(candidates, v)
		}
		candidates = append(candidates, node.Text())
	}

	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		for _, layout := range publishedLayouts {
			if t, err := time.Parse(layout, c); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

// englishURL 把 /ja/ 页面地址映射到 /en/，无法映射时原样返回。
func englishURL(rawURL string) string {
	if strings.Contains(rawURL, "/ja/") {
		return strings.Replace(rawURL, "/ja/", "/en/", 1)
	}
	return rawURL
}

func collapseSpace(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}
