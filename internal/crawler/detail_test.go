package crawler

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const structuredPage = `<html><head>
<title>Fallback Title - BOOTH</title>
<script type="application/ld+json">
{"@context":"https://schema.org","@type":"Product","name":"Schema Outfit",
 "description":"可愛い衣装です\n対象年齢：全年齢",
 "image":["https://img/a.png","https://img/b.png"],
 "releaseDate":"2024-03-01T10:00:00+09:00",
 "offers":{"@type":"AggregateOffer","lowPrice":"1500","highPrice":3000,"seller":{"name":"Schema Shop"}}}
</script></head>
<body>
<h1 class="market-item-detail-item-title">DOM Title</h1>
<div class="market-item-detail-shop-name"><a href="https://shop-a.booth.pm/">Shop A</a></div>
<div class="market-item-detail-shop-icon"><img src="https://img/icon.png"></div>
<div class="market-item-detail-item-image"><img src="https://img/main.png"></div>
<div class="market-item-detail-item-image"><img data-origin="https://img/second.png"></div>
<div class="market-item-detail-item-image"><img src="https://img/main.png"></div>
<a href="https://booth.pm/ja/browse/tags/VRChat">VRChat</a>
<a href="https://booth.pm/ja/browse/tags/衣装">衣装</a>
<a href="https://booth.pm/ja/browse/tags/VRChat">VRChat</a>
<div class="variation-item"><div class="variation-name">Full set</div><div class="variation-price">¥ 3,000</div></div>
<div class="variation-item"><div class="variation-name">Basic</div><div class="variation-price">¥1,500</div>
  <div class="variation-type">物販</div></div>
</body></html>`

const markupPage = `<html><head><title>Markup Item - BOOTH</title></head>
<body>
<div class="market-item-detail-item-description">説明文 R-18 の記載あり</div>
<div class="market-item-detail-price">¥ 800</div>
<div class="nav-info-shop-name"><a href="/shop">Nav Shop</a></div>
<a href="/ja/browse/tags/R-15">R-15</a>
<span itemprop="datePublished" content="2023-12-24"></span>
</body></html>`

// ============================================================================
// Payload
// ============================================================================

func TestPayloadFromHTML(t *testing.T) {
	if _, ok := PayloadFromHTML("u", []byte(structuredPage)).(Structured); !ok {
		t.Fatalf("expected structured payload")
	}
	if _, ok := PayloadFromHTML("u", []byte(markupPage)).(Markup); !ok {
		t.Fatalf("expected markup payload")
	}

	nonProduct := `<script type="application/ld+json">{"@type":"BreadcrumbList"}</script><title>x</title>`
	if _, ok := PayloadFromHTML("u", []byte(nonProduct)).(Markup); !ok {
		t.Fatalf("non-product JSON-LD should fall back to markup")
	}

	graph := `<script type="application/ld+json">[{"@type":"WebPage"},{"@type":"Product","name":"In Array"}]</script>`
	p, ok := PayloadFromHTML("u", []byte(graph)).(Structured)
	if !ok || p.Product.Name != "In Array" {
		t.Fatalf("expected product found inside array, got %#v", p)
	}
}

// ============================================================================
// Resolve
// ============================================================================

func TestResolve_Structured(t *testing.T) {
	item := Resolve(PayloadFromHTML("https://booth.pm/ja/items/1", []byte(structuredPage)))
	if item == nil {
		t.Fatalf("expected draft item")
	}

	if item.Title != "Schema Outfit" {
		t.Errorf("title = %q", item.Title)
	}
	if item.SourceEnURL != "https://booth.pm/en/items/1" {
		t.Errorf("en url = %q", item.SourceEnURL)
	}
	if item.Price != 1500 || item.LowPrice != 1500 || item.HighPrice != 3000 {
		t.Errorf("prices = %d/%d/%d", item.Price, item.LowPrice, item.HighPrice)
	}
	if strings.Join(item.Images, ",") != "https://img/main.png,https://img/second.png" {
		t.Errorf("images = %v", item.Images)
	}
	if strings.Join(item.Tags, ",") != "VRChat,衣装" {
		t.Errorf("tags = %v", item.Tags)
	}
	if item.SellerName != "Shop A" || item.SellerURL != "https://shop-a.booth.pm/" || item.SellerIconURL != "https://img/icon.png" {
		t.Errorf("seller = %q %q %q", item.SellerName, item.SellerURL, item.SellerIconURL)
	}
	if item.AgeRating != AgeRatingAllAges {
		t.Errorf("age rating = %q", item.AgeRating)
	}
	if !item.PublishedAt.Equal(time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC)) {
		t.Errorf("published at = %v", item.PublishedAt)
	}
	if len(item.Variations) != 2 {
		t.Fatalf("variations = %+v", item.Variations)
	}
	if item.Variations[0].Name != "Full set" || item.Variations[0].Price != 3000 || item.Variations[0].Type != "download" {
		t.Errorf("variation 0 = %+v", item.Variations[0])
	}
	if item.Variations[1].Type != "physical" {
		t.Errorf("variation 1 = %+v", item.Variations[1])
	}
}

func TestResolve_Markup(t *testing.T) {
	item := Resolve(PayloadFromHTML("https://booth.pm/ja/items/2", []byte(markupPage)))
	if item == nil {
		t.Fatalf("expected draft item")
	}
	if item.Title != "Markup Item" {
		t.Errorf("title = %q", item.Title)
	}
	if item.Description != "説明文 R-18 の記載あり" {
		t.Errorf("description = %q", item.Description)
	}
	if item.Price != 800 {
		t.Errorf("price = %d", item.Price)
	}
	if item.SellerName != "Nav Shop" || item.SellerURL != "https://booth.pm/shop" {
		t.Errorf("seller = %q %q", item.SellerName, item.SellerURL)
	}
	// 描述正文中出现 R-18 不算，分级来自 R-15 标签
	if item.AgeRating != AgeRatingR15 {
		t.Errorf("age rating = %q", item.AgeRating)
	}
	if item.PublishedAt.Format("2006-01-02") != "2023-12-24" {
		t.Errorf("published at = %v", item.PublishedAt)
	}
	if len(item.Images) != 0 || len(item.Variations) != 0 {
		t.Errorf("expected no images or variations")
	}
}

func TestResolve_MissingTitleReturnsNil(t *testing.T) {
	if item := Resolve(Markup{URL: "u", HTML: []byte("<html><body><p>nothing</p></body></html>")}); item != nil {
		t.Fatalf("expected nil, got %+v", item)
	}
	if item := Resolve(nil); item != nil {
		t.Fatalf("expected nil for nil payload")
	}
}

func TestResolve_OffersArrayAndSchemaImageFallback(t *testing.T) {
	html := `<script type="application/ld+json">
{"@type":"Product","name":"Arr","image":"https://img/only.png",
 "offers":[{"@type":"Offer","price":"2,200","seller":{"name":"S"}}]}</script>`
	item := Resolve(PayloadFromHTML("u", []byte(html)))
	if item == nil {
		t.Fatalf("expected item")
	}
	if item.Price != 2200 {
		t.Errorf("price = %d", item.Price)
	}
	if len(item.Images) != 1 || item.Images[0] != "https://img/only.png" {
		t.Errorf("images = %v", item.Images)
	}
	if item.SellerName != "S" {
		t.Errorf("seller = %q", item.SellerName)
	}
}

func TestFetchItem_ParseFailure(t *testing.T) {
	f := &fakeFetcher{handler: func(url string, call int) (*Response, error) {
		return &Response{StatusCode: 200, Body: []byte("<html></html>")}, nil
	}}
	_, err := FetchItem(context.Background(), f, "https://booth.pm/ja/items/9")
	if !errors.Is(err, ErrParseFailure) {
		t.Fatalf("expected ErrParseFailure, got %v", err)
	}
}

// ============================================================================
// 价格与分级
// ============================================================================

func TestParsePriceText(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   int64
		wantOK bool
	}{
		{"standard_yen", "¥1,200", 1200, true},
		{"standard_yen_with_space", "¥ 1,200", 1200, true},
		{"fullwidth_yen", "￥1,200", 1200, true},
		{"with_text_prefix", "価格: ¥500", 500, true},
		{"zero_price", "¥0", 0, true},
		{"only_digits", "1200", 1200, true},
		{"empty_string", "", 0, false},
		{"only_yen_symbol", "¥", 0, false},
		{"no_digits", "abc", 0, false},
		{"only_comma", ",", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parsePriceText(tt.input)
			if ok != tt.wantOK || got != tt.want {
				t.Fatalf("parsePriceText(%q) = %d,%v want %d,%v", tt.input, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestNormalizeAgeRating(t *testing.T) {
	tests := []struct {
		in   string
		want AgeRating
	}{
		{"R-18", AgeRatingAdult},
		{"18歳以上", AgeRatingAdult},
		{"成人向け", AgeRatingAdult},
		{"R15", AgeRatingR15},
		{"全年齢", AgeRatingAllAges},
		{"全年齢対象", AgeRatingAllAges},
		{"All Ages", AgeRatingAllAges},
		{"未定", AgeRatingUnknown},
		{"", AgeRatingUnknown},
	}
	for _, tt := range tests {
		if got := NormalizeAgeRating(tt.in); got != tt.want {
			t.Errorf("NormalizeAgeRating(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDetectAgeRating_Precedence(t *testing.T) {
	tests := []struct {
		name  string
		desc  string
		tags  []string
		badge string
		want  AgeRating
	}{
		{"description_wins", "対象年齢: R-18", []string{"全年齢"}, "badge--r15", AgeRatingAdult},
		{"unknown_description_falls_through", "対象年齢：要確認", []string{"R-15"}, "", AgeRatingR15},
		{"tag_before_badge", "", []string{"VRChat", "r18"}, "badge--r15", AgeRatingAdult},
		{"badge_only", "", []string{"VRChat"}, "badge--r15", AgeRatingR15},
		{"adult_badge", "", nil, "badge--r18", AgeRatingAdult},
		{"body_mention_ignored", "この作品は R-18 ではありません", nil, "", AgeRatingUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			html := "<html><body>"
			if tt.badge != "" {
				html += `<span class="` + tt.badge + `">badge</span>`
			}
			html += "</body></html>"
			p := PayloadFromHTML("u", []byte(html))
			doc := mustDoc(t, p.markup())
			if got := detectAgeRating(tt.desc, tt.tags, doc); got != tt.want {
				t.Fatalf("detectAgeRating = %q, want %q", got, tt.want)
			}
		})
	}
}

func mustDoc(t *testing.T, html []byte) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		t.Fatalf("parse html: %v", err)
	}
	return doc
}
