package crawler

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// AgeRating 规范化后的年龄分级。
type AgeRating string

const (
	AgeRatingUnknown AgeRating = ""
	AgeRatingAllAges AgeRating = "all_ages"
	AgeRatingR15     AgeRating = "r15"
	AgeRatingAdult   AgeRating = "adult"
)

var ageRatingDescRe = regexp.MustCompile(`対象年齢[:：\s]*([^\n<]+)`)

// ratingTags 与分级等价的标签（大写比较）。
var ratingTags = map[string]struct{}{
	"R-18": {},
	"R18":  {},
	"18禁":  {},
	"成人向け": {},
	"R-15": {},
	"R15":  {},
	"全年齢":  {},
}

// NormalizeAgeRating 把原始分级文本映射到已知等级，无法识别时返回 AgeRatingUnknown。
func NormalizeAgeRating(raw string) AgeRating {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return AgeRatingUnknown
	case strings.Contains(s, "18"), strings.Contains(s, "成人"):
		return AgeRatingAdult
	case strings.Contains(s, "15"):
		return AgeRatingR15
	case strings.Contains(s, "全年齢"), strings.Contains(strings.ToLower(s), "all ages"):
		return AgeRatingAllAges
	default:
		return AgeRatingUnknown
	}
}

// detectAgeRating 依次检查描述中的 "対象年齢"、分级标签、分级徽章，第一个可识别的信号生效。
func detectAgeRating(description string, tags []string, doc *goquery.Document) AgeRating {
	if m := ageRatingDescRe.FindStringSubmatch(description); len(m) > 1 {
		if r := NormalizeAgeRating(m[1]); r != AgeRatingUnknown {
			return r
		}
	}

	for _, tag := range tags {
		if _, ok := ratingTags[strings.ToUpper(strings.TrimSpace(tag))]; !ok {
			continue
		}
		if r := NormalizeAgeRating(tag); r != AgeRatingUnknown {
			return r
		}
	}

	if doc != nil {
		if doc.Find(".badge--r18").Length() > 0 {
			return AgeRatingAdult
		}
		if doc.Find(".badge--r15").Length() > 0 {
			return AgeRatingR15
		}
	}
	return AgeRatingUnknown
}
