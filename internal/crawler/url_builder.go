package crawler

import (
	"net/url"
	"strconv"
	"strings"
)

// DefaultBaseURL BOOTH 站点根地址。
const DefaultBaseURL = "https://booth.pm"

// Target 抓取目标：一个 BOOTH 标签，可选限定分类。
type Target struct {
	Label    string
	Category string
}

// BuildListingURL 构造按新着排序的标签列表页 URL。
//
// 第一页不带 page 参数，与站点默认行为一致。
//
// 参数:
//
//	baseURL: 站点根地址，为空时使用 DefaultBaseURL
//	target: 抓取目标
//	page: 页码（从 1 开始）
//
// 返回值:
//
//	string: 完整的列表页 URL
func BuildListingURL(baseURL string, target Target, page int) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}

	var qs []string
	qs = append(qs, "tags%5B%5D="+escapeQuery(target.Label))
	if c := strings.TrimSpace(target.Category); c != "" {
		qs = append(qs, "category="+escapeQuery(c))
	}
	qs = append(qs, "sort=new")
	if page > 1 {
		qs = append(qs, "page="+strconv.Itoa(page))
	}
	return base + "/ja/items?" + strings.Join(qs, "&")
}

// escapeQuery 与 url.QueryEscape 相同，但空格编码为 %20。
func escapeQuery(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// absoluteURL 把相对路径补全为 baseURL 下的绝对地址。
func absoluteURL(baseURL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	if strings.HasPrefix(href, "/") {
		base := strings.TrimRight(baseURL, "/")
		if base == "" {
			base = DefaultBaseURL
		}
		return base + href
	}
	return href
}
