package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"boothsync/internal/model"

	"github.com/cloudflare/ahocorasick"
	"gorm.io/gorm"
)

const defaultEntityRefresh = 5 * time.Minute

// EntityDictionary 已知实体字典，用 Aho-Corasick 在描述中查找实体的源站商品 ID。
//
// 字典从 known_entities 表加载，超过刷新间隔后在下次匹配时重新加载。
type EntityDictionary struct {
	db      *gorm.DB
	refresh time.Duration
	now     func() time.Time

	mu       sync.Mutex
	loaded   bool
	loadedAt time.Time
	matcher  *ahocorasick.Matcher
	ids      []string
	names    []string
}

// NewEntityDictionary 创建字典。refresh <= 0 时使用默认刷新间隔。
func NewEntityDictionary(db *gorm.DB, refresh time.Duration) *EntityDictionary {
	if refresh <= 0 {
		refresh = defaultEntityRefresh
	}
	return &EntityDictionary{db: db, refresh: refresh, now: time.Now}
}

// Match 返回描述中提到的实体名称，按字典顺序去重。
func (d *EntityDictionary) Match(ctx context.Context, text string) ([]string, error) {
	if text == "" {
		return nil, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.loaded || d.now().Sub(d.loadedAt) > d.refresh {
		if err := d.loadLocked(ctx); err != nil {
			return nil, err
		}
	}
	if d.matcher == nil {
		return nil, nil
	}

	// Matcher 内部有状态，需在锁内调用
	hits := d.matcher.Match([]byte(text))
	sort.Ints(hits)

	seen := make(map[string]struct{}, len(hits))
	out := make([]string, 0, len(hits))
	for _, idx := range hits {
		if idx >= len(d.names) {
			continue
		}
		name := d.names[idx]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out, nil
}

// Invalidate 使下次匹配重新加载字典。
func (d *EntityDictionary) Invalidate() {
	d.mu.Lock()
	d.loaded = false
	d.mu.Unlock()
}

func (d *EntityDictionary) loadLocked(ctx context.Context) error {
	var entities []model.KnownEntity
	if err := d.db.WithContext(ctx).Order("id").Find(&entities).Error; err != nil {
		return fmt.Errorf("load known entities: %w", err)
	}

	d.ids = d.ids[:0]
	d.names = d.names[:0]
	for _, e := range entities {
		if e.SourceItemID == "" || e.Name == "" {
			continue
		}
		d.ids = append(d.ids, e.SourceItemID)
		d.names = append(d.names, e.Name)
	}

	d.loaded = true
	d.loadedAt = d.now()
	if len(d.ids) == 0 {
		d.matcher = nil
		return nil
	}
	d.matcher = ahocorasick.NewStringMatcher(d.ids)
	return nil
}
