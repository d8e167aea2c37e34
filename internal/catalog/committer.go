package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"boothsync/internal/crawler"
	"boothsync/internal/model"
	"boothsync/internal/pkg/notify"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrUnknownActor 导入人不存在。
	ErrUnknownActor = errors.New("unknown actor")
	// ErrDuplicateItem 同一 source_url 的商品已存在。
	ErrDuplicateItem = errors.New("duplicate item")
	// ErrInvalidDraft 草稿缺少 URL 或标题。
	ErrInvalidDraft = errors.New("invalid draft")
)

const (
	importComment = "Scraper Auto-Import"
	notifyTimeout = 15 * time.Second
)

// Committer 把解析后的草稿在一个事务内写入目录。
type Committer struct {
	db                *gorm.DB
	vocab             *VocabularyResolver
	entities          *EntityDictionary
	notifier          notify.Notifier
	verifyPersistence bool
	logger            *slog.Logger

	wg sync.WaitGroup
}

// CommitterOption 配置 Committer。
type CommitterOption func(*Committer)

// WithNotifier 设置入库后的通知方式。
func WithNotifier(n notify.Notifier) CommitterOption {
	return func(c *Committer) { c.notifier = n }
}

// WithEntityDictionary 设置已知实体字典。
func WithEntityDictionary(d *EntityDictionary) CommitterOption {
	return func(c *Committer) { c.entities = d }
}

// WithVerifyPersistence 提交后回读确认商品可见。
func WithVerifyPersistence(enabled bool) CommitterOption {
	return func(c *Committer) { c.verifyPersistence = enabled }
}

// NewCommitter 创建 Committer。
func NewCommitter(db *gorm.DB, logger *slog.Logger, opts ...CommitterOption) *Committer {
	c := &Committer{
		db:     db,
		vocab:  NewVocabularyResolver(logger),
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Commit 写入一个商品。
//
// 事务内依次完成：校验导入人、解析标签（显式标签 OFFICIAL，描述中识别出的实体 INDEPENDENT，
// 年龄分级两种来源各一次）、按 URL upsert 发布者、创建商品及其图片、规格、标签关联和 v1 编辑历史。
// 通知在事务提交后异步发送，失败只记录日志。
func (c *Committer) Commit(ctx context.Context, draft *crawler.DraftItem, actorID uint) (*model.Product, error) {
	if draft == nil || draft.SourceURL == "" || draft.Title == "" {
		return nil, ErrInvalidDraft
	}

	var entityTags []string
	if c.entities != nil {
		names, err := c.entities.Match(ctx, draft.Description)
		if err != nil {
			c.logger.Warn("entity dictionary unavailable",
				slog.String("url", draft.SourceURL),
				slog.String("error", err.Error()))
		}
		entityTags = names
	}

	var product *model.Product
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var actors int64
		if err := tx.Model(&model.User{}).Where("id = ?", actorID).Count(&actors).Error; err != nil {
			return fmt.Errorf("lookup actor: %w", err)
		}
		if actors == 0 {
			return fmt.Errorf("%w: %d", ErrUnknownActor, actorID)
		}

		officialIDs, err := c.vocab.ResolveTags(ctx, tx, draft.Tags)
		if err != nil {
			return err
		}
		independentIDs, err := c.vocab.ResolveTags(ctx, tx, entityTags)
		if err != nil {
			return err
		}
		ageID, err := c.vocab.ResolveAgeRating(ctx, tx, draft.AgeRating)
		if err != nil {
			return err
		}
		if ageID != nil {
			officialIDs = append(officialIDs, *ageID)
			independentIDs = append(independentIDs, *ageID)
		}

		seller, err := upsertSeller(tx, draft)
		if err != nil {
			return err
		}

		product = newProduct(draft, actorID, seller)
		if err := tx.Omit(clause.Associations).Create(product).Error; err != nil {
			if isDuplicateKey(err) {
				return fmt.Errorf("%w: %s: %w", ErrDuplicateItem, draft.SourceURL, err)
			}
			return fmt.Errorf("create product: %w", err)
		}

		return c.createChildren(tx, product, draft, actorID, officialIDs, independentIDs)
	})
	if err != nil {
		return nil, err
	}

	if c.verifyPersistence {
		c.verify(ctx, draft.SourceURL)
	}
	c.dispatchNotify(product.ID, draft.SourceURL)
	return product, nil
}

// Wait 等待已派发的通知结束。
func (c *Committer) Wait() {
	c.wg.Wait()
}

func (c *Committer) createChildren(tx *gorm.DB, p *model.Product, draft *crawler.DraftItem, actorID uint, officialIDs, independentIDs []uint) error {
	for i, url := range draft.Images {
		p.Images = append(p.Images, model.ProductImage{
			ProductID: p.ID,
			ImageURL:  url,
			IsMain:    i == 0,
			Order:     i,
		})
	}
	if len(p.Images) > 0 {
		if err := tx.Create(&p.Images).Error; err != nil {
			return fmt.Errorf("create images: %w", err)
		}
	}

	p.Variations = buildVariations(p.ID, draft)
	if err := tx.Create(&p.Variations).Error; err != nil {
		return fmt.Errorf("create variations: %w", err)
	}

	type key struct {
		tagID      uint
		provenance string
	}
	seen := make(map[key]struct{})
	var applied []uint
	appliedSeen := make(map[uint]struct{})
	add := func(ids []uint, provenance string) {
		for _, id := range ids {
			k := key{id, provenance}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			p.ProductTags = append(p.ProductTags, model.ProductTag{
				ProductID:  p.ID,
				TagID:      id,
				Provenance: provenance,
				UserID:     actorID,
			})
			if _, ok := appliedSeen[id]; !ok {
				appliedSeen[id] = struct{}{}
				applied = append(applied, id)
			}
		}
	}
	add(officialIDs, model.ProvenanceOfficial)
	add(independentIDs, model.ProvenanceIndependent)

	if len(p.ProductTags) > 0 {
		if err := tx.Create(&p.ProductTags).Error; err != nil {
			return fmt.Errorf("create product tags: %w", err)
		}
	}

	if applied == nil {
		applied = []uint{}
	}
	added, err := json.Marshal(applied)
	if err != nil {
		return err
	}
	history := model.TagEditHistory{
		ProductID:   p.ID,
		EditorID:    actorID,
		Version:     1,
		AddedTags:   string(added),
		RemovedTags: "[]",
		Comment:     importComment,
	}
	if err := tx.Create(&history).Error; err != nil {
		return fmt.Errorf("create tag history: %w", err)
	}
	p.TagEditHistory = []model.TagEditHistory{history}
	return nil
}

func (c *Committer) verify(ctx context.Context, sourceURL string) {
	var count int64
	err := c.db.WithContext(ctx).Model(&model.Product{}).Where("source_url = ?", sourceURL).Count(&count).Error
	if err != nil || count == 0 {
		attrs := []any{slog.String("url", sourceURL)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		c.logger.Error("CRITICAL: committed product not visible", attrs...)
	}
}

// dispatchNotify 在独立 goroutine 中加载商品并通知，不受请求 ctx 取消影响。
func (c *Committer) dispatchNotify(productID uint, sourceURL string) {
	if c.notifier == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("PANIC in notifier", slog.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		var p model.Product
		err := c.db.WithContext(ctx).
			Preload("Images").
			Preload("ProductTags.Tag").
			Preload("Seller").
			First(&p, productID).Error
		if err != nil {
			c.logger.Warn("load product for notify failed",
				slog.String("url", sourceURL),
				slog.String("error", err.Error()))
			return
		}
		if err := c.notifier.Send(ctx, &p); err != nil {
			c.logger.Warn("notify new product failed",
				slog.String("url", sourceURL),
				slog.String("error", err.Error()))
		}
	}()
}

func upsertSeller(tx *gorm.DB, draft *crawler.DraftItem) (*model.Seller, error) {
	if draft.SellerURL == "" {
		return nil, nil
	}
	updates := []string{"name", "updated_at"}
	if draft.SellerIconURL != "" {
		updates = append(updates, "icon_url")
	}
	seller := model.Seller{
		SellerURL: draft.SellerURL,
		Name:      draft.SellerName,
		IconURL:   draft.SellerIconURL,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "seller_url"}},
		DoUpdates: clause.AssignmentColumns(updates),
	}).Create(&seller).Error
	if err != nil {
		return nil, fmt.Errorf("upsert seller: %w", err)
	}
	// upsert 命中更新时自增 ID 不可靠，按 URL 回查
	var stored model.Seller
	if err := tx.Where("seller_url = ?", draft.SellerURL).First(&stored).Error; err != nil {
		return nil, fmt.Errorf("load seller: %w", err)
	}
	return &stored, nil
}

func newProduct(draft *crawler.DraftItem, actorID uint, seller *model.Seller) *model.Product {
	enURL := draft.SourceEnURL
	if enURL == "" {
		enURL = draft.SourceURL
	}
	publishedAt := draft.PublishedAt
	if publishedAt.IsZero() {
		publishedAt = time.Now()
	}
	low, high := priceRange(draft)

	p := &model.Product{
		SourceURL:   draft.SourceURL,
		SourceEnURL: enURL,
		Title:       draft.Title,
		Description: draft.Description,
		LowPrice:    low,
		HighPrice:   high,
		PublishedAt: publishedAt,
		CreatedBy:   actorID,
	}
	if seller != nil {
		p.SellerID = &seller.ID
		p.Seller = seller
	}
	return p
}

func buildVariations(productID uint, draft *crawler.DraftItem) []model.ProductVariation {
	if len(draft.Variations) == 0 {
		return []model.ProductVariation{{
			ProductID: productID,
			Name:      "Standard",
			Price:     draft.Price,
			Type:      "download",
			Order:     0,
			IsMain:    true,
		}}
	}
	out := make([]model.ProductVariation, 0, len(draft.Variations))
	for i, v := range draft.Variations {
		typ := v.Type
		if typ == "" {
			typ = "download"
		}
		out = append(out, model.ProductVariation{
			ProductID: productID,
			Name:      v.Name,
			Price:     v.Price,
			Type:      typ,
			Order:     i,
			IsMain:    i == 0,
		})
	}
	return out
}

// priceRange 有规格时取规格价格的最小/最大值，否则使用解析出的价格区间，都没有时使用草稿价格。
func priceRange(draft *crawler.DraftItem) (int64, int64) {
	if len(draft.Variations) == 0 {
		low, high := draft.Price, draft.Price
		if draft.LowPrice > 0 || draft.HighPrice > 0 {
			low, high = draft.LowPrice, draft.HighPrice
		}
		if high < low {
			high = low
		}
		return low, high
	}
	low, high := draft.Variations[0].Price, draft.Variations[0].Price
	for _, v := range draft.Variations[1:] {
		if v.Price < low {
			low = v.Price
		}
		if v.Price > high {
			high = v.Price
		}
	}
	return low, high
}
