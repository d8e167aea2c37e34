package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"boothsync/internal/crawler"
	"boothsync/internal/model"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })
	return db
}

func createActor(t *testing.T, db *gorm.DB) uint {
	t.Helper()
	u := model.User{Email: "system-scraper@polyseek.com", Name: "system"}
	require.NoError(t, db.Create(&u).Error)
	return u.ID
}

// recordingNotifier 记录收到的商品，可注入错误。
type recordingNotifier struct {
	mu       sync.Mutex
	products []*model.Product
	err      error
}

func (n *recordingNotifier) Send(ctx context.Context, p *model.Product) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.products = append(n.products, p)
	return n.err
}

func sampleDraft(url string) *crawler.DraftItem {
	return &crawler.DraftItem{
		SourceURL:     url,
		Title:         "Sample Outfit",
		Description:   "対応アバター: https://booth.pm/ja/items/4035411",
		Price:         1500,
		Images:        []string{"https://img/main.png", "https://img/sub.png"},
		Tags:          []string{"VRChat", "衣装"},
		AgeRating:     crawler.AgeRatingAdult,
		SellerName:    "Shop A",
		SellerURL:     "https://shop-a.booth.pm/",
		SellerIconURL: "https://img/icon.png",
		PublishedAt:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

type association struct {
	Tag        string
	Provenance string
}

func loadAssociations(t *testing.T, db *gorm.DB, productID uint) []association {
	t.Helper()
	var rows []model.ProductTag
	require.NoError(t, db.Preload("Tag").Where("product_id = ?", productID).Find(&rows).Error)
	out := make([]association, 0, len(rows))
	for _, r := range rows {
		out = append(out, association{Tag: r.Tag.Name, Provenance: r.Provenance})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tag != out[j].Tag {
			return out[i].Tag < out[j].Tag
		}
		return out[i].Provenance < out[j].Provenance
	})
	return out
}

// ============================================================================
// ExistenceChecker
// ============================================================================

func TestExistenceChecker_EmptyInputSkipsStore(t *testing.T) {
	// db 为 nil，任何查询都会 panic
	c := NewExistenceChecker(nil)
	got, err := c.FilterExisting(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = c.FilterExisting(context.Background(), []string{})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestExistenceChecker_FilterExisting(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&model.Product{SourceURL: "https://booth.pm/ja/items/1", Title: "a"}).Error)

	c := NewExistenceChecker(db)
	got, err := c.FilterExisting(context.Background(), []string{
		"https://booth.pm/ja/items/1",
		"https://booth.pm/ja/items/2",
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Contains(t, got, "https://booth.pm/ja/items/1")
}

func TestExistenceChecker_StoreFailure(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, Close(db))

	_, err := NewExistenceChecker(db).FilterExisting(context.Background(), []string{"u"})
	require.ErrorIs(t, err, ErrExistenceCheck)
}

// ============================================================================
// VocabularyResolver
// ============================================================================

func TestNormalizeTagName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"VRChat", "VRChat"},
		{"ＶＲＣｈａｔ", "VRChat"},
		{"Ｔａｇ　Ｎａｍｅ", "Tag Name"},
		{"  3D   モデル ", "3D モデル"},
		{"vrchat", "vrchat"},
		{"　", ""},
	}
	for _, tt := range tests {
		if got := NormalizeTagName(tt.in); got != tt.want {
			t.Errorf("NormalizeTagName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolveTags_WidthFoldingAndCaseSensitivity(t *testing.T) {
	db := newTestDB(t)
	r := NewVocabularyResolver(newTestLogger())
	ctx := context.Background()

	ids, err := r.ResolveTags(ctx, db, []string{"VRChat", "ＶＲＣｈａｔ", "vrchat", "a  b", "a b", ""})
	require.NoError(t, err)
	require.Len(t, ids, 3)
	require.NotEqual(t, ids[0], ids[1], "case variants must be distinct tags")

	var count int64
	require.NoError(t, db.Model(&model.Tag{}).Count(&count).Error)
	require.EqualValues(t, 3, count)

	again, err := r.ResolveTags(ctx, db, []string{"a b", "VRChat"})
	require.NoError(t, err)
	require.Equal(t, []uint{ids[2], ids[0]}, again)
}

func TestResolveTags_ReusesExistingTag(t *testing.T) {
	db := newTestDB(t)
	existing := model.Tag{Name: "衣装", Language: "ja"}
	require.NoError(t, db.Create(&existing).Error)

	ids, err := NewVocabularyResolver(newTestLogger()).ResolveTags(context.Background(), db, []string{"衣装", "新規"})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.Equal(t, existing.ID, ids[0])

	var created model.Tag
	require.NoError(t, db.First(&created, ids[1]).Error)
	require.Equal(t, "新規", created.Name)
	require.Equal(t, "ja", created.Language)
}

func TestResolveTags_StoreFailure(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, Close(db))

	_, err := NewVocabularyResolver(newTestLogger()).ResolveTags(context.Background(), db, []string{"x"})
	require.ErrorIs(t, err, ErrTagResolutionFailed)
}

func TestResolveAgeRating(t *testing.T) {
	r := NewVocabularyResolver(newTestLogger())
	ctx := context.Background()

	// 未知分级不访问数据库
	id, err := r.ResolveAgeRating(ctx, nil, crawler.AgeRatingUnknown)
	require.NoError(t, err)
	require.Nil(t, id)

	db := newTestDB(t)
	unlinked := model.Tag{Name: "R-15", Language: "ja"}
	require.NoError(t, db.Create(&unlinked).Error)

	adultID, err := r.ResolveAgeRating(ctx, db, crawler.AgeRatingAdult)
	require.NoError(t, err)
	require.NotNil(t, adultID)

	r15ID, err := r.ResolveAgeRating(ctx, db, crawler.AgeRatingR15)
	require.NoError(t, err)
	require.Equal(t, unlinked.ID, *r15ID)

	var category model.TagCategory
	require.NoError(t, db.Where("name = ?", "age_rating").First(&category).Error)
	require.Equal(t, "#FF0000", category.Color)

	var tags []model.Tag
	require.NoError(t, db.Where("id IN ?", []uint{*adultID, *r15ID}).Find(&tags).Error)
	require.Len(t, tags, 2)
	for _, tag := range tags {
		require.NotNil(t, tag.CategoryID, "tag %s", tag.Name)
		require.Equal(t, category.ID, *tag.CategoryID)
	}

	again, err := r.ResolveAgeRating(ctx, db, crawler.AgeRatingAdult)
	require.NoError(t, err)
	require.Equal(t, *adultID, *again)

	var categories int64
	require.NoError(t, db.Model(&model.TagCategory{}).Count(&categories).Error)
	require.EqualValues(t, 1, categories)
}

// ============================================================================
// EntityDictionary
// ============================================================================

func TestEntityDictionary_Match(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&[]model.KnownEntity{
		{SourceItemID: "4035411", Name: "Manuka"},
		{SourceItemID: "5058077", Name: "Shinano"},
		{SourceItemID: "1111111", Name: "Unused"},
	}).Error)

	d := NewEntityDictionary(db, time.Hour)
	names, err := d.Match(context.Background(), "対応: 5058077 / 4035411 / 4035411")
	require.NoError(t, err)
	require.Equal(t, []string{"Manuka", "Shinano"}, names)

	names, err = d.Match(context.Background(), "no ids here")
	require.NoError(t, err)
	require.Empty(t, names)

	require.NoError(t, db.Create(&model.KnownEntity{SourceItemID: "2222222", Name: "Karin"}).Error)
	names, _ = d.Match(context.Background(), "2222222")
	require.Empty(t, names, "cached dictionary until refresh")

	d.Invalidate()
	names, err = d.Match(context.Background(), "2222222")
	require.NoError(t, err)
	require.Equal(t, []string{"Karin"}, names)
}

// ============================================================================
// Committer
// ============================================================================

func newTestCommitter(t *testing.T, db *gorm.DB, opts ...CommitterOption) *Committer {
	t.Helper()
	require.NoError(t, db.Create(&model.KnownEntity{SourceItemID: "4035411", Name: "Manuka"}).Error)
	opts = append([]CommitterOption{WithEntityDictionary(NewEntityDictionary(db, time.Hour))}, opts...)
	return NewCommitter(db, newTestLogger(), opts...)
}

func TestCommit_RoundTripProvenance(t *testing.T) {
	db := newTestDB(t)
	actor := createActor(t, db)
	c := newTestCommitter(t, db, WithVerifyPersistence(true))

	p, err := c.Commit(context.Background(), sampleDraft("https://booth.pm/ja/items/100"), actor)
	require.NoError(t, err)
	require.NotZero(t, p.ID)

	require.Equal(t, []association{
		{"Manuka", model.ProvenanceIndependent},
		{"R-18", model.ProvenanceIndependent},
		{"R-18", model.ProvenanceOfficial},
		{"VRChat", model.ProvenanceOfficial},
		{"衣装", model.ProvenanceOfficial},
	}, loadAssociations(t, db, p.ID))

	var stored model.Product
	require.NoError(t, db.Preload("Images", func(db *gorm.DB) *gorm.DB { return db.Order("sort_order") }).
		Preload("Variations").Preload("Seller").Preload("TagEditHistory").
		First(&stored, p.ID).Error)

	require.Equal(t, "https://booth.pm/ja/items/100", stored.SourceEnURL)
	require.EqualValues(t, 1500, stored.LowPrice)
	require.EqualValues(t, 1500, stored.HighPrice)
	require.Equal(t, actor, stored.CreatedBy)

	require.Len(t, stored.Images, 2)
	require.True(t, stored.Images[0].IsMain)
	require.Equal(t, "https://img/main.png", stored.Images[0].ImageURL)
	require.False(t, stored.Images[1].IsMain)

	require.Len(t, stored.Variations, 1)
	require.Equal(t, "Standard", stored.Variations[0].Name)
	require.Equal(t, "download", stored.Variations[0].Type)
	require.EqualValues(t, 1500, stored.Variations[0].Price)

	require.NotNil(t, stored.Seller)
	require.Equal(t, "Shop A", stored.Seller.Name)

	require.Len(t, stored.TagEditHistory, 1)
	h := stored.TagEditHistory[0]
	require.Equal(t, 1, h.Version)
	require.Equal(t, "Scraper Auto-Import", h.Comment)
	require.Equal(t, "[]", h.RemovedTags)
	var added []uint
	require.NoError(t, json.Unmarshal([]byte(h.AddedTags), &added))
	require.Len(t, added, 4)
}

func TestCommit_ExplicitTagAlsoEntity(t *testing.T) {
	db := newTestDB(t)
	actor := createActor(t, db)
	c := newTestCommitter(t, db)

	draft := sampleDraft("https://booth.pm/ja/items/101")
	draft.Tags = []string{"Manuka", "Ｍａｎｕｋａ"}
	draft.AgeRating = crawler.AgeRatingUnknown

	p, err := c.Commit(context.Background(), draft, actor)
	require.NoError(t, err)
	require.Equal(t, []association{
		{"Manuka", model.ProvenanceIndependent},
		{"Manuka", model.ProvenanceOfficial},
	}, loadAssociations(t, db, p.ID))
}

func TestCommit_VariationsDrivePriceRange(t *testing.T) {
	db := newTestDB(t)
	actor := createActor(t, db)
	c := NewCommitter(db, newTestLogger())

	draft := sampleDraft("https://booth.pm/ja/items/102")
	draft.Variations = []crawler.DraftVariation{
		{Name: "Full", Price: 3000, Type: "download"},
		{Name: "Basic", Price: 1200},
	}
	p, err := c.Commit(context.Background(), draft, actor)
	require.NoError(t, err)
	require.EqualValues(t, 1200, p.LowPrice)
	require.EqualValues(t, 3000, p.HighPrice)

	var variations []model.ProductVariation
	require.NoError(t, db.Where("product_id = ?", p.ID).Order("sort_order").Find(&variations).Error)
	require.Len(t, variations, 2)
	require.Equal(t, "Full", variations[0].Name)
	require.True(t, variations[0].IsMain)
	require.Equal(t, "download", variations[1].Type)
}

func TestCommit_OfferRangeWithoutVariations(t *testing.T) {
	tests := []struct {
		name      string
		low, high int64
		wantLow   int64
		wantHigh  int64
	}{
		{"aggregate_offer", 500, 1500, 500, 1500},
		{"low_only", 800, 0, 800, 800},
		{"no_range_uses_price", 0, 0, 1500, 1500},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newTestDB(t)
			actor := createActor(t, db)
			c := NewCommitter(db, newTestLogger())

			draft := sampleDraft(fmt.Sprintf("https://booth.pm/ja/items/%d", 150+i))
			draft.LowPrice = tt.low
			draft.HighPrice = tt.high

			p, err := c.Commit(context.Background(), draft, actor)
			require.NoError(t, err)

			var stored model.Product
			require.NoError(t, db.First(&stored, p.ID).Error)
			require.EqualValues(t, tt.wantLow, stored.LowPrice)
			require.EqualValues(t, tt.wantHigh, stored.HighPrice)
		})
	}
}

func TestCommit_DuplicateSourceURL(t *testing.T) {
	db := newTestDB(t)
	actor := createActor(t, db)
	c := newTestCommitter(t, db)
	ctx := context.Background()

	_, err := c.Commit(ctx, sampleDraft("https://booth.pm/ja/items/200"), actor)
	require.NoError(t, err)

	_, err = c.Commit(ctx, sampleDraft("https://booth.pm/ja/items/200"), actor)
	require.ErrorIs(t, err, ErrDuplicateItem)

	var count int64
	require.NoError(t, db.Model(&model.Product{}).Where("source_url = ?", "https://booth.pm/ja/items/200").Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestCommit_UnknownActorWritesNothing(t *testing.T) {
	db := newTestDB(t)
	c := newTestCommitter(t, db)

	_, err := c.Commit(context.Background(), sampleDraft("https://booth.pm/ja/items/300"), 999)
	require.ErrorIs(t, err, ErrUnknownActor)

	for _, m := range []any{&model.Product{}, &model.Tag{}, &model.Seller{}} {
		var count int64
		require.NoError(t, db.Model(m).Count(&count).Error)
		require.Zero(t, count)
	}
}

func TestCommit_InvalidDraft(t *testing.T) {
	c := NewCommitter(nil, newTestLogger())
	_, err := c.Commit(context.Background(), &crawler.DraftItem{SourceURL: "u"}, 1)
	require.ErrorIs(t, err, ErrInvalidDraft)
	_, err = c.Commit(context.Background(), nil, 1)
	require.ErrorIs(t, err, ErrInvalidDraft)
}

func TestCommit_SellerUpsertKeepsIcon(t *testing.T) {
	db := newTestDB(t)
	actor := createActor(t, db)
	c := NewCommitter(db, newTestLogger())
	ctx := context.Background()

	first, err := c.Commit(ctx, sampleDraft("https://booth.pm/ja/items/400"), actor)
	require.NoError(t, err)

	draft := sampleDraft("https://booth.pm/ja/items/401")
	draft.SellerName = "Shop A (renamed)"
	draft.SellerIconURL = ""
	second, err := c.Commit(ctx, draft, actor)
	require.NoError(t, err)
	require.Equal(t, *first.SellerID, *second.SellerID)

	var sellers []model.Seller
	require.NoError(t, db.Find(&sellers).Error)
	require.Len(t, sellers, 1)
	require.Equal(t, "Shop A (renamed)", sellers[0].Name)
	require.Equal(t, "https://img/icon.png", sellers[0].IconURL)
}

func TestCommit_NotifyIsBestEffort(t *testing.T) {
	db := newTestDB(t)
	actor := createActor(t, db)
	n := &recordingNotifier{err: errors.New("webhook down")}
	c := newTestCommitter(t, db, WithNotifier(n))

	p, err := c.Commit(context.Background(), sampleDraft("https://booth.pm/ja/items/500"), actor)
	require.NoError(t, err)
	c.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()
	require.Len(t, n.products, 1)
	got := n.products[0]
	require.Equal(t, p.ID, got.ID)
	require.Len(t, got.Images, 2)
	require.NotNil(t, got.Seller)
	require.NotEmpty(t, got.ProductTags)
	require.NotNil(t, got.ProductTags[0].Tag)
}
