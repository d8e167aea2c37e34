package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"boothsync/internal/crawler"
	"boothsync/internal/model"

	"golang.org/x/text/width"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrTagResolutionFailed 标签创建与回查均失败。
var ErrTagResolutionFailed = errors.New("tag resolution failed")

const (
	defaultTagLanguage = "ja"

	ageRatingCategoryName  = "age_rating"
	ageRatingCategoryColor = "#FF0000"
)

// ageRatingTagNames 分级对应的标签名。
var ageRatingTagNames = map[crawler.AgeRating]string{
	crawler.AgeRatingAllAges: "全年齢",
	crawler.AgeRatingR15:     "R-15",
	crawler.AgeRatingAdult:   "R-18",
}

// NormalizeTagName 全角转半角、合并连续空白并去掉首尾空白，保留大小写。
func NormalizeTagName(name string) string {
	folded := width.Fold.String(name)
	return strings.Join(strings.Fields(folded), " ")
}

// VocabularyResolver 把标签文本映射为标签 ID，缺失时创建。
//
// 所有方法都接收调用方的事务句柄，在同一事务内完成查询与创建。
type VocabularyResolver struct {
	logger *slog.Logger
}

// NewVocabularyResolver 创建解析器。
func NewVocabularyResolver(logger *slog.Logger) *VocabularyResolver {
	return &VocabularyResolver{logger: logger}
}

// ResolveTags 返回 names 对应的标签 ID，顺序与去重后的输入一致。
//
// 缺失的标签以 ON CONFLICT DO NOTHING 插入，随后按名称回查一次；
// 并发写入者先创建同名标签时回查即可拿到它。
func (r *VocabularyResolver) ResolveTags(ctx context.Context, tx *gorm.DB, names []string) ([]uint, error) {
	normalized := uniqueNormalized(names)
	if len(normalized) == 0 {
		return nil, nil
	}
	db := tx.WithContext(ctx)

	byName, err := findTagsByName(db, normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: lookup: %v", ErrTagResolutionFailed, err)
	}

	var missing []string
	for _, name := range normalized {
		if _, ok := byName[name]; !ok {
			missing = append(missing, name)
		}
	}

	if len(missing) > 0 {
		rows := make([]model.Tag, 0, len(missing))
		for _, name := range missing {
			rows = append(rows, model.Tag{Name: name, Language: defaultTagLanguage})
		}
		createErr := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
		if createErr != nil {
			r.logger.Warn("create tags failed, refetching",
				slog.Int("count", len(missing)),
				slog.String("error", createErr.Error()))
		}

		fetched, fetchErr := findTagsByName(db, missing)
		if fetchErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrTagResolutionFailed, errors.Join(createErr, fetchErr))
		}
		for name, id := range fetched {
			byName[name] = id
		}
		for _, name := range missing {
			if _, ok := byName[name]; !ok {
				return nil, fmt.Errorf("%w: %q not found after create: %v", ErrTagResolutionFailed, name, createErr)
			}
		}
	}

	ids := make([]uint, 0, len(normalized))
	for _, name := range normalized {
		ids = append(ids, byName[name])
	}
	return ids, nil
}

// ResolveAgeRating 返回分级标签 ID。未知分级返回 nil 且不访问数据库。
//
// 分级标签归属 age_rating 分类；已存在但尚未关联分类的标签会补上关联。
func (r *VocabularyResolver) ResolveAgeRating(ctx context.Context, tx *gorm.DB, rating crawler.AgeRating) (*uint, error) {
	name, ok := ageRatingTagNames[rating]
	if !ok {
		return nil, nil
	}
	db := tx.WithContext(ctx)

	category, err := r.ensureAgeRatingCategory(db)
	if err != nil {
		return nil, err
	}

	tag, err := firstTag(db, name)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		createErr := db.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&model.Tag{Name: name, Language: defaultTagLanguage, CategoryID: &category.ID}).Error
		tag, err = firstTag(db, name)
		if err != nil {
			return nil, fmt.Errorf("%w: age rating %q: %v", ErrTagResolutionFailed, name, errors.Join(createErr, err))
		}
	} else if err != nil {
		return nil, fmt.Errorf("%w: age rating %q: %v", ErrTagResolutionFailed, name, err)
	}

	if tag.CategoryID == nil || *tag.CategoryID != category.ID {
		if err := db.Model(&model.Tag{}).Where("id = ?", tag.ID).Update("category_id", category.ID).Error; err != nil {
			return nil, fmt.Errorf("link age rating tag: %w", err)
		}
	}
	id := tag.ID
	return &id, nil
}

func (r *VocabularyResolver) ensureAgeRatingCategory(db *gorm.DB) (*model.TagCategory, error) {
	var category model.TagCategory
	err := db.Where("name = ?", ageRatingCategoryName).First(&category).Error
	if err == nil {
		return &category, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: category lookup: %v", ErrTagResolutionFailed, err)
	}

	createErr := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.TagCategory{Name: ageRatingCategoryName, Color: ageRatingCategoryColor}).Error
	if err := db.Where("name = ?", ageRatingCategoryName).First(&category).Error; err != nil {
		return nil, fmt.Errorf("%w: category: %v", ErrTagResolutionFailed, errors.Join(createErr, err))
	}
	return &category, nil
}

func firstTag(db *gorm.DB, name string) (*model.Tag, error) {
	var tag model.Tag
	if err := db.Where("name = ?", name).First(&tag).Error; err != nil {
		return nil, err
	}
	return &tag, nil
}

func findTagsByName(db *gorm.DB, names []string) (map[string]uint, error) {
	var tags []model.Tag
	if err := db.Where("name IN ?", names).Find(&tags).Error; err != nil {
		return nil, err
	}
	out := make(map[string]uint, len(tags))
	for _, t := range tags {
		out[t.Name] = t.ID
	}
	return out, nil
}

func uniqueNormalized(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, raw := range names {
		name := NormalizeTagName(raw)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
