package catalog

import (
	"context"
	"errors"
	"fmt"

	"boothsync/internal/model"

	"gorm.io/gorm"
)

// ErrExistenceCheck 已存在商品查询失败。
var ErrExistenceCheck = errors.New("existence check failed")

// ExistenceChecker 按 source_url 判断商品是否已经入库。
type ExistenceChecker struct {
	db *gorm.DB
}

// NewExistenceChecker 创建检查器。
func NewExistenceChecker(db *gorm.DB) *ExistenceChecker {
	return &ExistenceChecker{db: db}
}

// FilterExisting 返回 urls 中已经存在于目录的子集。空输入不访问数据库。
func (c *ExistenceChecker) FilterExisting(ctx context.Context, urls []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{})
	if len(urls) == 0 {
		return existing, nil
	}

	var found []string
	err := c.db.WithContext(ctx).
		Model(&model.Product{}).
		Where("source_url IN ?", urls).
		Pluck("source_url", &found).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExistenceCheck, err)
	}
	for _, u := range found {
		existing[u] = struct{}{}
	}
	return existing, nil
}
