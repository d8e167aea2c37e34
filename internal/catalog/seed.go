package catalog

import (
	"context"
	"errors"
	"fmt"

	"boothsync/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EnsureSystemUser 确保抓取用的系统用户存在并返回其 ID。
//
// 多个进程同时启动时，插入冲突后回查即可。
func EnsureSystemUser(ctx context.Context, db *gorm.DB, email string) (uint, error) {
	if email == "" {
		return 0, errors.New("system user email required")
	}
	user := model.User{Email: email, Name: "Scraper", Role: "admin"}
	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "email"}}, DoNothing: true}).
		Create(&user).Error
	if err != nil {
		return 0, fmt.Errorf("create system user: %w", err)
	}

	var stored model.User
	if err := db.WithContext(ctx).Where("email = ?", email).First(&stored).Error; err != nil {
		return 0, fmt.Errorf("load system user: %w", err)
	}
	return stored.ID, nil
}

// SeedKnownEntities 写入已知实体字典，已存在的 SourceItemID 保持不变。
func SeedKnownEntities(ctx context.Context, db *gorm.DB, entities map[string]string) (int64, error) {
	if len(entities) == 0 {
		return 0, nil
	}
	rows := make([]model.KnownEntity, 0, len(entities))
	for id, name := range entities {
		rows = append(rows, model.KnownEntity{SourceItemID: id, Name: name})
	}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "source_item_id"}}, DoNothing: true}).
		Create(&rows)
	if res.Error != nil {
		return 0, fmt.Errorf("seed known entities: %w", res.Error)
	}
	return res.RowsAffected, nil
}
