package model

import "time"

// User 表示系统用户。抓取流水线只读取用户是否存在。
type User struct {
	ID        uint      `gorm:"primaryKey"`                     // 用户 ID
	Email     string    `gorm:"type:varchar(191);uniqueIndex"`  // 邮箱（唯一）
	Name      string    `gorm:"type:varchar(191)"`              // 显示名称
	Role      string    `gorm:"type:varchar(16);default:admin"` // 角色: admin / user
	CreatedAt time.Time // 创建时间
}

// AllModels 返回需要自动迁移的全部模型。
func AllModels() []any {
	return []any{
		&User{},
		&ScraperRun{},
		&ScraperLog{},
		&TargetLabel{},
		&TagCategory{},
		&Tag{},
		&Seller{},
		&Product{},
		&ProductImage{},
		&ProductVariation{},
		&ProductTag{},
		&TagEditHistory{},
		&KnownEntity{},
	}
}
