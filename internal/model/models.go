package model

import (
	"time"
)

// 运行状态。
const (
	RunStatusRunning   = "RUNNING"
	RunStatusStopping  = "STOPPING"
	RunStatusCompleted = "COMPLETED"
	RunStatusFailed    = "FAILED"
)

// 标签来源。
const (
	ProvenanceOfficial    = "OFFICIAL"    // 来自源站
	ProvenanceIndependent = "INDEPENDENT" // 本地推导或添加
)

// ScraperRun 表示一次抓取任务的执行记录。
//
// 每个 AcquisitionTask 执行时创建一条，执行过程中持续更新计数器，
// 结束时写入最终状态与结束时间。SkipRequested 由进程外的操作方设置，
// 执行中的编排器在每个页面边界轮询该字段。
type ScraperRun struct {
	ID        uint      `gorm:"primaryKey"`                            // 内部 ID
	RunID     string    `gorm:"type:varchar(64);uniqueIndex;not null"` // 对外运行 ID (uuid)
	CreatedAt time.Time // 创建时间
	UpdatedAt time.Time // 更新时间

	Status      string     `gorm:"type:varchar(16);index;not null"` // RUNNING / STOPPING / COMPLETED / FAILED
	StartTime   time.Time  `gorm:"not null"`                        // 开始时间
	EndTime     *time.Time // 结束时间
	Mode        string     `gorm:"type:varchar(16);not null"` // DISCOVER / BACKFILL
	TargetLabel string     `gorm:"type:varchar(191)"`         // 目标标签
	RequestedBy uint       // 发起人
	Owner       string     `gorm:"type:varchar(64);index"` // 执行该运行的进程标识

	PagesProcessed    int  // 已处理页数
	ItemsFound        int  // 发现的商品数
	ItemsExisting     int  // 已存在的商品数
	ItemsCreated      int  // 新建的商品数
	ItemsSkipped      int  // 跳过的商品数（重复、被其他进程认领）
	ItemsFailed       int  // 失败的商品数
	LastProcessedPage int  // 最后处理的页码
	Errors            int  // 错误次数
	SkipRequested     bool `gorm:"default:false"` // 远程停止标记
}

// ScraperLog 运行日志，只追加不修改。
type ScraperLog struct {
	ID        uint      `gorm:"primaryKey"`
	RunID     string    `gorm:"type:varchar(64);index;not null"`
	Timestamp time.Time `gorm:"index"`
	Message   string    `gorm:"type:text"`
}

// TargetLabel 抓取目标（BOOTH 标签），同时保存 BACKFILL 的续跑游标。
type TargetLabel struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time // 创建时间
	UpdatedAt time.Time // 更新时间

	Label            string `gorm:"type:varchar(191);uniqueIndex;not null"` // 搜索用标签文本
	Category         string `gorm:"type:varchar(191)"`                      // 可选的分类过滤
	Enabled          bool   `gorm:"default:true"`                           // 是否参与 "全部目标" 展开
	LastBackfillPage int    `gorm:"default:0"`                              // 最后一个完整处理的 BACKFILL 页码
}

// TagCategory 标签分类。
type TagCategory struct {
	ID    uint   `gorm:"primaryKey"`
	Name  string `gorm:"type:varchar(191);uniqueIndex;not null"`
	Color string `gorm:"type:varchar(16)"`
}

// Tag 标签。Name 为规范化后的名称，大小写敏感。
type Tag struct {
	ID         uint   `gorm:"primaryKey"`
	Name       string `gorm:"type:varchar(191);uniqueIndex;not null"`
	Language   string `gorm:"type:varchar(8);default:ja"`
	CategoryID *uint  `gorm:"index"`

	Category *TagCategory `gorm:"foreignKey:CategoryID"`
}

// Seller 商品发布者，以店铺 URL 唯一确定。
type Seller struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time // 创建时间
	UpdatedAt time.Time // 更新时间

	SellerURL string `gorm:"type:varchar(191);uniqueIndex;not null"` // 店铺地址
	Name      string // 店铺名
	IconURL   string // 店铺头像
}

// Product 表示目录中的一个商品。
//
// SourceURL 是商品在 BOOTH 的日文页面地址，用于去重（唯一索引）。
type Product struct {
	ID        uint      `gorm:"primaryKey"` // 内部 ID
	CreatedAt time.Time // 入库时间
	UpdatedAt time.Time // 更新时间

	SourceURL   string    `gorm:"type:varchar(191);uniqueIndex;not null"` // 日文页面 URL (唯一索引)
	SourceEnURL string    `gorm:"type:varchar(191)"`                      // 英文页面 URL
	Title       string    `gorm:"not null"`                               // 标题
	Description string    `gorm:"type:text"`                              // 描述
	LowPrice    int64     // 最低价格 (单位: 日元)
	HighPrice   int64     // 最高价格
	SellerID    *uint     `gorm:"index"` // 发布者
	PublishedAt time.Time // 源站发布时间
	CreatedBy   uint      // 导入人

	Seller         *Seller            `gorm:"foreignKey:SellerID"`
	Images         []ProductImage     `gorm:"foreignKey:ProductID"`
	Variations     []ProductVariation `gorm:"foreignKey:ProductID"`
	ProductTags    []ProductTag       `gorm:"foreignKey:ProductID"`
	TagEditHistory []TagEditHistory   `gorm:"foreignKey:ProductID"`
}

// ProductImage 商品图片，Order 为 0 的第一张为主图。
type ProductImage struct {
	ID        uint   `gorm:"primaryKey"`
	ProductID uint   `gorm:"index;not null"`
	ImageURL  string `gorm:"type:text;not null"`
	IsMain    bool
	Order     int `gorm:"column:sort_order"`
}

// ProductVariation 价格规格。
type ProductVariation struct {
	ID        uint   `gorm:"primaryKey"`
	ProductID uint   `gorm:"index;not null"`
	Name      string `gorm:"not null"`
	Price     int64
	Type      string `gorm:"type:varchar(16)"` // download / physical
	Order     int    `gorm:"column:sort_order"`
	IsMain    bool
}

// ProductTag 商品与标签的关联，同一标签可以按不同来源各关联一次。
type ProductTag struct {
	ProductID  uint   `gorm:"primaryKey"`
	TagID      uint   `gorm:"primaryKey"`
	Provenance string `gorm:"primaryKey;type:varchar(16)"` // OFFICIAL / INDEPENDENT
	UserID     uint   // 添加人

	CreatedAt time.Time
	Tag       *Tag `gorm:"foreignKey:TagID"`
}

// TagEditHistory 标签编辑历史，导入时写入 version 1 快照。
type TagEditHistory struct {
	ID          uint      `gorm:"primaryKey"`
	ProductID   uint      `gorm:"index;not null"`
	EditorID    uint      `gorm:"not null"`
	Version     int       `gorm:"not null"`
	AddedTags   string    `gorm:"type:text"` // JSON 数组
	RemovedTags string    `gorm:"type:text"` // JSON 数组
	Comment     string    `gorm:"type:text"`
	CreatedAt   time.Time // 编辑时间
}

// KnownEntity 已知实体字典（如对应的 BOOTH 商品 ID 到 avatar 名称）。
//
// 商品描述中出现 SourceItemID 时，Name 作为 INDEPENDENT 标签加入。
type KnownEntity struct {
	ID           uint   `gorm:"primaryKey"`
	SourceItemID string `gorm:"type:varchar(64);uniqueIndex;not null"`
	Name         string `gorm:"type:varchar(191);not null"`
}
