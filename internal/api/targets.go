package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"boothsync/internal/model"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type dbTargetStore struct {
	db *gorm.DB
}

func (s dbTargetStore) ListTargets(ctx context.Context) ([]model.TargetLabel, error) {
	targets := []model.TargetLabel{}
	if err := s.db.WithContext(ctx).Order("id").Find(&targets).Error; err != nil {
		return nil, err
	}
	return targets, nil
}

func (s dbTargetStore) CreateTarget(ctx context.Context, target *model.TargetLabel) error {
	enabled := target.Enabled
	if err := s.db.WithContext(ctx).Create(target).Error; err != nil {
		return err
	}
	// gorm 对零值 bool 使用列默认值 true
	if !enabled {
		target.Enabled = false
		return s.db.WithContext(ctx).Model(target).Update("enabled", false).Error
	}
	return nil
}

func (s dbTargetStore) SetTargetEnabled(ctx context.Context, id uint, enabled bool) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.TargetLabel{}).Where("id = ?", id).Update("enabled", enabled)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

type dbRunStore struct {
	db *gorm.DB
}

func (s dbRunStore) RecentRuns(ctx context.Context, limit int) ([]model.ScraperRun, error) {
	runs := []model.ScraperRun{}
	if err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

type createTargetRequest struct {
	Label    string `json:"label" binding:"required"`
	Category string `json:"category"`
	Enabled  *bool  `json:"enabled"`
}

type updateTargetRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// handleListTargets 返回全部抓取目标。
//
// GET /scraper/targets
func (s *Server) handleListTargets(c *gin.Context) {
	targets, err := s.targets.ListTargets(c.Request.Context())
	if err != nil {
		s.logger.Error("list targets failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list targets failed"})
		return
	}
	c.JSON(http.StatusOK, targets)
}

// handleCreateTarget 新增抓取目标，默认启用。
//
// POST /scraper/targets
func (s *Server) handleCreateTarget(c *gin.Context) {
	var req createTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	label := strings.TrimSpace(req.Label)
	if label == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "label required"})
		return
	}

	target := model.TargetLabel{
		Label:    label,
		Category: strings.TrimSpace(req.Category),
		Enabled:  req.Enabled == nil || *req.Enabled,
	}
	if err := s.targets.CreateTarget(c.Request.Context(), &target); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			c.JSON(http.StatusConflict, gin.H{"error": "target already exists"})
			return
		}
		s.logger.Error("create target failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create target failed"})
		return
	}
	c.JSON(http.StatusCreated, target)
}

// handleUpdateTarget 启用或停用抓取目标。
//
// PATCH /scraper/targets/:id
func (s *Server) handleUpdateTarget(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid target id"})
		return
	}
	var req updateTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ok, err := s.targets.SetTargetEnabled(c.Request.Context(), uint(id), *req.Enabled)
	if err != nil {
		s.logger.Error("update target failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update target failed"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "target not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "enabled": *req.Enabled})
}
