package keys

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ransxm/keyserver/pkg/keyserver/models"
)

// MaxBatchSize bounds bulk create, batch delete and batch status updates
const MaxBatchSize = 100

// Handler handles key management requests
type Handler struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewHandler creates a new keys handler
func NewHandler(db *gorm.DB, log *zap.Logger) *Handler {
	return &Handler{db: db, log: log}
}

// CreateKeyRequest represents the request to create a single key.
// An omitted max_uses defaults to 1; explicit 0 means unlimited.
type CreateKeyRequest struct {
	Tier           string     `json:"tier"`
	ExpiresAt      *time.Time `json:"expires_at"`
	MaxUses        *int       `json:"max_uses"`
	SkipValidation bool       `json:"skip_validation"`
	Note           string     `json:"note"`
	OwnerID        *uint      `json:"owner_id"`
}

// BulkCreateRequest represents the request to create a batch of keys
type BulkCreateRequest struct {
	Count          int        `json:"count"`
	Tier           string     `json:"tier"`
	ExpiresAt      *time.Time `json:"expires_at"`
	MaxUses        *int       `json:"max_uses"`
	SkipValidation bool       `json:"skip_validation"`
	Prefix         string     `json:"prefix"`
}

// UpdateKeyRequest represents the request to update key fields. Only
// set fields are applied.
type UpdateKeyRequest struct {
	Status         *string      `json:"status"`
	Tier           *string      `json:"tier"`
	ExpiresAt      optionalTime `json:"expires_at"`
	MaxUses        *int         `json:"max_uses"`
	SkipValidation *bool        `json:"skip_validation"`
	Note           *string      `json:"note"`
	OwnerID        optionalUint `json:"owner_id"`
}

// BatchIDsRequest carries the ids for batch delete
type BatchIDsRequest struct {
	IDs []uint `json:"ids" binding:"required"`
}

// BatchStatusRequest carries the ids and target status for a batch status update
type BatchStatusRequest struct {
	IDs    []uint `json:"ids" binding:"required"`
	Status string `json:"status" binding:"required"`
}

// ListResponse is the paginated key list
type ListResponse struct {
	Keys       []models.Key `json:"keys"`
	Total      int64        `json:"total"`
	Page       int          `json:"page"`
	TotalPages int          `json:"total_pages"`
}

// resolveTier validates a caller-supplied tier, defaulting to basic
func resolveTier(s string) (models.KeyTier, bool) {
	if s == "" {
		return models.KeyTierBasic, true
	}
	tier := models.KeyTier(s)
	return tier, models.ValidKeyTier(tier)
}

func resolveMaxUses(v *int) (int, bool) {
	if v == nil {
		return 1, true
	}
	return *v, *v >= 0
}

// Create creates a single key
func (h *Handler) Create(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tier, ok := resolveTier(req.Tier)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid tier"})
		return
	}
	maxUses, ok := resolveMaxUses(req.MaxUses)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_uses must not be negative"})
		return
	}

	key := models.Key{
		Status:         models.KeyStatusActive,
		Tier:           tier,
		SkipValidation: req.SkipValidation,
		ExpiresAt:      req.ExpiresAt,
		MaxUses:        maxUses,
		Note:           req.Note,
		OwnerID:        req.OwnerID,
	}
	models.ApplyTierDefaults(&key, time.Now())

	if err := createWithRetry(h.db, &key); err != nil {
		h.log.Error("key create failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create key"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "Key created successfully",
		"key":     key,
	})
}

// BulkCreate creates a batch of keys, each independently generated
func (h *Handler) BulkCreate(c *gin.Context) {
	var req BulkCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Count <= 0 {
		req.Count = 10
	}
	if req.Count > MaxBatchSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Maximum 100 keys per batch"})
		return
	}

	tier, ok := resolveTier(req.Tier)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid tier"})
		return
	}
	maxUses, ok := resolveMaxUses(req.MaxUses)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_uses must not be negative"})
		return
	}

	now := time.Now()
	created := make([]models.Key, 0, req.Count)
	err := h.db.Transaction(func(tx *gorm.DB) error {
		for i := 0; i < req.Count; i++ {
			key := models.Key{
				Status:         models.KeyStatusActive,
				Tier:           tier,
				SkipValidation: req.SkipValidation,
				ExpiresAt:      req.ExpiresAt,
				MaxUses:        maxUses,
			}
			if req.Prefix != "" {
				key.Note = req.Prefix + "-" + strconv.Itoa(i+1)
			}
			models.ApplyTierDefaults(&key, now)
			if err := createWithRetry(tx, &key); err != nil {
				return err
			}
			created = append(created, key)
		}
		return nil
	})
	if err != nil {
		h.log.Error("bulk key create failed", zap.Int("count", req.Count), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create keys"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": strconv.Itoa(req.Count) + " keys created successfully",
		"keys":    created,
	})
}

// List returns keys with search, status filter and pagination
func (h *Handler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}

	query := h.db.Model(&models.Key{})
	if search := c.Query("search"); search != "" {
		query = query.Where("key_value LIKE ?", "%"+models.CanonicalKeyValue(search)+"%")
	}
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if tier := c.Query("tier"); tier != "" {
		query = query.Where("tier = ?", tier)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		h.log.Error("key count failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch keys"})
		return
	}

	var list []models.Key
	err := query.Preload("Owner").
		Order("created_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&list).Error
	if err != nil {
		h.log.Error("key list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch keys"})
		return
	}

	c.JSON(http.StatusOK, ListResponse{
		Keys:       list,
		Total:      total,
		Page:       page,
		TotalPages: int(math.Ceil(float64(total) / float64(limit))),
	})
}

// Get returns a single key by id
func (h *Handler) Get(c *gin.Context) {
	var key models.Key
	if err := h.db.Preload("Owner").First(&key, c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Key not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key})
}

// ListMine returns the keys owned by the authenticated user
func (h *Handler) ListMine(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	var list []models.Key
	if err := h.db.Where("owner_id = ?", userID).Order("created_at DESC").Find(&list).Error; err != nil {
		h.log.Error("own key list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch keys"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"keys": list})
}

// Update applies the set fields to a key. The elevated-tier cascade is
// re-applied after the edits so an elevated key can never lose its
// skip_validation/validated flags.
func (h *Handler) Update(c *gin.Context) {
	var req UpdateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var key models.Key
	if err := h.db.First(&key, c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Key not found"})
		return
	}

	if req.Status != nil {
		status := models.KeyStatus(*req.Status)
		if !models.ValidKeyStatus(status) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status"})
			return
		}
		key.Status = status
	}
	if req.Tier != nil {
		tier := models.KeyTier(*req.Tier)
		if !models.ValidKeyTier(tier) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid tier"})
			return
		}
		key.Tier = tier
	}
	if req.ExpiresAt.Set {
		// Explicit null clears the expiry, making the key never expire.
		key.ExpiresAt = req.ExpiresAt.Value
	}
	if req.MaxUses != nil {
		if *req.MaxUses < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "max_uses must not be negative"})
			return
		}
		key.MaxUses = *req.MaxUses
	}
	if req.SkipValidation != nil {
		key.SkipValidation = *req.SkipValidation
	}
	if req.Note != nil {
		key.Note = *req.Note
	}
	if req.OwnerID.Set {
		// Explicit null unclaims the key.
		key.OwnerID = req.OwnerID.Value
	}

	models.ApplyTierDefaults(&key, time.Now())

	if err := h.db.Save(&key).Error; err != nil {
		h.log.Error("key update failed", zap.Uint("key_id", key.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update key"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Key updated successfully",
		"key":     key,
	})
}

// ResetHWID clears a key's device binding
func (h *Handler) ResetHWID(c *gin.Context) {
	var key models.Key
	if err := h.db.First(&key, c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Key not found"})
		return
	}

	if err := h.db.Model(&key).Update("hwid", "").Error; err != nil {
		h.log.Error("hwid reset failed", zap.Uint("key_id", key.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reset HWID"})
		return
	}
	key.HWID = ""

	c.JSON(http.StatusOK, gin.H{
		"message": "HWID reset successfully",
		"key":     key,
	})
}

// ResetUses zeroes a key's usage counter
func (h *Handler) ResetUses(c *gin.Context) {
	var key models.Key
	if err := h.db.First(&key, c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Key not found"})
		return
	}

	if err := h.db.Model(&key).Update("current_uses", 0).Error; err != nil {
		h.log.Error("usage reset failed", zap.Uint("key_id", key.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reset usage count"})
		return
	}
	key.CurrentUses = 0

	c.JSON(http.StatusOK, gin.H{
		"message": "Usage count reset successfully",
		"key":     key,
	})
}

// Delete removes a single key
func (h *Handler) Delete(c *gin.Context) {
	res := h.db.Delete(&models.Key{}, c.Param("id"))
	if res.Error != nil {
		h.log.Error("key delete failed", zap.Error(res.Error))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete key"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Key not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Key deleted successfully"})
}

// BatchDelete removes up to MaxBatchSize keys by id
func (h *Handler) BatchDelete(c *gin.Context) {
	var req BatchIDsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.IDs) == 0 || len(req.IDs) > MaxBatchSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Batch must contain between 1 and 100 ids"})
		return
	}

	res := h.db.Delete(&models.Key{}, req.IDs)
	if res.Error != nil {
		h.log.Error("batch delete failed", zap.Error(res.Error))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete keys"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Keys deleted successfully",
		"deleted": res.RowsAffected,
	})
}

// BatchStatus sets the status of up to MaxBatchSize keys
func (h *Handler) BatchStatus(c *gin.Context) {
	var req BatchStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.IDs) == 0 || len(req.IDs) > MaxBatchSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Batch must contain between 1 and 100 ids"})
		return
	}
	status := models.KeyStatus(req.Status)
	if !models.ValidKeyStatus(status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status"})
		return
	}

	res := h.db.Model(&models.Key{}).Where("id IN ?", req.IDs).Update("status", status)
	if res.Error != nil {
		h.log.Error("batch status update failed", zap.Error(res.Error))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update keys"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Key status updated successfully",
		"updated": res.RowsAffected,
	})
}

// Export returns the full filtered key list
func (h *Handler) Export(c *gin.Context) {
	query := h.db.Model(&models.Key{})
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if tier := c.Query("tier"); tier != "" {
		query = query.Where("tier = ?", tier)
	}

	var list []models.Key
	if err := query.Order("created_at DESC").Find(&list).Error; err != nil {
		h.log.Error("key export failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to export keys"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":  list,
		"count": len(list),
	})
}

// RegisterRoutes registers key management routes on the given router
// group, which must already be behind the auth middleware. Reads require
// the admin role, mutations require super_admin.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, view, modify gin.HandlerFunc) {
	rg.GET("/keys", view, h.List)
	rg.GET("/keys/export", view, h.Export)
	rg.GET("/keys/:id", view, h.Get)
	rg.POST("/keys", modify, h.Create)
	rg.POST("/keys/bulk", modify, h.BulkCreate)
	rg.PUT("/keys/:id", modify, h.Update)
	rg.POST("/keys/:id/reset-hwid", modify, h.ResetHWID)
	rg.POST("/keys/:id/reset-uses", modify, h.ResetUses)
	rg.DELETE("/keys/:id", modify, h.Delete)
	rg.POST("/keys/batch-delete", modify, h.BatchDelete)
	rg.POST("/keys/batch-status", modify, h.BatchStatus)

	// Self-service: any authenticated user can list their own keys
	rg.GET("/me/keys", h.ListMine)
}
