package admin

import (
	"math"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ransxm/keyserver/pkg/keyserver/auth"
	"github.com/ransxm/keyserver/pkg/keyserver/models"
)

// Handler handles admin requests
type Handler struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewHandler creates a new admin handler
func NewHandler(db *gorm.DB, log *zap.Logger) *Handler {
	return &Handler{db: db, log: log}
}

// StatsResponse represents dashboard statistics
type StatsResponse struct {
	TotalKeys        int64 `json:"total_keys"`
	ActiveKeys       int64 `json:"active_keys"`
	TotalUsers       int64 `json:"total_users"`
	TodayValidations int64 `json:"today_validations"`
	UniqueIPsToday   int64 `json:"unique_ips_today"`
}

type groupCount struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// CreateUserRequest represents the request to create an admin account
type CreateUserRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	Role     string `json:"role"`
}

// UpdateRoleRequest represents the request to change a user's role
type UpdateRoleRequest struct {
	Role string `json:"role" binding:"required"`
}

// GetStats returns dashboard statistics
func (h *Handler) GetStats(c *gin.Context) {
	var stats StatsResponse

	now := time.Now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	counts := []struct {
		name  string
		query *gorm.DB
		dest  *int64
	}{
		{"total keys", h.db.Model(&models.Key{}), &stats.TotalKeys},
		{"active keys", h.db.Model(&models.Key{}).Where("status = ?", models.KeyStatusActive), &stats.ActiveKeys},
		{"total users", h.db.Model(&models.User{}), &stats.TotalUsers},
		{"today validations", h.db.Model(&models.UsageLog{}).Where("used_at >= ?", startOfDay), &stats.TodayValidations},
		{"unique ips today", h.db.Model(&models.UsageLog{}).Where("used_at >= ?", startOfDay).Distinct("ip_address"), &stats.UniqueIPsToday},
	}
	for _, cq := range counts {
		if err := cq.query.Count(cq.dest).Error; err != nil {
			h.log.Error("stats count failed", zap.String("count", cq.name), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch stats"})
			return
		}
	}

	var statusBreakdown []groupCount
	if err := h.db.Model(&models.Key{}).
		Select("status AS name, COUNT(*) AS count").
		Group("status").Scan(&statusBreakdown).Error; err != nil {
		h.log.Error("status breakdown failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch stats"})
		return
	}

	var tierBreakdown []groupCount
	if err := h.db.Model(&models.Key{}).
		Select("tier AS name, COUNT(*) AS count").
		Group("tier").Scan(&tierBreakdown).Error; err != nil {
		h.log.Error("tier breakdown failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch stats"})
		return
	}

	var recent []models.UsageLog
	if err := h.db.Preload("Key").Order("used_at DESC").Limit(10).Find(&recent).Error; err != nil {
		h.log.Error("recent activity fetch failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stats":            stats,
		"status_breakdown": statusBreakdown,
		"tier_breakdown":   tierBreakdown,
		"recent_activity":  recent,
	})
}

// ListLogs returns paginated usage logs, optionally filtered by key
func (h *Handler) ListLogs(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}

	query := h.db.Model(&models.UsageLog{})
	if keyID := c.Query("key_id"); keyID != "" {
		query = query.Where("key_id = ?", keyID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		h.log.Error("log count failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch logs"})
		return
	}

	var logs []models.UsageLog
	err := query.Preload("Key").
		Order("used_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		h.log.Error("log list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch logs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"logs":        logs,
		"total":       total,
		"page":        page,
		"total_pages": int(math.Ceil(float64(total) / float64(limit))),
	})
}

type dailyCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// Analytics returns daily validation counts and top game ids over the
// requested number of days
func (h *Handler) Analytics(c *gin.Context) {
	days, _ := strconv.Atoi(c.DefaultQuery("days", "7"))
	if days < 1 || days > 90 {
		days = 7
	}

	now := time.Now()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).
		AddDate(0, 0, -(days - 1))

	var logs []models.UsageLog
	if err := h.db.Where("used_at >= ?", start).Find(&logs).Error; err != nil {
		h.log.Error("analytics fetch failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch analytics"})
		return
	}

	byDay := make(map[string]int64)
	byGame := make(map[string]int64)
	for _, l := range logs {
		byDay[l.UsedAt.Format("2006-01-02")]++
		if l.GameID != "" {
			byGame[l.GameID]++
		}
	}

	// Every day in the range appears, zero or not
	daily := make([]dailyCount, 0, days)
	for i := 0; i < days; i++ {
		date := start.AddDate(0, 0, i).Format("2006-01-02")
		daily = append(daily, dailyCount{Date: date, Count: byDay[date]})
	}

	type gameCount struct {
		GameID string `json:"game_id"`
		Count  int64  `json:"count"`
	}
	topGames := make([]gameCount, 0, len(byGame))
	for id, n := range byGame {
		topGames = append(topGames, gameCount{GameID: id, Count: n})
	}
	sort.Slice(topGames, func(i, j int) bool { return topGames[i].Count > topGames[j].Count })
	if len(topGames) > 10 {
		topGames = topGames[:10]
	}

	c.JSON(http.StatusOK, gin.H{
		"daily_usage": daily,
		"top_games":   topGames,
	})
}

// ListUsers returns all users with their claimed key, if any
func (h *Handler) ListUsers(c *gin.Context) {
	var users []models.User
	if err := h.db.Preload("Key").Order("created_at DESC").Find(&users).Error; err != nil {
		h.log.Error("user list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch users"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// CreateUser creates an admin or super_admin account
func (h *Handler) CreateUser(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	role := models.Role(req.Role)
	if role == "" {
		role = models.RoleAdmin
	}
	if role != models.RoleAdmin && role != models.RoleSuperAdmin {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Can only create admin or super_admin users"})
		return
	}

	var existing models.User
	if err := h.db.Where("email = ?", req.Email).First(&existing).Error; err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Email already registered"})
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.log.Error("password hash failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create user"})
		return
	}

	user := models.User{
		Email:        req.Email,
		PasswordHash: hash,
		Role:         role,
	}
	if err := h.db.Create(&user).Error; err != nil {
		h.log.Error("user create failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create user"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "User created successfully",
		"user":    user,
	})
}

// UpdateUserRole changes a user's role. A super_admin cannot demote
// their own account.
func (h *Handler) UpdateUserRole(c *gin.Context) {
	var req UpdateRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	role := models.Role(req.Role)
	if !models.ValidRole(role) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid role"})
		return
	}

	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}

	callerID, _ := auth.GetUserID(c)
	if uint(id) == callerID && role != models.RoleSuperAdmin {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot demote yourself"})
		return
	}

	var user models.User
	if err := h.db.First(&user, id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}

	if err := h.db.Model(&user).Update("role", role).Error; err != nil {
		h.log.Error("role update failed", zap.Uint("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update role"})
		return
	}
	user.Role = role

	c.JSON(http.StatusOK, gin.H{
		"message": "User role updated",
		"user":    user,
	})
}

// DeleteUser removes an account. A super_admin cannot delete their own
// account, and deleting a user never cascades to its key.
func (h *Handler) DeleteUser(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}

	callerID, _ := auth.GetUserID(c)
	if uint(id) == callerID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot delete yourself"})
		return
	}

	res := h.db.Delete(&models.User{}, id)
	if res.Error != nil {
		h.log.Error("user delete failed", zap.Error(res.Error))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete user"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "User deleted successfully"})
}

// RegisterRoutes registers admin routes on the given router group, which
// must already be behind the auth middleware
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	view := auth.RequireRole(models.RoleAdmin)
	modify := auth.RequireRole(models.RoleSuperAdmin)

	rg.GET("/stats", view, h.GetStats)
	rg.GET("/logs", view, h.ListLogs)
	rg.GET("/analytics", view, h.Analytics)
	rg.GET("/users", view, h.ListUsers)
	rg.POST("/users", modify, h.CreateUser)
	rg.PUT("/users/:id/role", modify, h.UpdateUserRole)
	rg.DELETE("/users/:id", modify, h.DeleteUser)
}
