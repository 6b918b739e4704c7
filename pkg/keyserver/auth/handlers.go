package auth

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ransxm/keyserver/pkg/keyserver/models"
)

// Handler handles authentication requests
type Handler struct {
	db      *gorm.DB
	log     *zap.Logger
	lockout *LockoutTracker
}

// NewHandler creates a new auth handler
func NewHandler(db *gorm.DB, log *zap.Logger) *Handler {
	return &Handler{
		db:      db,
		log:     log,
		lockout: NewLockoutTracker(DefaultLockoutThreshold, DefaultLockoutWindow),
	}
}

// RegisterRequest represents the registration request body. Key is
// optional: supplying one claims it for this account and marks it
// validated.
type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	Key      string `json:"key"`
}

// LoginRequest represents the login request body
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// AuthResponse represents the authentication response
type AuthResponse struct {
	Token string       `json:"token"`
	User  UserResponse `json:"user"`
}

// UserResponse represents user data in responses
type UserResponse struct {
	ID    uint   `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
	KeyID *uint  `json:"key_id,omitempty"`
}

// Register handles user registration, optionally claiming an unclaimed
// license key by value
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var existingUser models.User
	if err := h.db.Where("email = ?", req.Email).First(&existingUser).Error; err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Email already registered"})
		return
	}

	var claimed *models.Key
	if req.Key != "" {
		if !models.ValidKeyValue(req.Key) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid key"})
			return
		}
		var k models.Key
		if err := h.db.Where("key_value = ?", models.CanonicalKeyValue(req.Key)).First(&k).Error; err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid key"})
			return
		}
		if k.OwnerID != nil {
			c.JSON(http.StatusConflict, gin.H{"error": "Key already claimed"})
			return
		}
		claimed = &k
	}

	hashedPassword, err := HashPassword(req.Password)
	if err != nil {
		h.log.Error("password hash failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process password"})
		return
	}

	user := models.User{
		Email:        req.Email,
		PasswordHash: hashedPassword,
		Role:         models.RoleUser,
	}

	err = h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		if claimed == nil {
			return nil
		}

		// Registration is the binding step: the claimed key becomes
		// validated and owned by this account.
		now := time.Now()
		res := tx.Model(&models.Key{}).
			Where("id = ? AND owner_id IS NULL", claimed.ID).
			Updates(map[string]interface{}{
				"owner_id":     user.ID,
				"validated":    true,
				"validated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		user.KeyID = &claimed.ID
		return tx.Model(&user).Update("key_id", claimed.ID).Error
	})

	if err != nil {
		h.log.Error("registration failed", zap.String("email", req.Email), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create user"})
		return
	}

	token, err := GenerateToken(&user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	c.JSON(http.StatusCreated, AuthResponse{
		Token: token,
		User: UserResponse{
			ID:    user.ID,
			Email: user.Email,
			Role:  string(user.Role),
			KeyID: user.KeyID,
		},
	})
}

// Login handles user login with failed-attempt lockout
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	identifier := req.Email + "-" + c.ClientIP()
	if h.lockout.Locked(identifier) {
		h.log.Warn("login attempt on locked account", zap.String("email", req.Email))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Account temporarily locked due to too many failed attempts. Try again later."})
		return
	}

	var user models.User
	if err := h.db.Where("email = ?", req.Email).First(&user).Error; err != nil {
		h.lockout.Fail(identifier)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
		return
	}

	if !CheckPassword(req.Password, user.PasswordHash) {
		h.lockout.Fail(identifier)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
		return
	}

	h.lockout.Clear(identifier)

	token, err := GenerateToken(&user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, AuthResponse{
		Token: token,
		User: UserResponse{
			ID:    user.ID,
			Email: user.Email,
			Role:  string(user.Role),
			KeyID: user.KeyID,
		},
	})
}

// Me returns the current authenticated user
func (h *Handler) Me(c *gin.Context) {
	userID, exists := GetUserID(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	var user models.User
	if err := h.db.Preload("Key").First(&user, userID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"user": user})
}

// RegisterRoutes registers auth routes on the given router group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/register", h.Register)
	rg.POST("/login", h.Login)
	rg.GET("/me", AuthMiddleware(), h.Me)
}
