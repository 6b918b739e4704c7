package license

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ransxm/keyserver/pkg/keyserver/models"
)

// Handler handles the public validation endpoints called by the client
// software. These endpoints always answer HTTP 200 so client-side error
// handling stays uniform.
type Handler struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewHandler creates a new validation handler
func NewHandler(db *gorm.DB, log *zap.Logger) *Handler {
	return &Handler{db: db, log: log}
}

// ValidateRequest is the body sent by the client software
type ValidateRequest struct {
	Key      string `json:"key"`
	HWID     string `json:"hwid"`
	GameID   string `json:"game_id"`
	Executor string `json:"executor"`
}

// ValidateData is the payload returned on a successful validation
type ValidateData struct {
	Tier           string     `json:"tier"`
	ExpiresAt      *time.Time `json:"expires_at"`
	TimeRemaining  string     `json:"time_remaining,omitempty"`
	UsesRemaining  any        `json:"uses_remaining"`
	SkipValidation bool       `json:"skip_validation"`
	Validated      bool       `json:"validated"`
}

// ValidateResponse is the uniform validation response body
type ValidateResponse struct {
	Valid                bool          `json:"valid"`
	Message              string        `json:"message,omitempty"`
	Error                string        `json:"error,omitempty"`
	RequiresRegistration bool          `json:"requires_registration,omitempty"`
	Data                 *ValidateData `json:"data,omitempty"`
}

// CheckResponse is the lightweight status response
type CheckResponse struct {
	Valid     bool       `json:"valid"`
	Status    string     `json:"status,omitempty"`
	Tier      string     `json:"tier,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func rejectResponse(d Decision) ValidateResponse {
	return ValidateResponse{
		Valid:                false,
		Error:                d.Reason,
		RequiresRegistration: d.RequiresRegistration,
	}
}

// Validate runs the full key validation sequence: format check, lookup,
// decision, conditional mutations, usage logging.
func (h *Handler) Validate(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Key == "" {
		c.JSON(http.StatusOK, ValidateResponse{Valid: false, Error: ReasonNoKey})
		return
	}
	if !models.ValidKeyValue(req.Key) {
		c.JSON(http.StatusOK, ValidateResponse{Valid: false, Error: ReasonInvalidKey})
		return
	}

	var key models.Key
	err := h.db.Where("key_value = ?", models.CanonicalKeyValue(req.Key)).First(&key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusOK, ValidateResponse{Valid: false, Error: ReasonInvalidKey})
			return
		}
		h.log.Error("key lookup failed", zap.Error(err))
		c.JSON(http.StatusOK, ValidateResponse{Valid: false, Error: "Validation failed"})
		return
	}

	now := time.Now()
	d := Evaluate(&key, req.HWID, now)

	if d.MarkExpired {
		// Lazy expiry: the status transition happens on read. Sticky
		// until an explicit admin edit; subsequent calls short-circuit
		// at the status check.
		err := h.db.Model(&models.Key{}).Where("id = ?", key.ID).
			Update("status", models.KeyStatusExpired).Error
		if err != nil {
			h.log.Error("expiry transition failed", zap.Uint("key_id", key.ID), zap.Error(err))
		}
	}

	if d.Valid && d.BindHWID {
		// First activation: bind conditionally so only one of two
		// racing devices wins the slot.
		res := h.db.Model(&models.Key{}).
			Where("id = ? AND (hwid IS NULL OR hwid = '')", key.ID).
			Update("hwid", req.HWID)
		if res.Error != nil {
			h.log.Error("hwid bind failed", zap.Uint("key_id", key.ID), zap.Error(res.Error))
			c.JSON(http.StatusOK, ValidateResponse{Valid: false, Error: "Validation failed"})
			return
		}
		if res.RowsAffected == 0 {
			// Lost the race: re-read and re-evaluate against the
			// now-bound device id rather than failing outright.
			if err := h.db.First(&key, key.ID).Error; err != nil {
				h.log.Error("key re-read failed", zap.Uint("key_id", key.ID), zap.Error(err))
				c.JSON(http.StatusOK, ValidateResponse{Valid: false, Error: "Validation failed"})
				return
			}
			d = Evaluate(&key, req.HWID, now)
		}
	}

	if !d.Valid {
		c.JSON(http.StatusOK, rejectResponse(d))
		return
	}

	if d.IncrementUse {
		// The quota predicate guards the increment so two racing
		// activations cannot both consume the last use.
		res := h.db.Model(&models.Key{}).
			Where("id = ? AND (max_uses = 0 OR current_uses < max_uses)", key.ID).
			Updates(map[string]interface{}{
				"current_uses": gorm.Expr("current_uses + 1"),
				"last_used":    now,
			})
		if res.Error != nil {
			h.log.Error("usage increment failed", zap.Uint("key_id", key.ID), zap.Error(res.Error))
			c.JSON(http.StatusOK, ValidateResponse{Valid: false, Error: "Validation failed"})
			return
		}
		if res.RowsAffected == 0 {
			c.JSON(http.StatusOK, ValidateResponse{Valid: false, Error: ReasonMaxUses})
			return
		}
	} else {
		err := h.db.Model(&models.Key{}).Where("id = ?", key.ID).
			Update("last_used", now).Error
		if err != nil {
			h.log.Error("last_used update failed", zap.Uint("key_id", key.ID), zap.Error(err))
		}
	}

	entry := models.UsageLog{
		KeyID:     key.ID,
		UsedAt:    now,
		IPAddress: c.ClientIP(),
		HWID:      req.HWID,
		GameID:    req.GameID,
		Executor:  req.Executor,
	}
	if err := h.db.Create(&entry).Error; err != nil {
		h.log.Error("usage log insert failed", zap.Uint("key_id", key.ID), zap.Error(err))
	}

	data := &ValidateData{
		Tier:           string(key.Tier),
		ExpiresAt:      key.ExpiresAt,
		UsesRemaining:  UsesRemaining(&key, d.IncrementUse),
		SkipValidation: key.SkipValidation,
		Validated:      key.Validated,
	}
	if key.ExpiresAt != nil {
		data.TimeRemaining = TimeRemaining(*key.ExpiresAt, now)
	}

	c.JSON(http.StatusOK, ValidateResponse{
		Valid:   true,
		Message: "Key validated successfully",
		Data:    data,
	})
}

// Check is the lightweight status poll: no mutation, no logging. Expiry
// is computed from expires_at without writing the status transition.
func (h *Handler) Check(c *gin.Context) {
	raw := c.Param("key")
	if !models.ValidKeyValue(raw) {
		c.JSON(http.StatusOK, CheckResponse{Valid: false})
		return
	}

	var key models.Key
	if err := h.db.Where("key_value = ?", models.CanonicalKeyValue(raw)).First(&key).Error; err != nil {
		c.JSON(http.StatusOK, CheckResponse{Valid: false})
		return
	}

	expired := key.Expired(time.Now())
	c.JSON(http.StatusOK, CheckResponse{
		Valid:     key.Status == models.KeyStatusActive && !expired,
		Status:    string(key.Status),
		Tier:      string(key.Tier),
		ExpiresAt: key.ExpiresAt,
	})
}

// RegisterRoutes registers the public validation routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("", h.Validate)
	rg.GET("/check/:key", h.Check)
}
