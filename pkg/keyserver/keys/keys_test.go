package keys

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ransxm/keyserver/pkg/keyserver/auth"
	"github.com/ransxm/keyserver/pkg/keyserver/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	models.AutoMigrate(db)
	return db
}

func setupTestRouter(db *gorm.DB) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handler := NewHandler(db, zap.NewNop())
	api := r.Group("/api", auth.AuthMiddleware())
	handler.RegisterRoutes(api, auth.RequireRole(models.RoleAdmin), auth.RequireRole(models.RoleSuperAdmin))
	return r
}

func tokenFor(t *testing.T, db *gorm.DB, email string, role models.Role) (models.User, string) {
	user := models.User{Email: email, PasswordHash: "x", Role: role}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}
	token, err := auth.GenerateToken(&user)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	return user, token
}

func doJSON(router *gin.Engine, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decodeKey(t *testing.T, resp *httptest.ResponseRecorder) models.Key {
	var out struct {
		Key models.Key `json:"key"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode key response: %v", err)
	}
	return out.Key
}

func TestCreateKey(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	_, token := tokenFor(t, db, "root@example.com", models.RoleSuperAdmin)

	maxUses := 5
	resp := doJSON(router, "POST", "/api/keys", token, CreateKeyRequest{
		Tier:    "premium",
		MaxUses: &maxUses,
		Note:    "test batch",
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", resp.Code, resp.Body.String())
	}

	key := decodeKey(t, resp)
	if !models.ValidKeyValue(key.KeyValue) {
		t.Errorf("Generated key %q has unexpected format", key.KeyValue)
	}
	if key.Status != models.KeyStatusActive {
		t.Errorf("Expected active status, got %s", key.Status)
	}
	if key.Tier != models.KeyTierPremium {
		t.Errorf("Expected premium tier, got %s", key.Tier)
	}
	if key.SkipValidation || key.Validated {
		t.Error("Non-elevated key should not get validation defaults")
	}
}

func TestCreateElevatedKeyCascade(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	_, token := tokenFor(t, db, "root@example.com", models.RoleSuperAdmin)

	resp := doJSON(router, "POST", "/api/keys", token, CreateKeyRequest{Tier: "elevated"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", resp.Code)
	}

	key := decodeKey(t, resp)
	if !key.SkipValidation || !key.Validated || key.ValidatedAt == nil {
		t.Error("Elevated key must carry skip_validation, validated and validated_at")
	}
}

func TestCreateKeyDefaultsMaxUses(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	_, token := tokenFor(t, db, "root@example.com", models.RoleSuperAdmin)

	resp := doJSON(router, "POST", "/api/keys", token, CreateKeyRequest{Tier: "basic"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", resp.Code)
	}
	if key := decodeKey(t, resp); key.MaxUses != 1 {
		t.Errorf("Expected omitted max_uses to default to 1, got %d", key.MaxUses)
	}
}

func TestCreateKeyExplicitUnlimited(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	_, token := tokenFor(t, db, "root@example.com", models.RoleSuperAdmin)

	zero := 0
	resp := doJSON(router, "POST", "/api/keys", token, CreateKeyRequest{Tier: "basic", MaxUses: &zero})
	if resp.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", resp.Code)
	}
	if key := decodeKey(t, resp); key.MaxUses != 0 {
		t.Errorf("Expected explicit 0 to stay unlimited, got %d", key.MaxUses)
	}
}

func TestCreateKeyNegativeMaxUses(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	_, token := tokenFor(t, db, "root@example.com", models.RoleSuperAdmin)

	negative := -1
	resp := doJSON(router, "POST", "/api/keys", token, CreateKeyRequest{Tier: "basic", MaxUses: &negative})
	if resp.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.Code)
	}
}

func TestCreateKeyInvalidTier(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	_, token := tokenFor(t, db, "root@example.com", models.RoleSuperAdmin)

	resp := doJSON(router, "POST", "/api/keys", token, CreateKeyRequest{Tier: "platinum"})
	if resp.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.Code)
	}
}

func TestCreateKeyRequiresSuperAdmin(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	_, adminToken := tokenFor(t, db, "admin@example.com", models.RoleAdmin)

	resp := doJSON(router, "POST", "/api/keys", adminToken, CreateKeyRequest{})
	if resp.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for admin create, got %d", resp.Code)
	}

	// Admins still get read access.
	resp = doJSON(router, "GET", "/api/keys", adminToken, nil)
	if resp.Code != http.StatusOK {
		t.Errorf("Expected status 200 for admin list, got %d", resp.Code)
	}
}

func TestKeysRequireAuth(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)

	resp := doJSON(router, "GET", "/api/keys", "", nil)
	if resp.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.Code)
	}
}

func TestBulkCreate(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	_, token := tokenFor(t, db, "root@example.com", models.RoleSuperAdmin)

	resp := doJSON(router, "POST", "/api/keys/bulk", token, BulkCreateRequest{
		Count:  5,
		Tier:   "elevated",
		Prefix: "promo",
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", resp.Code, resp.Body.String())
	}

	var out struct {
		Keys []models.Key `json:"keys"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(out.Keys) != 5 {
		t.Fatalf("Expected 5 keys, got %d", len(out.Keys))
	}
	seen := make(map[string]bool)
	for i, k := range out.Keys {
		if seen[k.KeyValue] {
			t.Errorf("Duplicate key value %q", k.KeyValue)
		}
		seen[k.KeyValue] = true
		if !k.SkipValidation || !k.Validated {
			t.Error("Elevated cascade missing on bulk-created key")
		}
		if want := "promo-" + strconv.Itoa(i+1); k.Note != want {
			t.Errorf("Expected note %q, got %q", want, k.Note)
		}
	}
}

func TestBulkCreateDefaultsCount(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	_, token := tokenFor(t, db, "root@example.com", models.RoleSuperAdmin)

	resp := doJSON(router, "POST", "/api/keys/bulk", token, BulkCreateRequest{})
	if resp.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", resp.Code)
	}
	var count int64
	db.Model(&models.Key{}).Count(&count)
	if count != 10 {
		t.Errorf("Expected default batch of 10, got %d", count)
	}

	var first models.Key
	db.First(&first)
	if first.MaxUses != 1 {
		t.Errorf("Expected omitted max_uses to default to 1, got %d", first.MaxUses)
	}
}

func TestBulkCreateRejectsOversizedBatch(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	_, token := tokenFor(t, db, "root@example.com", models.RoleSuperAdmin)

	resp := doJSON(router, "POST", "/api/keys/bulk", token, BulkCreateRequest{Count: 150})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", resp.Code)
	}
	var count int64
	db.Model(&models.Key{}).Count(&count)
	if count != 0 {
		t.Errorf("Expected no keys written, got %d", count)
	}
}

func TestListFiltersAndPagination(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	_, token := tokenFor(t, db, "admin@example.com", models.RoleAdmin)

	for i := 0; i < 3; i++ {
		key := GenerateKey()
		status := models.KeyStatusActive
		if i == 2 {
			status = models.KeyStatusBanned
		}
		db.Create(&models.Key{KeyValue: key, Status: status, Tier: models.KeyTierBasic, CreatedAt: time.Now().Add(time.Duration(i) * time.Second)})
	}

	resp := doJSON(router, "GET", "/api/keys?status=banned", token, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.Code)
	}
	var out ListResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if out.Total != 1 || len(out.Keys) != 1 {
		t.Errorf("Expected 1 banned key, got total=%d len=%d", out.Total, len(out.Keys))
	}

	resp = doJSON(router, "GET", "/api/keys?page=1&limit=2", token, nil)
	json.Unmarshal(resp.Body.Bytes(), &out)
	if out.Total != 3 || len(out.Keys) != 2 || out.TotalPages != 2 {
		t.Errorf("Unexpected pagination: total=%d len=%d pages=%d", out.Total, len(out.Keys), out.TotalPages)
	}
}

func TestUpdateKeyTierCascade(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	_, token := tokenFor(t, db, "root@example.com", models.RoleSuperAdmin)

	key := models.Key{KeyValue: "RNSXM-AAAA-BBBB-CCCC-DDDD", Status: models.KeyStatusActive, Tier: models.KeyTierBasic}
	db.Create(&key)

	resp := doJSON(router, "PUT", "/api/keys/"+strconv.Itoa(int(key.ID)), token, map[string]interface{}{"tier": "elevated"})
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	updated := decodeKey(t, resp)
	if !updated.SkipValidation || !updated.Validated {
		t.Error("Promoting to elevated must apply the validation cascade")
	}
}

func TestUpdateKeyClearsExpiry(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	_, token := tokenFor(t, db, "root@example.com", models.RoleSuperAdmin)

	past := time.Now().Add(-time.Hour)
	key := models.Key{KeyValue: "RNSXM-AAAA-BBBB-CCCC-DDDD", Status: models.KeyStatusExpired, Tier: models.KeyTierBasic, ExpiresAt: &past}
	db.Create(&key)

	// Resurrecting an expired key: explicit null clears the past expiry
	// so the next validation cannot re-expire it.
	resp := doJSON(router, "PUT", "/api/keys/"+strconv.Itoa(int(key.ID)), token, map[string]interface{}{
		"status":     "active",
		"expires_at": nil,
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var stored models.Key
	db.First(&stored, key.ID)
	if stored.Status != models.KeyStatusActive {
		t.Errorf("Expected active status, got %s", stored.Status)
	}
	if stored.ExpiresAt != nil {
		t.Errorf("Expected expiry cleared, got %v", stored.ExpiresAt)
	}
}

func TestUpdateKeyClearsOwner(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	owner, _ := tokenFor(t, db, "user@example.com", models.RoleUser)
	_, token := tokenFor(t, db, "root@example.com", models.RoleSuperAdmin)

	key := models.Key{KeyValue: "RNSXM-AAAA-BBBB-CCCC-DDDD", Status: models.KeyStatusActive, Tier: models.KeyTierBasic, OwnerID: &owner.ID}
	db.Create(&key)

	resp := doJSON(router, "PUT", "/api/keys/"+strconv.Itoa(int(key.ID)), token, map[string]interface{}{"owner_id": nil})
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var stored models.Key
	db.First(&stored, key.ID)
	if stored.OwnerID != nil {
		t.Errorf("Expected owner cleared, got %v", *stored.OwnerID)
	}
}

func TestUpdateKeyAbsentFieldsUntouched(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	owner, _ := tokenFor(t, db, "user@example.com", models.RoleUser)
	_, token := tokenFor(t, db, "root@example.com", models.RoleSuperAdmin)

	future := time.Now().Add(24 * time.Hour)
	key := models.Key{KeyValue: "RNSXM-AAAA-BBBB-CCCC-DDDD", Status: models.KeyStatusActive, Tier: models.KeyTierBasic, ExpiresAt: &future, OwnerID: &owner.ID}
	db.Create(&key)

	resp := doJSON(router, "PUT", "/api/keys/"+strconv.Itoa(int(key.ID)), token, map[string]interface{}{"note": "edited"})
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.Code)
	}

	var stored models.Key
	db.First(&stored, key.ID)
	if stored.ExpiresAt == nil {
		t.Error("Expected expiry untouched when the field is absent")
	}
	if stored.OwnerID == nil || *stored.OwnerID != owner.ID {
		t.Error("Expected owner untouched when the field is absent")
	}
	if stored.Note != "edited" {
		t.Errorf("Expected note updated, got %q", stored.Note)
	}
}

func TestUpdateKeyInvalidStatus(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	_, token := tokenFor(t, db, "root@example.com", models.RoleSuperAdmin)

	key := models.Key{KeyValue: "RNSXM-AAAA-BBBB-CCCC-DDDD", Status: models.KeyStatusActive, Tier: models.KeyTierBasic}
	db.Create(&key)

	resp := doJSON(router, "PUT", "/api/keys/"+strconv.Itoa(int(key.ID)), token, map[string]interface{}{"status": "frozen"})
	if resp.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.Code)
	}
}

func TestResetHWIDAndUses(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	_, token := tokenFor(t, db, "root@example.com", models.RoleSuperAdmin)

	key := models.Key{
		KeyValue:    "RNSXM-AAAA-BBBB-CCCC-DDDD",
		Status:      models.KeyStatusActive,
		Tier:        models.KeyTierBasic,
		HWID:        "device-1",
		MaxUses:     5,
		CurrentUses: 4,
	}
	db.Create(&key)
	id := strconv.Itoa(int(key.ID))

	resp := doJSON(router, "POST", "/api/keys/"+id+"/reset-hwid", token, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.Code)
	}
	resp = doJSON(router, "POST", "/api/keys/"+id+"/reset-uses", token, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.Code)
	}

	var stored models.Key
	db.First(&stored, key.ID)
	if stored.HWID != "" {
		t.Errorf("Expected hwid cleared, got %q", stored.HWID)
	}
	if stored.CurrentUses != 0 {
		t.Errorf("Expected current_uses 0, got %d", stored.CurrentUses)
	}
}

func TestDeleteKey(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	_, token := tokenFor(t, db, "root@example.com", models.RoleSuperAdmin)

	key := models.Key{KeyValue: "RNSXM-AAAA-BBBB-CCCC-DDDD", Status: models.KeyStatusActive, Tier: models.KeyTierBasic}
	db.Create(&key)

	resp := doJSON(router, "DELETE", "/api/keys/"+strconv.Itoa(int(key.ID)), token, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.Code)
	}
	resp = doJSON(router, "DELETE", "/api/keys/"+strconv.Itoa(int(key.ID)), token, nil)
	if resp.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 on second delete, got %d", resp.Code)
	}
}

func TestBatchDeleteAndStatus(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	_, token := tokenFor(t, db, "root@example.com", models.RoleSuperAdmin)

	ids := make([]uint, 0, 4)
	for i := 0; i < 4; i++ {
		key := models.Key{KeyValue: GenerateKey(), Status: models.KeyStatusActive, Tier: models.KeyTierBasic}
		db.Create(&key)
		ids = append(ids, key.ID)
	}

	resp := doJSON(router, "POST", "/api/keys/batch-status", token, BatchStatusRequest{IDs: ids[:2], Status: "disabled"})
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var disabled int64
	db.Model(&models.Key{}).Where("status = ?", models.KeyStatusDisabled).Count(&disabled)
	if disabled != 2 {
		t.Errorf("Expected 2 disabled keys, got %d", disabled)
	}

	resp = doJSON(router, "POST", "/api/keys/batch-delete", token, BatchIDsRequest{IDs: ids[2:]})
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.Code)
	}
	var remaining int64
	db.Model(&models.Key{}).Count(&remaining)
	if remaining != 2 {
		t.Errorf("Expected 2 keys remaining, got %d", remaining)
	}

	resp = doJSON(router, "POST", "/api/keys/batch-delete", token, BatchIDsRequest{IDs: []uint{}})
	if resp.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for empty batch, got %d", resp.Code)
	}
}

func TestExport(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	_, token := tokenFor(t, db, "admin@example.com", models.RoleAdmin)

	for i := 0; i < 3; i++ {
		tier := models.KeyTierBasic
		if i == 0 {
			tier = models.KeyTierElevated
		}
		db.Create(&models.Key{KeyValue: GenerateKey(), Status: models.KeyStatusActive, Tier: tier})
	}

	resp := doJSON(router, "GET", "/api/keys/export?tier=elevated", token, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.Code)
	}
	var out struct {
		Keys  []models.Key `json:"keys"`
		Count int          `json:"count"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if out.Count != 1 || len(out.Keys) != 1 {
		t.Errorf("Expected 1 elevated key, got count=%d len=%d", out.Count, len(out.Keys))
	}
}

func TestListMine(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	owner, token := tokenFor(t, db, "user@example.com", models.RoleUser)
	other, _ := tokenFor(t, db, "other@example.com", models.RoleUser)

	mine := models.Key{KeyValue: "RNSXM-AAAA-BBBB-CCCC-DDDD", Status: models.KeyStatusActive, Tier: models.KeyTierBasic, OwnerID: &owner.ID}
	theirs := models.Key{KeyValue: "RNSXM-EEEE-FFFF-0000-1111", Status: models.KeyStatusActive, Tier: models.KeyTierBasic, OwnerID: &other.ID}
	db.Create(&mine)
	db.Create(&theirs)

	resp := doJSON(router, "GET", "/api/me/keys", token, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.Code)
	}
	var out struct {
		Keys []models.Key `json:"keys"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(out.Keys) != 1 || out.Keys[0].KeyValue != mine.KeyValue {
		t.Errorf("Expected only the caller's key, got %d keys", len(out.Keys))
	}
}
