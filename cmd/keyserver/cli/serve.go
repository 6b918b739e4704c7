package cli

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ransxm/keyserver/pkg/keyserver/admin"
	"github.com/ransxm/keyserver/pkg/keyserver/auth"
	"github.com/ransxm/keyserver/pkg/keyserver/config"
	"github.com/ransxm/keyserver/pkg/keyserver/database"
	"github.com/ransxm/keyserver/pkg/keyserver/keys"
	"github.com/ransxm/keyserver/pkg/keyserver/license"
	"github.com/ransxm/keyserver/pkg/keyserver/logger"
	"github.com/ransxm/keyserver/pkg/keyserver/middleware"
	"github.com/ransxm/keyserver/pkg/keyserver/models"
)

func newServeCmd() *cobra.Command {
	var (
		port   int
		dbPath string
		dev    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the key validation and admin API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(dev)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&dbPath, "db", "keyserver.db", "SQLite database path")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (human-readable logs)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("db.path", cmd.Flags().Lookup("db"))

	return cmd
}

func runServe(dev bool) error {
	log, err := logger.Provide(dev)
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg := config.Load()

	db, err := database.Connect(cfg.DBPath)
	if err != nil {
		return err
	}

	if err := models.AutoMigrate(db); err != nil {
		return err
	}
	log.Info("database migrations completed", zap.String("path", cfg.DBPath))

	if err := ensureSuperAdminExists(db, cfg, log); err != nil {
		return err
	}

	if !dev {
		gin.SetMode(gin.ReleaseMode)
	}
	r := buildRouter(db, log)

	log.Info("starting keyserver", zap.String("addr", cfg.Addr()))
	return r.Run(cfg.Addr())
}

func buildRouter(db *gorm.DB, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Logger(log), gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "keyserver"})
		})

		// Auth routes (public)
		authHandler := auth.NewHandler(db, log)
		authHandler.RegisterRoutes(api.Group("/auth"))

		// Validation routes (public, called by the client software)
		licenseHandler := license.NewHandler(db, log)
		licenseHandler.RegisterRoutes(api.Group("/validate"))

		// Key management (authenticated, role-gated per route)
		keysHandler := keys.NewHandler(db, log)
		keysHandler.RegisterRoutes(
			api.Group("", auth.AuthMiddleware()),
			auth.RequireRole(models.RoleAdmin),
			auth.RequireRole(models.RoleSuperAdmin),
		)

		// Admin routes (authenticated, role-gated per route)
		adminHandler := admin.NewHandler(db, log)
		adminHandler.RegisterRoutes(api.Group("/admin", auth.AuthMiddleware()))
	}

	return r
}

// ensureSuperAdminExists creates the configured seed super_admin account
// if no super_admin exists in the database
func ensureSuperAdminExists(db *gorm.DB, cfg *config.Config, log *zap.Logger) error {
	var count int64
	if err := db.Model(&models.User{}).Where("role = ?", models.RoleSuperAdmin).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if cfg.SeedAdminEmail == "" || cfg.SeedAdminPassword == "" {
		log.Warn("no super_admin account exists and no seed admin is configured")
		return nil
	}

	hash, err := auth.HashPassword(cfg.SeedAdminPassword)
	if err != nil {
		return err
	}

	user := models.User{
		Email:        cfg.SeedAdminEmail,
		PasswordHash: hash,
		Role:         models.RoleSuperAdmin,
	}
	if err := db.Create(&user).Error; err != nil {
		return err
	}

	log.Info("created seed super_admin account", zap.String("email", user.Email))
	return nil
}
