package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ransxm/keyserver/pkg/keyserver/auth"
	"github.com/ransxm/keyserver/pkg/keyserver/config"
	"github.com/ransxm/keyserver/pkg/keyserver/database"
	"github.com/ransxm/keyserver/pkg/keyserver/models"
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage administrative accounts",
		Long:  "Create and list admin and super_admin accounts directly in the key store.",
	}

	cmd.AddCommand(newAdminCreateCmd())
	cmd.AddCommand(newAdminListCmd())

	return cmd
}

func newAdminCreateCmd() *cobra.Command {
	var (
		email    string
		password string
		role     string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an admin or super_admin account",
		Example: `  keyserver admin create --email admin@example.com --role super_admin
  keyserver admin create --email viewer@example.com  # prompts for password`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminCreate(email, password, role)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Account email address (required)")
	cmd.Flags().StringVar(&password, "password", "", "Account password (prompted if omitted)")
	cmd.Flags().StringVar(&role, "role", "admin", "Account role: admin or super_admin")
	cmd.MarkFlagRequired("email")

	return cmd
}

func runAdminCreate(email, password, roleName string) error {
	if !strings.Contains(email, "@") {
		return fmt.Errorf("invalid email address: %q", email)
	}

	role := models.Role(roleName)
	if role != models.RoleAdmin && role != models.RoleSuperAdmin {
		return fmt.Errorf("role must be admin or super_admin, got %q", roleName)
	}

	if password == "" {
		fmt.Print("Password: ")
		pwBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Println()
		password = string(pwBytes)

		fmt.Print("Confirm password: ")
		confirmBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		fmt.Println()

		if password != string(confirmBytes) {
			return fmt.Errorf("passwords do not match")
		}
	}

	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}

	cfg := config.Load()
	db, err := database.Connect(cfg.DBPath)
	if err != nil {
		return err
	}
	if err := models.AutoMigrate(db); err != nil {
		return err
	}

	var existing models.User
	if err := db.Where("email = ?", email).First(&existing).Error; err == nil {
		return fmt.Errorf("email %q is already registered", email)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}

	user := models.User{
		Email:        email,
		PasswordHash: hash,
		Role:         role,
	}
	if err := db.Create(&user).Error; err != nil {
		return err
	}

	fmt.Printf("Created %s account %q\n", role, email)
	return nil
}

func newAdminListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List admin and super_admin accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminList()
		},
	}

	return cmd
}

func runAdminList() error {
	cfg := config.Load()
	db, err := database.Connect(cfg.DBPath)
	if err != nil {
		return err
	}

	var users []models.User
	err = db.Where("role IN ?", []models.Role{models.RoleAdmin, models.RoleSuperAdmin}).
		Order("created_at").Find(&users).Error
	if err != nil {
		return err
	}

	if len(users) == 0 {
		fmt.Println("No admin accounts found.")
		return nil
	}

	for _, u := range users {
		fmt.Printf("%-6d %-40s %s\n", u.ID, u.Email, u.Role)
	}
	return nil
}
