package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"premiumpay/internal/auth"
	"premiumpay/internal/database"
	"premiumpay/internal/models"
	"premiumpay/internal/repository"
)

var (
	tokenUserID uint
	tokenEmail  string
	tokenName   string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print an access token for a user (development)",
	Long: `Mint an HS256 access token signed with JWT_ACCESS_SECRET.

With --email and no --user-id the account is looked up by email and created
when missing.

Examples:
  premiumpay token --user-id 42 --email dev@example.com
  premiumpay token --email new@example.com --name "New User"`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().UintVar(&tokenUserID, "user-id", 0, "user id to embed in the token")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "email to embed in the token")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name for a newly created account")
}

func runToken(cmd *cobra.Command, args []string) error {
	if tokenUserID == 0 && tokenEmail == "" {
		return errors.New("--user-id or --email is required")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if tokenUserID == 0 {
		db, err := database.NewDB(&cfg.Database)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if err := database.AutoMigrate(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		users := repository.NewUserRepository(db)
		u, err := users.GetByEmail(cmd.Context(), tokenEmail)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			u = &models.User{Email: tokenEmail, DisplayName: tokenName}
			err = users.Create(cmd.Context(), u)
		}
		if err != nil {
			return fmt.Errorf("resolve user: %w", err)
		}
		tokenUserID = u.ID
	}

	tok, err := auth.GenerateAccessToken(&cfg.JWT, tokenUserID, tokenEmail)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
