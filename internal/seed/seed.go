// Package seed creates the platform superadmin on first boot when the
// control-plane users table is empty.
package seed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/athens-ehs/athens/internal/model"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// SuperadminOptions configures the seed superadmin.
type SuperadminOptions struct {
	Email    string
	Password string // if empty, a random password is generated
}

// EnsureSuperadmin creates a platform superadmin if no users exist in the
// control plane. Superadmins carry no tenant binding; they administer the
// control plane only. The generated password is printed to stdout exactly
// once. Idempotent: safe to call on every startup.
func EnsureSuperadmin(_ context.Context, db *gorm.DB, opts SuperadminOptions, log *slog.Logger) error {
	var count int64
	if err := db.Model(&model.User{}).Count(&count).Error; err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		log.Info("seed superadmin already exists")
		return nil
	}

	password := opts.Password
	if password == "" {
		var err error
		password, err = generatePassword()
		if err != nil {
			return fmt.Errorf("generate seed password: %w", err)
		}
		fmt.Printf("[athens] seed superadmin password: %s\n", password)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash seed password: %w", err)
	}

	u := &model.User{
		Username:     "superadmin",
		Email:        opts.Email,
		Name:         "Platform Superadmin",
		PasswordHash: string(hash),
		UserType:     model.UserTypeSuperadmin,
	}
	if err := db.Create(u).Error; err != nil {
		return fmt.Errorf("insert seed superadmin: %w", err)
	}

	log.Info("seed superadmin created", "email", opts.Email)
	return nil
}

func generatePassword() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
