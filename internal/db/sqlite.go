// Package db persists client credentials in SQLite through GORM.
package db

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pysugar/relay-nexus/internal/db/models"
)

// InitDB opens the SQLite database at dbPath and runs migrations.
func InitDB(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}
	if err := db.AutoMigrate(&models.ClientKey{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// EnsureBootstrapKey creates an unbound client key when none exists yet, so a fresh
// install can reach the engine routes.
func EnsureBootstrapKey(ctx context.Context, keys *ClientKeyStore, log logrus.FieldLogger) error {
	var count int64
	if err := keys.db.WithContext(ctx).Model(&models.ClientKey{}).Count(&count).Error; err != nil {
		return fmt.Errorf("count client keys: %w", err)
	}
	if count > 0 {
		return nil
	}
	k, err := keys.CreateClientKey(ctx, ClientKeyInput{Name: "bootstrap"})
	if err != nil {
		return err
	}
	log.WithField("client_key_id", k.ID).Infof("Generated bootstrap client key: %s", k.Key)
	return nil
}

// generateKey returns sk-<32 hex chars>.
func generateKey() (string, error) {
	keyBytes := make([]byte, 16)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", err
	}
	return "sk-" + hex.EncodeToString(keyBytes), nil
}
