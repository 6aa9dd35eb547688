package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pysugar/relay-nexus/internal/db/models"
	"github.com/pysugar/relay-nexus/internal/platform"
	"github.com/pysugar/relay-nexus/internal/scheduler"
)

var (
	ErrClientKeyNotFound = errors.New("client key not found")
	ErrClientKeyInactive = errors.New("client key is disabled")
)

// ClientKeyInput describes a new client key. An empty Key is generated.
type ClientKeyInput struct {
	Name          string
	Key           string
	ClaudeBinding string
	GeminiBinding string
	OpenAIBinding string
}

// ClientKeyUpdate changes the non-nil fields.
type ClientKeyUpdate struct {
	Name          *string
	IsActive      *bool
	ClaudeBinding *string
	GeminiBinding *string
	OpenAIBinding *string
}

// ClientKeyStore reads and writes client keys.
type ClientKeyStore struct {
	db *gorm.DB
}

// NewClientKeyStore wraps an open database.
func NewClientKeyStore(db *gorm.DB) *ClientKeyStore {
	return &ClientKeyStore{db: db}
}

func bindingColumn(p platform.Platform) (string, error) {
	switch p {
	case platform.Claude:
		return "claude_binding", nil
	case platform.Gemini:
		return "gemini_binding", nil
	case platform.OpenAI:
		return "openai_binding", nil
	}
	return "", fmt.Errorf("%w: %q", platform.ErrUnknownPlatform, p)
}

// CreateClientKey stores a new active key.
func (s *ClientKeyStore) CreateClientKey(ctx context.Context, in ClientKeyInput) (*models.ClientKey, error) {
	key := strings.TrimSpace(in.Key)
	if key == "" {
		generated, err := generateKey()
		if err != nil {
			return nil, fmt.Errorf("generate client key: %w", err)
		}
		key = generated
	}
	k := &models.ClientKey{
		ID:            uuid.NewString(),
		Name:          in.Name,
		Key:           key,
		IsActive:      true,
		ClaudeBinding: strings.TrimSpace(in.ClaudeBinding),
		GeminiBinding: strings.TrimSpace(in.GeminiBinding),
		OpenAIBinding: strings.TrimSpace(in.OpenAIBinding),
	}
	if k.Name == "" {
		k.Name = "key-" + k.ID[:8]
	}
	if err := s.db.WithContext(ctx).Create(k).Error; err != nil {
		return nil, fmt.Errorf("create client key: %w", err)
	}
	return k, nil
}

// GetClientKey loads a key by id.
func (s *ClientKeyStore) GetClientKey(ctx context.Context, id string) (*models.ClientKey, error) {
	var k models.ClientKey
	if err := s.db.WithContext(ctx).First(&k, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrClientKeyNotFound, id)
		}
		return nil, err
	}
	return &k, nil
}

// GetClientKeyByValue authenticates a presented key. Disabled keys yield ErrClientKeyInactive.
func (s *ClientKeyStore) GetClientKeyByValue(ctx context.Context, value string) (*models.ClientKey, error) {
	if value == "" {
		return nil, ErrClientKeyNotFound
	}
	var k models.ClientKey
	if err := s.db.WithContext(ctx).Where("key = ?", value).First(&k).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrClientKeyNotFound
		}
		return nil, err
	}
	if !k.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrClientKeyInactive, k.ID)
	}
	return &k, nil
}

// ListClientKeys returns every key, oldest first.
func (s *ClientKeyStore) ListClientKeys(ctx context.Context) ([]models.ClientKey, error) {
	var keys []models.ClientKey
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

// UpdateClientKey applies a partial update.
func (s *ClientKeyStore) UpdateClientKey(ctx context.Context, id string, in ClientKeyUpdate) (*models.ClientKey, error) {
	updates := map[string]interface{}{}
	if in.Name != nil {
		updates["name"] = *in.Name
	}
	if in.IsActive != nil {
		updates["is_active"] = *in.IsActive
	}
	if in.ClaudeBinding != nil {
		updates["claude_binding"] = strings.TrimSpace(*in.ClaudeBinding)
	}
	if in.GeminiBinding != nil {
		updates["gemini_binding"] = strings.TrimSpace(*in.GeminiBinding)
	}
	if in.OpenAIBinding != nil {
		updates["openai_binding"] = strings.TrimSpace(*in.OpenAIBinding)
	}
	if len(updates) > 0 {
		res := s.db.WithContext(ctx).Model(&models.ClientKey{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return nil, fmt.Errorf("update client key %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil, fmt.Errorf("%w: %s", ErrClientKeyNotFound, id)
		}
	}
	return s.GetClientKey(ctx, id)
}

// DeleteClientKey removes a key.
func (s *ClientKeyStore) DeleteClientKey(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.ClientKey{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete client key %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrClientKeyNotFound, id)
	}
	return nil
}

// TouchClientKey stamps the last use of a key.
func (s *ClientKeyStore) TouchClientKey(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&models.ClientKey{}).Where("id = ?", id).
		UpdateColumn("last_used_at", time.Now().UTC()).Error
}

// CountGroupReferences counts keys whose binding for p points at groupID.
func (s *ClientKeyStore) CountGroupReferences(ctx context.Context, p platform.Platform, groupID string) (int64, error) {
	column, err := bindingColumn(p)
	if err != nil {
		return 0, err
	}
	var count int64
	err = s.db.WithContext(ctx).Model(&models.ClientKey{}).
		Where(column+" = ?", scheduler.GroupPrefix+groupID).
		Count(&count).Error
	return count, err
}

