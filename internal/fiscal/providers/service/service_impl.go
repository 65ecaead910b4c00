package service

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/corretora/backoffice/internal/config"
	"github.com/corretora/backoffice/internal/fiscal/adapters"
	"github.com/corretora/backoffice/internal/fiscal/providers/domain"
	ledgerdomain "github.com/corretora/backoffice/internal/ledger/domain"
	"github.com/corretora/backoffice/internal/masking"
	"github.com/corretora/backoffice/internal/tenantctx"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Repo      domain.Repository
	Adapters  *adapters.Registry
	Cfg       config.Config
	LedgerSvc ledgerdomain.Service
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	repo      domain.Repository
	adapters  *adapters.Registry
	encKey    []byte
	ledgerSvc ledgerdomain.Service
}

type encryptedPayload struct {
	Version    int    `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

func New(p Params) domain.Service {
	secret := strings.TrimSpace(p.Cfg.FiscalProviderConfigSecret)
	var key []byte
	if secret != "" {
		sum := sha256.Sum256([]byte(secret))
		key = sum[:]
	}

	return &Service{
		db:        p.DB,
		log:       p.Log.Named("fiscalprovider.service"),
		genID:     p.GenID,
		repo:      p.Repo,
		adapters:  p.Adapters,
		encKey:    key,
		ledgerSvc: p.LedgerSvc,
	}
}

func (s *Service) List(ctx context.Context, tenantID snowflake.ID) ([]domain.ConfigSummary, error) {
	if tenantID == 0 {
		return nil, domain.ErrInvalidTenant
	}

	items, err := s.repo.List(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}

	resp := make([]domain.ConfigSummary, 0, len(items))
	for _, item := range items {
		resp = append(resp, domain.ConfigSummary{
			Provider:   item.Provider,
			IsActive:   item.IsActive,
			Configured: true,
		})
	}
	return resp, nil
}

func (s *Service) Upsert(ctx context.Context, tenantID snowflake.ID, req domain.UpsertRequest) (*domain.ConfigSummary, error) {
	if tenantID == 0 {
		return nil, domain.ErrInvalidTenant
	}

	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if provider == "" || !s.adapters.ProviderExists(provider) {
		return nil, domain.ErrInvalidProvider
	}

	cfgMap := normalizeConfig(req.Config)
	if len(cfgMap) == 0 {
		return nil, domain.ErrInvalidConfig
	}

	encrypted, err := s.encryptConfig(cfgMap)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.Find(ctx, s.db, tenantID, provider)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	isActive := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if existing != nil {
			isActive = existing.IsActive
			if err := s.repo.UpdateConfig(ctx, tx, existing.ID, encrypted, now); err != nil {
				return err
			}
		} else {
			cfg := domain.ProviderConfig{
				ID:        s.genID.Generate(),
				TenantID:  tenantID,
				Provider:  provider,
				Config:    encrypted,
				IsActive:  false,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := s.repo.Insert(ctx, tx, &cfg); err != nil {
				return err
			}
		}

		actor, _ := tenantctx.ActorFromContext(ctx)
		_, err := s.ledgerSvc.AppendTx(ctx, tx, ledgerdomain.AppendRequest{
			Scope:         ledgerdomain.ScopeTenant,
			TenantID:      tenantID,
			ActorUsername: actor.Username,
			ActorEmail:    actor.Email,
			Action:        "fiscal.provider_config_upserted",
			EventType:     "fiscal_provider_config",
			ResourceLabel: "fiscal_provider_config",
			ResourceKey:   provider,
			After: map[string]any{
				"provider": provider,
				"config":   masking.MaskJSON(cfgMap),
			},
			RequestID: tenantctx.RequestIDFromContext(ctx),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	return &domain.ConfigSummary{
		Provider:   provider,
		IsActive:   isActive,
		Configured: true,
	}, nil
}

func (s *Service) Activate(ctx context.Context, tenantID snowflake.ID, provider string) error {
	if tenantID == 0 {
		return domain.ErrInvalidTenant
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return domain.ErrInvalidProvider
	}

	existing, err := s.repo.Find(ctx, s.db, tenantID, provider)
	if err != nil {
		return err
	}
	if existing == nil {
		return domain.ErrConfigNotFound
	}

	now := time.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Exactly one configuration may be active per tenant: deactivate
		// everything, then flip the requested one, in the same transaction.
		if err := s.repo.DeactivateAll(ctx, tx, tenantID); err != nil {
			return err
		}
		if err := s.repo.SetActive(ctx, tx, existing.ID, now); err != nil {
			return err
		}

		actor, _ := tenantctx.ActorFromContext(ctx)
		_, err := s.ledgerSvc.AppendTx(ctx, tx, ledgerdomain.AppendRequest{
			Scope:         ledgerdomain.ScopeTenant,
			TenantID:      tenantID,
			ActorUsername: actor.Username,
			ActorEmail:    actor.Email,
			Action:        "fiscal.provider_activated",
			EventType:     "fiscal_provider_config",
			ResourceLabel: "fiscal_provider_config",
			ResourceKey:   provider,
			After:         map[string]any{"provider": provider, "is_active": true},
			RequestID:     tenantctx.RequestIDFromContext(ctx),
		})
		return err
	})
}

func (s *Service) Active(ctx context.Context, tenantID snowflake.ID) (*domain.ActiveProvider, error) {
	if tenantID == 0 {
		return nil, domain.ErrInvalidTenant
	}

	cfg, err := s.repo.FindActive(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, domain.ErrConfigNotFound
	}

	decrypted, err := s.decryptConfig(cfg.Config)
	if err != nil {
		return nil, err
	}

	return &domain.ActiveProvider{
		Provider: cfg.Provider,
		Config:   decrypted,
	}, nil
}

func (s *Service) encryptConfig(cfgMap map[string]any) (datatypes.JSON, error) {
	if len(s.encKey) == 0 {
		return nil, domain.ErrEncryptionKeyMissing
	}

	plain, err := json.Marshal(cfgMap)
	if err != nil {
		return nil, domain.ErrInvalidConfig
	}

	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	ciphertext := gcm.Seal(nil, nonce, plain, nil)
	envelope := encryptedPayload{
		Version:    1,
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(ciphertext),
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func (s *Service) decryptConfig(encrypted datatypes.JSON) (map[string]any, error) {
	if len(s.encKey) == 0 {
		return nil, domain.ErrEncryptionKeyMissing
	}
	if len(encrypted) == 0 {
		return nil, domain.ErrInvalidConfig
	}

	var envelope encryptedPayload
	if err := json.Unmarshal(encrypted, &envelope); err != nil {
		return nil, domain.ErrInvalidConfig
	}
	if envelope.Version != 1 {
		return nil, domain.ErrInvalidConfig
	}

	nonce, err := base64.RawStdEncoding.DecodeString(envelope.Nonce)
	if err != nil {
		return nil, domain.ErrInvalidConfig
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(envelope.Ciphertext)
	if err != nil {
		return nil, domain.ErrInvalidConfig
	}

	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, domain.ErrInvalidConfig
	}

	var out map[string]any
	if err := json.Unmarshal(plain, &out); err != nil {
		return nil, domain.ErrInvalidConfig
	}
	if len(out) == 0 {
		return nil, domain.ErrInvalidConfig
	}
	return out, nil
}

func normalizeConfig(input map[string]any) map[string]any {
	out := make(map[string]any, len(input))
	for key, value := range input {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = value
	}
	return out
}
