package config

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	gateway "github.com/heimdallgw/heimdall/internal"
	"github.com/heimdallgw/heimdall/internal/storage"
)

// Bootstrap seeds the database from the config file: providers, models,
// bindings, and auth keys are inserted if absent by name. Existing rows are
// never modified, so admin edits survive restarts.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	providerIDs := make(map[string]int64, len(cfg.Providers))
	for _, p := range cfg.Providers {
		existing, err := store.GetProviderByName(ctx, p.Name)
		if err == nil {
			providerIDs[p.Name] = existing.ID
			continue
		}
		if !errors.Is(err, gateway.ErrNotFound) {
			return err
		}

		typ := gateway.Dialect(p.Type)
		if !typ.Valid() {
			return fmt.Errorf("provider %s: unknown type %q", p.Name, p.Type)
		}
		conf, err := json.Marshal(gateway.ProviderConfig{
			BaseURL: p.BaseURL,
			APIKey:  p.APIKey,
			Version: p.Version,
			Auth:    p.Auth,
		})
		if err != nil {
			return err
		}
		row := &gateway.Provider{
			Name:          p.Name,
			Type:          typ,
			Config:        conf,
			ConsoleURL:    p.ConsoleURL,
			RPMLimit:      p.RPMLimit,
			IPLockMinutes: p.IPLockMinutes,
		}
		if err := store.CreateProvider(ctx, row); err != nil {
			return err
		}
		providerIDs[p.Name] = row.ID
		slog.Info("bootstrapped provider", "name", p.Name)
	}

	modelIDs := make(map[string]int64, len(cfg.Models))
	for _, m := range cfg.Models {
		existing, err := store.GetModelByName(ctx, m.Name)
		if err == nil {
			modelIDs[m.Name] = existing.ID
			continue
		}
		if !errors.Is(err, gateway.ErrNotFound) {
			return err
		}

		strategy := gateway.Strategy(m.Strategy)
		if strategy == "" {
			strategy = gateway.StrategyLottery
		}
		row := &gateway.Model{
			Name:           m.Name,
			Remark:         m.Remark,
			MaxRetry:       m.MaxRetry,
			TimeoutSeconds: m.TimeoutSeconds,
			IOLog:          m.IOLog,
			Strategy:       strategy,
			Breaker:        m.Breaker,
		}
		if err := store.CreateModel(ctx, row); err != nil {
			return err
		}
		modelIDs[m.Name] = row.ID
		slog.Info("bootstrapped model", "name", m.Name)
	}

	for _, b := range cfg.Bindings {
		modelID, ok := modelIDs[b.Model]
		if !ok {
			return fmt.Errorf("binding references unknown model %q", b.Model)
		}
		providerID, ok := providerIDs[b.Provider]
		if !ok {
			return fmt.Errorf("binding references unknown provider %q", b.Provider)
		}
		exists, err := bindingExists(ctx, store, modelID, providerID, b.ProviderModel)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		row := &gateway.Binding{
			ModelID:       modelID,
			ProviderID:    providerID,
			ProviderModel: b.ProviderModel,
			Capabilities: gateway.Capabilities{
				ToolCall:         b.Capabilities.ToolCall,
				StructuredOutput: b.Capabilities.StructuredOutput,
				Image:            b.Capabilities.Image,
			},
			WithHeader:    b.WithHeader,
			CustomHeaders: b.Headers,
			Enabled:       b.IsEnabled(),
			Weight:        max(1, b.Weight),
		}
		if err := store.CreateBinding(ctx, row); err != nil {
			return err
		}
		slog.Info("bootstrapped binding",
			"model", b.Model, "provider", b.Provider, "provider_model", b.ProviderModel)
	}

	for _, k := range cfg.Keys {
		if k.Key == "" {
			continue
		}
		_, err := store.GetAuthKeyBySecret(ctx, k.Key)
		if err == nil {
			continue
		}
		if !errors.Is(err, gateway.ErrNotFound) {
			return err
		}

		row := &gateway.AuthKey{
			Name:     k.Name,
			Key:      k.Key,
			Enabled:  true,
			AllowAll: k.AllowAll,
			Models:   k.Models,
		}
		if err := store.CreateAuthKey(ctx, row); err != nil {
			return err
		}
		slog.Info("bootstrapped auth key", "name", k.Name)
	}

	return nil
}

// bindingExists scans the model's bindings for the same provider and
// upstream model name. Seed sets are small, a scan is fine.
func bindingExists(ctx context.Context, store storage.BindingStore, modelID, providerID int64, providerModel string) (bool, error) {
	const page = 200
	for offset := 0; ; offset += page {
		rows, err := store.ListBindings(ctx, offset, page)
		if err != nil {
			return false, err
		}
		for _, b := range rows {
			if b.ModelID == modelID && b.ProviderID == providerID && b.ProviderModel == providerModel {
				return true, nil
			}
		}
		if len(rows) < page {
			return false, nil
		}
	}
}

// GenerateAdminKey creates a random admin key and returns the plaintext.
func GenerateAdminKey() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return "hk-" + base64.RawURLEncoding.EncodeToString(raw)
}
