package provider

import (
	"strings"

	"github.com/preset-hq/credits/internal/config"
	"github.com/preset-hq/credits/internal/provider/adapters"
	"github.com/preset-hq/credits/internal/provider/adapters/kie"
	"github.com/preset-hq/credits/internal/provider/adapters/nanobanana"
	"github.com/preset-hq/credits/internal/provider/domain"
	"go.uber.org/zap"

	"go.uber.org/fx"
)

// Gateways holds the configured gateways keyed by provider name.
type Gateways struct {
	byName map[string]domain.Gateway
}

func (g *Gateways) Lookup(provider string) (domain.Gateway, error) {
	gateway, ok := g.byName[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return gateway, nil
}

func (g *Gateways) Names() []string {
	names := make([]string, 0, len(g.byName))
	for name := range g.byName {
		names = append(names, name)
	}
	return names
}

// NewStaticGateways builds a Gateways from a fixed set. Intended for tests.
func NewStaticGateways(byName map[string]domain.Gateway) *Gateways {
	gateways := &Gateways{byName: map[string]domain.Gateway{}}
	for name, gateway := range byName {
		gateways.byName[strings.ToLower(name)] = gateway
	}
	return gateways
}

func NewRegistry() *adapters.Registry {
	return adapters.NewRegistry(
		nanobanana.NewFactory(),
		kie.NewFactory(),
	)
}

// NewGateways instantiates a gateway for every provider with credentials
// configured. Providers without an API key are skipped, not errors, so a
// single-provider deployment needs only one set of env vars.
func NewGateways(cfg config.Config, registry *adapters.Registry, log *zap.Logger) (*Gateways, error) {
	gateways := &Gateways{byName: map[string]domain.Gateway{}}

	configs := map[string]domain.GatewayConfig{
		"nanobanana": {
			APIKey:        cfg.Providers.NanoBananaAPIKey,
			BaseURL:       cfg.Providers.NanoBananaBaseURL,
			WebhookSecret: cfg.Providers.NanoBananaWebhookSecret,
			Timeout:       cfg.Providers.RequestTimeout,
		},
		"kie": {
			APIKey:        cfg.Providers.KieAPIKey,
			BaseURL:       cfg.Providers.KieBaseURL,
			WebhookSecret: cfg.Providers.KieWebhookSecret,
			Timeout:       cfg.Providers.RequestTimeout,
		},
	}

	for name, gatewayCfg := range configs {
		if strings.TrimSpace(gatewayCfg.APIKey) == "" {
			log.Debug("generation provider not configured", zap.String("provider", name))
			continue
		}
		gateway, err := registry.NewGateway(name, gatewayCfg)
		if err != nil {
			return nil, err
		}
		gateways.byName[name] = gateway
		log.Info("generation provider configured", zap.String("provider", name))
	}

	return gateways, nil
}

var Module = fx.Module("provider.gateway",
	fx.Provide(NewRegistry),
	fx.Provide(NewGateways),
)
