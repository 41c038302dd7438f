package auth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"

	"github.com/mycloud/mycloud/internal/logging"
)

// OIDCConfig holds OIDC provider configuration.
type OIDCConfig struct {
	IssuerURL string // e.g. https://keycloak.example.com/realms/mycloud
	ClientID  string
}

// OIDCProvider verifies OIDC ID tokens. The token subject is the owner id.
type OIDCProvider struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCProvider discovers the provider at cfg.IssuerURL.
// Returns nil if IssuerURL is empty (OIDC disabled).
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	if cfg.IssuerURL == "" {
		return nil, nil
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider init: %w", err)
	}

	logging.Info("OIDC provider initialized",
		zap.String("issuer", cfg.IssuerURL),
		zap.String("client_id", cfg.ClientID))

	return &OIDCProvider{
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
	}, nil
}

// ValidateToken verifies an ID token and returns its subject.
func (o *OIDCProvider) ValidateToken(ctx context.Context, tokenStr string) (string, error) {
	idToken, err := o.verifier.Verify(ctx, tokenStr)
	if err != nil {
		return "", err
	}
	if idToken.Subject == "" {
		return "", fmt.Errorf("oidc token has no subject")
	}
	return idToken.Subject, nil
}
