package kms

import (
	"context"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

// Provider represents a KMS provider
type Provider interface {
	// GetWrapper returns the underlying KMS wrapper
	GetWrapper() wrapping.Wrapper

	// Test performs a test encryption/decryption
	Test(ctx context.Context) error

	// HealthCheck performs a comprehensive health check
	HealthCheck(ctx context.Context) error

	// GetLastHealthCheckError returns the last health check error
	GetLastHealthCheckError() error
}

// Config is the provider configuration after it has been split per backend
type Config struct {
	Type          types.ProviderType
	AWS           *AWSConfig
	Azure         *AzureConfig
	GCP           *GCPConfig
	Vault         *VaultConfig
	AeadKeyBase64 string
	AeadKeyID     string
}

// AWSConfig configures the AWS KMS wrapper
type AWSConfig struct {
	KeyID       string
	Region      string
	Credentials *types.KMSCredentials
}

// AzureConfig configures the Azure Key Vault wrapper
type AzureConfig struct {
	KeyID        string
	VaultAddress string
	Credentials  *types.KMSCredentials
}

// GCPConfig configures the Cloud KMS wrapper.
// ResourceName: projects/{project}/locations/{location}/keyRings/{keyRing}/cryptoKeys/{cryptoKey}
type GCPConfig struct {
	ResourceName string
	Credentials  *types.KMSCredentials
}

// VaultConfig configures the Vault transit wrapper
type VaultConfig struct {
	KeyID        string
	VaultAddress string
	VaultMount   string
	Credentials  *types.KMSCredentials
}

// ConfigFromSettings maps the flat settings block onto a provider Config
func ConfigFromSettings(s types.KMSConfig) Config {
	cfg := Config{Type: s.Provider}
	switch s.Provider {
	case types.ProviderAWS:
		cfg.AWS = &AWSConfig{KeyID: s.KeyID, Region: s.Region, Credentials: s.Credentials}
	case types.ProviderAzure:
		cfg.Azure = &AzureConfig{KeyID: s.KeyID, VaultAddress: s.VaultAddress, Credentials: s.Credentials}
	case types.ProviderGCP:
		cfg.GCP = &GCPConfig{ResourceName: s.KeyID, Credentials: s.Credentials}
	case types.ProviderVault:
		cfg.Vault = &VaultConfig{KeyID: s.KeyID, VaultAddress: s.VaultAddress, VaultMount: s.VaultMount, Credentials: s.Credentials}
	case types.ProviderAead:
		cfg.AeadKeyBase64 = s.AeadKey
		cfg.AeadKeyID = s.KeyID
	}
	return cfg
}
