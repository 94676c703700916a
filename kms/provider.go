// Package kms wraps the cloud and local key management backends used to seal
// the server cache key at rest.
package kms

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	kmsaead "github.com/hashicorp/go-kms-wrapping/v2/aead"
	awskms "github.com/hashicorp/go-kms-wrapping/wrappers/awskms/v2"
	azurekeyvault "github.com/hashicorp/go-kms-wrapping/wrappers/azurekeyvault/v2"
	gcpckms "github.com/hashicorp/go-kms-wrapping/wrappers/gcpckms/v2"
	transit "github.com/hashicorp/go-kms-wrapping/wrappers/transit/v2"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

var log zerolog.Logger = zlog.With().Str("component", "kms").Logger()

// provider implements the Provider interface
type provider struct {
	wrapper         wrapping.Wrapper
	lastHealthCheck error
}

// NewProvider creates a new KMS provider based on the configuration
func NewProvider(ctx context.Context, config Config) (Provider, error) {
	var (
		wrapper  wrapping.Wrapper
		err      error
		keyID    string
		location string
	)

	log.Debug().Str("provider", string(config.Type)).Msg("Initializing KMS provider")

	switch config.Type {
	case types.ProviderAWS:
		if config.AWS == nil {
			return nil, fmt.Errorf("AWS configuration is missing for provider type %s", config.Type)
		}
		if err = config.AWS.validate(); err != nil {
			return nil, fmt.Errorf("invalid AWS KMS configuration: %w", err)
		}
		keyID, location = config.AWS.KeyID, config.AWS.Region
		wrapper, err = createAWSWrapper(ctx, *config.AWS)
	case types.ProviderAzure:
		if config.Azure == nil {
			return nil, fmt.Errorf("azure configuration is missing for provider type %s", config.Type)
		}
		if err = config.Azure.validate(); err != nil {
			return nil, fmt.Errorf("invalid Azure Key Vault configuration: %w", err)
		}
		keyID, location = config.Azure.KeyID, config.Azure.VaultAddress
		wrapper, err = createAzureWrapper(ctx, *config.Azure)
	case types.ProviderGCP:
		if config.GCP == nil {
			return nil, fmt.Errorf("GCP configuration is missing for provider type %s", config.Type)
		}
		if err = config.GCP.validate(); err != nil {
			return nil, fmt.Errorf("invalid GCP KMS configuration: %w", err)
		}
		keyID = config.GCP.ResourceName
		location = strings.Split(config.GCP.ResourceName, "/")[3]
		wrapper, err = createGCPWrapper(ctx, *config.GCP)
	case types.ProviderVault:
		if config.Vault == nil {
			return nil, fmt.Errorf("vault configuration is missing for provider type %s", config.Type)
		}
		if err = config.Vault.validate(); err != nil {
			return nil, fmt.Errorf("invalid Vault configuration: %w", err)
		}
		keyID, location = config.Vault.KeyID, config.Vault.VaultAddress
		wrapper, err = createVaultWrapper(ctx, *config.Vault)
	case types.ProviderAead:
		wrapper, err = createAeadWrapper(ctx, config.AeadKeyBase64, config.AeadKeyID)
		keyID, location = config.AeadKeyID, "local"
	default:
		return nil, fmt.Errorf("unsupported KMS provider type: %q", config.Type)
	}

	if err != nil {
		log.Error().Err(err).Str("provider", string(config.Type)).Msg("Failed to create KMS provider wrapper")
		return nil, fmt.Errorf("failed to create wrapper: %w", err)
	}

	log.Info().
		Str("provider", string(config.Type)).
		Str("keyIdentifier", keyID).
		Str("locationContext", location).
		Msg("KMS provider initialized")

	return &provider{wrapper: wrapper}, nil
}

// GetWrapper returns the underlying KMS wrapper
func (p *provider) GetWrapper() wrapping.Wrapper {
	return p.wrapper
}

// Test round-trips a sample value through the wrapper
func (p *provider) Test(ctx context.Context) error {
	if p.wrapper == nil {
		return errors.New("wrapper not initialized")
	}
	sample := []byte("kms-self-test")
	blob, err := p.wrapper.Encrypt(ctx, sample)
	if err != nil {
		return fmt.Errorf("encryption test failed: %w", err)
	}
	out, err := p.wrapper.Decrypt(ctx, blob)
	if err != nil {
		return fmt.Errorf("decryption test failed: %w", err)
	}
	if string(out) != string(sample) {
		return errors.New("decrypted data does not match original")
	}
	return nil
}

// HealthCheck runs Test and remembers the outcome
func (p *provider) HealthCheck(ctx context.Context) error {
	if p.wrapper == nil {
		return errors.New("KMS provider not properly initialized: wrapper is nil")
	}
	if err := p.Test(ctx); err != nil {
		p.lastHealthCheck = fmt.Errorf("KMS provider health check failed: %w", err)
		return p.lastHealthCheck
	}
	p.lastHealthCheck = nil
	return nil
}

// GetLastHealthCheckError returns the last health check error if any
func (p *provider) GetLastHealthCheckError() error {
	return p.lastHealthCheck
}

func (c AWSConfig) validate() error {
	if c.KeyID == "" {
		return errors.New("key ID (ARN) is required")
	}
	if c.Region == "" {
		return errors.New("region is required")
	}
	if creds := c.Credentials; creds != nil {
		if (creds.AccessKeyID == "") != (creds.SecretAccessKey == "") {
			return errors.New("both accessKeyId and secretAccessKey must be provided if using credentials")
		}
	}
	return nil
}

func (c AzureConfig) validate() error {
	if c.KeyID == "" {
		return errors.New("key ID (URL) is required")
	}
	if !strings.HasPrefix(c.VaultAddress, "https://") || !strings.Contains(c.VaultAddress, ".vault.azure.net") {
		return errors.New("vault address must be a valid Azure Key Vault URL (e.g., https://myvault.vault.azure.net)")
	}
	if creds := c.Credentials; creds != nil {
		for name, val := range map[string]string{
			"tenantId":     creds.TenantID,
			"clientId":     creds.ClientID,
			"clientSecret": creds.ClientSecret,
		} {
			if val == "" {
				return fmt.Errorf("%s is required in credentials and cannot be empty", name)
			}
		}
	}
	return nil
}

func (c GCPConfig) validate() error {
	if c.ResourceName == "" {
		return errors.New("resource name is required")
	}
	parts := strings.Split(c.ResourceName, "/")
	if len(parts) != 8 || parts[0] != "projects" || parts[2] != "locations" || parts[4] != "keyRings" || parts[6] != "cryptoKeys" {
		return errors.New("invalid resource name format. Expected: projects/{project}/locations/{location}/keyRings/{keyRing}/cryptoKeys/{cryptoKey}")
	}
	if parts[1] == "" || parts[3] == "" || parts[5] == "" || parts[7] == "" {
		return errors.New("project, location, keyRing, and cryptoKey components in resource name cannot be empty")
	}
	if c.Credentials != nil && c.Credentials.CredentialsJSON == "" {
		return errors.New("credentialsJson is required in credentials and cannot be empty")
	}
	return nil
}

func (c VaultConfig) validate() error {
	if c.KeyID == "" {
		return errors.New("key ID (key name) is required")
	}
	if c.VaultAddress == "" {
		return errors.New("vault address is required")
	}
	if c.Credentials != nil && c.Credentials.Token == "" {
		return errors.New("token is required in credentials and cannot be empty")
	}
	return nil
}

func createAWSWrapper(ctx context.Context, c AWSConfig) (wrapping.Wrapper, error) {
	wrapper := awskms.NewWrapper()
	configMap := map[string]string{
		"kms_key_id": c.KeyID,
		"region":     c.Region,
	}
	if creds := c.Credentials; creds != nil {
		putIfSet(configMap, "access_key", creds.AccessKeyID)
		putIfSet(configMap, "secret_key", creds.SecretAccessKey)
		putIfSet(configMap, "session_token", creds.SessionToken)
	} else {
		log.Info().Msg("AWS credentials not provided, using the default credential chain")
	}
	if _, err := wrapper.SetConfig(ctx, wrapping.WithConfigMap(configMap)); err != nil {
		return nil, fmt.Errorf("failed to configure AWS KMS wrapper: %w", err)
	}
	return wrapper, nil
}

// createAzureWrapper expects KeyID as https://{vault}.vault.azure.net/keys/{name}[/{version}]
func createAzureWrapper(ctx context.Context, c AzureConfig) (wrapping.Wrapper, error) {
	wrapper := azurekeyvault.NewWrapper()

	keyName, keyVersion := c.KeyID, ""
	parts := strings.Split(c.KeyID, "/")
	if len(parts) >= 5 && parts[3] == "keys" {
		keyName = parts[4]
		if len(parts) >= 6 {
			keyVersion = parts[5]
		}
	} else {
		log.Warn().Str("keyId", c.KeyID).Msg("Azure key id is not a key identifier URL, using it as key name")
	}
	vaultName := strings.Split(strings.TrimPrefix(c.VaultAddress, "https://"), ".")[0]

	configMap := map[string]string{
		"key_name":   keyName,
		"vault_name": vaultName,
		"vault_url":  c.VaultAddress,
	}
	putIfSet(configMap, "key_version", keyVersion)
	if creds := c.Credentials; creds != nil {
		configMap["tenant_id"] = creds.TenantID
		configMap["client_id"] = creds.ClientID
		configMap["client_secret"] = creds.ClientSecret
	} else {
		log.Info().Msg("Azure credentials not provided, assuming managed identity")
	}
	if _, err := wrapper.SetConfig(ctx, wrapping.WithConfigMap(configMap)); err != nil {
		return nil, fmt.Errorf("failed to configure Azure Key Vault wrapper: %w", err)
	}
	return wrapper, nil
}

func createGCPWrapper(ctx context.Context, c GCPConfig) (wrapping.Wrapper, error) {
	wrapper := gcpckms.NewWrapper()
	parts := strings.Split(c.ResourceName, "/")
	configMap := map[string]string{
		"project":    parts[1],
		"region":     parts[3],
		"key_ring":   parts[5],
		"crypto_key": parts[7],
	}

	// The library only accepts a credentials file path.
	if c.Credentials != nil {
		tempFile, err := os.CreateTemp("", "gcp-creds-*.json")
		if err != nil {
			return nil, fmt.Errorf("failed to create temporary credentials file: %w", err)
		}
		defer func() {
			if err := os.Remove(tempFile.Name()); err != nil {
				log.Error().Err(err).Str("filePath", tempFile.Name()).Msg("Failed to remove temporary credentials file")
			}
		}()
		if _, err := tempFile.WriteString(c.Credentials.CredentialsJSON); err != nil {
			_ = tempFile.Close()
			return nil, fmt.Errorf("failed to write credentials to temporary file: %w", err)
		}
		if err := tempFile.Close(); err != nil {
			return nil, fmt.Errorf("failed to close temporary credentials file: %w", err)
		}
		configMap["credentials"] = tempFile.Name()
	} else {
		log.Info().Msg("GCP credentials not provided, relying on Application Default Credentials")
	}

	if _, err := wrapper.SetConfig(ctx, wrapping.WithConfigMap(configMap)); err != nil {
		return nil, fmt.Errorf("failed to configure GCP KMS wrapper: %w", err)
	}
	return wrapper, nil
}

func createVaultWrapper(ctx context.Context, c VaultConfig) (wrapping.Wrapper, error) {
	wrapper := transit.NewWrapper()
	configMap := map[string]string{
		"address":  c.VaultAddress,
		"key_name": c.KeyID,
	}
	putIfSet(configMap, "mount_path", c.VaultMount)
	if c.Credentials != nil {
		configMap["token"] = c.Credentials.Token
	} else {
		log.Info().Msg("Vault token not provided, assuming VAULT_TOKEN or another auth method")
	}
	if _, err := wrapper.SetConfig(ctx, wrapping.WithConfigMap(configMap)); err != nil {
		return nil, fmt.Errorf("failed to configure Vault Transit wrapper: %w", err)
	}
	return wrapper, nil
}

// createAeadWrapper builds a local AES-256-GCM wrapper from a base64 key
func createAeadWrapper(ctx context.Context, keyBase64, keyID string) (wrapping.Wrapper, error) {
	if keyBase64 == "" {
		return nil, errors.New("AEAD provider requires a base64 key")
	}
	key, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode AEAD key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("decoded AEAD key must be 32 bytes for AES-256-GCM, got %d", len(key))
	}

	wrapper := kmsaead.NewWrapper()
	opts := []wrapping.Option{kmsaead.WithKey(key)}
	if keyID != "" {
		opts = append(opts, wrapping.WithKeyId(keyID))
	}
	if _, err := wrapper.SetConfig(ctx, opts...); err != nil {
		return nil, fmt.Errorf("failed to configure AEAD wrapper: %w", err)
	}
	return wrapper, nil
}

func putIfSet(m map[string]string, key, val string) {
	if val != "" {
		m[key] = val
	}
}
