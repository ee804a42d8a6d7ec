package connector

import (
	"context"
	"fmt"
	"net/url"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"

	"github.com/birchsec/birch/internal/errors"
	"github.com/birchsec/birch/internal/logging"
)

// KeyVaultClientAPI defines the interface for Azure Key Vault operations.
// This allows for mocking in tests.
type KeyVaultClientAPI interface {
	SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error)
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
}

// AzureConnector pushes rotated values into Azure Key Vault.
type AzureConnector struct {
	service  string
	client   KeyVaultClientAPI
	vaultURL string
	logger   *logging.Logger
}

// AzureOption is a functional option for configuring the Azure connector
type AzureOption func(*AzureConnector)

// WithKeyVaultClient sets a custom Key Vault client (for testing)
func WithKeyVaultClient(client KeyVaultClientAPI) AzureOption {
	return func(c *AzureConnector) {
		c.client = client
	}
}

func newAzureFromConfig(service string, cfg map[string]interface{}, logger *logging.Logger) (Connector, error) {
	return NewAzure(service, cfg, logger)
}

// NewAzure creates an Azure Key Vault connector. Service-principal settings
// in the config take precedence; otherwise the default credential chain
// (environment, workload identity, managed identity, CLI) is used.
func NewAzure(service string, cfg map[string]interface{}, logger *logging.Logger, opts ...AzureOption) (*AzureConnector, error) {
	vaultURL := ""
	if v, ok := cfg["vault_url"].(string); ok {
		vaultURL = v
	}
	if vaultURL == "" {
		return nil, errors.ConfigError{
			Field:      "vault_url",
			Message:    "vault_url is required for Azure Key Vault",
			Suggestion: "Set vault_url to https://<vault-name>.vault.azure.net in the service config",
		}
	}
	if _, err := url.Parse(vaultURL); err != nil {
		return nil, errors.ConfigError{
			Field:   "vault_url",
			Value:   vaultURL,
			Message: "vault_url is not a valid URL",
		}
	}

	c := &AzureConnector{service: service, vaultURL: vaultURL, logger: logger}
	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		cred, err := buildAzureCredential(cfg)
		if err != nil {
			return nil, err
		}
		client, err := azsecrets.NewClient(vaultURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Key Vault client: %w", err)
		}
		c.client = client
	}

	return c, nil
}

func buildAzureCredential(cfg map[string]interface{}) (azcore.TokenCredential, error) {
	tenantID, _ := cfg["tenant_id"].(string)
	clientID, _ := cfg["client_id"].(string)
	clientSecret, _ := cfg["client_secret"].(string)

	if tenantID != "" && clientID != "" && clientSecret != "" {
		cred, err := azidentity.NewClientSecretCredential(tenantID, clientID, clientSecret, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create service principal credential: %w", err)
		}
		return cred, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}
	return cred, nil
}

func (c *AzureConnector) Name() string {
	return c.service
}

func (c *AzureConnector) secretName(target, secretName string) string {
	if target != "" {
		return target
	}
	return secretName
}

func (c *AzureConnector) Apply(ctx context.Context, target, secretName, value string) error {
	name := c.secretName(target, secretName)
	_, err := c.client.SetSecret(ctx, name, azsecrets.SetSecretParameters{Value: &value}, nil)
	if err != nil {
		return errors.ConnectorFailure{
			Service: c.service,
			Reason:  fmt.Sprintf("failed to set secret '%s'", name),
			Err:     err,
		}
	}
	c.logger.Debug("Set Azure Key Vault secret %s", name)
	return nil
}

func (c *AzureConnector) Redeploy(ctx context.Context, target string) error {
	return errors.RedeployUnsupportedError{Service: c.service}
}

func (c *AzureConnector) Current(ctx context.Context, target, secretName string) (string, error) {
	name := c.secretName(target, secretName)
	resp, err := c.client.GetSecret(ctx, name, "", nil)
	if err != nil {
		return "", errors.ConnectorFailure{
			Service: c.service,
			Reason:  fmt.Sprintf("failed to read secret '%s'", name),
			Err:     err,
		}
	}
	if resp.Value == nil {
		return "", nil
	}
	return *resp.Value, nil
}
