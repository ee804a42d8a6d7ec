package connector

import (
	"context"
	"fmt"
	"os"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"

	"github.com/birchsec/birch/internal/errors"
	"github.com/birchsec/birch/internal/logging"
)

// SecretManagerClientAPI defines the interface for GCP Secret Manager
// operations. This allows for mocking in tests.
type SecretManagerClientAPI interface {
	AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.SecretVersion, error)
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
}

// GCPConnector pushes rotated values into Google Cloud Secret Manager.
type GCPConnector struct {
	service   string
	client    SecretManagerClientAPI
	projectID string
	logger    *logging.Logger
}

// GCPOption is a functional option for configuring the GCP connector
type GCPOption func(*GCPConnector)

// WithSecretManagerClient sets a custom Secret Manager client (for testing)
func WithSecretManagerClient(client SecretManagerClientAPI) GCPOption {
	return func(c *GCPConnector) {
		c.client = client
	}
}

func newGCPFromConfig(service string, cfg map[string]interface{}, logger *logging.Logger) (Connector, error) {
	return NewGCP(service, cfg, logger)
}

// NewGCP creates a GCP Secret Manager connector.
func NewGCP(service string, cfg map[string]interface{}, logger *logging.Logger, opts ...GCPOption) (*GCPConnector, error) {
	projectID := ""
	if p, ok := cfg["project_id"].(string); ok {
		projectID = p
	}
	if projectID == "" {
		projectID = os.Getenv("GOOGLE_CLOUD_PROJECT")
	}
	if projectID == "" {
		return nil, errors.ConfigError{
			Field:      "project_id",
			Message:    "project_id is required for GCP Secret Manager",
			Suggestion: "Set project_id in the service config or GOOGLE_CLOUD_PROJECT environment variable",
		}
	}

	c := &GCPConnector{service: service, projectID: projectID, logger: logger}
	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		var clientOpts []option.ClientOption
		if keyPath, ok := cfg["service_account_key_path"].(string); ok && keyPath != "" {
			clientOpts = append(clientOpts, option.WithCredentialsFile(keyPath))
		}

		client, err := secretmanager.NewClient(context.Background(), clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCP Secret Manager client: %w", err)
		}
		c.client = client
	}

	return c, nil
}

func (c *GCPConnector) Name() string {
	return c.service
}

func (c *GCPConnector) secretResource(target, secretName string) string {
	name := secretName
	if target != "" {
		name = target
	}
	return fmt.Sprintf("projects/%s/secrets/%s", c.projectID, name)
}

// Apply adds a new secret version holding value.
func (c *GCPConnector) Apply(ctx context.Context, target, secretName, value string) error {
	resource := c.secretResource(target, secretName)
	_, err := c.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent: resource,
		Payload: &secretmanagerpb.SecretPayload{
			Data: []byte(value),
		},
	})
	if err != nil {
		return errors.ConnectorFailure{
			Service: c.service,
			Reason:  fmt.Sprintf("failed to add version to '%s'", resource),
			Err:     err,
		}
	}
	c.logger.Debug("Added version to GCP secret %s", resource)
	return nil
}

func (c *GCPConnector) Redeploy(ctx context.Context, target string) error {
	return errors.RedeployUnsupportedError{Service: c.service}
}

func (c *GCPConnector) Current(ctx context.Context, target, secretName string) (string, error) {
	resource := c.secretResource(target, secretName) + "/versions/latest"
	resp, err := c.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: resource,
	})
	if err != nil {
		return "", errors.ConnectorFailure{
			Service: c.service,
			Reason:  fmt.Sprintf("failed to access '%s'", resource),
			Err:     err,
		}
	}
	return string(resp.GetPayload().GetData()), nil
}
