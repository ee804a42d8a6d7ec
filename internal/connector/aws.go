package connector

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/birchsec/birch/internal/errors"
	"github.com/birchsec/birch/internal/logging"
)

// SecretsManagerClientAPI defines the interface for AWS Secrets Manager
// operations. This allows for mocking in tests.
type SecretsManagerClientAPI interface {
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSConnector pushes rotated values into AWS Secrets Manager.
type AWSConnector struct {
	service string
	client  SecretsManagerClientAPI
	region  string
	logger  *logging.Logger
}

// AWSOption is a functional option for configuring the AWS connector
type AWSOption func(*AWSConnector)

// WithSecretsManagerClient sets a custom Secrets Manager client (for testing)
func WithSecretsManagerClient(client SecretsManagerClientAPI) AWSOption {
	return func(c *AWSConnector) {
		c.client = client
	}
}

func newAWSFromConfig(service string, cfg map[string]interface{}, logger *logging.Logger) (Connector, error) {
	return NewAWS(service, cfg, logger)
}

// NewAWS creates an AWS Secrets Manager connector. An explicit endpoint and
// static credentials in the service config support LocalStack testing; real
// deployments rely on the default credential chain.
func NewAWS(service string, cfg map[string]interface{}, logger *logging.Logger, opts ...AWSOption) (*AWSConnector, error) {
	region := "us-east-1"
	if r, ok := cfg["region"].(string); ok && r != "" {
		region = r
	}
	var endpoint string
	if e, ok := cfg["endpoint"].(string); ok && e != "" {
		endpoint = e
	}
	var accessKeyID, secretAccessKey string
	if ak, ok := cfg["access_key_id"].(string); ok {
		accessKeyID = ak
	}
	if sk, ok := cfg["secret_access_key"].(string); ok {
		secretAccessKey = sk
	}

	c := &AWSConnector{service: service, region: region, logger: logger}
	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		var configOpts []func(*awsconfig.LoadOptions) error
		configOpts = append(configOpts, awsconfig.WithRegion(region))
		if accessKeyID != "" && secretAccessKey != "" {
			configOpts = append(configOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
			))
		}

		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), configOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		var clientOpts []func(*secretsmanager.Options)
		if endpoint != "" {
			clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
				o.BaseEndpoint = &endpoint
			})
		}
		c.client = secretsmanager.NewFromConfig(awsCfg, clientOpts...)
	}

	return c, nil
}

func (c *AWSConnector) Name() string {
	return c.service
}

func (c *AWSConnector) secretID(target, secretName string) string {
	if target != "" {
		return target
	}
	return secretName
}

// Apply writes a new secret version. PutSecretValue is idempotent for a
// repeated value: Secrets Manager deduplicates identical consecutive
// versions.
func (c *AWSConnector) Apply(ctx context.Context, target, secretName, value string) error {
	id := c.secretID(target, secretName)
	_, err := c.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(id),
		SecretString: aws.String(value),
	})
	if err != nil {
		return errors.ConnectorFailure{
			Service: c.service,
			Reason:  fmt.Sprintf("failed to update secret '%s'", id),
			Err:     err,
		}
	}
	c.logger.Debug("Updated AWS secret %s", id)
	return nil
}

func (c *AWSConnector) Redeploy(ctx context.Context, target string) error {
	return errors.RedeployUnsupportedError{Service: c.service}
}

func (c *AWSConnector) Current(ctx context.Context, target, secretName string) (string, error) {
	id := c.secretID(target, secretName)
	out, err := c.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(id),
	})
	if err != nil {
		return "", errors.ConnectorFailure{
			Service: c.service,
			Reason:  fmt.Sprintf("failed to read secret '%s'", id),
			Err:     err,
		}
	}
	if out.SecretString == nil {
		return "", nil
	}
	return *out.SecretString, nil
}
