// Package connector abstracts "apply a new credential value to a target".
// The rotation engine depends only on this interface; each implementation
// maps Apply onto one backend's update path and reads its own provider
// credentials from the environment.
package connector

import (
	"context"

	"github.com/birchsec/birch/internal/config"
	"github.com/birchsec/birch/internal/errors"
	"github.com/birchsec/birch/internal/logging"
)

// Connector applies credential values to a rotation target. Apply must be
// idempotent: writing the same value twice is safe. Redeploy triggers the
// target's restart hook and may return RedeployUnsupportedError. Current
// reads the value presently live at the target.
type Connector interface {
	Name() string
	Apply(ctx context.Context, target, secretName, value string) error
	Redeploy(ctx context.Context, target string) error
	Current(ctx context.Context, target, secretName string) (string, error)
}

// Factory builds a connector from its service configuration block.
type Factory func(service string, cfg map[string]interface{}, logger *logging.Logger) (Connector, error)

var factories = map[string]Factory{
	"envfile":            newEnvFileFromConfig,
	"aws-secretsmanager": newAWSFromConfig,
	"gcp-secretmanager":  newGCPFromConfig,
	"azure-keyvault":     newAzureFromConfig,
}

// New builds the connector for a configured service.
func New(service string, svc config.ServiceConfig, logger *logging.Logger) (Connector, error) {
	factory, ok := factories[svc.Type]
	if !ok {
		return nil, errors.ConfigError{
			Field:      "type",
			Value:      svc.Type,
			Message:    "unknown connector type for service '" + service + "'",
			Suggestion: "Supported types: " + supportedTypes(),
		}
	}
	return factory(service, svc.Config, logger)
}

func supportedTypes() string {
	return "envfile, aws-secretsmanager, gcp-secretmanager, azure-keyvault"
}
