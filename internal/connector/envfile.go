package connector

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/birchsec/birch/internal/errors"
	"github.com/birchsec/birch/internal/logging"
)

// EnvFileConnector rewrites KEY=value lines in a local environment file.
// Unrelated lines and comments are preserved byte for byte; the update is a
// write-temp, fsync, rename sequence so the original file survives any
// partial failure.
type EnvFileConnector struct {
	service         string
	defaultPath     string
	redeployCommand string
	logger          *logging.Logger
}

func newEnvFileFromConfig(service string, cfg map[string]interface{}, logger *logging.Logger) (Connector, error) {
	c := &EnvFileConnector{service: service, logger: logger}
	if p, ok := cfg["path"].(string); ok {
		c.defaultPath = p
	}
	if cmd, ok := cfg["redeploy_command"].(string); ok {
		c.redeployCommand = cmd
	}
	return c, nil
}

// NewEnvFile builds an envfile connector outside the registry, used when a
// rotation names a file path directly instead of a configured service.
func NewEnvFile(logger *logging.Logger) *EnvFileConnector {
	return &EnvFileConnector{service: "envfile", logger: logger}
}

func (c *EnvFileConnector) Name() string {
	return c.service
}

func (c *EnvFileConnector) path(target string) (string, error) {
	if target != "" {
		return target, nil
	}
	if c.defaultPath != "" {
		return c.defaultPath, nil
	}
	return "", errors.ConnectorFailure{
		Service: c.service,
		Reason:  "no env file path configured or given as target",
	}
}

func (c *EnvFileConnector) Apply(ctx context.Context, target, secretName, value string) error {
	path, err := c.path(target)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.ConnectorFailure{Service: c.service, Reason: "cancelled", Err: err}
	}

	lines, found, err := replaceEnvLine(path, secretName, value)
	if err != nil {
		return errors.ConnectorFailure{Service: c.service, Reason: "failed to read env file", Err: err}
	}
	if !found {
		lines = append(lines, secretName+"="+value)
	}

	if err := writeAtomic(path, strings.Join(lines, "\n")+"\n"); err != nil {
		return errors.ConnectorFailure{Service: c.service, Reason: "failed to write env file", Err: err}
	}

	c.logger.Debug("Updated %s in %s", secretName, path)
	return nil
}

// Redeploy runs the configured restart command, if any.
func (c *EnvFileConnector) Redeploy(ctx context.Context, target string) error {
	if c.redeployCommand == "" {
		return errors.RedeployUnsupportedError{Service: c.service}
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", c.redeployCommand)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return errors.ConnectorFailure{Service: c.service, Reason: "redeploy command failed", Err: err}
	}
	return nil
}

// Current returns the value presently stored for secretName, empty when the
// file or key does not exist yet.
func (c *EnvFileConnector) Current(ctx context.Context, target, secretName string) (string, error) {
	path, err := c.path(target)
	if err != nil {
		return "", err
	}

	values, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.ConnectorFailure{Service: c.service, Reason: "failed to read env file", Err: err}
	}
	return values[secretName], nil
}

// replaceEnvLine loads the file's raw lines and swaps the value on the line
// assigning secretName, leaving everything else untouched. A missing file
// yields no lines and found=false.
func replaceEnvLine(path, secretName, value string) ([]string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	raw := strings.TrimSuffix(string(data), "\n")
	var lines []string
	if raw != "" {
		lines = strings.Split(raw, "\n")
	}

	found := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, _, ok := strings.Cut(trimmed, "=")
		if !ok {
			continue
		}
		if strings.TrimSpace(strings.TrimPrefix(key, "export ")) == secretName {
			prefix := ""
			if strings.HasPrefix(strings.TrimSpace(line), "export ") {
				prefix = "export "
			}
			lines[i] = prefix + secretName + "=" + value
			found = true
		}
	}
	return lines, found, nil
}

func writeAtomic(path, content string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".env-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	// keep the original mode when the file already exists
	mode := os.FileMode(0o600)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode()
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
