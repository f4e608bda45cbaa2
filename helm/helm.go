package helm

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"code.cloudfoundry.org/lager"

	"github.com/alphagov/paas-helm-broker/task"
)

// CLI applies operations to an instance's staged workspace by shelling out
// to the helm binary. The release name is the instance ID, so the executor
// is idempotent per instance: re-running an install or upgrade converges on
// the same release.
type CLI struct {
	binary        string
	instancesPath string
	logger        lager.Logger
}

func NewCLI(binary, instancesPath string, logger lager.Logger) *CLI {
	return &CLI{
		binary:        binary,
		instancesPath: instancesPath,
		logger:        logger.Session("helm"),
	}
}

func (c *CLI) Run(ctx context.Context, operation task.Operation) (string, error) {
	workspace := filepath.Join(c.instancesPath, operation.InstanceID)
	chart := filepath.Join(workspace, "chart")
	values := filepath.Join(workspace, "plan", "values.yaml")

	var args []string
	switch operation.Kind {
	case task.KindProvision:
		args = []string{"install", operation.InstanceID, chart, "--values", values, "--wait"}
	case task.KindUpdate:
		args = []string{"upgrade", operation.InstanceID, chart, "--values", values, "--wait"}
	case task.KindDeprovision:
		args = []string{"uninstall", operation.InstanceID}
	case task.KindBind:
		args = []string{"template", operation.InstanceID, chart, "--values", values, "--show-only", "templates/bind.yaml"}
	default:
		return "", fmt.Errorf("unknown operation %q", operation.Kind)
	}

	c.logger.Debug("run", lager.Data{"instance-id": operation.InstanceID, "args": args})
	output, err := exec.CommandContext(ctx, c.binary, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("helm %s: %s: %s", operation.Kind, err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}
