package broker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pivotal-cf/brokerapi/domain/apiresponses"
)

const bindTemplateName = "bind.yaml"

// stageWorkspace assembles the instance workspace in a hidden sibling
// directory and renames it into place, so a failed copy never leaves a
// half-staged workspace behind.
func (b *HelmBroker) stageWorkspace(instanceID, chartPath, planPath string) error {
	destination := b.store.InstancePath(instanceID)
	staging, err := os.MkdirTemp(filepath.Dir(destination), ".staging-"+instanceID+"-")
	if err != nil {
		return err
	}
	if err := copyTree(chartPath, filepath.Join(staging, "chart")); err != nil {
		os.RemoveAll(staging)
		return err
	}
	if err := copyTree(planPath, filepath.Join(staging, "plan")); err != nil {
		os.RemoveAll(staging)
		return err
	}
	if err := os.Rename(staging, destination); err != nil {
		os.RemoveAll(staging)
		return err
	}
	return nil
}

// swapPlan replaces the staged plan with the new one. The new plan is staged
// beside the old and swapped in with renames; the old plan survives at
// plan.previous until the update is accepted, so a failed acceptance can
// swap it back.
func (b *HelmBroker) swapPlan(instanceID, planPath string) error {
	workspace := b.store.InstancePath(instanceID)
	destination := filepath.Join(workspace, "plan")

	staging, err := os.MkdirTemp(workspace, ".plan-staging-")
	if err != nil {
		return err
	}
	if err := copyTree(planPath, staging); err != nil {
		os.RemoveAll(staging)
		return err
	}

	previous := destination + ".previous"
	if err := os.Rename(destination, previous); err != nil {
		os.RemoveAll(staging)
		return err
	}
	if err := os.Rename(staging, destination); err != nil {
		os.Rename(previous, destination)
		os.RemoveAll(staging)
		return err
	}
	return nil
}

func (b *HelmBroker) commitPlanSwap(instanceID string) {
	os.RemoveAll(filepath.Join(b.store.InstancePath(instanceID), "plan.previous"))
}

func (b *HelmBroker) revertPlanSwap(instanceID string) {
	workspace := b.store.InstancePath(instanceID)
	destination := filepath.Join(workspace, "plan")
	os.RemoveAll(destination)
	os.Rename(destination+".previous", destination)
}

// stageBindTemplate copies the plan's bind template into the chart so the
// rendered release includes it. Overwriting the same path keeps retries
// idempotent.
func (b *HelmBroker) stageBindTemplate(instanceID string) error {
	workspace := b.store.InstancePath(instanceID)
	source := filepath.Join(workspace, "plan", bindTemplateName)
	data, err := os.ReadFile(source)
	if err != nil {
		if os.IsNotExist(err) {
			return badRequest(fmt.Errorf("the plan for instance %s has no bind template", instanceID))
		}
		return err
	}

	templatesDir := filepath.Join(workspace, "chart", "templates")
	if err := os.MkdirAll(templatesDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(templatesDir, bindTemplateName), data, 0644)
}

func (b *HelmBroker) removeBindTemplate(instanceID string) {
	os.Remove(filepath.Join(b.store.InstancePath(instanceID), "chart", "templates", bindTemplateName))
}

func copyTree(source, destination string) error {
	return filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		relative, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		target := filepath.Join(destination, relative)
		if info.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode().Perm())
	})
}

func rawToMap(raw json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	parsed := map[string]interface{}{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, apiresponses.ErrRawParamsInvalid
	}
	return parsed, nil
}
