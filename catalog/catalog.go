package catalog

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pivotal-cf/brokerapi/domain"
	yaml "gopkg.in/yaml.v2"
)

const metaFileName = "meta.yaml"

// Catalog is the set of addons available for provisioning. Each addon lives
// in its own directory under the addons root:
//
//	<addons>/<name>/meta.yaml
//	<addons>/<name>/chart/
//	<addons>/<name>/plans/<plan name>/
//
// The catalog is loaded once at startup and is read-only afterwards.
type Catalog struct {
	addons []*addon
	byID   map[string]*addon
}

type addon struct {
	service  domain.Service
	dir      string
	planDirs map[string]string
}

type addonMeta struct {
	ID            string     `yaml:"id"`
	Name          string     `yaml:"name"`
	Description   string     `yaml:"description"`
	Bindable      bool       `yaml:"bindable"`
	PlanUpdatable bool       `yaml:"plan_updateable"`
	Plans         []planMeta `yaml:"plans"`
}

type planMeta struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Free        bool   `yaml:"free"`
}

func New(addonsPath string) (*Catalog, error) {
	entries, err := os.ReadDir(addonsPath)
	if err != nil {
		return nil, fmt.Errorf("error reading addons directory %s: %w", addonsPath, err)
	}

	catalog := &Catalog{byID: map[string]*addon{}}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		loaded, err := loadAddon(filepath.Join(addonsPath, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("error loading addon %s: %w", entry.Name(), err)
		}
		if _, exists := catalog.byID[loaded.service.ID]; exists {
			return nil, fmt.Errorf("duplicate service ID %s in addon %s", loaded.service.ID, entry.Name())
		}
		catalog.addons = append(catalog.addons, loaded)
		catalog.byID[loaded.service.ID] = loaded
	}
	return catalog, nil
}

func loadAddon(dir string) (*addon, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		return nil, err
	}

	meta := addonMeta{}
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	if meta.ID == "" || meta.Name == "" {
		return nil, fmt.Errorf("meta.yaml must declare an id and a name")
	}
	if len(meta.Plans) == 0 {
		return nil, fmt.Errorf("addon %s has no plans", meta.Name)
	}

	loaded := &addon{dir: dir, planDirs: map[string]string{}}
	plans := []domain.ServicePlan{}
	for _, plan := range meta.Plans {
		if plan.ID == "" || plan.Name == "" {
			return nil, fmt.Errorf("every plan of addon %s must declare an id and a name", meta.Name)
		}
		plans = append(plans, domain.ServicePlan{
			ID:          plan.ID,
			Name:        plan.Name,
			Description: plan.Description,
			Free:        domain.FreeValue(plan.Free),
		})
		loaded.planDirs[plan.ID] = filepath.Join(dir, "plans", plan.Name)
	}

	loaded.service = domain.Service{
		ID:            meta.ID,
		Name:          meta.Name,
		Description:   meta.Description,
		Bindable:      meta.Bindable,
		PlanUpdatable: meta.PlanUpdatable,
		Plans:         plans,
	}
	return loaded, nil
}

// Services returns the catalog in addon directory order.
func (c *Catalog) Services() []domain.Service {
	services := []domain.Service{}
	for _, addon := range c.addons {
		services = append(services, addon.service)
	}
	return services
}

func (c *Catalog) FindService(serviceID string) (domain.Service, error) {
	addon, ok := c.byID[serviceID]
	if !ok {
		return domain.Service{}, fmt.Errorf("service %s not found in the catalog", serviceID)
	}
	return addon.service, nil
}

func (c *Catalog) FindPlan(serviceID, planID string) (domain.ServicePlan, error) {
	service, err := c.FindService(serviceID)
	if err != nil {
		return domain.ServicePlan{}, err
	}
	for _, plan := range service.Plans {
		if plan.ID == planID {
			return plan, nil
		}
	}
	return domain.ServicePlan{}, fmt.Errorf("plan %s not found in service %s", planID, serviceID)
}

// ChartPath returns the chart directory staged at provision time.
func (c *Catalog) ChartPath(serviceID string) (string, error) {
	addon, ok := c.byID[serviceID]
	if !ok {
		return "", fmt.Errorf("service %s not found in the catalog", serviceID)
	}
	return filepath.Join(addon.dir, "chart"), nil
}

// PlanPath returns the plan directory staged at provision and update time.
func (c *Catalog) PlanPath(serviceID, planID string) (string, error) {
	addon, ok := c.byID[serviceID]
	if !ok {
		return "", fmt.Errorf("service %s not found in the catalog", serviceID)
	}
	dir, ok := addon.planDirs[planID]
	if !ok {
		return "", fmt.Errorf("plan %s not found in service %s", planID, serviceID)
	}
	return dir, nil
}
