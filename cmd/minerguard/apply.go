package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cuemby/minerguard/pkg/manager"
	"github.com/cuemby/minerguard/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a seed file",
	Long: `Apply MinerGuard resources from a YAML file.

The file may hold several documents separated by "---". Resources that
already exist (matched by name) are skipped. Tokens of newly created
actors are printed once.

Examples:
  # Seed a tenant, a site and two actors
  minerguard apply -f seed.yaml

Example seed.yaml:
  kind: Tenant
  metadata:
    name: acme
  ---
  kind: Site
  metadata:
    name: north
  spec:
    tenant: acme
    mode: 2
  ---
  kind: Actor
  metadata:
    name: olivia
  spec:
    tenant: acme
    role: admin
    sites: [north]`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// Resource is one document of a seed file
type Resource struct {
	APIVersion string                 `yaml:"apiVersion"`
	Kind       string                 `yaml:"kind"`
	Metadata   ResourceMetadata       `yaml:"metadata"`
	Spec       map[string]interface{} `yaml:"spec"`
}

type ResourceMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	defer f.Close()

	resources, err := decodeResources(f)
	if err != nil {
		return err
	}

	mgr, _, err := openManager(cmd)
	if err != nil {
		return err
	}
	defer mgr.Shutdown()

	for i := range resources {
		if err := applyResource(mgr, &resources[i]); err != nil {
			return fmt.Errorf("%s %q: %w", resources[i].Kind, resources[i].Metadata.Name, err)
		}
	}
	return nil
}

func decodeResources(r io.Reader) ([]Resource, error) {
	dec := yaml.NewDecoder(r)
	var out []Resource
	for {
		var res Resource
		err := dec.Decode(&res)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
		if res.Kind == "" {
			continue
		}
		if res.Metadata.Name == "" {
			return nil, fmt.Errorf("%s resource without metadata.name", res.Kind)
		}
		out = append(out, res)
	}
}

func applyResource(mgr *manager.Manager, res *Resource) error {
	switch res.Kind {
	case "Tenant":
		return applyTenant(mgr, res)
	case "Site":
		return applySite(mgr, res)
	case "Actor":
		return applyActor(mgr, res)
	default:
		return fmt.Errorf("unsupported resource kind: %s", res.Kind)
	}
}

func applyTenant(mgr *manager.Manager, res *Resource) error {
	name := res.Metadata.Name
	if existing, err := findTenant(mgr, name); err == nil {
		fmt.Printf("Tenant already exists: %s (skipping)\n", existing.Name)
		return nil
	}

	fmt.Printf("Creating tenant: %s\n", name)
	tenant, err := mgr.CreateTenant(name)
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	fmt.Printf("✓ Tenant created: %s (ID: %s)\n", tenant.Name, tenant.ID)
	return nil
}

func applySite(mgr *manager.Manager, res *Resource) error {
	name := res.Metadata.Name
	tenant, err := findTenant(mgr, getString(res.Spec, "tenant", ""))
	if err != nil {
		return err
	}
	mode := types.IPMode(getInt(res.Spec, "mode", int(types.IPModeMasking)))

	if existing, err := findSite(mgr, tenant.ID, name); err == nil {
		fmt.Printf("Site already exists: %s (mode %d, skipping)\n", existing.Name, existing.IPMode)
		return nil
	}

	fmt.Printf("Creating site: %s\n", name)
	site, err := mgr.CreateSite(tenant.ID, name, mode)
	if err != nil {
		return fmt.Errorf("failed to create site: %w", err)
	}
	fmt.Printf("✓ Site created: %s (ID: %s, mode=%s)\n", site.Name, site.ID, site.IPMode)
	return nil
}

func applyActor(mgr *manager.Manager, res *Resource) error {
	name := res.Metadata.Name
	tenant, err := findTenant(mgr, getString(res.Spec, "tenant", ""))
	if err != nil {
		return err
	}
	role := types.Role(getString(res.Spec, "role", string(types.RoleViewer)))

	actors, err := mgr.Store().ListActorsByTenant(tenant.ID)
	if err != nil {
		return err
	}
	for _, a := range actors {
		if a.Name == name {
			fmt.Printf("Actor already exists: %s (skipping)\n", name)
			return nil
		}
	}

	// An absent sites list leaves the actor unrestricted.
	var siteIDs []string
	if siteNames, ok := getStringList(res.Spec, "sites"); ok {
		siteIDs = []string{}
		for _, siteName := range siteNames {
			site, err := findSite(mgr, tenant.ID, siteName)
			if err != nil {
				return err
			}
			siteIDs = append(siteIDs, site.ID)
		}
	}

	fmt.Printf("Creating actor: %s\n", name)
	actor, token, err := mgr.CreateActor(tenant.ID, name, role, siteIDs)
	if err != nil {
		return fmt.Errorf("failed to create actor: %w", err)
	}
	fmt.Printf("✓ Actor created: %s (ID: %s, role=%s)\n", actor.Name, actor.ID, actor.Role)
	fmt.Printf("  Token (shown once): %s\n", token)
	return nil
}

func findTenant(mgr *manager.Manager, name string) (*types.Tenant, error) {
	if name == "" {
		return nil, types.NewValidationError("tenant", "tenant name is required")
	}
	tenants, err := mgr.Store().ListTenants()
	if err != nil {
		return nil, err
	}
	for _, t := range tenants {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, types.NotFoundError("tenant", name)
}

func findSite(mgr *manager.Manager, tenantID, name string) (*types.Site, error) {
	sites, err := mgr.Store().ListSitesByTenant(tenantID)
	if err != nil {
		return nil, err
	}
	for _, s := range sites {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, types.NotFoundError("site", name)
}

// Helper functions
func getString(m map[string]interface{}, key, defaultValue string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return defaultValue
}

func getInt(m map[string]interface{}, key string, defaultValue int) int {
	if v, ok := m[key]; ok {
		switch val := v.(type) {
		case int:
			return val
		case float64:
			return int(val)
		}
	}
	return defaultValue
}

func getStringList(m map[string]interface{}, key string) ([]string, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	items, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, fmt.Sprintf("%v", item))
	}
	return out, true
}
