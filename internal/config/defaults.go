package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Smalls1652/localllm-chat/internal/resource"
)

// DefaultGroupID is the id of the built-in Open WebUI group.
const DefaultGroupID = "localllm"

const (
	FrontendNetwork    = "local_llm_frontend"
	BackendNetwork     = "local_llm_backend"
	OpenWebUIContainer = "local_llm_openwebui"
	TikaContainer      = "local_llm_tika"

	openWebUIImage  = "ghcr.io/open-webui/open-webui"
	tikaImage       = "docker.io/apache/tika"
	playwrightImage = "mcr.microsoft.com/playwright:v1.49.1-noble"

	defaultOpenWebUITag = "latest"
	defaultTikaTag      = "latest-full"

	openWebUIHostPort = "11690"
	containerPrefix   = "local_llm_"
)

// AppSettings holds the user-editable application settings file. JSON
// documents are accepted as well since YAML is a superset.
type AppSettings struct {
	OpenWebUIImageTag    string           `yaml:"openwebui_image_tag,omitempty"`
	TikaImageTag         string           `yaml:"tika_image_tag,omitempty"`
	ExtraBackendServices []BackendService `yaml:"extra_backend_services,omitempty"`
}

// BackendService is an additional container attached to the backend network.
// Its ports are exposed to the group but never published on the host.
type BackendService struct {
	Name  string   `yaml:"name"`
	Image string   `yaml:"image"`
	Env   []string `yaml:"env,omitempty"`
	Ports []string `yaml:"ports,omitempty"`
}

// LoadAppSettings reads the settings file at path. A missing file or empty
// path yields defaults.
func LoadAppSettings(path string) (AppSettings, error) {
	settings := AppSettings{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &settings); err != nil {
				return AppSettings{}, fmt.Errorf("parse app settings: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return AppSettings{}, fmt.Errorf("read app settings: %w", err)
		}
	}

	if strings.TrimSpace(settings.OpenWebUIImageTag) == "" {
		settings.OpenWebUIImageTag = defaultOpenWebUITag
	}
	if strings.TrimSpace(settings.TikaImageTag) == "" {
		settings.TikaImageTag = defaultTikaTag
	}
	return settings, nil
}

// DefaultGroups builds the Open WebUI group: a loopback-only frontend
// network, a backend network, Open WebUI published on 127.0.0.1:11690 and
// Apache Tika plus any extra services on the backend.
func DefaultGroups(cfg Config, app AppSettings) ([]resource.Group, error) {
	group := resource.Group{
		ID: DefaultGroupID,
		Specs: []resource.Spec{
			{
				Kind: resource.KindNetwork,
				Name: FrontendNetwork,
				Network: &resource.NetworkParams{
					Driver: "bridge",
					Options: map[string]string{
						"com.docker.network.bridge.host_binding_ipv4": "127.0.0.1",
					},
				},
			},
			{
				Kind:    resource.KindNetwork,
				Name:    BackendNetwork,
				Network: &resource.NetworkParams{Driver: "bridge"},
			},
			{
				Kind:  resource.KindImage,
				Name:  "playwright",
				Image: &resource.ImageParams{Ref: playwrightImage},
			},
			{
				Kind: resource.KindContainer,
				Name: OpenWebUIContainer,
				Container: &resource.ContainerParams{
					Image: openWebUIImage + ":" + app.OpenWebUIImageTag,
					Env: map[string]string{
						"ENV":        "dev",
						"WEBUI_AUTH": "false",
					},
					Ports: []resource.Port{{
						HostPort:      openWebUIHostPort,
						ContainerPort: "8080",
						Protocol:      "tcp",
					}},
					Mounts: []resource.Mount{{
						Type:   resource.MountBind,
						Source: cfg.DataDir,
						Target: "/app/backend/data",
					}},
					Networks: []string{FrontendNetwork, BackendNetwork},
					Probe: &resource.Probe{
						URL:       "http://localhost:" + openWebUIHostPort + "/health",
						StatusMin: 200,
						StatusMax: 299,
						JSONField: "status",
					},
				},
			},
			{
				Kind: resource.KindContainer,
				Name: TikaContainer,
				Container: &resource.ContainerParams{
					Image:    tikaImage + ":" + app.TikaImageTag,
					Ports:    []resource.Port{{ContainerPort: "9998", Protocol: "tcp"}},
					Networks: []string{BackendNetwork},
				},
			},
		},
	}

	for _, svc := range app.ExtraBackendServices {
		spec, err := svc.spec()
		if err != nil {
			return nil, &resource.ConfigError{Group: DefaultGroupID, Spec: "extra_backend_services/" + svc.Name, Err: err}
		}
		group.Specs = append(group.Specs, spec)
	}

	if err := group.Validate(); err != nil {
		return nil, err
	}
	return []resource.Group{group}, nil
}

func (s BackendService) spec() (resource.Spec, error) {
	if strings.TrimSpace(s.Name) == "" {
		return resource.Spec{}, fmt.Errorf("name is required")
	}
	params := &resource.ContainerParams{
		Image:    s.Image,
		Networks: []string{BackendNetwork},
	}
	if len(s.Env) > 0 {
		params.Env = make(map[string]string, len(s.Env))
		for _, kv := range s.Env {
			key, value, ok := strings.Cut(kv, "=")
			if !ok || key == "" {
				return resource.Spec{}, fmt.Errorf("env entry %q must be KEY=VALUE", kv)
			}
			params.Env[key] = value
		}
	}
	for _, raw := range s.Ports {
		ports, err := ParsePorts(raw)
		if err != nil {
			return resource.Spec{}, err
		}
		for _, p := range ports {
			p.HostIP, p.HostPort = "", ""
			params.Ports = append(params.Ports, p)
		}
	}
	return resource.Spec{
		Kind:      resource.KindContainer,
		Name:      containerPrefix + s.Name,
		Container: params,
	}, nil
}
