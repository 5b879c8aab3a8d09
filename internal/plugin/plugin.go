// Package plugin binds wire-level RPC and pub/sub commands to the
// controller's services. Plugins are discovered through manifest files
// under the configured plugin roots and instantiated from an explicit
// factory table; capability types form a closed set, with one active
// singleton each for scheduling, routing and monitoring and every protocol
// plugin loaded.
package plugin

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/quantnet-project/quantnet-controller/internal/broker"
	"github.com/quantnet-project/quantnet-controller/internal/config"
	"github.com/quantnet-project/quantnet-controller/internal/logging"
	"github.com/quantnet-project/quantnet-controller/internal/observability"
	"github.com/quantnet-project/quantnet-controller/internal/request"
	"github.com/quantnet-project/quantnet-controller/internal/resource"
	"github.com/quantnet-project/quantnet-controller/internal/scheduler"
	"github.com/quantnet-project/quantnet-controller/internal/store"
	"github.com/quantnet-project/quantnet-controller/internal/topology"
	"github.com/quantnet-project/quantnet-controller/internal/translator"
)

// Type is the capability a plugin provides.
type Type string

const (
	TypeProtocol   Type = "Protocol"
	TypeScheduling Type = "Scheduling"
	TypeRouting    Type = "Routing"
	TypeMonitoring Type = "Monitoring"
)

// ValidType reports membership in the closed capability set.
func ValidType(t Type) bool {
	switch t {
	case TypeProtocol, TypeScheduling, TypeRouting, TypeMonitoring:
		return true
	}
	return false
}

// Services is the non-owning handle plugins get to the controller.
type Services struct {
	Config    *config.Config
	Store     store.Store
	Log       logging.Logger
	Metrics   *observability.ControllerCollector
	Resources *resource.Registry
	Router    *topology.Engine
	Scheduler *scheduler.Scheduler
	Translate *translator.Translator
	RPC       broker.RPCClient
	Msg       broker.MsgClient

	// Schema tags the request registries this deployment uses.
	Schema string
}

// Requests returns the request registry for the given kind.
func (s *Services) Requests(kind request.Kind) *request.Registry {
	return request.NewRegistry(s.Schema, kind, s.Store, s.Log, s.Metrics)
}

// Plugin is one loadable capability provider. Command tables are consulted
// once at startup; Start runs after all handlers are registered.
type Plugin interface {
	Name() string
	Type() Type
	// ServerCommands are the RPC methods this plugin answers.
	ServerCommands() map[string]broker.Handler
	// MsgCommands are the pub/sub topics this plugin consumes.
	MsgCommands() map[string]broker.MsgHandler
	Start(ctx context.Context) error
	Stop() error
}

// Factory builds a plugin instance over the controller services.
type Factory func(s *Services) (Plugin, error)

var (
	factoriesMu sync.Mutex
	factories   = map[string]Factory{}
)

// RegisterFactory adds a plugin factory to the table. Built-in plugins
// register themselves from init.
func RegisterFactory(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

func factoryFor(name string) (Factory, bool) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	f, ok := factories[name]
	return f, ok
}

// Manifest describes one discoverable plugin.
type Manifest struct {
	Name string `yaml:"name"`
	Type Type   `yaml:"type"`
}

// Discover walks the plugin roots and parses every plugin.yaml manifest.
// Manifests with an unknown capability type or no registered factory are
// rejected; discovery order is stable.
func Discover(roots []string) ([]Manifest, error) {
	var manifests []Manifest
	seen := map[string]bool{}

	for _, root := range roots {
		if root == "" {
			continue
		}
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || d.Name() != "plugin.yaml" {
				return nil
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("plugin: reading manifest %s: %w", path, err)
			}
			var m Manifest
			if err := yaml.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("plugin: parsing manifest %s: %w", path, err)
			}
			if m.Name == "" {
				return fmt.Errorf("plugin: manifest %s has no name", path)
			}
			if !ValidType(m.Type) {
				return fmt.Errorf("plugin: manifest %s has unknown type %q", path, m.Type)
			}
			if _, ok := factoryFor(m.Name); !ok {
				return fmt.Errorf("plugin: manifest %s names unregistered plugin %q", path, m.Name)
			}
			if !seen[m.Name] {
				seen[m.Name] = true
				manifests = append(manifests, m)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].Name < manifests[j].Name })
	return manifests, nil
}

// BuiltinManifests lists the plugins compiled into the controller. They
// are always available, manifest files only add to them.
func BuiltinManifests() []Manifest {
	return []Manifest{
		{Name: "agentRegister", Type: TypeProtocol},
		{Name: "agentExperiment", Type: TypeProtocol},
		{Name: "agentCalibration", Type: TypeProtocol},
		{Name: "agentSimulation", Type: TypeProtocol},
		{Name: config.DefaultScheduler, Type: TypeScheduling},
		{Name: config.DefaultRouter, Type: TypeRouting},
		{Name: config.DefaultMonitor, Type: TypeMonitoring},
	}
}

// Load instantiates the active plugin set: every Protocol plugin, plus the
// singleton per capability named by the configuration.
func Load(s *Services, manifests []Manifest) ([]Plugin, error) {
	singletons := map[Type]string{
		TypeScheduling: s.Config.Scheduling.Name,
		TypeRouting:    s.Config.Routing.Name,
		TypeMonitoring: s.Config.Monitoring.Name,
	}

	var active []Plugin
	chosen := map[Type]bool{}
	for _, m := range manifests {
		if m.Type != TypeProtocol {
			if singletons[m.Type] != m.Name {
				continue
			}
			if chosen[m.Type] {
				continue
			}
			chosen[m.Type] = true
		}
		f, ok := factoryFor(m.Name)
		if !ok {
			return nil, fmt.Errorf("plugin: no factory for %q", m.Name)
		}
		p, err := f(s)
		if err != nil {
			return nil, fmt.Errorf("plugin: building %q: %w", m.Name, err)
		}
		active = append(active, p)
	}

	for t, name := range singletons {
		if name != "" && !chosen[t] {
			return nil, fmt.Errorf("plugin: configured %s plugin %q not found", t, name)
		}
	}
	return active, nil
}
