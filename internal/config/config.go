// Package config provides centralized configuration management for the
// NCK server: the unit-type dictionary and default physics parameters
// loaded from YAML, and server/network settings from the environment.
//
// IMPORTANT: When changing defaults, only modify defaults.yaml.
// All other parts of the codebase should reference the loaded Config.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"nck/internal/geom"
	"nck/internal/sim"
	"nck/internal/units"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// =============================================================================
// UNIT-TYPE DICTIONARY
// =============================================================================

// Vec3 is the YAML representation of a 3-component vector.
type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) toGeom() geom.Vector { return geom.NewVector(v.X, v.Y, v.Z) }

// UnitTypeSpec is one entry in the unit-type dictionary, as loaded from
// YAML. MomentOfInertia is specified as principal (diagonal) moments,
// which covers every unit type in defaults.yaml; a fully general inertia
// tensor is an Open Question the original left unaddressed (spec.md §9).
type UnitTypeSpec struct {
	Name            string  `yaml:"name"`
	Radius          float64 `yaml:"radius"`
	Mass            float64 `yaml:"mass"`
	MomentOfInertia Vec3    `yaml:"moment_of_inertia"`
	BondSites       []Vec3  `yaml:"bond_sites"`
	MeshVertices    []Vec3  `yaml:"mesh_vertices"`
	MeshTriangles   []int32 `yaml:"mesh_triangles"`
}

func (spec UnitTypeSpec) toUnitType() units.UnitType {
	sites := make([]geom.Vector, len(spec.BondSites))
	for i, s := range spec.BondSites {
		sites[i] = s.toGeom()
	}
	verts := make([]geom.Point, len(spec.MeshVertices))
	for i, v := range spec.MeshVertices {
		verts[i] = v.toGeom()
	}
	moment := geom.Matrix3{
		{spec.MomentOfInertia.X, 0, 0},
		{0, spec.MomentOfInertia.Y, 0},
		{0, 0, spec.MomentOfInertia.Z},
	}
	return units.NewUnitType(spec.Name, spec.Radius, spec.Mass, moment, sites, verts, spec.MeshTriangles)
}

// =============================================================================
// DOMAIN & PHYSICS CONFIGURATION
// =============================================================================

// DomainConfig holds the wrap-around simulation domain extents.
type DomainConfig struct {
	Min Vec3 `yaml:"min"`
	Max Vec3 `yaml:"max"`
}

func (d DomainConfig) toUnitsDomain() units.Domain {
	return units.Domain{Min: d.Min.toGeom(), Max: d.Max.toGeom()}
}

// PhysicsConfig mirrors sim.Parameters, loaded from YAML so operators can
// retune the integration constants without a rebuild.
type PhysicsConfig struct {
	VertexForceRadius     float64 `yaml:"vertex_force_radius"`
	VertexForceStrength   float64 `yaml:"vertex_force_strength"`
	CentralForceOvershoot float64 `yaml:"central_force_overshoot"`
	CentralForceStrength  float64 `yaml:"central_force_strength"`
	LinearDampening       float64 `yaml:"linear_dampening"`
	AngularDampening      float64 `yaml:"angular_dampening"`
	Attenuation           float64 `yaml:"attenuation"`
	TimeFactor            float64 `yaml:"time_factor"`
	MaxEffectiveDT        float64 `yaml:"max_effective_dt"`
}

func (p PhysicsConfig) toParameters() sim.Parameters {
	return sim.Parameters{
		VertexForceRadius:     p.VertexForceRadius,
		VertexForceStrength:   p.VertexForceStrength,
		CentralForceOvershoot: p.CentralForceOvershoot,
		CentralForceStrength:  p.CentralForceStrength,
		LinearDampening:       p.LinearDampening,
		AngularDampening:      p.AngularDampening,
		Attenuation:           p.Attenuation,
		TimeFactor:            p.TimeFactor,
		MaxEffectiveDT:        p.MaxEffectiveDT,
	}
}

// =============================================================================
// SERVER CONFIGURATION (environment-driven, per the teacher's *FromEnv idiom)
// =============================================================================

// ServerConfig holds TCP listener and broadcast settings.
type ServerConfig struct {
	ListenAddr          string
	TickRateHz          int
	BroadcastIntervalMs int
	MaxUnitsHint        int
	RequestQueueSize    int
}

// DefaultServer returns the default server configuration.
func DefaultServer() ServerConfig {
	return ServerConfig{
		ListenAddr:          ":4600",
		TickRateHz:          60,
		BroadcastIntervalMs: 50,
		MaxUnitsHint:        4096,
		RequestQueueSize:    1024,
	}
}

// ServerFromEnv returns server configuration with environment variable
// overrides, in the teacher's getEnvInt/getEnvString idiom.
func ServerFromEnv() ServerConfig {
	cfg := DefaultServer()

	if addr := os.Getenv("NCK_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if v := getEnvInt("NCK_TICK_RATE_HZ", 0); v > 0 {
		cfg.TickRateHz = v
	}
	if v := getEnvInt("NCK_BROADCAST_INTERVAL_MS", 0); v > 0 {
		cfg.BroadcastIntervalMs = v
	}
	if v := getEnvInt("NCK_MAX_UNITS_HINT", 0); v > 0 {
		cfg.MaxUnitsHint = v
	}
	if v := getEnvInt("NCK_REQUEST_QUEUE_SIZE", 0); v > 0 {
		cfg.RequestQueueSize = v
	}
	return cfg
}

// =============================================================================
// COMPLETE APP CONFIGURATION
// =============================================================================

// AppConfig is the complete loaded configuration: the unit-type dictionary
// and domain/physics from YAML, server settings from the environment.
type AppConfig struct {
	UnitTypes []units.UnitType
	Domain    units.Domain
	Physics   sim.Parameters
	Server    ServerConfig
}

// unitDictionary is the on-disk shape of the YAML unit-type/domain/physics
// configuration (everything that is session content rather than
// deployment environment).
type unitDictionary struct {
	Domain    DomainConfig   `yaml:"domain"`
	Physics   PhysicsConfig  `yaml:"physics"`
	UnitTypes []UnitTypeSpec `yaml:"unit_types"`
}

// Load loads the unit-type dictionary and physics defaults from a YAML
// file, falling back to the embedded defaults.yaml, and merges server
// settings from the environment. If path is empty, only embedded defaults
// are used for the dictionary.
func Load(path string) (AppConfig, error) {
	dict := unitDictionary{}
	if err := yaml.Unmarshal(defaultsYAML, &dict); err != nil {
		return AppConfig{}, fmt.Errorf("config: parsing embedded defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return AppConfig{}, fmt.Errorf("config: reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &dict); err != nil {
			return AppConfig{}, fmt.Errorf("config: parsing config file: %w", err)
		}
	}

	types := make([]units.UnitType, len(dict.UnitTypes))
	for i, spec := range dict.UnitTypes {
		types[i] = spec.toUnitType()
	}

	return AppConfig{
		UnitTypes: types,
		Domain:    dict.Domain.toUnitsDomain(),
		Physics:   dict.Physics.toParameters(),
		Server:    ServerFromEnv(),
	}, nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
