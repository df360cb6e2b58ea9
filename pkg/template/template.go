// Package template generates starter test definitions for a pavr tests_dir.
package template

import (
	"fmt"
	"sort"

	"github.com/pelletier/go-toml/v2"
)

// TemplateType represents the type of template to generate
type TemplateType string

const (
	TypeSimple TemplateType = "simple"
	TypeBasic  TemplateType = "basic"
	TypeBuild  TemplateType = "build"
	TypeMPI    TemplateType = "mpi"
	TypeTimed  TemplateType = "timed"
)

// TestTemplate is a test definition as written to "<tests_dir>/<name>.toml".
// The test takes its name from the file.
type TestTemplate struct {
	Summary      string    `toml:"summary,omitempty"`
	Command      string    `toml:"command"`
	WorkDir      string    `toml:"workdir,omitempty"`
	Env          []string  `toml:"env,omitempty"`
	BuildTimeout string    `toml:"build_timeout,omitempty"`
	RunTimeout   string    `toml:"run_timeout,omitempty"`
	Scheduler    string    `toml:"scheduler,omitempty"`
	Schedule     *Schedule `toml:"schedule,omitempty"`
	Build        []Step    `toml:"build,omitempty"`
}

// Schedule is the resource request section.
type Schedule struct {
	Nodes      int    `toml:"nodes,omitempty"`
	Concurrent int    `toml:"concurrent,omitempty"`
	Timeout    string `toml:"timeout,omitempty"`
}

// Step is one build step.
type Step struct {
	Name        string `toml:"name"`
	Command     string `toml:"command"`
	Timeout     string `toml:"timeout,omitempty"`
	FailureMode string `toml:"failure_mode,omitempty"`
	Retries     int    `toml:"retries,omitempty"`
}

// Generator provides template generation functionality
type Generator struct{}

// NewGenerator creates a new template generator
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate creates a test template of the given type.
func (g *Generator) Generate(templateType TemplateType, name string) (*TestTemplate, error) {
	switch templateType {
	case TypeSimple, TypeBasic:
		return g.generateSimpleTemplate(name), nil
	case TypeBuild:
		return g.generateBuildTemplate(name), nil
	case TypeMPI:
		return g.generateMPITemplate(name), nil
	case TypeTimed:
		return g.generateTimedTemplate(name), nil
	default:
		return nil, fmt.Errorf("unsupported template type %q (supported: %v)", templateType, g.GetSupportedTypes())
	}
}

// GenerateTOML renders the template as a tests_dir file.
func (g *Generator) GenerateTOML(templateType TemplateType, name string) ([]byte, error) {
	t, err := g.Generate(templateType, name)
	if err != nil {
		return nil, err
	}
	b, err := toml.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode template: %w", err)
	}
	return b, nil
}

// GetSupportedTypes returns the accepted template types.
func (g *Generator) GetSupportedTypes() []string {
	types := []string{string(TypeSimple), string(TypeBasic), string(TypeBuild), string(TypeMPI), string(TypeTimed)}
	sort.Strings(types)
	return types
}

func (g *Generator) generateSimpleTemplate(name string) *TestTemplate {
	return &TestTemplate{
		Summary: fmt.Sprintf("%s: a single command run on this host.", name),
		Command: fmt.Sprintf("echo %s", name),
	}
}

func (g *Generator) generateBuildTemplate(name string) *TestTemplate {
	return &TestTemplate{
		Summary:      fmt.Sprintf("%s: configure and compile, then run the binary.", name),
		Command:      fmt.Sprintf("./%s", name),
		BuildTimeout: "30m",
		RunTimeout:   "1h",
		Build: []Step{
			{Name: "configure", Command: "./configure", Timeout: "10m"},
			{Name: "compile", Command: "make -j4", Timeout: "20m", FailureMode: "retry", Retries: 1},
		},
	}
}

func (g *Generator) generateMPITemplate(name string) *TestTemplate {
	return &TestTemplate{
		Summary:    fmt.Sprintf("%s: a multi-node MPI job.", name),
		Command:    fmt.Sprintf("mpirun -np $PAVR_NODES ./%s", name),
		Env:        []string{"OMP_NUM_THREADS=1", "PAVR_NODES=4"},
		RunTimeout: "2h",
		Scheduler:  "slurm",
		Schedule:   &Schedule{Nodes: 4, Timeout: "2h"},
	}
}

func (g *Generator) generateTimedTemplate(name string) *TestTemplate {
	return &TestTemplate{
		Summary:    fmt.Sprintf("%s: a bounded run that counts as RUN_TIMEOUT when it overruns.", name),
		Command:    fmt.Sprintf("./%s.sh", name),
		RunTimeout: "5m",
		Schedule:   &Schedule{Concurrent: 2},
	}
}
