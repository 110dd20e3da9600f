package recipe

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// Recipe file names looked up in a build context, in order.
var DefaultFiles = []string{"berth.yaml", "berth.yml", "berth.json"}

const (
	DefaultServer    = "uvicorn"
	DefaultApp       = "main:app"
	DefaultHost      = "0.0.0.0"
	DefaultInstaller = "pip"
	DefaultManager   = "auto"
)

//go:embed schema.json
var schemaJSON string

var schema = gojsonschema.NewStringLoader(schemaJSON)

// A build recipe.
type Recipe struct {
	Name           string            `yaml:"name" json:"name,omitempty"`
	Base           string            `yaml:"base" json:"base"`
	Platform       string            `yaml:"platform" json:"platform,omitempty"`
	Workdir        string            `yaml:"workdir" json:"workdir"`
	Env            map[string]string `yaml:"env" json:"env,omitempty"`
	SystemPackages SystemPackages    `yaml:"system_packages" json:"system_packages"`
	Dependencies   *Dependencies     `yaml:"dependencies" json:"dependencies,omitempty"`
	Source         Source            `yaml:"source" json:"source"`
	Start          Start             `yaml:"start" json:"start"`
	Output         string            `yaml:"output" json:"output,omitempty"`
}

// OS packages installed in one stage.
type SystemPackages struct {
	Manager      string   `yaml:"manager" json:"manager,omitempty"`
	Names        []string `yaml:"names" json:"names,omitempty"`
	NoRecommends *bool    `yaml:"no_recommends" json:"no_recommends,omitempty"`
}

// Reports whether recommended packages are skipped. Defaults to true.
func (s SystemPackages) SkipRecommends() bool {
	return s.NoRecommends == nil || *s.NoRecommends
}

// Language dependencies installed from a manifest.
type Dependencies struct {
	Manifest       string `yaml:"manifest" json:"manifest"`
	Installer      string `yaml:"installer" json:"installer,omitempty"`
	UpgradeTooling bool   `yaml:"upgrade_tooling" json:"upgrade_tooling,omitempty"`
	NoCache        *bool  `yaml:"no_cache" json:"no_cache,omitempty"`
}

// The application source tree.
type Source struct {
	Src string `yaml:"src" json:"src"`
	Dst string `yaml:"dst" json:"dst"`
}

// The startup contract. Command, when set, is used verbatim; otherwise the
// command is composed from Server, App, Host and Port.
type Start struct {
	Command string `yaml:"command" json:"command,omitempty"`
	Server  string `yaml:"server" json:"server,omitempty"`
	App     string `yaml:"app" json:"app,omitempty"`
	Host    string `yaml:"host" json:"host,omitempty"`
	Port    int    `yaml:"port" json:"port"`
}

// Returns the startup command line.
func (s Start) CommandLine() string {
	if s.Command != "" {
		return s.Command
	}
	return fmt.Sprintf("%s %s --host %s --port %d", s.Server, s.App, s.Host, s.Port)
}

// Reads and validates a recipe file.
func Load(file string) (*Recipe, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	r, err := Parse(data)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			verr.Path = file
		}
		return nil, err
	}
	return r, nil
}

// Finds the recipe file in dir.
func Find(dir string) (string, error) {
	for _, name := range DefaultFiles {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no recipe in %s (looked for %s)", dir, strings.Join(DefaultFiles, ", "))
}

// Parses a YAML or JSON recipe, validates it and applies defaults.
func Parse(data []byte) (*Recipe, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ValidationError{Problems: []string{err.Error()}}
	}
	if doc == nil {
		return nil, &ValidationError{Problems: []string{"empty recipe"}}
	}

	if err := validateSchema(doc); err != nil {
		return nil, err
	}

	var r Recipe
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&r); err != nil {
		return nil, &ValidationError{Problems: []string{err.Error()}}
	}

	r.applyDefaults()

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Checks a decoded document against the embedded schema.
func validateSchema(doc any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return &ValidationError{Problems: []string{err.Error()}}
	}

	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(b))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (r *Recipe) applyDefaults() {
	if r.SystemPackages.Manager == "" {
		r.SystemPackages.Manager = DefaultManager
	}
	if r.Dependencies != nil && r.Dependencies.Installer == "" {
		r.Dependencies.Installer = DefaultInstaller
	}
	if r.Source.Src == "" {
		r.Source.Src = "."
	}
	if r.Source.Dst == "" {
		r.Source.Dst = "."
	}
	if r.Start.Command == "" {
		if r.Start.Server == "" {
			r.Start.Server = DefaultServer
		}
		if r.Start.App == "" {
			r.Start.App = DefaultApp
		}
		if r.Start.Host == "" {
			r.Start.Host = DefaultHost
		}
	}
}

// Checks the rules the schema cannot express.
func (r *Recipe) Validate() error {
	var problems []string

	if r.Workdir != path.Clean(r.Workdir) {
		problems = append(problems, fmt.Sprintf("workdir %q is not a clean path", r.Workdir))
	}
	if r.Start.Command != "" && (r.Start.Server != "" || r.Start.App != "") {
		problems = append(problems, "start: command excludes server and app")
	}
	if d := r.Dependencies; d != nil && filepath.IsAbs(d.Manifest) {
		problems = append(problems, fmt.Sprintf("dependencies: manifest %q must be relative to the build context", d.Manifest))
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
