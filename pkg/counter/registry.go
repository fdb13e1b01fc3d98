// Package counter indexes the COUNTER report definitions the harvester
// understands: one compiled JSON schema validator and one set of default
// SUSHI query parameters per (release, report) pair.
//
// Schemas are embedded at compile time and compiled once when the Registry is
// created. A Registry is read-only afterwards and safe for concurrent use.
package counter

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
)

const (
	Version5  = "5"
	Version51 = "5.1"

	schemaBaseURL = "https://schemas.ezmesure.local/counter"
	commonSchema  = "common.json"
)

// ErrNotFound is returned when no definition exists for a release/report pair.
var ErrNotFound = errors.New("report definition not found")

//go:embed schemas/*/*.json
var schemaFS embed.FS

// Definition is the static description of one report for one release.
type Definition struct {
	Version    string
	ReportID   string
	Parameters Parameters
	validator  *Validator
}

type key struct {
	version  string
	reportID string
}

// Registry serves validators and default parameters.
type Registry struct {
	definitions map[key]*Definition
	versions    []string
	logger      *zap.Logger
}

type Option func(*Registry)

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithVersions restricts the releases loaded into the registry.
func WithVersions(versions ...string) Option {
	return func(r *Registry) {
		r.versions = versions
	}
}

// NewRegistry compiles every embedded schema. Any compilation failure is
// returned; a registry is never served with a broken schema.
func NewRegistry(opts ...Option) (*Registry, error) {
	r := &Registry{
		definitions: make(map[key]*Definition),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if len(r.versions) == 0 {
		available, err := embeddedVersions()
		if err != nil {
			return nil, err
		}
		r.versions = available
	}

	for _, version := range r.versions {
		if err := r.load(version); err != nil {
			return nil, err
		}
	}

	r.logger.Info("report registry loaded",
		zap.Strings("versions", r.versions),
		zap.Int("definitions", len(r.definitions)),
	)
	return r, nil
}

func embeddedVersions() ([]string, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read embedded schemas: %w", err)
	}
	var versions []string
	for _, e := range entries {
		if e.IsDir() {
			versions = append(versions, e.Name())
		}
	}
	sort.Strings(versions)
	return versions, nil
}

func (r *Registry) load(version string) error {
	dir := path.Join("schemas", version)
	entries, err := fs.ReadDir(schemaFS, dir)
	if err != nil {
		return fmt.Errorf("%w: no schemas for COUNTER %s", ErrNotFound, version)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	var reports []string
	for _, e := range entries {
		data, err := schemaFS.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read schema %s/%s: %w", version, e.Name(), err)
		}
		if err := c.AddResource(schemaURL(version, e.Name()), bytes.NewReader(data)); err != nil {
			return fmt.Errorf("schema %s/%s load failed: %w", version, e.Name(), err)
		}
		if e.Name() != commonSchema {
			reports = append(reports, strings.TrimSuffix(e.Name(), ".json"))
		}
	}

	for _, reportID := range reports {
		compiled, err := c.Compile(schemaURL(version, reportID+".json"))
		if err != nil {
			return fmt.Errorf("schema %s/%s compile failed: %w", version, reportID, err)
		}

		r.definitions[key{version, reportID}] = &Definition{
			Version:    version,
			ReportID:   reportID,
			Parameters: defaultParameters(version, reportID),
			validator: &Validator{
				version:  version,
				reportID: reportID,
				schema:   compiled,
			},
		}
	}
	return nil
}

func schemaURL(version, file string) string {
	return fmt.Sprintf("%s/%s/%s", schemaBaseURL, version, file)
}

func (r *Registry) lookup(version, reportID string) (*Definition, error) {
	d, ok := r.definitions[key{version, strings.ToLower(reportID)}]
	if !ok {
		return nil, fmt.Errorf("%w: COUNTER %s report %q", ErrNotFound, version, reportID)
	}
	return d, nil
}

// Validator returns the compiled validator of a report.
func (r *Registry) Validator(version, reportID string) (*Validator, error) {
	d, err := r.lookup(version, reportID)
	if err != nil {
		return nil, err
	}
	return d.validator, nil
}

// DefaultParameters returns a copy of the default query parameters of a report.
func (r *Registry) DefaultParameters(version, reportID string) (Parameters, error) {
	d, err := r.lookup(version, reportID)
	if err != nil {
		return nil, err
	}
	return d.Parameters.Clone(), nil
}

// Reports lists the report IDs available for a release, sorted.
func (r *Registry) Reports(version string) []string {
	var out []string
	for k := range r.definitions {
		if k.version == version {
			out = append(out, k.reportID)
		}
	}
	sort.Strings(out)
	return out
}

// Versions lists the loaded releases.
func (r *Registry) Versions() []string {
	return append([]string(nil), r.versions...)
}

// IsNotFound reports whether err is a missing definition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
