package config

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openconverge/openconverge/pkg/engine"
	"github.com/openconverge/openconverge/pkg/source"
)

// identPattern constrains resource types and names to identifier-safe
// characters, keeping "type.name" references unambiguous.
var identPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ResourceBlock is one declared resource in a manifest file.
type ResourceBlock struct {
	// Type is the resource type a provider understands.
	Type string `yaml:"type" validate:"required"`

	// Name is the declared name, unique within the type.
	Name string `yaml:"name" validate:"required"`

	// Attributes is the desired configuration. String values may embed
	// ${type.name.attr} references.
	Attributes map[string]any `yaml:"attributes"`

	// DependsOn lists explicit dependencies as "type.name" strings.
	DependsOn []string `yaml:"depends_on"`
}

// manifestDoc is the top-level shape of one manifest file.
type manifestDoc struct {
	Resources []ResourceBlock `yaml:"resources" validate:"dive"`
}

// ManifestParser turns manifest trees into resource specs.
type ManifestParser struct {
	validator *validator.Validate
}

// NewManifestParser creates a parser.
func NewManifestParser() *ManifestParser {
	return &ManifestParser{validator: validator.New()}
}

// Parse reads every file of a source tree into resource specs. Declaration
// order follows file path order, then in-file order; the position index on
// each spec preserves it for deterministic planning.
func (p *ManifestParser) Parse(files []source.File) ([]engine.ResourceSpec, error) {
	var specs []engine.ResourceSpec
	for _, file := range files {
		blocks, err := p.parseFile(file)
		if err != nil {
			return nil, err
		}
		for _, block := range blocks {
			spec, err := p.toSpec(file.Path, block)
			if err != nil {
				return nil, err
			}
			spec.Position = len(specs)
			specs = append(specs, spec)
		}
	}
	return specs, nil
}

func (p *ManifestParser) parseFile(file source.File) ([]ResourceBlock, error) {
	var doc manifestDoc
	if err := yaml.Unmarshal(file.Content, &doc); err != nil {
		return nil, engine.NewValidationError(
			fmt.Sprintf("manifest %s is not valid YAML", file.Path), err)
	}
	if err := p.validator.Struct(&doc); err != nil {
		return nil, engine.NewValidationError(
			fmt.Sprintf("manifest %s failed validation", file.Path), err)
	}
	return doc.Resources, nil
}

func (p *ManifestParser) toSpec(path string, block ResourceBlock) (engine.ResourceSpec, error) {
	if !identPattern.MatchString(block.Type) || !identPattern.MatchString(block.Name) {
		return engine.ResourceSpec{}, engine.NewValidationError(
			fmt.Sprintf("manifest %s: invalid resource identity %s.%s", path, block.Type, block.Name), nil)
	}

	spec := engine.ResourceSpec{
		ID:         engine.ResourceID{Type: block.Type, Name: block.Name},
		Attributes: block.Attributes,
	}
	for _, dep := range block.DependsOn {
		id, err := engine.ParseResourceID(dep)
		if err != nil {
			return engine.ResourceSpec{}, engine.NewValidationError(
				fmt.Sprintf("manifest %s: resource %s has invalid dependency %q", path, spec.ID, dep), err)
		}
		spec.DependsOn = append(spec.DependsOn, id)
	}
	return spec, nil
}
