package config

import (
	"strings"
	"testing"

	"github.com/openconverge/openconverge/pkg/engine"
	"github.com/openconverge/openconverge/pkg/source"
)

func TestParseManifests(t *testing.T) {
	files := []source.File{
		{Path: "10-network.yaml", Content: []byte(`
resources:
  - type: net
    name: prod
    attributes:
      cidr: 10.0.0.0/16
  - type: subnet
    name: a
    attributes:
      network: ${net.prod.id}
`)},
		{Path: "20-services.yaml", Content: []byte(`
resources:
  - type: svc
    name: api
    attributes:
      replicas: 3
    depends_on:
      - subnet.a
`)},
	}

	specs, err := NewManifestParser().Parse(files)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(specs) != 3 {
		t.Fatalf("got %d specs, want 3", len(specs))
	}
	// Declaration order: file path order, then in-file order.
	wantOrder := []string{"net.prod", "subnet.a", "svc.api"}
	for i, want := range wantOrder {
		if specs[i].ID.String() != want {
			t.Errorf("spec %d: got %s, want %s", i, specs[i].ID, want)
		}
		if specs[i].Position != i {
			t.Errorf("spec %d position: got %d", i, specs[i].Position)
		}
	}

	if specs[1].Attributes["network"] != "${net.prod.id}" {
		t.Errorf("interpolation expression mangled: %v", specs[1].Attributes["network"])
	}
	if len(specs[2].DependsOn) != 1 || specs[2].DependsOn[0].String() != "subnet.a" {
		t.Errorf("depends_on: %v", specs[2].DependsOn)
	}

	// Specs feed straight into graph construction.
	if _, err := engine.BuildGraph(specs); err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
}

func TestParseManifestErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "invalid yaml",
			content: "resources:\n  - type: [broken",
			wantErr: "not valid YAML",
		},
		{
			name:    "missing name",
			content: "resources:\n  - type: net\n    attributes: {}",
			wantErr: "failed validation",
		},
		{
			name:    "dotted type",
			content: "resources:\n  - type: net.vpc\n    name: prod",
			wantErr: "invalid resource identity",
		},
		{
			name:    "bad dependency",
			content: "resources:\n  - type: net\n    name: prod\n    depends_on: [justaname]",
			wantErr: "invalid dependency",
		},
	}

	parser := NewManifestParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parser.Parse([]source.File{{Path: "m.yaml", Content: []byte(tt.content)}})
			if err == nil {
				t.Fatal("expected error")
			}
			if !engine.IsValidation(err) {
				t.Errorf("expected validation class, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}
