package kube

import (
	"strings"
	"testing"

	goyaml "gopkg.in/yaml.v3"
	corev1 "k8s.io/api/core/v1"

	"kelda/api/model"
)

func testInput() ManifestInput {
	return ManifestInput{
		ShortID:   "4f9c2d8ab1e3",
		Framework: model.FrameworkSpringBoot,
		Image:     "kelda/4f9c2d8ab1e3:latest",
		Domain:    "shop.example.com",
		Namespace: "team-a",
		Env: []corev1.EnvVar{
			{Name: "SPRING_DATASOURCE_URL", Value: "jdbc:postgresql://db:5432/shop"},
		},
	}
}

func TestGenerateManifestDeterministic(t *testing.T) {
	a, err := GenerateManifest(testInput())
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateManifest(testInput())
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("same input produced different manifests")
	}
}

func TestGenerateManifestShape(t *testing.T) {
	out, err := GenerateManifest(testInput())
	if err != nil {
		t.Fatal(err)
	}

	var kinds []string
	dec := goyaml.NewDecoder(strings.NewReader(out))
	for {
		var doc struct {
			Kind     string `yaml:"kind"`
			Metadata struct {
				Name      string `yaml:"name"`
				Namespace string `yaml:"namespace"`
			} `yaml:"metadata"`
		}
		if err := dec.Decode(&doc); err != nil {
			break
		}
		kinds = append(kinds, doc.Kind)
		if doc.Metadata.Namespace != "team-a" {
			t.Errorf("%s namespace = %q, want team-a", doc.Kind, doc.Metadata.Namespace)
		}
		if !strings.HasPrefix(doc.Metadata.Name, "app-") {
			t.Errorf("%s name %q not prefixed app-", doc.Kind, doc.Metadata.Name)
		}
	}

	want := []string{"Deployment", "Service", "Ingress"}
	if len(kinds) != 3 {
		t.Fatalf("got %d documents (%v), want 3", len(kinds), kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("doc %d kind = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestGenerateManifestNames(t *testing.T) {
	out, err := GenerateManifest(testInput())
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"app-4f9c2d8ab1e3", "app-4f9c2d8ab1e3-svc", "app-4f9c2d8ab1e3-ing"} {
		if !strings.Contains(out, "name: "+name) {
			t.Errorf("manifest missing object %s", name)
		}
	}
	if !strings.Contains(out, "host: shop.example.com") {
		t.Error("ingress missing host rule")
	}
	if !strings.Contains(out, "ingressClassName: nginx") {
		t.Error("ingress missing nginx class")
	}
}

func TestFrameworkPorts(t *testing.T) {
	tests := []struct {
		fw   model.Framework
		port string
	}{
		{model.FrameworkSpringBoot, "containerPort: 8080"},
		{model.FrameworkNode, "containerPort: 3000"},
		{model.FrameworkStatic, "containerPort: 80"},
	}
	for _, tt := range tests {
		in := testInput()
		in.Framework = tt.fw
		out, err := GenerateManifest(in)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(out, tt.port) {
			t.Errorf("%s manifest missing %q", tt.fw, tt.port)
		}
		// Service always fronts the workload on port 80.
		if !strings.Contains(out, "port: 80") {
			t.Errorf("%s service not on port 80", tt.fw)
		}
	}
}
