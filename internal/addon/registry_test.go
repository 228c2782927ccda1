package addon

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
)

func testAddon(name, engine string, capabilities []string, versions ...string) *Addon {
	return &Addon{
		Manifest: &Manifest{
			Name:              name,
			Engine:            engine,
			Capabilities:      capabilities,
			SupportedVersions: versions,
			dir:               "/tmp/" + name,
		},
	}
}

func names(addons []*Addon) []string {
	out := make([]string, len(addons))
	for i, a := range addons {
		out[i] = a.Name()
	}
	return out
}

func TestRegistry_Register(t *testing.T) {
	registry := NewRegistry(zap.NewNop())

	if err := registry.Register(testAddon("test-addon", "PostgreSQL", []string{CapabilityParse})); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	if registry.Count() != 1 {
		t.Errorf("expected count 1, got %d", registry.Count())
	}

	retrieved, ok := registry.Get("test-addon")
	if !ok {
		t.Fatal("Get() should return true for existing add-on")
	}
	if retrieved.Name() != "test-addon" {
		t.Errorf("expected name 'test-addon', got '%s'", retrieved.Name())
	}

	if _, ok := registry.Get("other"); ok {
		t.Error("Get() should return false for non-existent add-on")
	}
}

func TestRegistry_Duplicate(t *testing.T) {
	registry := NewRegistry(zap.NewNop())

	if err := registry.Register(testAddon("test-addon", "PostgreSQL", nil)); err != nil {
		t.Fatalf("First Register() failed: %v", err)
	}

	err := registry.Register(testAddon("test-addon", "MySQL", nil))
	if err == nil {
		t.Fatal("Register() should fail for duplicate add-on")
	}

	_, ok := err.(*AddonAlreadyRegisteredError)
	if !ok {
		t.Errorf("expected AddonAlreadyRegisteredError, got %T", err)
	}
}

func TestRegistry_LookupByEngine(t *testing.T) {
	registry := NewRegistry(zap.NewNop())

	registry.Register(testAddon("pg-b", "PostgreSQL", nil))
	registry.Register(testAddon("mysql", "MySQL", nil))
	registry.Register(testAddon("pg-a", "PostgreSQL", nil))

	if diff := cmp.Diff([]string{"pg-a", "pg-b"}, names(registry.LookupByEngine("postgresql"))); diff != "" {
		t.Errorf("PostgreSQL add-ons mismatch (-want +got):\n%s", diff)
	}

	if got := registry.LookupByEngine("MySQL"); len(got) != 1 {
		t.Errorf("expected 1 MySQL add-on, got %d", len(got))
	}

	if got := registry.LookupByEngine("SQLite"); len(got) != 0 {
		t.Errorf("expected 0 SQLite add-ons, got %d", len(got))
	}
}

func TestRegistry_FindParser(t *testing.T) {
	registry := NewRegistry(zap.NewNop())

	registry.Register(testAddon("pg-fingerprint", "PostgreSQL", []string{CapabilityFingerprint}, "16"))
	registry.Register(testAddon("pg-old", "PostgreSQL", []string{CapabilityParse}, "13", "14"))
	registry.Register(testAddon("pg-new", "PostgreSQL", []string{CapabilityParse, CapabilityNormalize}, "16", "17"))

	tests := []struct {
		version string
		want    string
		found   bool
	}{
		{"", "pg-new", true},
		{"14", "pg-old", true},
		{"17", "pg-new", true},
		{"9.6", "", false},
	}

	for _, tt := range tests {
		addon, ok := registry.FindParser("PostgreSQL", tt.version)
		if ok != tt.found {
			t.Errorf("FindParser(%q) found = %v, want %v", tt.version, ok, tt.found)
			continue
		}
		if ok && addon.Name() != tt.want {
			t.Errorf("FindParser(%q) = %s, want %s", tt.version, addon.Name(), tt.want)
		}
	}
}

func TestRegistry_List(t *testing.T) {
	registry := NewRegistry(zap.NewNop())

	if list := registry.List(); len(list) != 0 {
		t.Errorf("expected 0 add-ons, got %d", len(list))
	}

	registry.Register(testAddon("addon2", "MySQL", nil))
	registry.Register(testAddon("addon1", "PostgreSQL", nil))

	if diff := cmp.Diff([]string{"addon1", "addon2"}, names(registry.List())); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"MySQL", "PostgreSQL"}, registry.Engines()); diff != "" {
		t.Errorf("Engines() mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistry_Unregister(t *testing.T) {
	registry := NewRegistry(zap.NewNop())

	registry.Register(testAddon("pg-a", "PostgreSQL", nil))
	registry.Register(testAddon("pg-b", "PostgreSQL", nil))

	registry.Unregister("pg-a")
	registry.Unregister("missing")

	if registry.Count() != 1 {
		t.Errorf("expected count 1, got %d", registry.Count())
	}

	if _, ok := registry.Get("pg-a"); ok {
		t.Error("Get() should return false after unregister")
	}

	if diff := cmp.Diff([]string{"pg-b"}, names(registry.LookupByEngine("PostgreSQL"))); diff != "" {
		t.Errorf("engine index mismatch after unregister (-want +got):\n%s", diff)
	}
}
