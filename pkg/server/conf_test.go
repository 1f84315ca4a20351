package server

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mush.yaml")
	body := "mud_name: TestMush\nport: 7000\nwait_cost: 25\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MudName != "TestMush" || cfg.Port != 7000 || cfg.WaitCost != 25 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.QueueChunk != 3 || cfg.PIDMax != 10000 {
		t.Fatalf("unset keys should keep defaults: %+v", cfg)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/mush.yaml"); err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}

func TestRegisterDataCloneIsolation(t *testing.T) {
	r := NewRegisterData()
	r.Set(0, "alpha")
	r.SetNamed("tmp", "one")

	c := r.Clone()
	r.Set(0, "mutated")
	r.SetNamed("tmp", "two")

	if c.QRegs[0] != "alpha" || c.QLens[0] != len("alpha") {
		t.Fatalf("clone shares positional registers: %+v", c.QRegs[0])
	}
	if c.XRegs["tmp"] != "one" {
		t.Fatalf("clone shares named registers: %q", c.XRegs["tmp"])
	}

	var nilRD *RegisterData
	if nilRD.Clone() != nil {
		t.Fatalf("nil register data should clone to nil")
	}
}
