package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sample = `<?xml version="1.0"?>
<config>
  <settings>
    <Parameters>
      <numSegments> 8 </numSegments>
      <UseRatio>true</UseRatio>
    </Parameters>
    <openCL>
      <UsePrecompiledKernels>yes</UsePrecompiledKernels>
      <DeviceID>1</DeviceID>
      <KernelDir></KernelDir>
    </openCL>
  </settings>
</config>`

func TestParseFlattensLeaves(t *testing.T) {
	c, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatal(err)
	}
	tests := map[string]string{
		KeyNumSegments:           "8",
		KeyUseRatio:              "true",
		KeyUsePrecompiledKernels: "yes",
		KeyDeviceID:              "1",
		KeyKernelDir:             "",
		"settings.Parameters":    "", // not a leaf
		"config.settings":        "", // document element is not part of keys
	}
	for key, want := range tests {
		if got := c.GetPropertyValue(key); got != want {
			t.Errorf("GetPropertyValue(%q) = %q, want %q", key, got, want)
		}
	}
	if c.Len() != 5 {
		t.Errorf("Len() = %d, want 5", c.Len())
	}
}

func TestTypedAccessors(t *testing.T) {
	c, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Int(KeyNumSegments, 16); got != 8 {
		t.Errorf("Int(numSegments) = %d, want 8", got)
	}
	if got := c.Int(KeyPlatformID, 3); got != 3 {
		t.Errorf("Int(absent) = %d, want default 3", got)
	}
	if !c.Bool(KeyUseRatio, false) {
		t.Error("Bool(UseRatio) = false, want true")
	}
	if c.Bool(KeyUsePrecompiledKernels, true) {
		t.Error(`Bool("yes") = true; only "true" enables`)
	}
	if got := c.String(KeyKernelCacheDir, "."); got != "." {
		t.Errorf("String(absent) = %q, want default", got)
	}
}

func TestNilConfigIsEmpty(t *testing.T) {
	var c *Config
	if c.GetPropertyValue(KeyNumSegments) != "" || c.Len() != 0 {
		t.Error("nil Config should behave as empty")
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.xml"))
	if !errors.Is(err, ErrReadUnable) {
		t.Errorf("missing file error = %v, want ErrReadUnable", err)
	}

	bad := filepath.Join(t.TempDir(), "bad.xml")
	if err := os.WriteFile(bad, []byte("<config><settings></config>"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err = Load(bad)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("malformed file error = %v, want ErrInvalidConfig", err)
	}
}
