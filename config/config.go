// Package config loads the XML settings file into a flat map of dotted keys.
//
// Every leaf element becomes one entry keyed by the names of its
// ancestors, excluding the document element:
//
//	<config>
//	  <settings>
//	    <Parameters><numSegments>8</numSegments></Parameters>
//	  </settings>
//	</config>
//
// yields settings.Parameters.numSegments = "8".
package config

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Keys read by the detector and the compute context.
const (
	KeyNumSegments           = "settings.Parameters.numSegments"
	KeyUseRatio              = "settings.Parameters.UseRatio"
	KeyUsePrecompiledKernels = "settings.openCL.UsePrecompiledKernels"
	KeyKernelCacheDir        = "settings.openCL.KernelCacheDir"
	KeyKernelDir             = "settings.openCL.KernelDir"
	KeyPlatformID            = "settings.openCL.PlatformID"
	KeyDeviceID              = "settings.openCL.DeviceID"
)

var (
	// ErrReadUnable reports a settings file that cannot be read.
	ErrReadUnable = errors.New("config: unable to read settings")
	// ErrInvalidConfig reports malformed XML.
	ErrInvalidConfig = errors.New("config: invalid settings XML")
)

// Config is an immutable key to value map.
type Config struct {
	values map[string]string
}

// Empty returns a Config with no keys.
func Empty() *Config { return &Config{values: map[string]string{}} }

// FromMap returns a Config holding a copy of m.
func FromMap(m map[string]string) *Config {
	c := Empty()
	for k, v := range m {
		c.values[k] = v
	}
	return c
}

// Load reads the settings file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadUnable, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads settings XML from r.
func Parse(r io.Reader) (*Config, error) {
	c := Empty()
	dec := xml.NewDecoder(r)

	type frame struct {
		key      string
		text     strings.Builder
		children int
	}
	var stack []*frame
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			f := &frame{}
			if n := len(stack); n > 0 {
				parent := stack[n-1]
				parent.children++
				f.key = t.Name.Local
				if parent.key != "" {
					f.key = parent.key + "." + f.key
				}
			}
			stack = append(stack, f)
		case xml.CharData:
			if n := len(stack); n > 0 {
				stack[n-1].text.Write(t)
			}
		case xml.EndElement:
			n := len(stack)
			f := stack[n-1]
			stack = stack[:n-1]
			if f.children == 0 && f.key != "" {
				c.values[f.key] = strings.TrimSpace(f.text.String())
			}
		}
	}
	if len(stack) != 0 {
		return nil, fmt.Errorf("%w: unexpected end of document", ErrInvalidConfig)
	}
	return c, nil
}

// GetPropertyValue returns the value stored under key, or "" when absent.
func (c *Config) GetPropertyValue(key string) string {
	if c == nil {
		return ""
	}
	return c.values[key]
}

// String returns the value under key, or def when absent or empty.
func (c *Config) String(key, def string) string {
	if v := c.GetPropertyValue(key); v != "" {
		return v
	}
	return def
}

// Int returns the integer under key, or def when absent or not a number.
func (c *Config) Int(key string, def int) int {
	v, err := strconv.Atoi(c.GetPropertyValue(key))
	if err != nil {
		return def
	}
	return v
}

// Bool reports whether the value under key is exactly "true". It returns
// def when the key is absent.
func (c *Config) Bool(key string, def bool) bool {
	v := c.GetPropertyValue(key)
	if v == "" {
		return def
	}
	return v == "true"
}

// Len returns the number of keys.
func (c *Config) Len() int {
	if c == nil {
		return 0
	}
	return len(c.values)
}
