// Package config loads bridgesh configuration from HCL files.
//
// A configuration names the engine binding, the logging level, and the
// modules to load, each with the invocations to run once it is ready:
//
//	engine     = "goja"
//	diagnostic = true
//	log_level  = "debug"
//
//	module "clock" {
//	  source = "clock.js"
//	  entry  = ["init"]
//
//	  invoke "entry" {
//	    returns = "long"
//	    args    = [1, "two"]
//	  }
//	}
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/multierr"
)

// Config is the decoded configuration.
type Config struct {
	Engine     string
	Diagnostic bool
	LogLevel   string
	Modules    []*Module
}

// Module is one module block. Source holds the script text, read from the
// file the block names or given inline as code.
type Module struct {
	Name        string
	Source      string
	Entry       []string
	Invocations []*Invocation
}

// Invocation is one invoke block.
type Invocation struct {
	Function string
	Returns  string
	Args     []any
}

// Returns values accepted by invoke blocks.
var ReturnKinds = []string{
	"void", "boolean", "byte", "char", "short", "int", "long",
	"float", "double", "string", "object",
}

type hclFile struct {
	Engine     string       `hcl:"engine,optional"`
	Diagnostic bool         `hcl:"diagnostic,optional"`
	LogLevel   string       `hcl:"log_level,optional"`
	Modules    []*hclModule `hcl:"module,block"`
}

type hclModule struct {
	Name    string       `hcl:"name,label"`
	Source  string       `hcl:"source,optional"`
	Code    string       `hcl:"code,optional"`
	Entry   []string     `hcl:"entry,optional"`
	Invokes []*hclInvoke `hcl:"invoke,block"`
}

type hclInvoke struct {
	Function string         `hcl:"function,label"`
	Returns  string         `hcl:"returns,optional"`
	Args     hcl.Expression `hcl:"args,optional"`
}

// Load parses the HCL file at path. Module source paths are relative to the
// file's directory.
func Load(path string) (*Config, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}
	return decode(f.Body, filepath.Dir(path))
}

// Parse decodes HCL source held in memory. Module source paths are relative
// to dir.
func Parse(src []byte, filename, dir string) (*Config, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}
	return decode(f.Body, dir)
}

func decode(body hcl.Body, dir string) (*Config, error) {
	var raw hclFile
	if diags := gohcl.DecodeBody(body, nil, &raw); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode configuration: %w", diags)
	}

	cfg := &Config{
		Engine:     raw.Engine,
		Diagnostic: raw.Diagnostic,
		LogLevel:   raw.LogLevel,
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	for _, rm := range raw.Modules {
		m := &Module{Name: rm.Name, Source: rm.Code, Entry: rm.Entry}
		if rm.Source != "" {
			p := rm.Source
			if !filepath.IsAbs(p) {
				p = filepath.Join(dir, p)
			}
			src, err := os.ReadFile(p)
			if err != nil {
				return nil, fmt.Errorf("module %q: %w", rm.Name, err)
			}
			m.Source = string(src)
		}
		for _, ri := range rm.Invokes {
			inv := &Invocation{Function: ri.Function, Returns: ri.Returns}
			if inv.Returns == "" {
				inv.Returns = "void"
			}
			args, err := evalArgs(ri.Args)
			if err != nil {
				return nil, fmt.Errorf("module %q: invoke %q: %w", rm.Name, ri.Function, err)
			}
			inv.Args = args
			m.Invocations = append(m.Invocations, inv)
		}
		cfg.Modules = append(cfg.Modules, m)
	}
	return cfg, nil
}

func evalArgs(expr hcl.Expression) ([]any, error) {
	if expr == nil {
		return nil, nil
	}
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, diags
	}
	if val.IsNull() {
		return nil, nil
	}
	t := val.Type()
	if !t.IsTupleType() && !t.IsListType() {
		return nil, fmt.Errorf("args must be a list, got %s", t.FriendlyName())
	}
	args := make([]any, 0, val.LengthInt())
	for it := val.ElementIterator(); it.Next(); {
		_, v := it.Element()
		gv, err := ToGo(v)
		if err != nil {
			return nil, err
		}
		args = append(args, gv)
	}
	return args, nil
}

// ToGo converts a known cty value to plain Go data: nil, bool, int64,
// float64, string, []any or map[string]any.
func ToGo(v cty.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsKnown() {
		return nil, errors.New("value is not known")
	}
	t := v.Type()
	switch {
	case t == cty.String:
		return v.AsString(), nil
	case t == cty.Bool:
		return v.True(), nil
	case t == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == 0 {
				return i, nil
			}
		}
		f, _ := bf.Float64()
		return f, nil
	case t.IsTupleType() || t.IsListType() || t.IsSetType():
		out := make([]any, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			gv, err := ToGo(ev)
			if err != nil {
				return nil, err
			}
			out = append(out, gv)
		}
		return out, nil
	case t.IsObjectType() || t.IsMapType():
		out := make(map[string]any, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			k, ev := it.Element()
			gv, err := ToGo(ev)
			if err != nil {
				return nil, err
			}
			out[k.AsString()] = gv
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported value type %s", t.FriendlyName())
}

// Validate reports every problem with the configuration.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for i, m := range c.Modules {
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("module %d: missing name", i))
		}
		if seen[m.Name] {
			errs = append(errs, fmt.Errorf("module %q: duplicate name", m.Name))
		}
		seen[m.Name] = true
		if m.Source == "" {
			errs = append(errs, fmt.Errorf("module %q: source or code is required", m.Name))
		}
		for _, inv := range m.Invocations {
			if inv.Function == "" {
				errs = append(errs, fmt.Errorf("module %q: invoke without function", m.Name))
			}
			if !slices.Contains(ReturnKinds, inv.Returns) {
				errs = append(errs, fmt.Errorf("module %q: invoke %q: unknown returns %q", m.Name, inv.Function, inv.Returns))
			}
		}
	}
	return multierr.Combine(errs...)
}
