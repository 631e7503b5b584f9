package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"gopkg.in/yaml.v3"

	"github.com/ccheshirecat/wasmharness/internal/harness/errdefs"
)

// FileLoader reads runner declarations from disk. YAML and JSON files share
// the yaml.v3 decoder; .hcl files go through hclsimple.
type FileLoader struct{}

// Load reads and decodes the declaration at path. Defaults for omitted
// fields are applied but the result is not validated.
func (FileLoader) Load(path string) (RunnerConfig, error) {
	if strings.TrimSpace(path) == "" {
		return RunnerConfig{}, errdefs.ConfigError{Err: errors.New("config path required")}
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".hcl":
		var decl hclDecl
		if err := hclsimple.DecodeFile(path, nil, &decl); err != nil {
			return RunnerConfig{}, errdefs.ConfigError{Err: fmt.Errorf("decode %s: %w", path, err)}
		}
		return decl.toConfig()
	case ".yaml", ".yml", ".json":
		file, err := os.Open(path)
		if err != nil {
			return RunnerConfig{}, errdefs.ConfigError{Err: fmt.Errorf("open %s: %w", path, err)}
		}
		defer file.Close()

		cfg, err := decodeYAML(file)
		if err != nil {
			return RunnerConfig{}, errdefs.ConfigError{Err: fmt.Errorf("decode %s: %w", path, err)}
		}
		return cfg, nil
	default:
		return RunnerConfig{}, errdefs.ConfigError{Err: fmt.Errorf("unsupported config format %q", ext)}
	}
}

func decodeYAML(r io.Reader) (RunnerConfig, error) {
	var decl yamlDecl
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&decl); err != nil {
		return RunnerConfig{}, err
	}
	return decl.toConfig()
}

// YAML / JSON declaration ----------------------------------------------------

type yamlDecl struct {
	BasePath        string        `yaml:"basePath"`
	Files           []fileDecl    `yaml:"files"`
	Proxies         proxyDecls    `yaml:"proxies"`
	CustomLaunchers launcherDecls `yaml:"customLaunchers"`
	Browsers        []string      `yaml:"browsers"`
	Client          *clientDecl   `yaml:"client"`
	Hostname        string        `yaml:"hostname"`
	Port            *int          `yaml:"port"`
	CaptureTimeout  durationDecl  `yaml:"captureTimeout"`
	RunTimeout      durationDecl  `yaml:"runTimeout"`
	KillTimeout     durationDecl  `yaml:"killTimeout"`
	// Plugins is accepted so karma-style declarations decode; launchers are
	// registered in code.
	Plugins []string `yaml:"plugins"`
}

type fileDecl struct {
	Pattern  string `yaml:"pattern"`
	Watched  *bool  `yaml:"watched"`
	Included *bool  `yaml:"included"`
	Served   *bool  `yaml:"served"`
}

// UnmarshalYAML accepts both the bare-string and the mapping form.
func (f *fileDecl) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		f.Pattern = node.Value
		return nil
	}
	type plain fileDecl
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*f = fileDecl(p)
	return nil
}

type proxyDecl struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

type proxyDecls []proxyDecl

// UnmarshalYAML accepts an ordered mapping of from -> to, or a list of
// {from, to} items. Declaration order is kept in both cases.
func (p *proxyDecls) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		out := make(proxyDecls, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, val := node.Content[i], node.Content[i+1]
			if val.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: proxy target for %q must be a string", val.Line, key.Value)
			}
			out = append(out, proxyDecl{From: key.Value, To: val.Value})
		}
		*p = out
		return nil
	case yaml.SequenceNode:
		var items []proxyDecl
		if err := node.Decode(&items); err != nil {
			return err
		}
		*p = items
		return nil
	default:
		return fmt.Errorf("line %d: proxies must be a mapping or a list", node.Line)
	}
}

type launcherDecl struct {
	Name     string            `yaml:"-"`
	Base     string            `yaml:"base"`
	Flags    []string          `yaml:"flags"`
	ExecPath string            `yaml:"execPath"`
	Options  map[string]string `yaml:"options"`
}

type launcherDecls []launcherDecl

func (l *launcherDecls) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: customLaunchers must be a mapping", node.Line)
	}
	out := make(launcherDecls, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var decl launcherDecl
		if err := node.Content[i+1].Decode(&decl); err != nil {
			return err
		}
		decl.Name = node.Content[i].Value
		out = append(out, decl)
	}
	*l = out
	return nil
}

type clientDecl struct {
	CaptureConsole *bool `yaml:"captureConsole"`
}

// durationDecl accepts Go duration strings or bare integers in milliseconds.
type durationDecl time.Duration

func (d *durationDecl) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := parseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = durationDecl(parsed)
	return nil
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return d, nil
}

func (d yamlDecl) toConfig() (RunnerConfig, error) {
	cfg := RunnerConfig{
		BasePath:       d.BasePath,
		Browsers:       d.Browsers,
		Client:         ClientOptions{CaptureConsole: true},
		Host:           d.Hostname,
		CaptureTimeout: time.Duration(d.CaptureTimeout),
		RunTimeout:     time.Duration(d.RunTimeout),
		KillTimeout:    time.Duration(d.KillTimeout),
	}
	if d.Port != nil {
		cfg.Port = *d.Port
	}
	if d.Client != nil && d.Client.CaptureConsole != nil {
		cfg.Client.CaptureConsole = *d.Client.CaptureConsole
	}
	for _, f := range d.Files {
		cfg.Files = append(cfg.Files, fileEntry(f.Pattern, f.Watched, f.Included, f.Served))
	}
	for _, p := range d.Proxies {
		cfg.Proxies = append(cfg.Proxies, ProxyRule{FromPath: p.From, ToPath: p.To})
	}
	for _, l := range d.CustomLaunchers {
		cfg.Launchers = append(cfg.Launchers, LauncherProfile{
			Name:           l.Name,
			BaseLauncherID: l.Base,
			Flags:          l.Flags,
			ExecPath:       l.ExecPath,
			Options:        l.Options,
		})
	}
	return cfg, nil
}

// HCL declaration ------------------------------------------------------------

type hclDecl struct {
	BasePath       string            `hcl:"base_path,optional"`
	Browsers       []string          `hcl:"browsers"`
	Hostname       string            `hcl:"hostname,optional"`
	Port           *int              `hcl:"port,optional"`
	CaptureTimeout string            `hcl:"capture_timeout,optional"`
	RunTimeout     string            `hcl:"run_timeout,optional"`
	KillTimeout    string            `hcl:"kill_timeout,optional"`
	Files          []hclFileBlock    `hcl:"file,block"`
	Proxies        []hclProxyBlock   `hcl:"proxy,block"`
	Launchers      []hclLauncherDecl `hcl:"launcher,block"`
	Client         *hclClientBlock   `hcl:"client,block"`
}

type hclFileBlock struct {
	Pattern  string `hcl:"pattern,label"`
	Watched  *bool  `hcl:"watched,optional"`
	Included *bool  `hcl:"included,optional"`
	Served   *bool  `hcl:"served,optional"`
}

type hclProxyBlock struct {
	From string `hcl:"from,label"`
	To   string `hcl:"to"`
}

type hclLauncherDecl struct {
	Name     string            `hcl:"name,label"`
	Base     string            `hcl:"base"`
	Flags    []string          `hcl:"flags,optional"`
	ExecPath string            `hcl:"exec_path,optional"`
	Options  map[string]string `hcl:"options,optional"`
}

type hclClientBlock struct {
	CaptureConsole *bool `hcl:"capture_console,optional"`
}

func (d hclDecl) toConfig() (RunnerConfig, error) {
	cfg := RunnerConfig{
		BasePath: d.BasePath,
		Browsers: d.Browsers,
		Client:   ClientOptions{CaptureConsole: true},
		Host:     d.Hostname,
	}
	if d.Port != nil {
		cfg.Port = *d.Port
	}
	if d.Client != nil && d.Client.CaptureConsole != nil {
		cfg.Client.CaptureConsole = *d.Client.CaptureConsole
	}
	for field, pair := range map[string]struct {
		raw string
		dst *time.Duration
	}{
		"capture_timeout": {d.CaptureTimeout, &cfg.CaptureTimeout},
		"run_timeout":     {d.RunTimeout, &cfg.RunTimeout},
		"kill_timeout":    {d.KillTimeout, &cfg.KillTimeout},
	} {
		parsed, err := parseDuration(pair.raw)
		if err != nil {
			return RunnerConfig{}, errdefs.ConfigError{Field: field, Err: err}
		}
		*pair.dst = parsed
	}
	for _, f := range d.Files {
		cfg.Files = append(cfg.Files, fileEntry(f.Pattern, f.Watched, f.Included, f.Served))
	}
	for _, p := range d.Proxies {
		cfg.Proxies = append(cfg.Proxies, ProxyRule{FromPath: p.From, ToPath: p.To})
	}
	for _, l := range d.Launchers {
		cfg.Launchers = append(cfg.Launchers, LauncherProfile{
			Name:           l.Name,
			BaseLauncherID: l.Base,
			Flags:          l.Flags,
			ExecPath:       l.ExecPath,
			Options:        l.Options,
		})
	}
	return cfg, nil
}

func fileEntry(pattern string, watched, included, served *bool) FileEntry {
	return FileEntry{
		Pattern:  pattern,
		Watched:  boolOr(watched, true),
		Included: boolOr(included, true),
		Served:   boolOr(served, true),
	}
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
