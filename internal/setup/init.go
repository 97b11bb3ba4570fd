// Package setup handles heimdall project initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/heimdall/internal/config"
	atomicyaml "github.com/msageha/heimdall/internal/yaml"
	"github.com/msageha/heimdall/templates"
)

const ConfigFile = config.DefaultConfigName + ".yaml"

type Options struct {
	// RootDir overrides root_dir in the written config.
	RootDir string
	// Live writes dry_run: false so generated code lands in the real dirs.
	Live bool
	// Force overwrites an existing config file.
	Force bool
}

// Run writes heimdall.yaml into projectDir from the embedded default config
// and creates the directories it names. It returns the config path.
func Run(projectDir string, opts Options) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	path := filepath.Join(absDir, ConfigFile)
	if _, err := os.Stat(path); err == nil && !opts.Force {
		return "", fmt.Errorf("%s already exists", path)
	}

	content, err := generateConfig(opts)
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		return "", fmt.Errorf("create project dir: %w", err)
	}
	if err := atomicyaml.AtomicWriteRaw(path, content); err != nil {
		return "", fmt.Errorf("write %s: %w", ConfigFile, err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return "", err
	}
	dirs := []string{
		cfg.QueueDir,
		cfg.StateDir,
		cfg.Jobs.JobsDir,
		cfg.Generate.RoutesDir,
		cfg.Generate.ModelsDir,
		cfg.Generate.MigrationsDir,
		cfg.Generate.PreviewDir,
	}
	for _, d := range dirs {
		if !filepath.IsAbs(d) {
			d = filepath.Join(absDir, d)
		}
		if err := os.MkdirAll(d, 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}
	return path, nil
}

// generateConfig edits the template as a node tree so its comments survive.
func generateConfig(opts Options) ([]byte, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}
	if opts.RootDir == "" && !opts.Live {
		return data, nil
	}

	var doc yamlv3.Node
	if err := yamlv3.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yamlv3.MappingNode {
		return nil, fmt.Errorf("config template is not a mapping")
	}
	root := doc.Content[0]
	if opts.RootDir != "" {
		setScalar(root, "root_dir", opts.RootDir, "!!str")
	}
	if opts.Live {
		setScalar(root, "dry_run", "false", "!!bool")
	}
	return yamlv3.Marshal(&doc)
}

func setScalar(mapping *yamlv3.Node, key, value, tag string) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content[i+1].Value = value
			mapping.Content[i+1].Tag = tag
			mapping.Content[i+1].Style = 0
			return
		}
	}
	mapping.Content = append(mapping.Content,
		&yamlv3.Node{Kind: yamlv3.ScalarNode, Tag: "!!str", Value: key},
		&yamlv3.Node{Kind: yamlv3.ScalarNode, Tag: tag, Value: value},
	)
}
