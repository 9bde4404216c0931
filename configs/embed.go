package configs

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed *.yaml
var embeddedConfigs embed.FS

// Default is the embedded config used when no file is given.
const Default = "default.yaml"

// Names returns the list of embedded YAML config filenames.
func Names() []string {
	entries, err := fs.Glob(embeddedConfigs, "*.yaml")
	if err != nil {
		return nil
	}
	sort.Strings(entries)
	return entries
}

// Load returns the embedded YAML config by filename; the .yaml suffix is optional.
func Load(name string) ([]byte, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("embedded config name is empty")
	}
	if !strings.HasSuffix(name, ".yaml") {
		name += ".yaml"
	}
	data, err := fs.ReadFile(embeddedConfigs, name)
	if err != nil {
		return nil, fmt.Errorf("read embedded config %q (available: %s): %w", name, strings.Join(Names(), ", "), err)
	}
	return data, nil
}
