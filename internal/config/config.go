// Package config loads the daemon's YAML configuration file with
// github.com/spf13/viper, following the teacher's pkg/confile pattern:
// a struct tagged for viper unmarshal, parsed once at startup and
// validated before use.
package config

import (
	"os"
	"path"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// DefaultProfile is the config filename looked for in the current
// directory when no --config flag is given.
const DefaultProfile = "foldersyncd.yaml"

// Template is written out by `foldersyncd default`, replacing any
// existing file at that path.
const Template = `app:
  # directory holding the node key, per-folder indexes, and logs
  workspace: "/var/lib/foldersyncd"
  # control-plane listen address
  apiendpoint: "127.0.0.1:8384"
  # parsed but not read by the daemon: the indexer queue sizes its
  # worker pool from the machine's cpu count, capped at 8
  cores: 0

discovery:
  # multicast announce interval, in seconds
  multicastinterval: 30
  # UDP tracker addresses, "host:port"
  trackers: []

folders:
  []
`

// App holds daemon-wide settings.
type App struct {
	Workspace   string `yaml:"workspace"`
	APIEndpoint string `yaml:"apiendpoint"`
	Cores       uint32 `yaml:"cores"`
}

// Discovery holds discovery sub-source settings.
type Discovery struct {
	MulticastInterval uint32   `yaml:"multicastinterval"`
	Trackers          []string `yaml:"trackers"`
}

// FolderEntry is one locally-configured folder.
type FolderEntry struct {
	ID     string `yaml:"id"`
	Path   string `yaml:"path"`
	Secret string `yaml:"secret"`
	// WriterKey pins the folder's hex-encoded writer public key. Required
	// for a ReadOnly or Download secret, which cannot derive that key
	// itself; an Owner or ReadWrite secret ignores this field and derives
	// it directly.
	WriterKey string `yaml:"writerkey,omitempty"`
}

// Config is the daemon's full configuration.
type Config struct {
	App       `yaml:"app"`
	Discovery `yaml:"discovery"`
	Folders   []FolderEntry `yaml:"folders"`
}

// New returns a zero-valued Config, mirroring the teacher's
// NewConfigFile constructor.
func New() *Config {
	return &Config{}
}

// Parse reads and validates fpath, which must be YAML (or any format
// viper supports keyed by its extension).
func (c *Config) Parse(fpath string) error {
	fstat, err := os.Stat(fpath)
	if err != nil {
		return errors.Wrap(err, "config: stat")
	}
	if fstat.IsDir() {
		return errors.Errorf("config: %q is not a file", fpath)
	}

	viper.SetConfigFile(fpath)
	ext := path.Ext(fpath)
	if len(ext) > 1 {
		viper.SetConfigType(ext[1:])
	}

	if err := viper.ReadInConfig(); err != nil {
		return errors.Wrap(err, "config: read")
	}
	if err := viper.Unmarshal(c); err != nil {
		return errors.Wrap(err, "config: unmarshal")
	}

	return c.validate()
}

func (c *Config) validate() error {
	if c.Workspace == "" {
		return errors.New("config: 'workspace' cannot be empty")
	}
	if c.APIEndpoint == "" {
		return errors.New("config: 'apiendpoint' cannot be empty")
	}
	if fstat, err := os.Stat(c.Workspace); err != nil {
		if err := os.MkdirAll(c.Workspace, 0o750); err != nil {
			return errors.Wrap(err, "config: mkdir workspace")
		}
	} else if !fstat.IsDir() {
		return errors.Errorf("config: %q is not a directory", c.Workspace)
	}
	for _, f := range c.Folders {
		if f.ID == "" || f.Path == "" || f.Secret == "" {
			return errors.Errorf("config: folder entry missing id/path/secret: %+v", f)
		}
	}
	return nil
}
