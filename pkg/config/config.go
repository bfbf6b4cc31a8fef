package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir       string = "dlvsync"
	configDirHidden string = ".dlvsync"
	configFile      string = "config.yml"
)

// Defaults used when the config file leaves a field unset.
const (
	DefaultHost            = "localhost"
	DefaultPort            = 9100
	DefaultClientID        = "ext_dlv"
	DefaultDialect         = "gdb"
	DefaultConnectTimeout  = 2 * time.Second
	DefaultQueryTimeout    = 500 * time.Millisecond
	DefaultModuleCacheSize = 1024
)

// ModuleEntry describes a module known ahead of time, used when the
// debugged process can not be inspected (remote targets, core files).
type ModuleEntry struct {
	Path string `yaml:"path"`
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Host and Port of the analysis tool.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// ClientID is sent in the session handshake, Dialect tells the
	// analysis tool which command syntax the debugger speaks.
	ClientID string `yaml:"client-id"`
	Dialect  string `yaml:"dialect"`

	// ConnectTimeout bounds the dial of a new sync session. It is never
	// zero, a location report waits at most this long for the session.
	ConnectTimeout time.Duration `yaml:"connect-timeout"`
	// QueryTimeout is the time budget of a remote query.
	QueryTimeout time.Duration `yaml:"query-timeout"`

	// ModuleCacheSize is the number of resolved pages kept in the
	// module lookup cache. Zero disables the cache.
	ModuleCacheSize int `yaml:"module-cache-size"`

	// Modules is a static module table.
	Modules []ModuleEntry `yaml:"modules"`

	// Commands aliases for the console.
	Aliases map[string][]string `yaml:"aliases"`
}

// Default returns a Config with every field set to its default value.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ClientID == "" {
		c.ClientID = DefaultClientID
	}
	if c.Dialect == "" {
		c.Dialect = DefaultDialect
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.ModuleCacheSize < 0 {
		c.ModuleCacheSize = 0
	}
}

// LoadConfig attempts to populate a Config object from the config.yml file.
// An empty file argument selects the default location, which is created
// with a commented default configuration if it does not exist yet.
func LoadConfig(file string) *Config {
	if file == "" {
		err := createConfigPath()
		if err != nil {
			fmt.Printf("Could not create config directory: %v.", err)
			return Default()
		}
		file, err = GetConfigFilePath(configFile)
		if err != nil {
			fmt.Printf("Unable to get config file path: %v.", err)
			return Default()
		}
	}

	f, err := os.Open(file)
	if err != nil {
		f, err = createDefaultConfig(file)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return Default()
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	c, err := decode(f)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return Default()
	}
	return c
}

func decode(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for dlvsync.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Address of the analysis tool listening for sync sessions.
# host: localhost
# port: 9100

# Identifier sent in the session handshake and the command dialect
# announced to the analysis tool.
# client-id: ext_dlv
# dialect: gdb

# Time allowed to establish a sync session.
# connect-timeout: 2s

# Time budget of a remote query (rln).
# query-timeout: 500ms

# Number of resolved pages kept by the module lookup cache (0 disables it).
# module-cache-size: 1024

# Static module table, used when the target's memory map can not be read.
modules:
  # - {path: /usr/bin/target, base: 0x400000, size: 0x20000}

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, configDir, file), nil
	}
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return filepath.Join(userHomeDir, configDirHidden, file), nil
}
