package common

import (
	_ "embed"
	"fmt"
	"path/filepath"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

//go:embed config.default.yaml
var defaultConfig []byte

type Config struct {
	DebugMode  bool             `key:"debugMode" json:"debug_mode"`
	PrettyLogs bool             `key:"prettyLogs" json:"pretty_logs"`
	BlockCache BlockCacheConfig `key:"blockCache" json:"block_cache"`
	NodeCache  NodeCacheConfig  `key:"nodeCache" json:"node_cache"`
	Path       PathConfig       `key:"path" json:"path"`
	NTFS       NTFSConfig       `key:"ntfs" json:"ntfs"`
	Metrics    MetricsConfig    `key:"metrics" json:"metrics"`
}

type BlockCacheConfig struct {
	// Pages is a soft limit: the cache grows past it when every page is in use.
	Pages int `key:"pages" json:"pages"`
}

type NodeCacheConfig struct {
	Capacity int `key:"capacity" json:"capacity"`
}

type PathConfig struct {
	SymlinkDepth int `key:"symlinkDepth" json:"symlink_depth"`
}

type NTFSConfig struct {
	MftCacheCounters int64 `key:"mftCacheCounters" json:"mft_cache_counters"`
	MftCacheCost     int64 `key:"mftCacheCost" json:"mft_cache_cost"`
}

type MetricsConfig struct {
	Enabled bool `key:"enabled" json:"enabled"`
}

// DefaultConfig returns the embedded defaults. It panics only if the
// embedded file is broken, which is a build problem.
func DefaultConfig() Config {
	cm, err := NewConfigManager[Config]("")
	if err != nil {
		panic(err)
	}
	c, err := cm.GetConfig()
	if err != nil {
		panic(err)
	}
	return c
}

// LoadConfigFile returns the defaults overlaid with the file at path, if any.
func LoadConfigFile(path string) (Config, error) {
	cm, err := NewConfigManager[Config](path)
	if err != nil {
		return Config{}, err
	}
	return cm.GetConfig()
}

type ConfigManager[T any] struct {
	kf  *koanf.Koanf
	tag string
}

// NewConfigManager loads the embedded defaults, then the file at path if
// one is given. The environment is not consulted.
func NewConfigManager[T any](path string) (*ConfigManager[T], error) {
	cm := &ConfigManager[T]{
		kf:  koanf.New("."),
		tag: "key",
	}

	err := cm.LoadConfig(YAMLConfigFormat, rawbytes.Provider(defaultConfig))
	if err != nil {
		return nil, err
	}

	if path != "" {
		ext := filepath.Ext(path)
		if err := cm.LoadConfig(ConfigFormat(ext), file.Provider(path)); err != nil {
			return nil, errors.Wrapf(err, "loading config %s", path)
		}
	}

	if cm.kf.Bool("debugMode") {
		GetLogger().Info("debug mode enabled", "config", cm.Print())
	}

	return cm, nil
}

func (cm *ConfigManager[T]) Print() string {
	return cm.kf.Sprint()
}

func (cm *ConfigManager[T]) GetConfig() (T, error) {
	var c T
	err := cm.kf.UnmarshalWithConf("", &c, koanf.UnmarshalConf{Tag: cm.tag, FlatPaths: false})
	if err != nil {
		return c, errors.Wrap(err, "unmarshal config")
	}
	return c, nil
}

func (cm *ConfigManager[T]) LoadConfig(format ConfigFormat, provider koanf.Provider) error {
	parser, err := GetConfigParser(format)
	if err != nil {
		return err
	}
	return cm.kf.Load(provider, parser)
}

type ConfigFormat string

var (
	JSONConfigFormat ConfigFormat = ".json"
	YAMLConfigFormat ConfigFormat = ".yaml"
	YMLConfigFormat  ConfigFormat = ".yml"

	parserMap = map[ConfigFormat]func() koanf.Parser{
		JSONConfigFormat: func() koanf.Parser { return json.Parser() },
		YAMLConfigFormat: func() koanf.Parser { return yaml.Parser() },
		YMLConfigFormat:  func() koanf.Parser { return yaml.Parser() },
	}
)

func GetConfigParser(format ConfigFormat) (koanf.Parser, error) {
	if parserFunc, ok := parserMap[format]; ok {
		return parserFunc(), nil
	}
	return nil, fmt.Errorf("no config parser for format %q", format)
}
