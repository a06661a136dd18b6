package rpreview

import (
	"encoding"
	"errors"
	"fmt"
	"os"
	"reflect"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ShoshinNikita/rpreview/pkg/rlog"
)

const EnvPrefix = "RPREVIEW_"

type Config struct {
	BuildInfo BuildInfo

	Dir string

	ConverterCacheSize MiB
	ConverterBinary    string
	ConvertTimeout     time.Duration

	CancelTimeout    time.Duration
	DevicePixelRatio float64
	ThumbnailSize    Size

	HistoryEnabled bool

	// Debug options

	LogLevel    rlog.Level
	MetricsAddr string
}

type BuildInfo struct {
	ShortGitHash string
	CommitTime   string
}

type MiB int

func (mb MiB) Bytes() int64 {
	return int64(mb) << 20
}

func (mb MiB) String() string {
	if mb >= 1024 && mb%1024 == 0 {
		return strconv.Itoa(int(mb/1024)) + "Gi"
	}
	return strconv.Itoa(int(mb)) + "Mi"
}

func (mb MiB) MarshalText() (text []byte, err error) {
	return []byte(mb.String()), nil
}

func (mb *MiB) UnmarshalText(data []byte) error {
	text := string(data)

	mul := 1
	switch {
	case strings.HasSuffix(text, "Mi"):
	case strings.HasSuffix(text, "Gi"):
		mul = 1024
	default:
		return errors.New("valid suffixes: Mi, Gi")
	}
	n, err := strconv.Atoi(text[:len(text)-2])
	if err != nil {
		return fmt.Errorf("invalid size: %w", err)
	}
	if n < 0 {
		return errors.New("size can't be negative")
	}

	*mb = MiB(n * mul)
	return nil
}

// DefaultConfig returns the config with default values.
func DefaultConfig() Config {
	return Config{
		BuildInfo:          readBuildInfo(),
		Dir:                "./var",
		ConverterCacheSize: 500,
		ConverterBinary:    "soffice",
		ConvertTimeout:     2 * time.Minute,
		CancelTimeout:      2 * time.Second,
		DevicePixelRatio:   1,
		ThumbnailSize:      Size{Width: 160, Height: 160},
		HistoryEnabled:     true,
		LogLevel:           rlog.LevelInfo,
	}
}

type flagParams struct {
	// p is a pointer to a value.
	p    any
	desc string
}

func (cfg *Config) getFlagParams() map[string]flagParams {
	return map[string]flagParams{
		"dir": {
			p: &cfg.Dir, desc: "Directory for app data (converted documents, history and etc.)",
		},
		//
		"converter-cache-size": {
			p: &cfg.ConverterCacheSize, desc: "Max total size of converted documents",
		},
		"converter-binary": {
			p: &cfg.ConverterBinary, desc: "Office suite binary used to convert documents to PDF",
		},
		"convert-timeout": {
			p: &cfg.ConvertTimeout, desc: "Max duration of a single document conversion",
		},
		//
		"cancel-timeout": {
			p: &cfg.CancelTimeout, desc: "" +
				"How long to wait for a cancelled task before it is force-stopped.\n" +
				"A new request is rejected if the previous task doesn't stop even after that",
		},
		"device-pixel-ratio": {
			p: &cfg.DevicePixelRatio, desc: "Ratio of physical to logical pixels of the display",
		},
		"thumbnail-size": {
			p: &cfg.ThumbnailSize, desc: "Size of page thumbnails, WxH",
		},
		"history": {
			p: &cfg.HistoryEnabled, desc: "Record rendered and converted files",
		},
		//
		"log-level": {
			p: &cfg.LogLevel, desc: "Set the minimal log level. One of: debug, info, warn, error",
		},
		"metrics-addr": {
			p: &cfg.MetricsAddr, desc: "Address to serve metrics on /debug/metrics, disabled if empty",
		},
	}
}

type FlagDef struct {
	Name    string
	EnvVar  string
	Default string
	Desc    string
}

// FlagDefs returns definitions of all config flags sorted by name.
func (cfg Config) FlagDefs() []FlagDef {
	flags := cfg.getFlagParams()

	res := make([]FlagDef, 0, len(flags))
	for name, params := range flags {
		res = append(res, FlagDef{
			Name:    name,
			EnvVar:  envVarName(name),
			Default: formatValue(params.p),
			Desc:    params.desc,
		})
	}
	slices.SortFunc(res, func(a, b FlagDef) int {
		return strings.Compare(a.Name, b.Name)
	})
	return res
}

type LoadOptions struct {
	// ConfigFile is an optional YAML file with flag names as keys.
	ConfigFile string
	// EnvFile is an optional dotenv file. Variables that are already set are not overridden.
	EnvFile string
	// LookupFlag returns the value of a flag passed in the command line.
	LookupFlag func(name string) (string, bool)
}

// LoadConfig builds the config from defaults, the config file, environment variables
// and command-line flags. Each next source overrides the previous ones.
func LoadConfig(opts LoadOptions) (Config, error) {
	cfg := DefaultConfig()
	flags := cfg.getFlagParams()

	if opts.ConfigFile != "" {
		values, err := readConfigFile(opts.ConfigFile)
		if err != nil {
			return Config{}, err
		}
		for name, value := range values {
			params, ok := flags[name]
			if !ok {
				return Config{}, fmt.Errorf("unknown key %q in config file", name)
			}
			if err := setValue(params.p, value); err != nil {
				return Config{}, fmt.Errorf("invalid value of %q in config file: %w", name, err)
			}
		}
	}

	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil {
			return Config{}, fmt.Errorf("couldn't load env file: %w", err)
		}
	}
	for name, params := range flags {
		envVar := envVarName(name)
		value, ok := os.LookupEnv(envVar)
		if !ok {
			continue
		}
		if err := setValue(params.p, value); err != nil {
			return Config{}, fmt.Errorf("invalid value of %s: %w", envVar, err)
		}
	}

	if opts.LookupFlag != nil {
		for name, params := range flags {
			value, ok := opts.LookupFlag(name)
			if !ok {
				continue
			}
			if err := setValue(params.p, value); err != nil {
				return Config{}, fmt.Errorf("invalid value of flag --%s: %w", name, err)
			}
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readConfigFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("couldn't read config file: %w", err)
	}

	var values map[string]string
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("couldn't unmarshal config file: %w", err)
	}
	return values, nil
}

func (cfg Config) validate() error {
	if cfg.Dir == "" {
		return errors.New("dir can't be empty")
	}
	if cfg.ConverterBinary == "" {
		return errors.New("converter binary can't be empty")
	}
	if cfg.ConvertTimeout <= 0 {
		return errors.New("convert timeout must be > 0")
	}
	if cfg.CancelTimeout <= 0 {
		return errors.New("cancel timeout must be > 0")
	}
	if cfg.DevicePixelRatio <= 0 {
		return errors.New("device pixel ratio must be > 0")
	}
	if cfg.ThumbnailSize.Width <= 0 || cfg.ThumbnailSize.Height <= 0 {
		return errors.New("thumbnail size must be > 0")
	}
	return nil
}

func setValue(p any, value string) error {
	switch p := p.(type) {
	case *string:
		*p = value
	case *bool:
		v, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		*p = v
	case *float64:
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		*p = v
	case *time.Duration:
		v, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*p = v
	case encoding.TextUnmarshaler:
		return p.UnmarshalText([]byte(value))
	default:
		return fmt.Errorf("unsupported type: %T", p)
	}
	return nil
}

func formatValue(p any) string {
	v := reflect.ValueOf(p).Elem().Interface()
	if m, ok := v.(encoding.TextMarshaler); ok {
		text, err := m.MarshalText()
		if err == nil {
			return string(text)
		}
	}
	return fmt.Sprint(v)
}

func envVarName(flag string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

func readBuildInfo() BuildInfo {
	res := BuildInfo{
		ShortGitHash: "unknown",
		CommitTime:   "unknown",
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return res
	}

	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			res.ShortGitHash = s.Value
			if len(res.ShortGitHash) > 7 {
				res.ShortGitHash = res.ShortGitHash[:7]
			}

		case "vcs.time":
			t, err := time.Parse(time.RFC3339, s.Value)
			if err == nil {
				res.CommitTime = t.UTC().Format("2006-01-02 15:04:05 UTC")
			}
		}
	}
	return res
}

func (info BuildInfo) Print() {
	fmt.Fprintf(os.Stderr, `
    rpreview

    Commit Hash: %q
    Commit Time: %q

`,
		info.ShortGitHash,
		info.CommitTime,
	)
}

func (cfg Config) Print() {
	defs := cfg.FlagDefs()

	var maxNameLength int
	for _, def := range defs {
		maxNameLength = max(maxNameLength, len(def.Name))
	}

	fmt.Fprint(os.Stderr, "    Config:\n\n")
	for _, def := range defs {
		fmt.Fprintf(os.Stderr, "        --%-*s = %s\n", maxNameLength, def.Name, def.Default)
	}
	fmt.Fprint(os.Stderr, "\n")
}
