// Package config holds the single configuration value that is built once at
// startup and handed to every component constructor.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the checked-in defaults file. It mirrors
// Defaults() and is loaded by tests to keep the two in step.
const DefaultConfigPath = "config/sensible.defaults.json"

// ErrUnknownMotionModel is returned when a sensor is bound to a motion
// hypothesis other than CV or CA.
var ErrUnknownMotionModel = errors.New("unknown motion model")

// Motion model names accepted for per-sensor selection.
const (
	MotionCV = "CV"
	MotionCA = "CA"
)

// Bus transports.
const (
	BusUDP    = "udp"
	BusMemory = "memory"
	BusNATS   = "nats"
)

// Config is the root configuration for a fusion run.
type Config struct {
	Site   SiteConfig   `json:"site" yaml:"site"`
	Fusion FusionConfig `json:"fusion" yaml:"fusion"`
	Models ModelsConfig `json:"models" yaml:"models"`
	Radar  RadarConfig  `json:"radar" yaml:"radar"`
	DSRC   DSRCConfig   `json:"dsrc" yaml:"dsrc"`
	Bus    BusConfig    `json:"bus" yaml:"bus"`
	Output OutputConfig `json:"output" yaml:"output"`
	Store  StoreConfig  `json:"store" yaml:"store"`

	// Listen is the address of the debug HTTP server; empty disables it.
	Listen  string `json:"listen" yaml:"listen"`
	Verbose bool   `json:"verbose" yaml:"verbose"`
	// RunFor bounds the run; zero runs until interrupted.
	RunFor Duration `json:"run_for" yaml:"run_for"`
}

// SiteConfig locates the radar. The radar origin anchors the common UTM frame.
type SiteConfig struct {
	RadarLat float64 `json:"radar_lat" yaml:"radar_lat" validate:"gte=-80,lte=84"`
	RadarLon float64 `json:"radar_lon" yaml:"radar_lon" validate:"gte=-180,lte=180"`
	// RadarOrientation is the counter-clockwise mount rotation in degrees.
	RadarOrientation float64 `json:"radar_orientation" yaml:"radar_orientation" validate:"gte=-360,lte=360"`
	RadarLane        int     `json:"radar_lane" yaml:"radar_lane" validate:"gte=0"`
}

// FusionConfig parameterises association and the lifecycle state machine.
type FusionConfig struct {
	NScan int `json:"n_scan" yaml:"n_scan" validate:"gte=1"`
	// AssociationThreshold is the chi-squared critical value used for gating.
	// When Significance is non-zero the threshold is derived from it instead.
	AssociationThreshold float64 `json:"association_threshold" yaml:"association_threshold" validate:"gt=0"`
	Significance         float64 `json:"significance" yaml:"significance" validate:"gte=0,lt=1"`
	Frequency            float64 `json:"frequency" yaml:"frequency" validate:"gt=0,lte=1000"`
	ConfirmHits          int     `json:"confirm_hits" yaml:"confirm_hits" validate:"gte=1"`
	ZombieMisses         int     `json:"zombie_misses" yaml:"zombie_misses" validate:"gte=1"`
	DeleteMisses         int     `json:"delete_misses" yaml:"delete_misses" validate:"gtfield=ZombieMisses"`
}

// ModelsConfig selects and tunes the per-sensor motion models. Tolerances are
// physical ± bounds that are divided by ZScore to obtain standard deviations.
type ModelsConfig struct {
	Radar string `json:"radar" yaml:"radar" validate:"oneof=CV CA"`
	DSRC  string `json:"dsrc" yaml:"dsrc" validate:"oneof=CV CA"`

	ZScore   float64 `json:"z_score" yaml:"z_score" validate:"gt=0"`
	MaxAccel float64 `json:"max_accel" yaml:"max_accel" validate:"gt=0"`
	JerkStd  float64 `json:"jerk_std" yaml:"jerk_std" validate:"gt=0"`

	RadarPosTolerance   float64 `json:"radar_pos_tolerance" yaml:"radar_pos_tolerance" validate:"gt=0"`
	RadarSpeedTolerance float64 `json:"radar_speed_tolerance" yaml:"radar_speed_tolerance" validate:"gt=0"`

	DSRCPosMaxTolerance  float64 `json:"dsrc_pos_max_tolerance" yaml:"dsrc_pos_max_tolerance" validate:"gt=0"`
	DSRCPosMinTolerance  float64 `json:"dsrc_pos_min_tolerance" yaml:"dsrc_pos_min_tolerance" validate:"gt=0,ltefield=DSRCPosMaxTolerance"`
	DSRCSpeedTolerance   float64 `json:"dsrc_speed_tolerance" yaml:"dsrc_speed_tolerance" validate:"gt=0"`
	DSRCHeadingTolerance float64 `json:"dsrc_heading_tolerance" yaml:"dsrc_heading_tolerance" validate:"gt=0"`
	BiasConstant         float64 `json:"bias_constant" yaml:"bias_constant" validate:"gte=0"`
	SphericalR           bool    `json:"spherical_r" yaml:"spherical_r"`
}

// RadarConfig describes the radar serial link.
type RadarConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Port      string `json:"port" yaml:"port" validate:"required_if=Enabled true"`
	Baud      int    `json:"baud" yaml:"baud" validate:"gt=0"`
	Mode      string `json:"mode" yaml:"mode" validate:"oneof=Tracking Zone"`
	LocalPort int    `json:"local_port" yaml:"local_port" validate:"gt=0,lte=65535"`
	// RecordCSV, when set, appends every radar record to this file.
	RecordCSV string `json:"record_csv" yaml:"record_csv"`
}

// DSRCConfig describes the DSRC radio link.
type DSRCConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	IPAddress  string `json:"ip_address" yaml:"ip_address" validate:"omitempty,ip"`
	RemotePort int    `json:"remote_port" yaml:"remote_port" validate:"gt=0,lte=65535"`
	LocalPort  int    `json:"local_port" yaml:"local_port" validate:"gt=0,lte=65535"`
	// PCAPFile replays captured radio traffic instead of listening live.
	PCAPFile string `json:"pcap_file" yaml:"pcap_file"`
}

// BusConfig selects the transport between the adapters and the engine.
type BusConfig struct {
	Transport string `json:"transport" yaml:"transport" validate:"oneof=udp memory nats"`
	NATSURL   string `json:"nats_url" yaml:"nats_url" validate:"required_if=Transport nats"`
	// Buffer bounds each subscriber's pending queue.
	Buffer int `json:"buffer" yaml:"buffer" validate:"gt=0"`
}

// OutputConfig describes the downstream track stream.
type OutputConfig struct {
	Port int `json:"port" yaml:"port" validate:"gt=0,lte=65535"`
}

// StoreConfig controls the sqlite message log.
type StoreConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path" validate:"required_if=Enabled true"`
}

// Duration is a time.Duration that reads and writes as a string such as "20s".
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.set(s)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	return d.set(s)
}

func (d *Duration) set(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Defaults returns the stock configuration for the reference intersection.
func Defaults() Config {
	return Config{
		Site: SiteConfig{
			RadarLat:         29.6216931,
			RadarLon:         -82.3867591,
			RadarOrientation: 3.62,
			RadarLane:        4,
		},
		Fusion: FusionConfig{
			NScan:                1,
			AssociationThreshold: 35,
			Frequency:            5,
			ConfirmHits:          3,
			ZombieMisses:         3,
			DeleteMisses:         6,
		},
		Models: ModelsConfig{
			Radar:                MotionCV,
			DSRC:                 MotionCV,
			ZScore:               3.49,
			MaxAccel:             4,
			JerkStd:              0.01,
			RadarPosTolerance:    5,
			RadarSpeedTolerance:  0.5,
			DSRCPosMaxTolerance:  1.85,
			DSRCPosMinTolerance:  0.51,
			DSRCSpeedTolerance:   0.25,
			DSRCHeadingTolerance: 0.1,
			BiasConstant:         0.167,
		},
		Radar: RadarConfig{
			Enabled:   true,
			Port:      "/dev/ttySC1",
			Baud:      115200,
			Mode:      "Tracking",
			LocalPort: 5200,
		},
		DSRC: DSRCConfig{
			Enabled:    true,
			IPAddress:  "169.254.30.4",
			RemotePort: 4200,
			LocalPort:  4202,
		},
		Bus: BusConfig{
			Transport: BusUDP,
			Buffer:    1024,
		},
		Output: OutputConfig{Port: 24601},
		Store: StoreConfig{
			Enabled: true,
			Path:    "sensible.db",
		},
		RunFor: Duration(20 * time.Second),
	}
}

// Load reads a configuration file on top of Defaults. Fields omitted from the
// file retain their default values, so partial files are safe. The format
// is chosen by extension: .json, .yaml or .yml.
func Load(path string) (Config, error) {
	cfg := Defaults()

	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return cfg, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return cfg, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return cfg, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if ext == ".json" {
		err = json.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", filepath.Base(cleanPath), err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching upwards from the
// working directory. Panics if the file cannot be loaded; intended for tests.
func MustLoadDefaultConfig() Config {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

var validate = validator.New()

// Validate checks that the configuration values are usable. An unknown motion
// model is reported as ErrUnknownMotionModel so callers can fail fast.
func (c Config) Validate() error {
	if !KnownMotionModel(c.Models.Radar) {
		return fmt.Errorf("radar: %w %q", ErrUnknownMotionModel, c.Models.Radar)
	}
	if !KnownMotionModel(c.Models.DSRC) {
		return fmt.Errorf("dsrc: %w %q", ErrUnknownMotionModel, c.Models.DSRC)
	}
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Radar.LocalPort == c.DSRC.LocalPort {
		return fmt.Errorf("radar and dsrc local ports must differ, both are %d", c.Radar.LocalPort)
	}
	if c.RunFor < 0 {
		return fmt.Errorf("run_for must be non-negative, got %s", time.Duration(c.RunFor))
	}
	return nil
}

// KnownMotionModel reports whether name is a supported motion hypothesis.
func KnownMotionModel(name string) bool {
	return name == MotionCV || name == MotionCA
}

// Period returns the fusion cycle period.
func (f FusionConfig) Period() time.Duration {
	return time.Duration(float64(time.Second) / f.Frequency)
}

// DT returns the fusion cycle period in seconds, the dt used by every
// motion model.
func (f FusionConfig) DT() float64 {
	return 1 / f.Frequency
}
