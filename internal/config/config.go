package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/uwb.locator/internal/serialmux"
	"github.com/banshee-data/uwb.locator/internal/uwb/calibration"
	"github.com/banshee-data/uwb.locator/internal/uwb/device"
	"github.com/banshee-data/uwb.locator/internal/uwb/multilat"
	"github.com/banshee-data/uwb.locator/internal/uwb/pipeline"
	"github.com/banshee-data/uwb.locator/internal/uwb/ranging"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/uwb.defaults.json"

// DefaultCalibrationAnchor is the responder measured during calibration when
// none is configured.
const DefaultCalibrationAnchor ranging.AnchorID = 0x0002

// DefaultCalibrationSlope is the slope used with real modules: a larger
// antenna delay is subtracted from the time of flight, so the measured
// distance falls as the delay rises.
const DefaultCalibrationSlope = -1.0

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root configuration of the locator. Every field is optional;
// the Get* methods supply defaults for anything left out of the file.
type Config struct {
	Anchors []AnchorConfig `json:"anchors,omitempty"`

	// Solver params
	Dimensions *int    `json:"dimensions,omitempty"`
	Branch     *string `json:"branch,omitempty"`

	// Store params
	WindowSize   *int    `json:"window_size,omitempty"`
	MaxSampleAge *string `json:"max_sample_age,omitempty"` // duration string like "2s"

	// Pipeline params
	TickInterval  *string            `json:"tick_interval,omitempty"`
	ReadTimeout   *string            `json:"read_timeout,omitempty"`
	RetryBackoff  *string            `json:"retry_backoff,omitempty"`
	MaxRetries    *int               `json:"max_retries,omitempty"`
	QueueSize     *int               `json:"queue_size,omitempty"`
	QueuePolicy   *string            `json:"queue_policy,omitempty"`
	BlockTimeout  *string            `json:"block_timeout,omitempty"`
	StopTimeout   *string            `json:"stop_timeout,omitempty"`
	IgnoreAnchors []ranging.AnchorID `json:"ignore_anchors,omitempty"`

	// Device params
	Serial           *serialmux.PortOptions `json:"serial,omitempty"`
	Devices          []DeviceConfig         `json:"devices,omitempty"`
	Channel          *int                   `json:"channel,omitempty"`
	RemoteResponders []int                  `json:"remote_responders,omitempty"`
	FixedCommand     *string                `json:"fixed_command,omitempty"`

	Calibration *CalibrationConfig `json:"calibration,omitempty"`
	MQTT        *MQTTConfig        `json:"mqtt,omitempty"`
	Database    *DatabaseConfig    `json:"database,omitempty"`
	Listen      *string            `json:"listen,omitempty"`
}

// AnchorConfig places one anchor. Z is only read by the 3D solver.
type AnchorConfig struct {
	ID       ranging.AnchorID `json:"id"`
	X        float64          `json:"x"`
	Y        float64          `json:"y"`
	Z        float64          `json:"z,omitempty"`
	OffsetCm float64          `json:"offset_cm,omitempty"`
}

// DeviceConfig locates one module, either by port path or by the USB serial
// number of its adapter. The first device is the initiator.
type DeviceConfig struct {
	Path         string `json:"path,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
}

// CalibrationConfig holds the antenna delay loop params.
type CalibrationConfig struct {
	Anchor        *ranging.AnchorID `json:"anchor,omitempty"`
	TargetCm      *float64          `json:"target_cm,omitempty"`
	ToleranceCm   *float64          `json:"tolerance_cm,omitempty"`
	MeasureTime   *string           `json:"measure_time,omitempty"`
	MinSamples    *int              `json:"min_samples,omitempty"`
	MaxIterations *int              `json:"max_iterations,omitempty"`
	MaxDuration   *string           `json:"max_duration,omitempty"`
	InitialDelay  *int              `json:"initial_delay,omitempty"`
	MaxDelay      *int              `json:"max_delay,omitempty"`
	MaxStep       *int              `json:"max_step,omitempty"`
	MinStep       *int              `json:"min_step,omitempty"`
	Decay         *bool             `json:"decay,omitempty"`
	Slope         *float64          `json:"slope,omitempty"`
	Antennas      []int             `json:"antennas,omitempty"`
	KeyTemplate   *string           `json:"key_template,omitempty"`
}

// MQTTConfig enables publishing fixes to a broker when Broker is set.
type MQTTConfig struct {
	Broker   string  `json:"broker,omitempty"`
	Topic    *string `json:"topic,omitempty"`
	ClientID string  `json:"client_id,omitempty"`
	QoS      *int    `json:"qos,omitempty"`
}

// DatabaseConfig points at the sqlite file.
type DatabaseConfig struct {
	Path *string `json:"path,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// Load reads a Config from a JSON file. The file must have a .json extension
// and be under 1MB. Fields omitted from the file keep their defaults, so
// partial configs are safe.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches the current directory and its parents up to the repo root.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/uwb/pipeline/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

func validDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must be non-negative, got %s", name, *v)
	}
	return nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.Dimensions != nil && *c.Dimensions != 2 && *c.Dimensions != 3 {
		return fmt.Errorf("dimensions must be 2 or 3, got %d", *c.Dimensions)
	}
	if c.Branch != nil {
		if _, err := multilat.ParseBranch(*c.Branch); err != nil {
			return err
		}
	}
	if c.QueuePolicy != nil {
		if _, err := pipeline.ParsePolicy(*c.QueuePolicy); err != nil {
			return err
		}
	}

	for _, d := range []struct {
		name string
		v    *string
	}{
		{"max_sample_age", c.MaxSampleAge},
		{"tick_interval", c.TickInterval},
		{"read_timeout", c.ReadTimeout},
		{"retry_backoff", c.RetryBackoff},
		{"block_timeout", c.BlockTimeout},
		{"stop_timeout", c.StopTimeout},
	} {
		if err := validDuration(d.name, d.v); err != nil {
			return err
		}
	}

	if c.WindowSize != nil && *c.WindowSize < 1 {
		return fmt.Errorf("window_size must be at least 1, got %d", *c.WindowSize)
	}
	if c.MaxRetries != nil && *c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative, got %d", *c.MaxRetries)
	}
	if c.QueueSize != nil && *c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", *c.QueueSize)
	}
	if c.Channel != nil && *c.Channel != device.Channel5 && *c.Channel != device.Channel9 {
		return fmt.Errorf("channel must be %d or %d, got %d", device.Channel5, device.Channel9, *c.Channel)
	}

	seen := make(map[ranging.AnchorID]bool, len(c.Anchors))
	for _, a := range c.Anchors {
		if seen[a.ID] {
			return fmt.Errorf("duplicate anchor %s", a.ID)
		}
		seen[a.ID] = true
	}

	for i, d := range c.Devices {
		if d.Path == "" && d.SerialNumber == "" {
			return fmt.Errorf("device %d needs a path or a serial_number", i)
		}
	}

	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}

	if c.Calibration != nil {
		if err := c.Calibration.validate(); err != nil {
			return fmt.Errorf("calibration: %w", err)
		}
	}

	if c.MQTT != nil && c.MQTT.QoS != nil && (*c.MQTT.QoS < 0 || *c.MQTT.QoS > 2) {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", *c.MQTT.QoS)
	}

	return nil
}

func (c *CalibrationConfig) validate() error {
	if c.TargetCm != nil && *c.TargetCm <= 0 {
		return fmt.Errorf("target_cm must be positive, got %f", *c.TargetCm)
	}
	if c.ToleranceCm != nil && *c.ToleranceCm < 0 {
		return fmt.Errorf("tolerance_cm must be non-negative, got %f", *c.ToleranceCm)
	}
	if err := validDuration("measure_time", c.MeasureTime); err != nil {
		return err
	}
	if err := validDuration("max_duration", c.MaxDuration); err != nil {
		return err
	}
	if c.Slope != nil && *c.Slope == 0 {
		return fmt.Errorf("slope must be non-zero")
	}
	for _, a := range c.Antennas {
		if a < 0 {
			return fmt.Errorf("antenna index must be non-negative, got %d", a)
		}
	}
	return nil
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetDimensions returns the dimensions value or the default.
func (c *Config) GetDimensions() int {
	if c.Dimensions == nil {
		return 2
	}
	return *c.Dimensions
}

// GetBranch returns the branch value or the default.
func (c *Config) GetBranch() multilat.Branch {
	if c.Branch == nil {
		return multilat.BranchLowerZ
	}
	b, err := multilat.ParseBranch(*c.Branch)
	if err != nil {
		return multilat.BranchLowerZ
	}
	return b
}

// GetWindowSize returns the window_size value or the default.
func (c *Config) GetWindowSize() int {
	if c.WindowSize == nil {
		return ranging.DefaultWindowSize
	}
	return *c.WindowSize
}

// GetMaxSampleAge parses and returns the MaxSampleAge as a time.Duration.
func (c *Config) GetMaxSampleAge() time.Duration {
	return parseDurationOr(c.MaxSampleAge, 2*time.Second)
}

// GetTickInterval parses and returns the TickInterval as a time.Duration.
func (c *Config) GetTickInterval() time.Duration {
	return parseDurationOr(c.TickInterval, pipeline.DefaultTickInterval)
}

// GetReadTimeout parses and returns the ReadTimeout as a time.Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return parseDurationOr(c.ReadTimeout, serialmux.DefaultReadTimeout)
}

// GetRetryBackoff parses and returns the RetryBackoff as a time.Duration.
func (c *Config) GetRetryBackoff() time.Duration {
	return parseDurationOr(c.RetryBackoff, pipeline.DefaultRetryBackoff)
}

// GetMaxRetries returns the max_retries value or the default (unlimited).
func (c *Config) GetMaxRetries() int {
	if c.MaxRetries == nil {
		return 0
	}
	return *c.MaxRetries
}

// GetQueueSize returns the queue_size value or the default.
func (c *Config) GetQueueSize() int {
	if c.QueueSize == nil {
		return pipeline.DefaultQueueSize
	}
	return *c.QueueSize
}

// GetQueuePolicy returns the queue_policy value or the default.
func (c *Config) GetQueuePolicy() pipeline.Policy {
	if c.QueuePolicy == nil {
		return pipeline.PolicyDropOldest
	}
	p, err := pipeline.ParsePolicy(*c.QueuePolicy)
	if err != nil {
		return pipeline.PolicyDropOldest
	}
	return p
}

// GetBlockTimeout parses and returns the BlockTimeout as a time.Duration.
func (c *Config) GetBlockTimeout() time.Duration {
	return parseDurationOr(c.BlockTimeout, pipeline.DefaultBlockTimeout)
}

// GetStopTimeout parses and returns the StopTimeout as a time.Duration.
func (c *Config) GetStopTimeout() time.Duration {
	return parseDurationOr(c.StopTimeout, pipeline.DefaultStopTimeout)
}

// GetIgnoreAnchors returns the ids dropped by the pipeline. A config that
// leaves the list out ignores the initiator's own address.
func (c *Config) GetIgnoreAnchors() []ranging.AnchorID {
	if c.IgnoreAnchors == nil {
		return []ranging.AnchorID{device.InitiatorAddr}
	}
	return append([]ranging.AnchorID(nil), c.IgnoreAnchors...)
}

// GetSerial returns the normalized port options.
func (c *Config) GetSerial() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.Serial != nil {
		opts = *c.Serial
	}
	n, err := opts.Normalize()
	if err != nil {
		n, _ = serialmux.PortOptions{}.Normalize()
	}
	return n
}

// GetChannel returns the channel value or the default.
func (c *Config) GetChannel() int {
	if c.Channel == nil {
		return device.DefaultChannel
	}
	return *c.Channel
}

// GetListen returns the HTTP listen address or the default.
func (c *Config) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return "localhost:8080"
	}
	return *c.Listen
}

// GetDatabasePath returns the sqlite path or the default.
func (c *Config) GetDatabasePath() string {
	if c.Database == nil || c.Database.Path == nil || *c.Database.Path == "" {
		return "uwb.db"
	}
	return *c.Database.Path
}

// Plan builds the device plan for n connected modules.
func (c *Config) Plan(n int) device.Plan {
	p := device.Plan{
		Devices:          n,
		Channel:          c.GetChannel(),
		RemoteResponders: append([]int(nil), c.RemoteResponders...),
	}
	if c.FixedCommand != nil {
		p.Fixed = *c.FixedCommand
	}
	return p
}

// StoreConfig returns the ranging store settings.
func (c *Config) StoreConfig() ranging.StoreConfig {
	return ranging.StoreConfig{
		WindowSize: c.GetWindowSize(),
		MaxAge:     c.GetMaxSampleAge(),
	}
}

// Solver returns the position solver settings.
func (c *Config) Solver() multilat.Solver {
	return multilat.Solver{Dims: c.GetDimensions(), Branch: c.GetBranch()}
}

// PipelineAnchors converts the anchor table. In 2D the z coordinate is
// dropped.
func (c *Config) PipelineAnchors() []pipeline.Anchor {
	dims := c.GetDimensions()
	out := make([]pipeline.Anchor, 0, len(c.Anchors))
	for _, a := range c.Anchors {
		p := multilat.Point{X: a.X, Y: a.Y}
		if dims == 3 {
			p.Z = a.Z
		}
		out = append(out, pipeline.Anchor{ID: a.ID, Position: p, Offset: a.OffsetCm})
	}
	return out
}

// GetCalibration returns the controller settings. A missing target leaves
// Target zero, which calibration.Config.Validate rejects.
func (c *Config) GetCalibration() calibration.Config {
	cc := c.Calibration
	if cc == nil {
		cc = &CalibrationConfig{}
	}
	out := calibration.DefaultConfig(0)
	out.Slope = DefaultCalibrationSlope
	if cc.TargetCm != nil {
		out.Target = *cc.TargetCm
	}
	if cc.ToleranceCm != nil {
		out.Tolerance = *cc.ToleranceCm
	}
	out.MeasureTime = parseDurationOr(cc.MeasureTime, calibration.DefaultMeasureTime)
	out.MaxDuration = parseDurationOr(cc.MaxDuration, 0)
	if cc.MinSamples != nil {
		out.MinSamples = *cc.MinSamples
	}
	if cc.MaxIterations != nil {
		out.MaxIterations = *cc.MaxIterations
	}
	if cc.InitialDelay != nil {
		out.InitialDelay = *cc.InitialDelay
	}
	if cc.MaxDelay != nil {
		out.MaxDelay = *cc.MaxDelay
	}
	if cc.MaxStep != nil {
		out.MaxStep = *cc.MaxStep
	}
	if cc.MinStep != nil {
		out.MinStep = *cc.MinStep
	}
	if cc.Decay != nil {
		out.Decay = *cc.Decay
	}
	if cc.Slope != nil {
		out.Slope = *cc.Slope
	}
	return out
}

// CalOptions returns the processor options for a calibration run. The
// recorder is left for the caller to attach.
func (c *Config) CalOptions() pipeline.CalOptions {
	opts := pipeline.CalOptions{
		Anchor:      DefaultCalibrationAnchor,
		Antennas:    []int{0, 1},
		KeyTemplate: device.DefaultAntDelayKey,
	}
	if cc := c.Calibration; cc != nil {
		if cc.Anchor != nil {
			opts.Anchor = *cc.Anchor
		}
		if len(cc.Antennas) > 0 {
			opts.Antennas = append([]int(nil), cc.Antennas...)
		}
		if cc.KeyTemplate != nil && *cc.KeyTemplate != "" {
			opts.KeyTemplate = *cc.KeyTemplate
		}
	}
	return opts
}

// GetMQTTTopic returns the topic fixes are published on.
func (c *Config) GetMQTTTopic() string {
	if c.MQTT == nil || c.MQTT.Topic == nil || *c.MQTT.Topic == "" {
		return "uwb/position"
	}
	return *c.MQTT.Topic
}

// GetMQTTQoS returns the publish QoS or the default.
func (c *Config) GetMQTTQoS() byte {
	if c.MQTT == nil || c.MQTT.QoS == nil {
		return 0
	}
	return byte(*c.MQTT.QoS)
}
