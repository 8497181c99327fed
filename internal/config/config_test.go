package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/uwb.locator/internal/uwb/calibration"
	"github.com/banshee-data/uwb.locator/internal/uwb/multilat"
	"github.com/banshee-data/uwb.locator/internal/uwb/pipeline"
	"github.com/banshee-data/uwb.locator/internal/uwb/ranging"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := &Config{}

	if cfg.GetDimensions() != 2 {
		t.Errorf("GetDimensions() = %d, want 2", cfg.GetDimensions())
	}
	if cfg.GetBranch() != multilat.BranchLowerZ {
		t.Errorf("GetBranch() = %q, want lower_z", cfg.GetBranch())
	}
	if cfg.GetWindowSize() != ranging.DefaultWindowSize {
		t.Errorf("GetWindowSize() = %d", cfg.GetWindowSize())
	}
	if cfg.GetMaxSampleAge() != 2*time.Second {
		t.Errorf("GetMaxSampleAge() = %v", cfg.GetMaxSampleAge())
	}
	if cfg.GetTickInterval() != 500*time.Millisecond {
		t.Errorf("GetTickInterval() = %v", cfg.GetTickInterval())
	}
	if cfg.GetReadTimeout() != 50*time.Millisecond {
		t.Errorf("GetReadTimeout() = %v", cfg.GetReadTimeout())
	}
	if cfg.GetRetryBackoff() != time.Second {
		t.Errorf("GetRetryBackoff() = %v", cfg.GetRetryBackoff())
	}
	if cfg.GetMaxRetries() != 0 {
		t.Errorf("GetMaxRetries() = %d, want unlimited", cfg.GetMaxRetries())
	}
	if cfg.GetQueueSize() != 256 || cfg.GetQueuePolicy() != pipeline.PolicyDropOldest {
		t.Errorf("queue = %d/%q", cfg.GetQueueSize(), cfg.GetQueuePolicy())
	}
	if cfg.GetBlockTimeout() != 100*time.Millisecond {
		t.Errorf("GetBlockTimeout() = %v", cfg.GetBlockTimeout())
	}
	if ig := cfg.GetIgnoreAnchors(); len(ig) != 1 || ig[0] != 0x0001 {
		t.Errorf("GetIgnoreAnchors() = %v, want [0x0001]", ig)
	}
	if cfg.GetChannel() != 9 {
		t.Errorf("GetChannel() = %d, want 9", cfg.GetChannel())
	}
	if s := cfg.GetSerial(); s.BaudRate != 115200 || s.DataBits != 8 || s.StopBits != 1 || s.Parity != "N" {
		t.Errorf("GetSerial() = %+v", s)
	}
	if cfg.GetListen() != "localhost:8080" || cfg.GetDatabasePath() != "uwb.db" {
		t.Errorf("listen=%q db=%q", cfg.GetListen(), cfg.GetDatabasePath())
	}
	if cfg.GetMQTTTopic() != "uwb/position" || cfg.GetMQTTQoS() != 0 {
		t.Errorf("mqtt topic=%q qos=%d", cfg.GetMQTTTopic(), cfg.GetMQTTQoS())
	}

	cal := cfg.GetCalibration()
	if cal.Target != 0 || cal.InitialDelay != calibration.DefaultInitialDelay || cal.MaxIterations != 20 {
		t.Errorf("GetCalibration() = %+v", cal)
	}
	if cal.Slope != DefaultCalibrationSlope {
		t.Errorf("slope = %v, want %v", cal.Slope, DefaultCalibrationSlope)
	}
	if err := cal.Validate(); err == nil {
		t.Error("calibration without a target should not validate")
	}
	opts := cfg.CalOptions()
	if opts.Anchor != DefaultCalibrationAnchor || len(opts.Antennas) != 2 || opts.KeyTemplate != "ant%d.ch%d.ant_delay" {
		t.Errorf("CalOptions() = %+v", opts)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, "uwb.json", `{
  "anchors": [
    {"id": "0x0002", "x": 0, "y": 0, "z": 10},
    {"id": "3", "x": 300, "y": 0, "z": 20, "offset_cm": 12.5},
    {"id": "0004", "x": 0, "y": 300, "z": 30}
  ],
  "dimensions": 3,
  "branch": "upper_z",
  "window_size": 8,
  "max_sample_age": "750ms",
  "queue_policy": "block",
  "ignore_anchors": [],
  "serial": {"baud_rate": 921600, "parity": "even"},
  "devices": [{"path": "/dev/ttyACM0"}, {"serial_number": "ABC123"}],
  "channel": 5,
  "remote_responders": [3, 4],
  "calibration": {"target_cm": 200, "tolerance_cm": 2, "measure_time": "5s", "anchor": "0x0003", "antennas": [0]}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.GetDimensions() != 3 || cfg.GetBranch() != multilat.BranchUpperZ {
		t.Errorf("solver = %d/%q", cfg.GetDimensions(), cfg.GetBranch())
	}
	if sc := cfg.StoreConfig(); sc.WindowSize != 8 || sc.MaxAge != 750*time.Millisecond {
		t.Errorf("StoreConfig() = %+v", sc)
	}
	if cfg.GetQueuePolicy() != pipeline.PolicyBlock {
		t.Errorf("GetQueuePolicy() = %q", cfg.GetQueuePolicy())
	}
	if ig := cfg.GetIgnoreAnchors(); len(ig) != 0 {
		t.Errorf("an explicit empty list should ignore nothing, got %v", ig)
	}
	if s := cfg.GetSerial(); s.BaudRate != 921600 || s.Parity != "E" || s.DataBits != 8 {
		t.Errorf("GetSerial() = %+v", s)
	}

	anchors := cfg.PipelineAnchors()
	if len(anchors) != 3 {
		t.Fatalf("PipelineAnchors() len = %d", len(anchors))
	}
	if anchors[1].ID != 0x0003 || anchors[1].Offset != 12.5 || anchors[1].Position.Z != 20 {
		t.Errorf("anchor[1] = %+v", anchors[1])
	}

	p := cfg.Plan(2)
	if p.Devices != 2 || p.Channel != 5 || len(p.RemoteResponders) != 2 {
		t.Errorf("Plan() = %+v", p)
	}

	cal := cfg.GetCalibration()
	if cal.Target != 200 || cal.Tolerance != 2 || cal.MeasureTime != 5*time.Second {
		t.Errorf("GetCalibration() = %+v", cal)
	}
	if err := cal.Validate(); err != nil {
		t.Errorf("calibration should validate: %v", err)
	}
	if opts := cfg.CalOptions(); opts.Anchor != 0x0003 || len(opts.Antennas) != 1 {
		t.Errorf("CalOptions() = %+v", opts)
	}
}

func TestPipelineAnchors_2DDropsZ(t *testing.T) {
	cfg := &Config{Anchors: []AnchorConfig{{ID: 2, X: 1, Y: 2, Z: 3}}}
	if got := cfg.PipelineAnchors()[0].Position; got.Z != 0 || got.X != 1 || got.Y != 2 {
		t.Errorf("Position = %+v", got)
	}
}

func TestLoad_DefaultsFile(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	if len(cfg.Anchors) < 3 {
		t.Errorf("defaults should place at least 3 anchors, got %d", len(cfg.Anchors))
	}
	if cfg.GetCalibration().InitialDelay != calibration.DefaultInitialDelay {
		t.Errorf("initial_delay = %d", cfg.GetCalibration().InitialDelay)
	}
	if cfg.GetCalibration().Slope >= 0 {
		t.Errorf("slope = %v; a longer delay shortens the measured distance", cfg.GetCalibration().Slope)
	}
	if _, err := pipeline.NewTriangProcessor(ranging.NewStore(cfg.StoreConfig()), cfg.Solver(), cfg.PipelineAnchors()); err != nil {
		t.Errorf("default anchors rejected: %v", err)
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Run("wrong extension", func(t *testing.T) {
		path := writeConfig(t, "uwb.yaml", `{}`)
		if _, err := Load(path); err == nil || !strings.Contains(err.Error(), ".json") {
			t.Errorf("expected extension error, got %v", err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
			t.Error("expected error for missing file")
		}
	})

	t.Run("too large", func(t *testing.T) {
		path := writeConfig(t, "big.json", `{"listen":"`+strings.Repeat("x", maxFileSize)+`"}`)
		if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "too large") {
			t.Errorf("expected size error, got %v", err)
		}
	})

	t.Run("bad json", func(t *testing.T) {
		path := writeConfig(t, "bad.json", `{"dimensions":`)
		if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parse") {
			t.Errorf("expected parse error, got %v", err)
		}
	})

	t.Run("bad anchor id", func(t *testing.T) {
		path := writeConfig(t, "bad.json", `{"anchors":[{"id":"zz"}]}`)
		if _, err := Load(path); err == nil {
			t.Error("expected error for non-hex anchor id")
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"empty", Config{}, ""},
		{"dimensions", Config{Dimensions: ptrInt(4)}, "dimensions"},
		{"branch", Config{Branch: ptrString("sideways")}, "branch"},
		{"queue policy", Config{QueuePolicy: ptrString("lossy")}, "queue policy"},
		{"duration", Config{TickInterval: ptrString("soon")}, "tick_interval"},
		{"negative duration", Config{RetryBackoff: ptrString("-1s")}, "retry_backoff"},
		{"window", Config{WindowSize: ptrInt(0)}, "window_size"},
		{"retries", Config{MaxRetries: ptrInt(-1)}, "max_retries"},
		{"queue size", Config{QueueSize: ptrInt(0)}, "queue_size"},
		{"channel", Config{Channel: ptrInt(7)}, "channel"},
		{"duplicate anchor", Config{Anchors: []AnchorConfig{{ID: 2}, {ID: 2}}}, "duplicate"},
		{"device", Config{Devices: []DeviceConfig{{}}}, "device 0"},
		{"calibration target", Config{Calibration: &CalibrationConfig{TargetCm: ptrFloat64(-1)}}, "target_cm"},
		{"calibration slope", Config{Calibration: &CalibrationConfig{Slope: ptrFloat64(0)}}, "slope"},
		{"calibration duration", Config{Calibration: &CalibrationConfig{MeasureTime: ptrString("x")}}, "measure_time"},
		{"calibration decay ok", Config{Calibration: &CalibrationConfig{Decay: ptrBool(false)}}, ""},
		{"mqtt qos", Config{MQTT: &MQTTConfig{QoS: ptrInt(3)}}, "qos"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestGetDurations_FallBackOnParseError(t *testing.T) {
	cfg := &Config{TickInterval: ptrString("garbage"), MaxSampleAge: ptrString("")}
	if cfg.GetTickInterval() != pipeline.DefaultTickInterval {
		t.Errorf("GetTickInterval() = %v", cfg.GetTickInterval())
	}
	if cfg.GetMaxSampleAge() != 2*time.Second {
		t.Errorf("GetMaxSampleAge() = %v", cfg.GetMaxSampleAge())
	}
}
