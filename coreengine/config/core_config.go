// Package config loads device configuration - the narrow interface the
// out-of-scope file syntax hands to the device registry.
//
// Two formats populate the same []DeviceSpec: the classic directive
// file (one [name] section per device, key=value lines) and a YAML
// device list for tooling that prefers structure. Unknown directive
// keys warn and are ignored; they never fail the load.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/xconn-project/xconn-core/coreengine/typeutil"
)

// Logger is the structured-logging seam this package reports parse
// warnings through.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// DeviceSpec is one configured device, before the registry binds it to
// a transport.
type DeviceSpec struct {
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"`
	IP        string `yaml:"ip"`
	Interface string `yaml:"interface"`
	Port      uint32 `yaml:"port"`
	MSS       uint32 `yaml:"mss"`
	HCAID     string `yaml:"hca_id"`
	Path      string `yaml:"path"`
	IDBase    uint32 `yaml:"id"`
	Default   bool   `yaml:"default"`
}

// CoreConfig holds the library-wide knobs that are not per-device:
// descriptor slab sizes, progress cadence, and logging.
type CoreConfig struct {
	// Descriptor slabs per endpoint.
	TxDescriptors int `yaml:"tx_descriptors"`
	RxDescriptors int `yaml:"rx_descriptors"`

	// ProgressIntervalMs is the background progress loop cadence.
	ProgressIntervalMs int `yaml:"progress_interval_ms"`

	// ConnectTimeoutMs bounds the active-side handshake.
	ConnectTimeoutMs int `yaml:"connect_timeout_ms"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// DefaultCoreConfig returns a CoreConfig with default values.
func DefaultCoreConfig() *CoreConfig {
	return &CoreConfig{
		TxDescriptors:      64,
		RxDescriptors:      64,
		ProgressIntervalMs: 10,
		ConnectTimeoutMs:   5000,
		LogLevel:           "INFO",
	}
}

// knownKeys is the directive vocabulary of the classic format. Anything
// else warns and is skipped.
var knownKeys = map[string]struct{}{
	"transport": {},
	"ip":        {},
	"interface": {},
	"port":      {},
	"mss":       {},
	"hca_id":    {},
	"path":      {},
	"id":        {},
	"default":   {},
}

// LoadDevices parses a directive file into device specs. Format:
//
//	[verbs0]
//	transport=fabric
//	ip=10.0.0.1
//	port=5000
//	mss=4096
//	default=1
//
// Lines starting with '#' and blank lines are skipped. A key=value
// line before any [section] is an error; an unknown key inside a
// section warns and is ignored.
func LoadDevices(path string, logger Logger) ([]DeviceSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		specs   []DeviceSpec
		current *DeviceSpec
		lineNo  int
	)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			name := strings.TrimSpace(line[1 : len(line)-1])
			if name == "" {
				return nil, &ParseError{Path: path, Line: lineNo, Reason: "empty device name"}
			}
			specs = append(specs, DeviceSpec{Name: name})
			current = &specs[len(specs)-1]
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			return nil, &ParseError{Path: path, Line: lineNo, Reason: "expected key=value, got " + line}
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if current == nil {
			return nil, &ParseError{Path: path, Line: lineNo, Reason: "directive before any [device] section"}
		}

		if _, known := knownKeys[key]; !known {
			if logger != nil {
				logger.Warn("unknown_config_key", "path", path, "line", lineNo, "key", key)
			}
			continue
		}
		if err := applyDirective(current, key, value, path, lineNo); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return specs, nil
}

func applyDirective(spec *DeviceSpec, key, value, path string, lineNo int) error {
	badValue := func() error {
		return &ParseError{Path: path, Line: lineNo, Reason: "bad value for " + key + ": " + value}
	}

	switch key {
	case "transport":
		spec.Transport = value
	case "ip":
		spec.IP = value
	case "interface":
		spec.Interface = value
	case "hca_id":
		spec.HCAID = value
	case "path":
		spec.Path = value
	case "port":
		v, ok := typeutil.ParseUint32(value)
		if !ok || v > 65535 {
			return badValue()
		}
		spec.Port = v
	case "mss":
		v, ok := typeutil.ParseUint32(value)
		if !ok {
			return badValue()
		}
		spec.MSS = v
	case "id":
		v, ok := typeutil.ParseUint32(value)
		if !ok {
			return badValue()
		}
		spec.IDBase = v
	case "default":
		switch strings.ToLower(value) {
		case "1", "true", "yes":
			spec.Default = true
		case "0", "false", "no":
			spec.Default = false
		default:
			return badValue()
		}
	}
	return nil
}

// yamlDeviceFile is the YAML document shape LoadDevicesYAML accepts.
type yamlDeviceFile struct {
	Devices []DeviceSpec `yaml:"devices"`
}

// LoadDevicesYAML parses a YAML device list:
//
//	devices:
//	  - name: verbs0
//	    transport: fabric
//	    mss: 4096
//	    default: true
func LoadDevicesYAML(path string) ([]DeviceSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc yamlDeviceFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	for i, spec := range doc.Devices {
		if spec.Name == "" {
			return nil, &ParseError{Path: path, Line: i + 1, Reason: "device entry missing name"}
		}
	}
	return doc.Devices, nil
}

// ParseError reports where a configuration file stopped making sense.
type ParseError struct {
	Path   string
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: line %d: %s", e.Path, e.Line, e.Reason)
}
