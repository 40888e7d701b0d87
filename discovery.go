// discovery.go
package cobot_us

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
	"go.viam.com/rdk/services/generic"
)

var DiscoveryModel = resource.NewModel("cobot-us", "mycobot", "discovery")

func init() {
	resource.RegisterService(
		discovery.API,
		DiscoveryModel,
		resource.Registration[discovery.Service, *DiscoveryConfig]{
			Constructor: newDiscovery,
		})
}

// DiscoveryConfig is the configuration for the discovery service
type DiscoveryConfig struct {
	Baudrate int `json:"baudrate,omitempty"`
}

// Validate ensures the config is valid
func (cfg *DiscoveryConfig) Validate(path string) ([]string, []string, error) {
	return nil, nil, nil
}

// DiscoveredPort is a serial port that may have a myCobot on it.
type DiscoveredPort struct {
	Path    string `json:"path"`
	USB     bool   `json:"usb"`
	VID     string `json:"vid,omitempty"`
	PID     string `json:"pid,omitempty"`
	Product string `json:"product,omitempty"`
	// Version is set when the controller answered the handshake.
	Version string `json:"version,omitempty"`
}

// myCobotDiscovery implements the discovery service
type myCobotDiscovery struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable
	logger   logging.Logger
	baudrate int
}

func newDiscovery(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (discovery.Service, error) {
	cfg, err := resource.NativeConfig[*DiscoveryConfig](conf)
	if err != nil {
		return nil, err
	}

	return &myCobotDiscovery{
		Named:    conf.ResourceName().AsNamed(),
		logger:   logger,
		baudrate: cfg.Baudrate,
	}, nil
}

// DiscoverResources probes candidate serial ports and returns a sweep service
// configuration for every port whose controller answers.
func (dis *myCobotDiscovery) DiscoverResources(ctx context.Context, extra map[string]any) ([]resource.Config, error) {
	dis.logger.Info("Starting myCobot discovery")

	ports, err := DiscoverPorts(ctx, dis.baudrate, OpenMyCobotDriver, dis.logger)

	var configs []resource.Config
	for _, p := range ports {
		if p.Version == "" {
			continue
		}
		attrs := map[string]interface{}{"port": p.Path}
		if dis.baudrate != 0 {
			attrs["baudrate"] = dis.baudrate
		}
		configs = append(configs, resource.Config{
			Name:       "mycobot-sweep-" + extractPortSuffix(p.Path),
			API:        generic.API,
			Model:      SweepModel,
			Attributes: attrs,
		})
	}

	if len(configs) == 0 {
		dis.logger.Info("No myCobot arms discovered")
	} else {
		dis.logger.Infof("Discovered %d myCobot arms", len(configs))
	}
	return configs, err
}

// DiscoverPorts lists candidate serial ports and, when open is not nil, asks
// each one for its controller version.
func DiscoverPorts(ctx context.Context, baudrate int, open DriverOpener, logger logging.Logger) ([]DiscoveredPort, error) {
	all := enumerateSerialPorts()
	logger.Debugf("Found %d total serial ports", len(all))

	paths := make([]string, 0, len(all))
	for _, p := range all {
		paths = append(paths, p.Path)
	}
	candidates := make(map[string]bool)
	for _, path := range filterCandidatePorts(paths) {
		candidates[path] = true
	}

	var out []DiscoveredPort
	for _, p := range all {
		if !candidates[p.Path] && !isKnownUSBSerial(p.VID) {
			continue
		}
		select {
		case <-ctx.Done():
			logger.Info("Discovery cancelled")
			return out, ctx.Err()
		default:
		}
		if open != nil {
			p.Version = probeVersion(ctx, p.Path, baudrate, open, logger)
		}
		out = append(out, p)
	}
	return out, nil
}

func probeVersion(ctx context.Context, path string, baudrate int, open DriverOpener, logger logging.Logger) string {
	d, err := open(Endpoint{Port: path, Baudrate: baudrate, Timeout: 500 * time.Millisecond}, logger)
	if err != nil {
		logger.Debugf("Failed to open port %s: %v", path, err)
		return ""
	}
	defer d.Close()

	version, err := d.Version(ctx)
	if err != nil {
		logger.Debugf("No myCobot controller on %s: %v", path, err)
		return ""
	}
	logger.Infof("Discovered %s on %s", version, path)
	return version
}

// USB vendor IDs of the UART bridges used on myCobot boards: WCH CH340,
// Silicon Labs CP210x and FTDI.
var knownUSBSerialVIDs = map[string]bool{
	"1a86": true,
	"10c4": true,
	"0403": true,
}

func isKnownUSBSerial(vid string) bool {
	return knownUSBSerialVIDs[strings.ToLower(vid)]
}

// filterCandidatePorts filters serial ports by platform-specific naming patterns
func filterCandidatePorts(ports []string) []string {
	candidates := []string{}
	for _, port := range ports {
		if isCandidatePort(port) {
			candidates = append(candidates, port)
		}
	}
	return candidates
}

// isCandidatePort checks if a port matches USB serial port patterns
func isCandidatePort(port string) bool {
	// Linux: /dev/ttyUSB*, /dev/ttyACM*
	if strings.HasPrefix(port, "/dev/ttyUSB") || strings.HasPrefix(port, "/dev/ttyACM") {
		return true
	}
	// macOS: /dev/tty.usbmodem*, /dev/tty.usbserial*, /dev/tty.wchusbserial*, /dev/cu.*
	for _, prefix := range []string{"/dev/tty.usbmodem", "/dev/tty.usbserial", "/dev/tty.wchusbserial", "/dev/cu.usbmodem", "/dev/cu.usbserial", "/dev/cu.wchusbserial"} {
		if strings.HasPrefix(port, prefix) {
			return true
		}
	}
	// Windows: COM*
	if strings.HasPrefix(port, "COM") {
		return true
	}
	return false
}

// extractPortSuffix extracts a friendly suffix from port path for naming
// /dev/ttyUSB0 -> "ttyUSB0"
// COM3 -> "COM3"
// /dev/tty.usbmodem123 -> "usbmodem123"
func extractPortSuffix(portPath string) string {
	base := filepath.Base(portPath)

	// For macOS /dev/tty.* and /dev/cu.* ports, strip the device class prefix
	if strings.HasPrefix(base, "tty.") {
		return strings.TrimPrefix(base, "tty.")
	}
	if strings.HasPrefix(base, "cu.") {
		return strings.TrimPrefix(base, "cu.")
	}

	return base
}

// enumerateSerialPorts returns all serial ports on the system with their USB details
func enumerateSerialPorts() []DiscoveredPort {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil
	}

	out := make([]DiscoveredPort, 0, len(ports))
	for _, port := range ports {
		out = append(out, DiscoveredPort{
			Path:    port.Name,
			USB:     port.IsUSB,
			VID:     port.VID,
			PID:     port.PID,
			Product: port.Product,
		})
	}
	return out
}
