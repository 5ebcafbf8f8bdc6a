package standard

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/st-keller/ota-client/settings"
)

// Identity is the set of identifiers sent with every request to the update
// server. Established once at startup and read-only afterwards.
type Identity struct {
	// MAC is the lowercase colon-separated hardware address.
	MAC string
	// UUID is generated on first boot and persisted.
	UUID string
	// SerialNumber is the factory serial, empty when the device has none.
	SerialNumber string
}

// HasSerialNumber reports whether a factory serial is present.
func (i Identity) HasSerialNumber() bool { return i.SerialNumber != "" }

// IdentityOptions overrides auto-detection.
type IdentityOptions struct {
	MAC          string
	SerialNumber string
	// SerialFile is read when SerialNumber is empty. A missing file means
	// no serial number.
	SerialFile string
}

// Settings location of the persisted client UUID.
const (
	DeviceNamespace = "device"
	UUIDKey         = "uuid"
)

// LoadIdentity resolves the device identity, generating and persisting the
// client UUID when the store holds none.
func LoadIdentity(store settings.Store, opts IdentityOptions) (Identity, error) {
	id := Identity{MAC: strings.ToLower(opts.MAC)}
	if id.MAC == "" {
		mac, err := detectMAC()
		if err != nil {
			return Identity{}, err
		}
		id.MAC = mac
	}

	ns := store.Open(DeviceNamespace, true)
	id.UUID = ns.GetString(UUIDKey, "")
	if _, err := uuid.Parse(id.UUID); err != nil {
		id.UUID = uuid.NewString()
		if err := ns.SetString(UUIDKey, id.UUID); err != nil {
			return Identity{}, fmt.Errorf("persisting client uuid: %w", err)
		}
	}

	id.SerialNumber = strings.TrimSpace(opts.SerialNumber)
	if id.SerialNumber == "" && opts.SerialFile != "" {
		data, err := os.ReadFile(opts.SerialFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Identity{}, fmt.Errorf("reading serial number: %w", err)
		default:
			id.SerialNumber = strings.TrimSpace(string(data))
		}
	}
	return id, nil
}

// detectMAC returns the address of the first up, non-loopback interface
// with a hardware address.
func detectMAC() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("listing network interfaces: %w", err)
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if len(iface.HardwareAddr) == 6 {
			return strings.ToLower(iface.HardwareAddr.String()), nil
		}
	}
	return "", errors.New("no network interface with a hardware address; set the MAC explicitly")
}

// ApplicationInfo describes the running firmware.
type ApplicationInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	CompileTime string `json:"compile_time,omitempty"`
}

// BoardInfo describes the hardware.
type BoardInfo struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// SystemInfo is the body of the version check request.
type SystemInfo struct {
	Version       int             `json:"version"`
	Language      string          `json:"language"`
	MACAddress    string          `json:"mac_address"`
	UUID          string          `json:"uuid"`
	ChipModelName string          `json:"chip_model_name"`
	Application   ApplicationInfo `json:"application"`
	Board         BoardInfo       `json:"board"`
	OTA           OTAInfo         `json:"ota"`
	Runtime       RuntimeInfo     `json:"runtime"`
}

// OTAInfo names the running firmware bank.
type OTAInfo struct {
	Label string `json:"label"`
}

// RuntimeInfo describes the host process.
type RuntimeInfo struct {
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Hostname  string `json:"hostname,omitempty"`
	Type      string `json:"type"`
	PID       int    `json:"pid"`
	StartTime string `json:"start_time"`
}

// ServiceType represents how the agent process is supervised.
type ServiceType string

const (
	ServiceTypeSystemd    ServiceType = "systemd"
	ServiceTypeDocker     ServiceType = "docker"
	ServiceTypeStandalone ServiceType = "standalone"
)

// AutoDetect builds SystemInfo with runtime information filled in.
func AutoDetect(id Identity, app ApplicationInfo, board BoardInfo, language, bankLabel string) *SystemInfo {
	hostname, _ := os.Hostname()
	return &SystemInfo{
		Version:       2,
		Language:      language,
		MACAddress:    id.MAC,
		UUID:          id.UUID,
		ChipModelName: runtime.GOARCH,
		Application:   app,
		Board:         board,
		OTA:           OTAInfo{Label: bankLabel},
		Runtime: RuntimeInfo{
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
			Hostname:  hostname,
			Type:      string(detectServiceType()),
			PID:       os.Getpid(),
			StartTime: time.Now().UTC().Format("2006-01-02T15:04:05+00:00"),
		},
	}
}

// detectServiceType determines how the process is running.
func detectServiceType() ServiceType {
	// systemd sets INVOCATION_ID for every unit it starts
	if os.Getenv("INVOCATION_ID") != "" {
		return ServiceTypeSystemd
	}

	if _, err := os.Stat("/.dockerenv"); err == nil {
		return ServiceTypeDocker
	}
	if data, err := os.ReadFile("/proc/self/cgroup"); err == nil {
		cgroup := string(data)
		if strings.Contains(cgroup, "docker") || strings.Contains(cgroup, "containerd") {
			return ServiceTypeDocker
		}
	}

	if data, err := os.ReadFile("/proc/1/comm"); err == nil {
		if string(data) == "systemd\n" {
			return ServiceTypeSystemd
		}
	}

	return ServiceTypeStandalone
}
