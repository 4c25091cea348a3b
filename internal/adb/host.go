package adb

import (
	"fmt"

	goadb "github.com/zach-klippenstein/goadb"
)

// ServerConfig locates the adb server. An empty PathToAdb looks adb up in PATH; the binary is
// only needed to start a server that is not already running.
type ServerConfig struct {
	PathToAdb string
	Host      string
	Port      int
}

type hostTransport struct {
	server *goadb.Adb
}

func NewHostTransport(cfg ServerConfig) (Transport, error) {
	server, err := goadb.NewWithConfig(goadb.ServerConfig{
		PathToAdb: cfg.PathToAdb,
		Host:      cfg.Host,
		Port:      cfg.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("adb server %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &hostTransport{server: server}, nil
}

func (h *hostTransport) Devices() ([]Device, error) {
	serials, err := h.server.ListDeviceSerials()
	if err != nil {
		return nil, err
	}
	devices := make([]Device, 0, len(serials))
	for _, serial := range serials {
		state, err := h.server.Device(goadb.DeviceWithSerial(serial)).State()
		if err != nil {
			state = goadb.StateInvalid
		}
		devices = append(devices, Device{Serial: serial, State: stateName(state)})
	}
	return devices, nil
}

func (h *hostTransport) Shell(serial, cmd string) (string, error) {
	return h.server.Device(goadb.DeviceWithSerial(serial)).RunCommand(cmd)
}

func (h *hostTransport) Connect(host string, port int) error {
	return h.server.Connect(host, port)
}

// stateName maps a device state to the word `adb devices` prints for it.
func stateName(state goadb.DeviceState) string {
	switch state {
	case goadb.StateOnline:
		return "device"
	case goadb.StateOffline:
		return "offline"
	case goadb.StateUnauthorized:
		return "unauthorized"
	case goadb.StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
