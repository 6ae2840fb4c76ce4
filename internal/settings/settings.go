package settings

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/amoylab/keyrelay/internal/common/cnst"
	"github.com/amoylab/keyrelay/internal/storage"
	"go.uber.org/zap"
)

// Persisted key layout
const (
	KeyEnabled           = "enabled"
	KeyDeviceType        = "device_type"
	KeyDevices           = "devices"
	KeySelectedDevice    = "selected"
	KeyRemoteCDMs        = "remote_cdms"
	KeySelectedRemoteCDM = "selected_remote_cdm"

	devicePrefix    = "device:"
	remoteCDMPrefix = "remote_cdm:"
)

// RemoteCDM is an imported remote CDM profile
type RemoteCDM struct {
	Name          string `json:"name,omitempty"`
	DeviceName    string `json:"device_name,omitempty"`
	Host          string `json:"host"`
	Secret        string `json:"secret"`
	SecurityLevel int    `json:"security_level,omitempty"`
}

// Label returns the name a profile is stored under
func (r *RemoteCDM) Label() string {
	if r.DeviceName != "" {
		return r.DeviceName
	}
	return r.Name
}

// Manager reads and writes user settings and device bookkeeping
type Manager struct {
	logger *zap.Logger
	store  storage.Store
}

func NewManager(logger *zap.Logger, store storage.Store) *Manager {
	return &Manager{
		logger: logger.Named("settings"),
		store:  store,
	}
}

// Enabled reports whether interception is switched on. Defaults to false.
func (m *Manager) Enabled(ctx context.Context) (bool, error) {
	var enabled bool
	if _, err := storage.GetJSON(ctx, m.store, KeyEnabled, &enabled); err != nil {
		return false, err
	}
	return enabled, nil
}

func (m *Manager) SetEnabled(ctx context.Context, enabled bool) error {
	return storage.SetJSON(ctx, m.store, KeyEnabled, enabled)
}

// DeviceType returns the selected device type, PRD when unset
func (m *Manager) DeviceType(ctx context.Context) (cnst.DeviceType, error) {
	var dt string
	if _, err := storage.GetJSON(ctx, m.store, KeyDeviceType, &dt); err != nil {
		return "", err
	}
	if dt == "" {
		return cnst.DeviceTypePRD, nil
	}
	return cnst.DeviceType(dt), nil
}

func (m *Manager) SetDeviceType(ctx context.Context, dt cnst.DeviceType) error {
	return storage.SetJSON(ctx, m.store, KeyDeviceType, string(dt))
}

// Devices lists imported device names in import order
func (m *Manager) Devices(ctx context.Context) ([]string, error) {
	return m.list(ctx, KeyDevices)
}

// ImportDevice stores the device blob unless a device with that name already
// exists, then selects it.
func (m *Manager) ImportDevice(ctx context.Context, name string, blob []byte) error {
	if name == "" {
		return fmt.Errorf("device name is empty")
	}
	if _, err := m.store.Get(ctx, devicePrefix+name); errors.Is(err, cnst.ErrNotFound) {
		if err := m.appendList(ctx, KeyDevices, name); err != nil {
			return err
		}
		encoded := base64.StdEncoding.EncodeToString(blob)
		if err := storage.SetJSON(ctx, m.store, devicePrefix+name, encoded); err != nil {
			return err
		}
		m.logger.Info("device imported", zap.String("name", name))
	} else if err != nil {
		return err
	}
	return m.SelectDevice(ctx, name)
}

// Device returns the raw blob of the named device
func (m *Manager) Device(ctx context.Context, name string) ([]byte, error) {
	var encoded string
	found, err := storage.GetJSON(ctx, m.store, devicePrefix+name, &encoded)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("device %q: %w", name, cnst.ErrNotFound)
	}
	return base64.StdEncoding.DecodeString(encoded)
}

func (m *Manager) SelectedDevice(ctx context.Context) (string, error) {
	var name string
	_, err := storage.GetJSON(ctx, m.store, KeySelectedDevice, &name)
	return name, err
}

func (m *Manager) SelectDevice(ctx context.Context, name string) error {
	return storage.SetJSON(ctx, m.store, KeySelectedDevice, name)
}

// RemoveSelectedDevice drops the selected device from the list and deletes its
// blob. The selection itself is cleared as well.
func (m *Manager) RemoveSelectedDevice(ctx context.Context) error {
	name, err := m.SelectedDevice(ctx)
	if err != nil {
		return err
	}
	if name == "" {
		return cnst.ErrNoDevice
	}
	if err := m.removeFromList(ctx, KeyDevices, name); err != nil {
		return err
	}
	return m.store.Remove(ctx, devicePrefix+name, KeySelectedDevice)
}

// RemoteCDMs lists imported remote CDM profile names
func (m *Manager) RemoteCDMs(ctx context.Context) ([]string, error) {
	return m.list(ctx, KeyRemoteCDMs)
}

// ImportRemoteCDM parses a profile document, stores it when new, and selects
// it. The name comes from device_name, falling back to name.
func (m *Manager) ImportRemoteCDM(ctx context.Context, data []byte) (string, error) {
	var profile RemoteCDM
	if err := json.Unmarshal(data, &profile); err != nil {
		return "", fmt.Errorf("invalid remote cdm profile: %w", err)
	}
	name := profile.Label()
	if name == "" {
		return "", fmt.Errorf("remote cdm profile has no device_name or name")
	}

	if _, err := m.store.Get(ctx, remoteCDMPrefix+name); errors.Is(err, cnst.ErrNotFound) {
		if err := m.appendList(ctx, KeyRemoteCDMs, name); err != nil {
			return "", err
		}
		if err := storage.SetJSON(ctx, m.store, remoteCDMPrefix+name, &profile); err != nil {
			return "", err
		}
		m.logger.Info("remote cdm imported", zap.String("name", name), zap.String("host", profile.Host))
	} else if err != nil {
		return "", err
	}
	return name, m.SelectRemoteCDM(ctx, name)
}

func (m *Manager) RemoteCDM(ctx context.Context, name string) (*RemoteCDM, error) {
	var profile RemoteCDM
	found, err := storage.GetJSON(ctx, m.store, remoteCDMPrefix+name, &profile)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("remote cdm %q: %w", name, cnst.ErrNotFound)
	}
	return &profile, nil
}

func (m *Manager) SelectedRemoteCDM(ctx context.Context) (string, error) {
	var name string
	_, err := storage.GetJSON(ctx, m.store, KeySelectedRemoteCDM, &name)
	return name, err
}

func (m *Manager) SelectRemoteCDM(ctx context.Context, name string) error {
	return storage.SetJSON(ctx, m.store, KeySelectedRemoteCDM, name)
}

func (m *Manager) RemoveSelectedRemoteCDM(ctx context.Context) error {
	name, err := m.SelectedRemoteCDM(ctx)
	if err != nil {
		return err
	}
	if name == "" {
		return cnst.ErrNoDevice
	}
	if err := m.removeFromList(ctx, KeyRemoteCDMs, name); err != nil {
		return err
	}
	return m.store.Remove(ctx, remoteCDMPrefix+name, KeySelectedRemoteCDM)
}

func (m *Manager) list(ctx context.Context, key string) ([]string, error) {
	var names []string
	if _, err := storage.GetJSON(ctx, m.store, key, &names); err != nil {
		return nil, err
	}
	return names, nil
}

func (m *Manager) appendList(ctx context.Context, key, name string) error {
	names, err := m.list(ctx, key)
	if err != nil {
		return err
	}
	if slices.Contains(names, name) {
		return nil
	}
	return storage.SetJSON(ctx, m.store, key, append(names, name))
}

func (m *Manager) removeFromList(ctx context.Context, key, name string) error {
	names, err := m.list(ctx, key)
	if err != nil {
		return err
	}
	if names == nil {
		names = []string{}
	}
	return storage.SetJSON(ctx, m.store, key, slices.DeleteFunc(names, func(n string) bool { return n == name }))
}
