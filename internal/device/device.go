// Package device pulls raw punches from attendance terminals into the store.
package device

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/punchsync/internal/punch"
	"github.com/odyssey-erp/punchsync/internal/shared"
)

// Device describes one terminal in the inventory.
type Device struct {
	ID       string `yaml:"id" validate:"required"`
	Address  string `yaml:"address" validate:"required"`
	Port     int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
	Attlog   string `yaml:"attlog" validate:"required"`
	Timezone string `yaml:"timezone"`
	Disabled bool   `yaml:"disabled"`

	loc *time.Location
}

// Location is the zone the terminal clock runs in.
func (d Device) Location() *time.Location {
	if d.loc != nil {
		return d.loc
	}
	return time.Local
}

// Source issues commands to terminals. Disable, Enable and Clear are opaque
// to the caller.
type Source interface {
	Pull(ctx context.Context, d Device) ([]punch.Record, error)
	Disable(ctx context.Context, d Device) error
	Enable(ctx context.Context, d Device) error
	Clear(ctx context.Context, d Device) error
}

type inventory struct {
	Devices []Device `yaml:"devices" validate:"dive"`
}

// LoadInventory reads the device list from a YAML file. Disabled entries are
// dropped.
func LoadInventory(path string) ([]Device, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("device: read inventory: %w: %w", shared.ErrConfiguration, err)
	}
	return ParseInventory(buf)
}

// ParseInventory decodes and validates an inventory document.
func ParseInventory(buf []byte) ([]Device, error) {
	var inv inventory
	if err := yaml.Unmarshal(buf, &inv); err != nil {
		return nil, fmt.Errorf("device: parse inventory: %w: %w", shared.ErrConfiguration, err)
	}
	if err := validator.New().Struct(inv); err != nil {
		return nil, fmt.Errorf("device: invalid inventory: %w: %w", shared.ErrConfiguration, err)
	}

	seen := make(map[string]struct{}, len(inv.Devices))
	devices := make([]Device, 0, len(inv.Devices))
	for _, d := range inv.Devices {
		d.ID = strings.TrimSpace(d.ID)
		if _, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("device: duplicate device %q: %w", d.ID, shared.ErrConfiguration)
		}
		seen[d.ID] = struct{}{}
		if d.Timezone != "" {
			loc, err := time.LoadLocation(d.Timezone)
			if err != nil {
				return nil, fmt.Errorf("device: %s: timezone %q: %w", d.ID, d.Timezone, shared.ErrConfiguration)
			}
			d.loc = loc
		}
		if d.Disabled {
			continue
		}
		devices = append(devices, d)
	}
	return devices, nil
}
