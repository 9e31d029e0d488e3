package erp

import (
	"fmt"
	"sort"
	"strings"

	"github.com/odyssey-erp/punchsync/internal/fieldmap"
	"github.com/odyssey-erp/punchsync/internal/shared"
)

// Paths locates the ERP endpoints relative to the base URL.
type Paths struct {
	Token          string `yaml:"token"`
	Employee       string `yaml:"employee"`
	Attendance     string `yaml:"attendance"`
	BulkAttendance string `yaml:"bulk_attendance"`
	ClockIn        string `yaml:"clock_in"`
	ClockOut       string `yaml:"clock_out"`
	BulkSubmit     string `yaml:"bulk_submit"`
}

// Module describes one supported ERP integration.
type Module struct {
	Name  string
	Table *fieldmap.Table
	Paths Paths
}

var modules = map[string]Module{
	"milmall": {
		Name:  "milmall",
		Table: fieldmap.MilMall,
		Paths: Paths{
			Token:          "/oauth/token",
			Employee:       "/connector/api/user",
			Attendance:     "/connector/api/get-attendance",
			BulkAttendance: "/connector/api/attendance",
			ClockIn:        "/connector/api/clock-in",
			ClockOut:       "/connector/api/clock-out",
			BulkSubmit:     "/connector/api/attendance/bulk",
		},
	},
}

// LookupModule resolves a module by case-insensitive name.
func LookupModule(name string) (Module, error) {
	m, ok := modules[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Module{}, fmt.Errorf("erp: unsupported module %q (supported: %s): %w",
			name, strings.Join(SupportedModules(), ", "), shared.ErrConfiguration)
	}
	return m, nil
}

// SupportedModules lists the registered module names.
func SupportedModules() []string {
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WithOverrides replaces every non-empty path in p.
func (p Paths) WithOverrides(o Paths) Paths {
	pick := func(base, override string) string {
		if override != "" {
			return override
		}
		return base
	}
	return Paths{
		Token:          pick(p.Token, o.Token),
		Employee:       pick(p.Employee, o.Employee),
		Attendance:     pick(p.Attendance, o.Attendance),
		BulkAttendance: pick(p.BulkAttendance, o.BulkAttendance),
		ClockIn:        pick(p.ClockIn, o.ClockIn),
		ClockOut:       pick(p.ClockOut, o.ClockOut),
		BulkSubmit:     pick(p.BulkSubmit, o.BulkSubmit),
	}
}
