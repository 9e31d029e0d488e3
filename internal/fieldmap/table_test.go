package fieldmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/punchsync/internal/shared"
)

func TestMilMallRoundTrip(t *testing.T) {
	rec := Record{
		FieldEmployee:           "17",
		FieldEmployeeName:       "Jane Doe",
		FieldAttendanceDate:     "2025-02-03",
		FieldCompany:            "4",
		FieldCheckIn:            "2025-02-03 08:00:00",
		FieldCheckOut:           "2025-02-03 17:00:00",
		FieldStatus:             "Present",
		FieldAttendanceDeviceID: "101",
		FieldDefaultShift:       "2",
		FieldDevice:             "192.168.0.121",
	}

	ext := MilMall.ToExternal(rec)
	assert.Equal(t, Record{
		"id":                  "17",
		"first_name":          "Jane",
		"last_name":           "Doe",
		"date":                "2025-02-03",
		"business_id":         "4",
		"clock_in_time":       "2025-02-03 08:00:00",
		"clock_out_time":      "2025-02-03 17:00:00",
		"status":              "Present",
		"user_id":             "101",
		"essentials_shift_id": "2",
		"ip_address":          "192.168.0.121",
	}, ext)

	assert.Equal(t, rec, MilMall.ToInternal(ext))
}

func TestSplitWithSingleWordDropsComposite(t *testing.T) {
	ext := MilMall.ToExternal(Record{FieldEmployeeName: "Madonna", FieldEmployee: "9"})
	assert.Equal(t, Record{"id": "9"}, ext)
}

func TestSplitWithTooManyWordsDropsComposite(t *testing.T) {
	ext := MilMall.ToExternal(Record{FieldEmployeeName: "Mary Jane Watson"})
	assert.Empty(t, ext)
}

func TestJoinRequiresEveryPart(t *testing.T) {
	in := MilMall.ToInternal(Record{"first_name": "Jane", "last_name": "", "user_id": "5"})
	assert.Equal(t, Record{"first_name": "Jane", "last_name": "", FieldAttendanceDeviceID: "5"}, in)
	assert.NotContains(t, in, FieldEmployeeName)
}

func TestUnmappedFieldsPassThrough(t *testing.T) {
	ext := MilMall.ToExternal(Record{FieldTimestamp: "2025-02-03T08:00:00", FieldPunch: 0, FieldAttendanceDeviceID: "5"})
	assert.Equal(t, Record{FieldTimestamp: "2025-02-03T08:00:00", FieldPunch: 0, "user_id": "5"}, ext)
}

func TestKeepFiltersToExactFieldSet(t *testing.T) {
	ext := Record{"id": "3", "first_name": "Ada", "last_name": "Lovelace", "user_id": "42", "extra": true}
	got := MilMall.ToInternal(ext, FieldEmployee, FieldEmployeeName, FieldDefaultShift)
	assert.Equal(t, Record{FieldEmployee: "3", FieldEmployeeName: "Ada Lovelace"}, got)
}

func TestConversionDoesNotMutateInput(t *testing.T) {
	rec := Record{FieldEmployee: "1", FieldEmployeeName: "Jane Doe"}
	_ = MilMall.ToExternal(rec)
	assert.Equal(t, Record{FieldEmployee: "1", FieldEmployeeName: "Jane Doe"}, rec)
}

func TestNewTableValidation(t *testing.T) {
	cases := []struct {
		name   string
		fields []Field
	}{
		{"empty internal", []Field{Scalar("", "x")}},
		{"duplicate internal", []Field{Scalar("a", "x"), Scalar("a", "y")}},
		{"duplicate external", []Field{Scalar("a", "x"), Split("b", "x", "z")}},
		{"single part split", []Field{Split("a", "x")}},
		{"empty part", []Field{{Internal: "a", External: "x+", Kind: KindSplit}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewTable(tc.fields...)
			require.Error(t, err)
			assert.ErrorIs(t, err, shared.ErrConfiguration)
		})
	}

	table, err := NewTable(Scalar("a", "x"), Split("b", "y", "z"))
	require.NoError(t, err)
	assert.Len(t, table.Fields(), 2)
	name, ok := table.ExternalName("a")
	assert.True(t, ok)
	assert.Equal(t, "x", name)
	_, ok = table.ExternalName("b")
	assert.False(t, ok)
}
