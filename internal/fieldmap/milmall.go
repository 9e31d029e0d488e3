package fieldmap

// Internal field names shared by every ERP module.
const (
	FieldEmployee           = "employee"
	FieldEmployeeName       = "employee_name"
	FieldAttendanceDate     = "attendance_date"
	FieldCompany            = "company"
	FieldCheckIn            = "check_in"
	FieldCheckOut           = "check_out"
	FieldStatus             = "status"
	FieldAttendanceDeviceID = "attendance_device_id"
	FieldDefaultShift       = "default_shift"
	FieldDevice             = "device"
	FieldTimestamp          = "timestamp"
	FieldPunch              = "punch"
)

// EmployeeFields is the employee directory projection requested on every run.
var EmployeeFields = []string{
	FieldEmployee,
	FieldEmployeeName,
	FieldAttendanceDate,
	FieldCompany,
	FieldCheckIn,
	FieldCheckOut,
	FieldStatus,
	FieldAttendanceDeviceID,
	FieldDefaultShift,
}

// MilMall maps internal records to the MilMall essentials API.
var MilMall = MustTable(
	Scalar(FieldEmployee, "id"),
	Split(FieldEmployeeName, "first_name", "last_name"),
	Scalar(FieldAttendanceDate, "date"),
	Scalar(FieldCompany, "business_id"),
	Scalar(FieldCheckIn, "clock_in_time"),
	Scalar(FieldCheckOut, "clock_out_time"),
	Scalar(FieldStatus, "status"),
	Scalar(FieldAttendanceDeviceID, "user_id"),
	Scalar(FieldDefaultShift, "essentials_shift_id"),
	Scalar(FieldDevice, "ip_address"),
)
