package shared

import "fmt"

// TokenKey builds the redis key holding the persisted ERP token for a module.
func TokenKey(module string) string {
	return fmt.Sprintf("punchsync:%s:auth", module)
}

// LastRunKey builds the redis key holding the latest run summary.
func LastRunKey(module string) string {
	return fmt.Sprintf("punchsync:%s:run:last", module)
}
