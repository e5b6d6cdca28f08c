package repository

import (
	"fmt"

	"github.com/lib/pq"
)

const (
	devicesTable = "devices"
	sectorsTable = "device_sectors"
)

// table returns a schema-qualified, quoted table name.
func table(schema, name string) string {
	if schema == "" {
		return pq.QuoteIdentifier(name)
	}
	return fmt.Sprintf("%s.%s", pq.QuoteIdentifier(schema), pq.QuoteIdentifier(name))
}
