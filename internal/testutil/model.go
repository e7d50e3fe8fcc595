// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/confine/internal/schema"
)

// CompanySource is the CUE model used across tests.
//
// Contractor inherits from Employee, so queries on Employee include
// contractors unless subentities are excluded.
const CompanySource = `
model: Company: {
	entity: Employee: {
		attribute: {
			firstName: string
			lastName:  string
			salary:    float
			age:       int
			active:    bool
			hired:     "date"
			photo:     bytes
		}
		required: ["lastName"]
		relationship: {
			manager: target: "Employee"
			reports: {target: "Employee", toMany: true}
			department: target: "Department"
		}
	}
	entity: Contractor: {
		parent: "Employee"
		attribute: agency: string
	}
	entity: Department: {
		attribute: {
			name:           string
			budget:         int
			additionalData: bytes
		}
		required: ["name"]
	}
}
`

// CompanyModel compiles CompanySource, failing the test on error.
func CompanyModel(t testing.TB) *schema.Model {
	t.Helper()
	m, err := schema.CompileSource("company.cue", []byte(CompanySource), "Company")
	require.NoError(t, err)
	return m
}

// StorePath returns a fresh SQLite file path inside the test's temp dir.
func StorePath(t testing.TB, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name+".sqlite")
}
