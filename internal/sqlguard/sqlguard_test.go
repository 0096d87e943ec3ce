package sqlguard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate_Allows(t *testing.T) {
	queries := []string{
		`SELECT complaint_type, COUNT(*) AS complaint_count
		 FROM service_requests
		 GROUP BY complaint_type
		 ORDER BY complaint_count DESC
		 LIMIT 10`,
		`SELECT 1;`,
		`WITH top_complaints AS (
		   SELECT complaint_type FROM service_requests GROUP BY complaint_type ORDER BY COUNT(*) DESC LIMIT 5
		 )
		 SELECT tc.complaint_type, COUNT(*) FILTER (WHERE sr.closed_date IS NOT NULL) AS total_closed
		 FROM top_complaints tc JOIN service_requests sr ON tc.complaint_type = sr.complaint_type
		 GROUP BY tc.complaint_type`,
		`SELECT borough FROM service_requests UNION ALL SELECT park_borough FROM service_requests`,
		`SELECT * FROM (SELECT agency FROM service_requests) s WHERE agency ILIKE '%nypd%'`,
	}
	for _, q := range queries {
		assert.NoError(t, Validate(q), q)
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		query string
		want  error
	}{
		{"", ErrEmpty},
		{"   ", ErrEmpty},
		{"SELEC complaint_type FROM service_requests", ErrParse},
		{"DROP TABLE service_requests", ErrNotSelect},
		{"DELETE FROM service_requests WHERE 1=1", ErrNotSelect},
		{"UPDATE service_requests SET status = 'Closed'", ErrNotSelect},
		{"INSERT INTO service_requests (unique_key) VALUES (1)", ErrNotSelect},
		{"TRUNCATE service_requests", ErrNotSelect},
		{"EXPLAIN ANALYZE SELECT 1", ErrNotSelect},
		{"SELECT 1; DROP TABLE service_requests", ErrMultiple},
		{"SELECT 1; SELECT 2", ErrMultiple},
		{"SELECT * INTO copy_table FROM service_requests", ErrSelectInto},
		{"SELECT * FROM service_requests FOR UPDATE", ErrLockingClause},
		{"WITH gone AS (DELETE FROM service_requests RETURNING *) SELECT * FROM gone", ErrWritableCTE},
		{"SELECT 1 UNION SELECT * FROM service_requests FOR SHARE", ErrLockingClause},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.ErrorIs(t, Validate(tt.query), tt.want)
		})
	}
}
