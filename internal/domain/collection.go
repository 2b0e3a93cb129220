package domain

import "time"

// DocumentCollection groups documents created as a side effect of a run.
type DocumentCollection struct {
	ID             int64
	OrganizationID int64
	ProjectID      *int64
	Name           string
	RunID          int64
	DocumentIDs    []int64
	CreatedAt      time.Time
}
