package models

import "time"

// Review records one persisted review artifact.
type Review struct {
	ID        int64
	ThreadID  string
	ReviewID  string
	Label     string
	Path      string
	CreatedAt time.Time
}
