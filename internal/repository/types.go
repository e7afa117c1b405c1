package repository

import "database/sql"

type Repo struct {
	db *sql.DB
}

// Settings is per-guild persisted configuration. Rows are created lazily on
// first access with schema defaults.
type Settings struct {
	GuildID               string
	PlaylistLimit         int
	SecondsWaitAfterEmpty int
	DefaultVolume         int
	DefaultQueuePageSize  int
}
