package domain

// FileStatus is the lifecycle state of a catalog File record.
type FileStatus string

const (
	StatusPending  FileStatus = "pending"
	StatusComplete FileStatus = "complete"
	StatusDeleted  FileStatus = "deleted"
	StatusError    FileStatus = "error"
	StatusIgnore   FileStatus = "ignore"
)
