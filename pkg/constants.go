package shared

const (
	ProjectID = "mocap-project" // Can be overridden by env var

	TopicArchiveExport = "topic-archive-export"

	// CloudEvent metadata for export jobs
	EventSourceAPI     = "/mocap/api"
	EventTypeExportJob = "com.mocap.archive.export.requested"

	ArchivePrefix = "archives"
)
