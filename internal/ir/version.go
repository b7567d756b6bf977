package ir

// Version constants for on-disk formats.
const (
	// SchemaVersion is the record schema version written into documents.
	SchemaVersion = 1

	// AppVersion is the convo release version.
	AppVersion = "0.1.0"
)
