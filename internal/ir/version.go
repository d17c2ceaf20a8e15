package ir

// Version constants for the persisted format and the engine.
const (
	// FormatVersion is the version of the persisted payload and summary format.
	FormatVersion = "1"

	// EngineVersion is the coedit engine version.
	EngineVersion = "0.1.0"
)
