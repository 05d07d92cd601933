package runtimebuild

// Phase is a stage of the build state machine (spec §4.5).
type Phase string

const (
	PhasePreflight        Phase = "Preflight"
	PhaseCreateTemp       Phase = "CreateTemp"
	PhaseLinkBase         Phase = "LinkBase"
	PhaseOverlayWorkspace Phase = "OverlayWorkspace"
	PhaseFinalize         Phase = "Finalize"
	PhaseComplete         Phase = "Complete"
	PhaseFailed           Phase = "Failed"
)

// Progress is published to the caller-supplied callback, throttled every
// 100 base-entries and every 50 blob-entries (spec §4.5).
type Progress struct {
	Phase          Phase
	CurrentStep    int
	TotalSteps     int
	CurrentFile    string
	FilesProcessed int
	TotalFiles     int
	BytesProcessed int64
	TotalBytes     int64
	Err            error
	Completed      bool
}

// ProgressFunc receives Progress updates during a build.
type ProgressFunc func(Progress)

func noopProgress(Progress) {}
