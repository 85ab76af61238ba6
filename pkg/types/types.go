package types

import (
	"time"
)

// Scan represents one client-submitted scan of a target API.
type Scan struct {
	ID            string
	Owner         string // Principal ID of the submitter
	TargetURL     string
	SpecRef       string // Path of the canonical spec copy, relative to the artifact root
	Options       ScanOptions
	State         ScanState
	Progress      int // 0-100, monotonic non-decreasing
	CurrentPhase  ScanPhase
	ParallelMode  bool
	Chunks        []*Chunk
	FindingsCount int // merged finding total, set at successful finalize
	Error         string
	CreatedAt     time.Time
	StartedAt     time.Time
	CompletedAt   time.Time
	RetainUntil   time.Time
}

// TotalChunks returns the number of chunks the scan was partitioned into.
func (s *Scan) TotalChunks() int {
	return len(s.Chunks)
}

// Terminal reports whether the scan reached a terminal state.
func (s *Scan) Terminal() bool {
	return s.State == ScanStateCompleted || s.State == ScanStateFailed || s.State == ScanStateCancelled
}

// ScanState represents the lifecycle state of a scan
type ScanState string

const (
	ScanStateQueued    ScanState = "queued"
	ScanStateRunning   ScanState = "running"
	ScanStateCompleted ScanState = "completed"
	ScanStateFailed    ScanState = "failed"
	ScanStateCancelled ScanState = "cancelled"
)

// ScanPhase labels the coarse phase a scan is in, used for progress reporting
type ScanPhase string

const (
	PhaseInitializing ScanPhase = "initializing"
	PhaseScanning     ScanPhase = "scanning"
	PhaseMerging      ScanPhase = "merging"
	PhaseFinalizing   ScanPhase = "finalizing"
	PhaseDone         ScanPhase = "done"
)

// Chunk is a partition of a scan's endpoints assigned to one worker.
type Chunk struct {
	ScanID          string
	Index           int
	Paths           []string
	SpecPath        string // Mini-spec file, relative to the artifact root
	State           ChunkState
	Progress        int
	CurrentEndpoint string
	LastTelemetry   time.Time
	ExitKind        ExitKind
	FindingsPath    string // Findings artifact, relative to the artifact root
	Error           string
}

// Terminal reports whether the chunk reached a terminal state.
func (c *Chunk) Terminal() bool {
	return c.State == ChunkStateCompleted || c.State == ChunkStateFailed || c.State == ChunkStateCancelled
}

// ChunkState represents the state of a chunk
type ChunkState string

const (
	ChunkStatePending   ChunkState = "pending"
	ChunkStateRunning   ChunkState = "running"
	ChunkStateCompleted ChunkState = "completed"
	ChunkStateFailed    ChunkState = "failed"
	ChunkStateCancelled ChunkState = "cancelled"
)

// ExitKind classifies how a worker process terminated
type ExitKind string

const (
	// ExitSuccess means the worker enumerated all operations in its chunk.
	ExitSuccess ExitKind = "success"

	// ExitBudgetExhausted means the worker hit its request ceiling before
	// finishing the chunk. The request budget is a safety feature, not a
	// fault: the chunk counts as completed and partial findings are consumed.
	ExitBudgetExhausted ExitKind = "budget-exhausted"

	ExitError   ExitKind = "error"
	ExitTimeout ExitKind = "timeout"
	ExitKilled  ExitKind = "killed"
)

// ScanOptions is the recognized set of scan start options.
type ScanOptions struct {
	Scanners      []string `json:"scanners"`
	DangerousMode bool     `json:"dangerous_mode"` // Admin-only when true
	FuzzAuth      bool     `json:"fuzz_auth"`
	MaxRequests   int      `json:"max_requests"` // Per-worker request budget
	RPS           float64  `json:"rps"`          // Target-side request rate ceiling
	ParallelMode  bool     `json:"parallel_mode"`
	ChunkSize     int      `json:"chunk_size"`
	AllowInternal bool     `json:"allow_internal"` // Admin-only
}

// Defaults for scan options.
const (
	DefaultMaxRequests = 400
	DefaultRPS         = 2.0
	DefaultChunkSize   = 4
	DefaultScanner     = "ventiapi"
)

// ApplyDefaults fills zero-valued option fields with policy defaults.
func (o *ScanOptions) ApplyDefaults() {
	if len(o.Scanners) == 0 {
		o.Scanners = []string{DefaultScanner}
	}
	if o.MaxRequests == 0 {
		o.MaxRequests = DefaultMaxRequests
	}
	if o.RPS == 0 {
		o.RPS = DefaultRPS
	}
	if o.ChunkSize == 0 {
		o.ChunkSize = DefaultChunkSize
	}
}

// Finding is one vulnerability observation emitted by a worker.
type Finding struct {
	Rule        string   `json:"rule"`
	Title       string   `json:"title"`
	Severity    Severity `json:"severity"`
	Score       int      `json:"score"` // 0-10
	Endpoint    string   `json:"endpoint"`
	Method      string   `json:"method"`
	Description string   `json:"description"`
	Scanner     string   `json:"scanner"`
	Evidence    Evidence `json:"evidence"`
}

// Evidence carries the request/response capture backing a finding.
// Strings are size-capped at ingest time.
type Evidence struct {
	Request  string   `json:"request"`
	Response string   `json:"response"`
	POCLinks []string `json:"poc_links"`
}

// Severity is the five-level finding severity scale
type Severity string

const (
	SeverityCritical      Severity = "Critical"
	SeverityHigh          Severity = "High"
	SeverityMedium        Severity = "Medium"
	SeverityLow           Severity = "Low"
	SeverityInformational Severity = "Informational"
)

// ValidSeverity reports whether s is one of the five enumerated values.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInformational:
		return true
	}
	return false
}

// SeveritySummary counts findings per severity level.
type SeveritySummary struct {
	Critical      int `json:"critical"`
	High          int `json:"high"`
	Medium        int `json:"medium"`
	Low           int `json:"low"`
	Informational int `json:"informational"`
}

// Add increments the counter for the given severity.
func (s *SeveritySummary) Add(sev Severity) {
	switch sev {
	case SeverityCritical:
		s.Critical++
	case SeverityHigh:
		s.High++
	case SeverityMedium:
		s.Medium++
	case SeverityLow:
		s.Low++
	case SeverityInformational:
		s.Informational++
	}
}

// Principal is an authenticated identity.
type Principal struct {
	ID           string
	Login        string
	Role         Role
	PasswordHash []byte // bcrypt
	Active       bool
	CreatedAt    time.Time
}

// Role governs admission to admin-only operations
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// WorkerProfile is a static record describing one scanner engine.
// Adding a profile is a configuration change, not a code change.
type WorkerProfile struct {
	ID                   string             `yaml:"id" json:"id"`
	DisplayName          string             `yaml:"display_name" json:"display_name"`
	Description          string             `yaml:"description" json:"description"`
	SupportedTargetKinds []string           `yaml:"supported_target_kinds" json:"supported_target_kinds"`
	ResourceLimits       ResourceLimits     `yaml:"resource_limits" json:"resource_limits"`
	Timeout              time.Duration      `yaml:"timeout" json:"timeout"`
	Invocation           InvocationTemplate `yaml:"invocation" json:"-"`
}

// ResourceLimits bounds one worker process.
type ResourceLimits struct {
	MemoryBytes int64   `yaml:"memory_bytes" json:"memory_bytes"`
	CPUCores    float64 `yaml:"cpu_cores" json:"cpu_cores"`
}

// InvocationTemplate names the program and arguments used to launch a
// worker. Args and Env may contain the placeholders {spec}, {target},
// {output}, {max_requests}, {rps}, {dangerous} and {fuzz_auth}.
type InvocationTemplate struct {
	Program string   `yaml:"program"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
}

// Telemetry is the progress record a worker may write to its output
// directory. Absence of telemetry is tolerated.
type Telemetry struct {
	Progress        int       `json:"progress"` // 0-100 within the chunk
	CurrentEndpoint string    `json:"current_endpoint"`
	UpdatedAt       time.Time `json:"updated_at"`
}
