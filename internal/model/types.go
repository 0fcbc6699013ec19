// Package model holds the shared record types for the face-recognition
// back-plane: subjects, embeddings, jobs, cameras and presence records.
package model

import "time"

// SubjectKind tags a Subject as an employee or a visitor.
type SubjectKind string

const (
	SubjectEmployee SubjectKind = "employee"
	SubjectVisitor  SubjectKind = "visitor"
)

// Subject is a person enrolled in the system.
type Subject struct {
	SubjectID   string      `json:"subject_id"`
	TenantID    string      `json:"tenant_id"`
	Kind        SubjectKind `json:"kind"`
	Active      bool        `json:"active"`
	Blacklisted bool        `json:"blacklisted"`
	DisplayName string      `json:"display_name"`
	Contact     string      `json:"contact,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// EmbeddingStatus is the lifecycle state of an EmbeddingRecord.
type EmbeddingStatus string

const (
	EmbeddingQueued    EmbeddingStatus = "queued"
	EmbeddingStarted   EmbeddingStatus = "started"
	EmbeddingDone      EmbeddingStatus = "done"
	EmbeddingFailed    EmbeddingStatus = "failed"
	EmbeddingDuplicate EmbeddingStatus = "duplicate"
)

// SubjectStatus tracks the overall enrollment outcome of a subject, beyond
// the per-model EmbeddingStatus.
type SubjectStatus string

const (
	SubjectStatusOK                  SubjectStatus = "ok"
	SubjectStatusIncomplete          SubjectStatus = "incomplete"
	SubjectStatusPendingDuplicateRem SubjectStatus = "pending_duplicate_removal"
)

// EmbeddingRecord is the per-(subject, model) pointer to a stored embedding
// blob, as attached to a Subject.
type EmbeddingRecord struct {
	SubjectID   string          `json:"subject_id"`
	TenantID    string          `json:"tenant_id"`
	Model       string          `json:"model"`
	Handle      string          `json:"handle,omitempty"`
	Status      EmbeddingStatus `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	DuplicateOf string          `json:"duplicate_of,omitempty"`
	LastUpdated time.Time       `json:"last_updated"`
}

// Pose identifies one of the three required enrollment views.
type Pose string

const (
	PoseCenter Pose = "center"
	PoseLeft   Pose = "left"
	PoseRight  Pose = "right"
)

// PoseOrder is the order poses are processed in, per the training worker contract.
var PoseOrder = []Pose{PoseCenter, PoseLeft, PoseRight}

// EnrollmentImages maps pose to an opaque image handle for one (subject, model) set.
type EnrollmentImages struct {
	SubjectID string          `json:"subject_id"`
	TenantID  string          `json:"tenant_id"`
	Model     string          `json:"model"`
	Images    map[Pose]string `json:"images"`
}

// JobStatus is the lifecycle state of a training Job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobStarted   JobStatus = "started"
	JobDone      JobStatus = "done"
	JobFailed    JobStatus = "failed"
	JobDuplicate JobStatus = "duplicate"
)

// Job is one durable unit of training work in C2.
type Job struct {
	JobID       string     `json:"job_id"`
	TenantID    string     `json:"tenant_id"`
	SubjectID   string     `json:"subject_id"`
	SubjectKind SubjectKind `json:"subject_kind"`
	Model       string     `json:"model"`
	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Heartbeat   *time.Time `json:"heartbeat,omitempty"`
	WorkerID    string     `json:"worker_id,omitempty"`
	RetryCount  int        `json:"retry_count"`
	Error       string     `json:"error,omitempty"`
	DuplicateOf string     `json:"duplicate_of,omitempty"`
}

// CameraRole is whether a camera is posted at an entry or exit point.
type CameraRole string

const (
	CameraEntry CameraRole = "entry"
	CameraExit  CameraRole = "exit"
)

// Camera is static, startup-loaded camera topology.
type Camera struct {
	CameraID    string     `json:"camera_id"`
	TenantID    string     `json:"tenant_id"`
	CampusID    string     `json:"campus_id"`
	Role        CameraRole `json:"role"`
	DisplayName string     `json:"display_name"`
	SourceURI   string     `json:"source_uri"`
}

// PresenceStatus is whether a subject is currently inside or outside a campus.
type PresenceStatus string

const (
	StatusInside  PresenceStatus = "inside"
	StatusOutside PresenceStatus = "outside"
)

// PendingTransition holds the first-seen detection awaiting confirm/expiry.
type PendingTransition struct {
	CameraID    string    `json:"camera_id"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	Similarity  float64   `json:"similarity"`
}

// PersonState is the in-memory, per-subject presence state machine record.
type PersonState struct {
	SubjectID       string             `json:"subject_id"`
	TenantID        string             `json:"tenant_id"`
	CampusID        string             `json:"campus_id"`
	Status          PresenceStatus     `json:"status"`
	CurrentEntryAt  *time.Time         `json:"current_entry_at,omitempty"`
	LastExitAt      *time.Time         `json:"last_exit_at,omitempty"`
	EntriesToday    int                `json:"entries_today"`
	ExitsToday      int                `json:"exits_today"`
	LastCamera      string             `json:"last_camera,omitempty"`
	LastSeenAt      *time.Time         `json:"last_seen_at,omitempty"`
	DetectionsToday int                `json:"detections_today"`
	PendingEntry    *PendingTransition `json:"pending_entry,omitempty"`
	PendingExit     *PendingTransition `json:"pending_exit,omitempty"`
	DayKey          string             `json:"-"`

	// WrongCameraCamera/WrongCameraCount track repeated detections on a
	// camera whose role doesn't match the subject's current status (e.g. an
	// exit-camera hit while already outside). Crossing the configured
	// threshold emits a supplemented "anomaly" event; see peopleCount.py.
	WrongCameraCamera string `json:"-"`
	WrongCameraCount  int    `json:"-"`
}

// UnknownCluster is the running identity assigned to an unmatched face.
type UnknownCluster struct {
	ClusterID      string      `json:"cluster_id"`
	TenantID       string      `json:"tenant_id"`
	CampusID       string      `json:"campus_id"`
	FirstSeen      time.Time   `json:"first_seen"`
	LastSeen       time.Time   `json:"last_seen"`
	DetectionCount int         `json:"detection_count"`
	CamerasSeen    map[string]struct{} `json:"-"`
	EmbeddingRing  [][]float32 `json:"-"`
	Centroid       []float32   `json:"-"`
}

// EventKind enumerates the Event.kind values. "anomaly" is a supplemented
// kind beyond the three named in the data model.
type EventKind string

const (
	EventEntry             EventKind = "entry"
	EventExit              EventKind = "exit"
	EventUnknownDetection  EventKind = "unknown_detection"
	EventAnomaly           EventKind = "anomaly"
)

// Event is an immutable, append-only presence record.
type Event struct {
	EventID    string    `json:"event_id"`
	Kind       EventKind `json:"kind"`
	TenantID   string    `json:"tenant_id"`
	CampusID   string    `json:"campus_id"`
	SubjectID  string    `json:"subject_id,omitempty"`
	ClusterID  string    `json:"cluster_id,omitempty"`
	CameraID   string    `json:"camera_id"`
	Timestamp  time.Time `json:"timestamp"`
	Similarity float64   `json:"similarity"`
	BBox       []float64 `json:"bbox,omitempty"`
	IsNew      bool      `json:"is_new,omitempty"`
}

// CampusCounters are the rebuildable per-(tenant,campus,day) aggregate totals.
type CampusCounters struct {
	TenantID          string `json:"tenant_id"`
	CampusID          string `json:"campus_id"`
	Day               string `json:"day"`
	Inside            int    `json:"inside"`
	EmployeesInside   int    `json:"employees_inside"`
	VisitorsInside    int    `json:"visitors_inside"`
	Entries           int    `json:"entries"`
	Exits             int    `json:"exits"`
	UnknownDetections int    `json:"unknown_detections"`
	UniqueUnknowns    int    `json:"unique_unknowns"`
}

// Detection is what the recognize stage hands to the presence engine.
type Detection struct {
	TenantID  string
	CampusID  string
	CameraID  string
	Timestamp time.Time
	SubjectID string    // empty if unknown
	Embedding []float32 // set only for unknown detections
	Score     float64
	BBox      []float64
}
