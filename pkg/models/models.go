package models

import "time"

// Submission type and stage enumerations accepted from the process system.
const (
	TypeProposal              = "proposal"
	TypeApplicationAttachment = "application_attachment"
	TypeContractTemplate      = "contract_template"
	TypeSignedContract        = "signed_contract"
	TypeDeliverableReport     = "deliverable_report"

	StageApplication = "application"
	StageReview      = "review"
	StageExecution   = "execution"
)

// File categories and storage states.
const (
	FileCategoryProposal   = "proposal"
	FileCategoryAttachment = "attachment"

	StorageUploaded   = "uploaded"
	StorageProcessing = "processing"
	StorageCompleted  = "completed"
	StorageFailed     = "failed"
)

// Sync record types and states.
const (
	SyncTypeManual = "manual"
	SyncTypeBatch  = "batch"
	SyncTypeRetry  = "retry"

	SyncStatusPending        = "pending"
	SyncStatusSuccess        = "success"
	SyncStatusPartialSuccess = "partial_success"
	SyncStatusFailed         = "failed"
	SyncStatusSkipped        = "skipped"
)

// Machine-readable reason codes surfaced to callers.
const (
	CodeInvalidCredential   = "invalid_credential"
	CodeInvalidSignature    = "invalid_signature"
	CodeMissingSignature    = "missing_signature"
	CodeStaleTimestamp      = "stale_timestamp"
	CodeAddressNotAllowed   = "address_not_allowed"
	CodeSuspiciousRequest   = "suspicious_request"
	CodeValidationFailed    = "validation_failed"
	CodeDuplicateSubmission = "duplicate_submission"
	CodeRateLimited         = "rate_limited"
	CodeNotFound            = "not_found"
	CodeStorageError        = "storage_error"
)

// LineageKey identifies the set of submissions that differ only by version.
type LineageKey struct {
	ApplicationID   int64  `json:"application_id"`
	SubmissionType  string `json:"submission_type"`
	SubmissionStage string `json:"submission_stage"`
	SubmissionRound int    `json:"submission_round"`
}

// IdentityTuple is the full idempotency key: lineage plus a specific version.
type IdentityTuple struct {
	LineageKey
	SubmissionVersion int `json:"submission_version"`
}

// SubmissionPackage is the inbound push payload. Unknown or malformed shapes
// are rejected at the boundary; nothing downstream handles untyped maps.
type SubmissionPackage struct {
	SubmissionID      int64          `json:"submission_id"`
	ApplicationID     int64          `json:"application_id"`
	SubmissionType    string         `json:"submission_type"`
	SubmissionStage   string         `json:"submission_stage"`
	SubmissionRound   int            `json:"submission_round"`
	SubmissionVersion int            `json:"submission_version,omitempty"`
	Project           *ProjectInfo   `json:"project"`
	Applicant         *ApplicantInfo `json:"applicant"`
	ProposalFile      *FileInfo      `json:"proposal_file"`
	Attachments       []FileInfo     `json:"attachments,omitempty"`
	Uploader          *UploaderInfo  `json:"uploader"`
	Description       string         `json:"description,omitempty"`
}

// Lineage returns the natural key of the package.
func (p SubmissionPackage) Lineage() LineageKey {
	return LineageKey{
		ApplicationID:   p.ApplicationID,
		SubmissionType:  p.SubmissionType,
		SubmissionStage: p.SubmissionStage,
		SubmissionRound: p.SubmissionRound,
	}
}

// Identity returns the full idempotency key of the package.
func (p SubmissionPackage) Identity() IdentityTuple {
	return IdentityTuple{LineageKey: p.Lineage(), SubmissionVersion: p.SubmissionVersion}
}

type ProjectInfo struct {
	Name             string `json:"name"`
	Field            string `json:"field,omitempty"`
	CategoryLevel    string `json:"category_level,omitempty"`
	CategorySpecific string `json:"category_specific,omitempty"`
	ResearchPeriod   int    `json:"research_period,omitempty"`
	Keywords         string `json:"keywords,omitempty"`
	Description      string `json:"description,omitempty"`
	ExpectedResults  string `json:"expected_results,omitempty"`
	WillingAdjust    string `json:"willing_adjust,omitempty"`
}

type ApplicantInfo struct {
	Name                       string `json:"name"`
	IDDocument                 string `json:"id_document,omitempty"`
	EducationDegree            string `json:"education_degree,omitempty"`
	TechnicalTitle             string `json:"technical_title,omitempty"`
	Email                      string `json:"email,omitempty"`
	Phone                      string `json:"phone,omitempty"`
	WorkUnit                   string `json:"work_unit,omitempty"`
	UnitAddress                string `json:"unit_address,omitempty"`
	RepresentativeAchievements string `json:"representative_achievements,omitempty"`
}

type FileInfo struct {
	FileID       string `json:"file_id"`
	Name         string `json:"name"`
	OriginalName string `json:"original_name,omitempty"`
	Size         int64  `json:"size"`
	Type         string `json:"type"`
	MimeType     string `json:"mime_type,omitempty"`
	Path         string `json:"path,omitempty"`
	URL          string `json:"url,omitempty"`
	MD5          string `json:"md5,omitempty"`
	Description  string `json:"description,omitempty"`
}

type UploaderInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	UploadTime time.Time `json:"upload_time"`
}

// Submission is one stored versioned package. Rows are immutable after
// insert; corrections arrive as a new version and removal is a del_flag flip.
type Submission struct {
	SubmissionID      int64         `json:"submission_id"`
	ApplicationID     int64         `json:"application_id"`
	SubmissionType    string        `json:"submission_type"`
	SubmissionStage   string        `json:"submission_stage"`
	SubmissionRound   int           `json:"submission_round"`
	SubmissionVersion int           `json:"submission_version"`
	Project           ProjectInfo   `json:"project"`
	Applicant         ApplicantInfo `json:"applicant"`
	ProposalFile      FileInfo      `json:"proposal_file"`
	Attachments       []FileInfo    `json:"attachments,omitempty"`
	UploaderID        string        `json:"uploader_id"`
	UploaderName      string        `json:"uploader_name"`
	UploadTime        time.Time     `json:"upload_time"`
	Description       string        `json:"description,omitempty"`
	SyncTime          *time.Time    `json:"sync_time,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
}

func (s Submission) Lineage() LineageKey {
	return LineageKey{
		ApplicationID:   s.ApplicationID,
		SubmissionType:  s.SubmissionType,
		SubmissionStage: s.SubmissionStage,
		SubmissionRound: s.SubmissionRound,
	}
}

// SubmissionFile is metadata for one file owned by a submission. Created in
// the same transaction as the submission; only storage_status ever changes.
type SubmissionFile struct {
	FileID        string    `json:"file_id"`
	SubmissionID  int64     `json:"submission_id"`
	FileName      string    `json:"file_name"`
	OriginalName  string    `json:"original_name,omitempty"`
	FileSize      int64     `json:"file_size"`
	FileType      string    `json:"file_type"`
	MimeType      string    `json:"mime_type,omitempty"`
	FilePath      string    `json:"file_path,omitempty"`
	FileURL       string    `json:"file_url,omitempty"`
	FileCategory  string    `json:"file_category"`
	FileMD5       string    `json:"file_md5,omitempty"`
	StorageStatus string    `json:"storage_status"`
	UploaderID    string    `json:"uploader_id,omitempty"`
	UploaderName  string    `json:"uploader_name,omitempty"`
	UploadTime    time.Time `json:"upload_time"`
}

// SyncRecord is one synchronization attempt for an application or batch.
type SyncRecord struct {
	ID            int64      `json:"id"`
	SyncID        string     `json:"sync_id"`
	ApplicationID int64      `json:"application_id"`
	SubmissionID  int64      `json:"submission_id,omitempty"`
	SyncType      string     `json:"sync_type"`
	SyncStatus    string     `json:"sync_status"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	SyncCount     int        `json:"sync_count"`
	SuccessCount  int        `json:"success_count"`
	FailedCount   int        `json:"failed_count"`
	ErrorCode     string     `json:"error_code,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	SourceHash    string     `json:"source_hash,omitempty"`
	OperatorID    string     `json:"operator_id,omitempty"`
	OperatorName  string     `json:"operator_name,omitempty"`
	Remark        string     `json:"remark,omitempty"`
	RetryCount    int        `json:"retry_count"`
	NextRetryTime *time.Time `json:"next_retry_time,omitempty"`

	// Items carries the per-package outcomes of the attempt. Not persisted;
	// the durable row keeps only the aggregate counts.
	Items []SyncItemResult `json:"items,omitempty"`
}

// Per-item sync outcomes.
const (
	SyncOutcomeNew       = "new"
	SyncOutcomeUpdated   = "updated"
	SyncOutcomeUnchanged = "unchanged"
	SyncOutcomeFailed    = "failed"
)

// SyncItemResult classifies one package inside a sync attempt: new when the
// store accepted the first version of a lineage, updated when it accepted a
// higher version, unchanged when the identity tuple was already present.
type SyncItemResult struct {
	SubmissionID      int64  `json:"submission_id"`
	SubmissionVersion int    `json:"submission_version,omitempty"`
	Outcome           string `json:"outcome"`
	Error             string `json:"error,omitempty"`
}

// FieldError is one validation violation. Validation collects every
// violation before failing so the pusher gets the full list in one round trip.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string { return e.Field + ": " + e.Message }
