package validate

import (
	"fmt"
	"regexp"
	"strings"

	"procgate/pkg/models"
)

// Field length ceilings and numeric ranges for inbound packages.
const (
	MaxProjectNameLen   = 200
	MaxProjectFieldLen  = 100
	MaxCategoryLen      = 100
	MaxDescriptionLen   = 5000
	MaxAchievementsLen  = 1000
	MaxPersonNameLen    = 64
	MinResearchPeriod   = 1
	MaxResearchPeriod   = 120
	DefaultMaxFileSize  = 50 * 1024 * 1024
)

var (
	phonePattern      = regexp.MustCompile(`^1[3-9]\d{9}$`)
	emailPattern      = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)
	idDocumentPattern = regexp.MustCompile(`^[1-9]\d{5}(18|19|20)\d{2}(0[1-9]|1[0-2])(0[1-9]|[12]\d|3[01])\d{3}[\dXx]$`)
	keywordSeparators = regexp.MustCompile(`[，；;]`)
)

var submissionTypes = map[string]struct{}{
	models.TypeProposal:              {},
	models.TypeApplicationAttachment: {},
	models.TypeContractTemplate:      {},
	models.TypeSignedContract:        {},
	models.TypeDeliverableReport:     {},
}

var submissionStages = map[string]struct{}{
	models.StageApplication: {},
	models.StageReview:      {},
	models.StageExecution:   {},
}

var categoryLevels = map[string]struct{}{
	"重点": {},
	"一般": {},
}

// DefaultFileTypes is the allowed extension set for declared files.
var DefaultFileTypes = []string{"pdf", "doc", "docx", "xls", "xlsx", "ppt", "pptx", "txt", "zip", "rar"}

// Validator performs structural checks on submission packages. It does no
// I/O and collects every violation before failing.
type Validator struct {
	AllowedFileTypes map[string]struct{}
	MaxFileSize      int64
}

func New() *Validator {
	types := make(map[string]struct{}, len(DefaultFileTypes))
	for _, t := range DefaultFileTypes {
		types[t] = struct{}{}
	}
	return &Validator{AllowedFileTypes: types, MaxFileSize: DefaultMaxFileSize}
}

// AllowedTypes returns the sorted-ish extension list for the health echo.
func (v *Validator) AllowedTypes() []string {
	out := make([]string, 0, len(v.AllowedFileTypes))
	for _, t := range DefaultFileTypes {
		if _, ok := v.AllowedFileTypes[t]; ok {
			out = append(out, t)
		}
	}
	for t := range v.AllowedFileTypes {
		known := false
		for _, d := range DefaultFileTypes {
			if d == t {
				known = true
				break
			}
		}
		if !known {
			out = append(out, t)
		}
	}
	return out
}

// Validate returns every violation found in the package, or nil.
func (v *Validator) Validate(pkg models.SubmissionPackage) []models.FieldError {
	var errs []models.FieldError
	add := func(field, format string, args ...any) {
		errs = append(errs, models.FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if pkg.SubmissionID <= 0 {
		add("submission_id", "must be a positive identifier")
	}
	if pkg.ApplicationID <= 0 {
		add("application_id", "must be a positive identifier")
	}
	if _, ok := submissionTypes[pkg.SubmissionType]; !ok {
		add("submission_type", "unknown type %q", pkg.SubmissionType)
	}
	if _, ok := submissionStages[pkg.SubmissionStage]; !ok {
		add("submission_stage", "unknown stage %q", pkg.SubmissionStage)
	}
	if pkg.SubmissionRound <= 0 {
		add("submission_round", "must be a positive round number")
	}
	if pkg.SubmissionVersion < 0 {
		add("submission_version", "must not be negative")
	}

	if pkg.Project == nil {
		add("project", "project info is required")
	} else {
		v.validateProject(*pkg.Project, add)
	}
	if pkg.Applicant == nil {
		add("applicant", "applicant info is required")
	} else {
		v.validateApplicant(*pkg.Applicant, add)
	}
	if pkg.ProposalFile == nil {
		add("proposal_file", "proposal file is required")
	} else {
		v.validateFile("proposal_file", *pkg.ProposalFile, add)
	}
	for i, att := range pkg.Attachments {
		v.validateFile(fmt.Sprintf("attachments[%d]", i), att, add)
	}
	if pkg.Uploader == nil {
		add("uploader", "uploader info is required")
	} else {
		if strings.TrimSpace(pkg.Uploader.ID) == "" {
			add("uploader.id", "uploader id is required")
		}
		if strings.TrimSpace(pkg.Uploader.Name) == "" {
			add("uploader.name", "uploader name is required")
		}
		if pkg.Uploader.UploadTime.IsZero() {
			add("uploader.upload_time", "upload time is required")
		}
	}
	if len([]rune(pkg.Description)) > MaxDescriptionLen {
		add("description", "must not exceed %d characters", MaxDescriptionLen)
	}
	return errs
}

func (v *Validator) validateProject(p models.ProjectInfo, add func(string, string, ...any)) {
	if strings.TrimSpace(p.Name) == "" {
		add("project.name", "project name is required")
	} else if len([]rune(p.Name)) > MaxProjectNameLen {
		add("project.name", "must not exceed %d characters", MaxProjectNameLen)
	}
	if len([]rune(p.Field)) > MaxProjectFieldLen {
		add("project.field", "must not exceed %d characters", MaxProjectFieldLen)
	}
	if p.CategoryLevel != "" {
		if _, ok := categoryLevels[p.CategoryLevel]; !ok {
			add("project.category_level", "unknown category level %q", p.CategoryLevel)
		}
	}
	if len([]rune(p.CategorySpecific)) > MaxCategoryLen {
		add("project.category_specific", "must not exceed %d characters", MaxCategoryLen)
	}
	if p.ResearchPeriod != 0 && (p.ResearchPeriod < MinResearchPeriod || p.ResearchPeriod > MaxResearchPeriod) {
		add("project.research_period", "must be between %d and %d months", MinResearchPeriod, MaxResearchPeriod)
	}
	if len([]rune(p.Description)) > MaxDescriptionLen {
		add("project.description", "must not exceed %d characters", MaxDescriptionLen)
	}
	if len([]rune(p.ExpectedResults)) > MaxDescriptionLen {
		add("project.expected_results", "must not exceed %d characters", MaxDescriptionLen)
	}
	if p.WillingAdjust != "" && p.WillingAdjust != "Y" && p.WillingAdjust != "N" {
		add("project.willing_adjust", "must be Y or N")
	}
}

func (v *Validator) validateApplicant(a models.ApplicantInfo, add func(string, string, ...any)) {
	if strings.TrimSpace(a.Name) == "" {
		add("applicant.name", "applicant name is required")
	} else if len([]rune(a.Name)) > MaxPersonNameLen {
		add("applicant.name", "must not exceed %d characters", MaxPersonNameLen)
	}
	if a.Phone != "" && !phonePattern.MatchString(a.Phone) {
		add("applicant.phone", "invalid phone number")
	}
	if a.Email != "" && !emailPattern.MatchString(a.Email) {
		add("applicant.email", "invalid email address")
	}
	if a.IDDocument != "" && !idDocumentPattern.MatchString(a.IDDocument) {
		add("applicant.id_document", "invalid id document number")
	}
	if len([]rune(a.RepresentativeAchievements)) > MaxAchievementsLen {
		add("applicant.representative_achievements", "must not exceed %d characters", MaxAchievementsLen)
	}
}

func (v *Validator) validateFile(field string, f models.FileInfo, add func(string, string, ...any)) {
	if strings.TrimSpace(f.FileID) == "" {
		add(field+".file_id", "file id is required")
	}
	if strings.TrimSpace(f.Name) == "" {
		add(field+".name", "file name is required")
	}
	ext := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(f.Type), "."))
	if ext == "" {
		add(field+".type", "file type is required")
	} else if _, ok := v.AllowedFileTypes[ext]; !ok {
		add(field+".type", "file type %q is not allowed", f.Type)
	}
	if f.Size <= 0 {
		add(field+".size", "declared size must be positive")
	} else if f.Size > v.MaxFileSize {
		add(field+".size", "declared size exceeds %d bytes", v.MaxFileSize)
	}
}

// NormalizeKeywords rewrites fullwidth and semicolon separators to plain
// commas and trims surrounding whitespace per keyword.
func NormalizeKeywords(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	parts := strings.Split(keywordSeparators.ReplaceAllString(raw, ","), ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return strings.Join(out, ",")
}
