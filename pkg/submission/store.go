package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"procgate/pkg/models"
	"procgate/pkg/validate"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the narrow slice of pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

var (
	// ErrDuplicate means the full identity tuple already exists. Callers
	// treat it as success-equivalent: the version was already applied.
	ErrDuplicate = errors.New("submission version already exists")
	ErrNotFound  = errors.New("submission not found")
)

// Store owns all writes to the submission and file tables. No other
// component touches them directly.
type Store struct {
	DB        DB
	URLPrefix string
	Now       func() time.Time
}

func NewStore(db DB) *Store {
	return &Store{DB: db, URLPrefix: "/process-system/files", Now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// IsDuplicate checks the full five-part identity tuple for an exact match.
func (s *Store) IsDuplicate(ctx context.Context, t models.IdentityTuple) (bool, error) {
	var exists bool
	err := s.DB.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM process_submissions
			WHERE application_id=$1 AND submission_type=$2 AND submission_stage=$3
			  AND submission_round=$4 AND submission_version=$5
		)`,
		t.ApplicationID, t.SubmissionType, t.SubmissionStage, t.SubmissionRound, t.SubmissionVersion,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("duplicate lookup: %w", err)
	}
	return exists, nil
}

// NextVersion returns max(existing versions)+1 for a lineage, 1 when the
// lineage has no rows yet. The subsequent insert relies on the table's
// uniqueness constraint to arbitrate concurrent assignments of the same
// version: exactly one insert wins, the loser surfaces ErrDuplicate.
func (s *Store) NextVersion(ctx context.Context, k models.LineageKey) (int, error) {
	var next int
	err := s.DB.QueryRow(ctx, `
		SELECT COALESCE(MAX(submission_version), 0) + 1 FROM process_submissions
		WHERE application_id=$1 AND submission_type=$2 AND submission_stage=$3 AND submission_round=$4`,
		k.ApplicationID, k.SubmissionType, k.SubmissionStage, k.SubmissionRound,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next version: %w", err)
	}
	return next, nil
}

// Store persists one package: submission row plus one file row per declared
// file, in a single transaction. A submission never exists without its
// proposal file. When the package carries no explicit version the next one
// for the lineage is assigned.
func (s *Store) Store(ctx context.Context, pkg models.SubmissionPackage) (models.Submission, error) {
	version := pkg.SubmissionVersion
	if version <= 0 {
		next, err := s.NextVersion(ctx, pkg.Lineage())
		if err != nil {
			return models.Submission{}, err
		}
		version = next
	} else {
		dup, err := s.IsDuplicate(ctx, pkg.Identity())
		if err != nil {
			return models.Submission{}, err
		}
		if dup {
			return models.Submission{}, ErrDuplicate
		}
	}

	now := s.now()
	sub := buildSubmission(pkg, version, now)

	attachmentsJSON, err := json.Marshal(sub.Attachments)
	if err != nil {
		return models.Submission{}, fmt.Errorf("marshal attachments: %w", err)
	}
	if len(sub.Attachments) == 0 {
		attachmentsJSON = []byte("[]")
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return models.Submission{}, fmt.Errorf("begin store tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO process_submissions (
			submission_id, application_id, submission_type, submission_stage,
			submission_round, submission_version,
			project_name, project_field, category_level, category_specific,
			research_period, project_keywords, project_description, expected_results, willing_adjust,
			applicant_name, id_document, education_degree, technical_title,
			email, phone, work_unit, unit_address, representative_achievements,
			proposal_file_id, proposal_file_name, proposal_file_size, proposal_file_type, proposal_file_url,
			other_attachments, uploader_id, uploader_name, upload_time,
			submission_description, del_flag, sync_time, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
			$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33,$34,'0',$35,$36)`,
		sub.SubmissionID, sub.ApplicationID, sub.SubmissionType, sub.SubmissionStage,
		sub.SubmissionRound, sub.SubmissionVersion,
		sub.Project.Name, sub.Project.Field, sub.Project.CategoryLevel, sub.Project.CategorySpecific,
		sub.Project.ResearchPeriod, sub.Project.Keywords, sub.Project.Description, sub.Project.ExpectedResults, sub.Project.WillingAdjust,
		sub.Applicant.Name, sub.Applicant.IDDocument, sub.Applicant.EducationDegree, sub.Applicant.TechnicalTitle,
		sub.Applicant.Email, sub.Applicant.Phone, sub.Applicant.WorkUnit, sub.Applicant.UnitAddress, sub.Applicant.RepresentativeAchievements,
		sub.ProposalFile.FileID, sub.ProposalFile.Name, sub.ProposalFile.Size, sub.ProposalFile.Type, sub.ProposalFile.URL,
		attachmentsJSON, sub.UploaderID, sub.UploaderName, sub.UploadTime,
		sub.Description, now, now,
	); err != nil {
		if isUniqueViolation(err) {
			return models.Submission{}, ErrDuplicate
		}
		return models.Submission{}, fmt.Errorf("insert submission: %w", err)
	}

	if err := insertFile(ctx, tx, sub.SubmissionID, *pkg.ProposalFile, models.FileCategoryProposal, pkg.Uploader, now); err != nil {
		return models.Submission{}, err
	}
	for _, att := range pkg.Attachments {
		if err := insertFile(ctx, tx, sub.SubmissionID, att, models.FileCategoryAttachment, pkg.Uploader, now); err != nil {
			return models.Submission{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Submission{}, fmt.Errorf("commit store tx: %w", err)
	}
	syncTime := now
	sub.SyncTime = &syncTime
	return sub, nil
}

func insertFile(ctx context.Context, tx pgx.Tx, submissionID int64, f models.FileInfo, category string, uploader *models.UploaderInfo, now time.Time) error {
	uploaderID, uploaderName := "", ""
	uploadTime := now
	if uploader != nil {
		uploaderID, uploaderName = uploader.ID, uploader.Name
		if !uploader.UploadTime.IsZero() {
			uploadTime = uploader.UploadTime
		}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO process_submission_files (
			file_id, submission_id, file_name, original_name, file_size, file_type, mime_type,
			file_path, file_url, file_category, file_md5, storage_status,
			uploader_id, uploader_name, upload_time, del_flag, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,'0',$16)`,
		f.FileID, submissionID, f.Name, f.OriginalName, f.Size, f.Type, f.MimeType,
		f.Path, f.URL, category, f.MD5, models.StorageUploaded,
		uploaderID, uploaderName, uploadTime, now,
	); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert %s file %s: %w", category, f.FileID, err)
	}
	return nil
}

func buildSubmission(pkg models.SubmissionPackage, version int, now time.Time) models.Submission {
	sub := models.Submission{
		SubmissionID:      pkg.SubmissionID,
		ApplicationID:     pkg.ApplicationID,
		SubmissionType:    pkg.SubmissionType,
		SubmissionStage:   pkg.SubmissionStage,
		SubmissionRound:   pkg.SubmissionRound,
		SubmissionVersion: version,
		Attachments:       pkg.Attachments,
		Description:       pkg.Description,
		UploadTime:        now,
		CreatedAt:         now,
	}
	if pkg.Project != nil {
		sub.Project = *pkg.Project
		sub.Project.Keywords = validate.NormalizeKeywords(pkg.Project.Keywords)
	}
	if pkg.Applicant != nil {
		sub.Applicant = *pkg.Applicant
	}
	if pkg.ProposalFile != nil {
		sub.ProposalFile = *pkg.ProposalFile
	}
	if pkg.Uploader != nil {
		sub.UploaderID = pkg.Uploader.ID
		sub.UploaderName = pkg.Uploader.Name
		if !pkg.Uploader.UploadTime.IsZero() {
			sub.UploadTime = pkg.Uploader.UploadTime
		}
	}
	return sub
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
