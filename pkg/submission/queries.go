package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"procgate/pkg/models"

	"github.com/jackc/pgx/v5"
)

const submissionColumns = `
	submission_id, application_id, submission_type, submission_stage,
	submission_round, submission_version,
	project_name, project_field, category_level, category_specific,
	research_period, project_keywords, project_description, expected_results, willing_adjust,
	applicant_name, id_document, education_degree, technical_title,
	email, phone, work_unit, unit_address, representative_achievements,
	proposal_file_id, proposal_file_name, proposal_file_size, proposal_file_type, proposal_file_url,
	other_attachments, uploader_id, uploader_name, upload_time,
	submission_description, sync_time, created_at`

// Filter narrows a submission listing. Zero values mean "not filtered".
type Filter struct {
	ApplicationID   int64
	SubmissionStage string
	SubmissionType  string
	ProjectName     string
	ApplicantName   string
	UploadedFrom    *time.Time
	UploadedTo      *time.Time
	Limit           int
	Offset          int
}

// Get returns one submission by id, ErrNotFound when absent or soft-deleted.
func (s *Store) Get(ctx context.Context, submissionID int64) (models.Submission, error) {
	row := s.DB.QueryRow(ctx,
		`SELECT `+submissionColumns+` FROM process_submissions WHERE submission_id=$1 AND del_flag='0'`,
		submissionID)
	sub, err := scanSubmission(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Submission{}, ErrNotFound
		}
		return models.Submission{}, fmt.Errorf("get submission: %w", err)
	}
	return sub, nil
}

// Query lists submissions matching the filter, newest upload first, and
// returns the unpaged total.
func (s *Store) Query(ctx context.Context, f Filter) ([]models.Submission, int64, error) {
	where, args := buildFilter(f)

	var total int64
	if err := s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM process_submissions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count submissions: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	sql := `SELECT ` + submissionColumns + ` FROM process_submissions` + where +
		fmt.Sprintf(` ORDER BY upload_time DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	subs, err := s.querySubmissions(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	return subs, total, nil
}

// ByApplication lists every live submission for one application.
func (s *Store) ByApplication(ctx context.Context, applicationID int64) ([]models.Submission, error) {
	return s.querySubmissions(ctx,
		`SELECT `+submissionColumns+` FROM process_submissions
		 WHERE application_id=$1 AND del_flag='0' ORDER BY upload_time DESC`,
		applicationID)
}

// ByApplicationStage lists live submissions for one application and stage.
func (s *Store) ByApplicationStage(ctx context.Context, applicationID int64, stage string) ([]models.Submission, error) {
	return s.querySubmissions(ctx,
		`SELECT `+submissionColumns+` FROM process_submissions
		 WHERE application_id=$1 AND submission_stage=$2 AND del_flag='0' ORDER BY upload_time DESC`,
		applicationID, stage)
}

// History returns every version of one lineage, ordered by version.
func (s *Store) History(ctx context.Context, k models.LineageKey, descending bool) ([]models.Submission, error) {
	order := "ASC"
	if descending {
		order = "DESC"
	}
	return s.querySubmissions(ctx,
		`SELECT `+submissionColumns+` FROM process_submissions
		 WHERE application_id=$1 AND submission_type=$2 AND submission_stage=$3 AND submission_round=$4 AND del_flag='0'
		 ORDER BY submission_version `+order,
		k.ApplicationID, k.SubmissionType, k.SubmissionStage, k.SubmissionRound)
}

// RoundHistory returns the latest version of each round for an
// application/type/stage prefix, ordered by round.
func (s *Store) RoundHistory(ctx context.Context, applicationID int64, submissionType, stage string) ([]models.Submission, error) {
	return s.querySubmissions(ctx,
		`SELECT DISTINCT ON (submission_round) `+submissionColumns+` FROM process_submissions
		 WHERE application_id=$1 AND submission_type=$2 AND submission_stage=$3 AND del_flag='0'
		 ORDER BY submission_round ASC, submission_version DESC`,
		applicationID, submissionType, stage)
}

// FullHistory returns every version of every round for the prefix.
func (s *Store) FullHistory(ctx context.Context, applicationID int64, submissionType, stage string) ([]models.Submission, error) {
	return s.querySubmissions(ctx,
		`SELECT `+submissionColumns+` FROM process_submissions
		 WHERE application_id=$1 AND submission_type=$2 AND submission_stage=$3 AND del_flag='0'
		 ORDER BY submission_round ASC, submission_version ASC`,
		applicationID, submissionType, stage)
}

// ByVersion returns the exact identity tuple, ErrNotFound when absent.
func (s *Store) ByVersion(ctx context.Context, t models.IdentityTuple) (models.Submission, error) {
	row := s.DB.QueryRow(ctx,
		`SELECT `+submissionColumns+` FROM process_submissions
		 WHERE application_id=$1 AND submission_type=$2 AND submission_stage=$3
		   AND submission_round=$4 AND submission_version=$5 AND del_flag='0'`,
		t.ApplicationID, t.SubmissionType, t.SubmissionStage, t.SubmissionRound, t.SubmissionVersion)
	sub, err := scanSubmission(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Submission{}, ErrNotFound
		}
		return models.Submission{}, fmt.Errorf("get submission by version: %w", err)
	}
	return sub, nil
}

// LastSyncTime reports the newest sync stamp among an application's
// submissions, nil when none was ever stamped.
func (s *Store) LastSyncTime(ctx context.Context, applicationID int64) (*time.Time, error) {
	var last *time.Time
	err := s.DB.QueryRow(ctx,
		`SELECT MAX(sync_time) FROM process_submissions WHERE application_id=$1 AND del_flag='0'`,
		applicationID).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("last sync time: %w", err)
	}
	return last, nil
}

func buildFilter(f Filter) (string, []any) {
	conds := []string{"del_flag='0'"}
	var args []any
	next := func() int { return len(args) }
	if f.ApplicationID > 0 {
		args = append(args, f.ApplicationID)
		conds = append(conds, fmt.Sprintf("application_id=$%d", next()))
	}
	if f.SubmissionStage != "" {
		args = append(args, f.SubmissionStage)
		conds = append(conds, fmt.Sprintf("submission_stage=$%d", next()))
	}
	if f.SubmissionType != "" {
		args = append(args, f.SubmissionType)
		conds = append(conds, fmt.Sprintf("submission_type=$%d", next()))
	}
	if f.ProjectName != "" {
		args = append(args, "%"+f.ProjectName+"%")
		conds = append(conds, fmt.Sprintf("project_name ILIKE $%d", next()))
	}
	if f.ApplicantName != "" {
		args = append(args, "%"+f.ApplicantName+"%")
		conds = append(conds, fmt.Sprintf("applicant_name ILIKE $%d", next()))
	}
	if f.UploadedFrom != nil {
		args = append(args, *f.UploadedFrom)
		conds = append(conds, fmt.Sprintf("upload_time >= $%d", next()))
	}
	if f.UploadedTo != nil {
		args = append(args, *f.UploadedTo)
		conds = append(conds, fmt.Sprintf("upload_time <= $%d", next()))
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *Store) querySubmissions(ctx context.Context, sql string, args ...any) ([]models.Submission, error) {
	rows, err := s.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	defer rows.Close()
	var out []models.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (models.Submission, error) {
	var (
		sub         models.Submission
		attachments []byte
	)
	if err := row.Scan(
		&sub.SubmissionID, &sub.ApplicationID, &sub.SubmissionType, &sub.SubmissionStage,
		&sub.SubmissionRound, &sub.SubmissionVersion,
		&sub.Project.Name, &sub.Project.Field, &sub.Project.CategoryLevel, &sub.Project.CategorySpecific,
		&sub.Project.ResearchPeriod, &sub.Project.Keywords, &sub.Project.Description, &sub.Project.ExpectedResults, &sub.Project.WillingAdjust,
		&sub.Applicant.Name, &sub.Applicant.IDDocument, &sub.Applicant.EducationDegree, &sub.Applicant.TechnicalTitle,
		&sub.Applicant.Email, &sub.Applicant.Phone, &sub.Applicant.WorkUnit, &sub.Applicant.UnitAddress, &sub.Applicant.RepresentativeAchievements,
		&sub.ProposalFile.FileID, &sub.ProposalFile.Name, &sub.ProposalFile.Size, &sub.ProposalFile.Type, &sub.ProposalFile.URL,
		&attachments, &sub.UploaderID, &sub.UploaderName, &sub.UploadTime,
		&sub.Description, &sub.SyncTime, &sub.CreatedAt,
	); err != nil {
		return models.Submission{}, err
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &sub.Attachments); err != nil {
			return models.Submission{}, fmt.Errorf("decode attachments: %w", err)
		}
	}
	return sub, nil
}
