package submission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"procgate/pkg/models"

	"github.com/jackc/pgx/v5"
)

const fileColumns = `
	file_id, submission_id, file_name, original_name, file_size, file_type, mime_type,
	file_path, file_url, file_category, file_md5, storage_status,
	uploader_id, uploader_name, upload_time`

// ErrBadTransition is returned when a storage status change is not allowed
// from the file's current state.
var ErrBadTransition = errors.New("storage status transition not allowed")

// storageTransitions maps each target status to the states it may follow.
var storageTransitions = map[string][]string{
	models.StorageProcessing: {models.StorageUploaded},
	models.StorageCompleted:  {models.StorageProcessing},
	models.StorageFailed:     {models.StorageUploaded, models.StorageProcessing},
}

// FileFilter narrows a file listing.
type FileFilter struct {
	SubmissionID  int64
	FileCategory  string
	StorageStatus string
	Limit         int
	Offset        int
}

// Files lists live file rows matching the filter, newest upload first.
func (s *Store) Files(ctx context.Context, f FileFilter) ([]models.SubmissionFile, int64, error) {
	conds := []string{"del_flag='0'"}
	var args []any
	if f.SubmissionID > 0 {
		args = append(args, f.SubmissionID)
		conds = append(conds, fmt.Sprintf("submission_id=$%d", len(args)))
	}
	if f.FileCategory != "" {
		args = append(args, f.FileCategory)
		conds = append(conds, fmt.Sprintf("file_category=$%d", len(args)))
	}
	if f.StorageStatus != "" {
		args = append(args, f.StorageStatus)
		conds = append(conds, fmt.Sprintf("storage_status=$%d", len(args)))
	}
	where := " WHERE " + strings.Join(conds, " AND ")

	var total int64
	if err := s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM process_submission_files`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count files: %w", err)
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
	rows, err := s.DB.Query(ctx,
		`SELECT `+fileColumns+` FROM process_submission_files`+where+
			fmt.Sprintf(` ORDER BY upload_time DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()
	files, err := collectFiles(rows)
	if err != nil {
		return nil, 0, err
	}
	return files, total, nil
}

// FileByID returns one live file row, ErrNotFound when absent.
func (s *Store) FileByID(ctx context.Context, fileID string) (models.SubmissionFile, error) {
	row := s.DB.QueryRow(ctx,
		`SELECT `+fileColumns+` FROM process_submission_files WHERE file_id=$1 AND del_flag='0'`,
		fileID)
	f, err := scanFile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.SubmissionFile{}, ErrNotFound
		}
		return models.SubmissionFile{}, fmt.Errorf("get file: %w", err)
	}
	return f, nil
}

// FilesBySubmission lists every live file owned by one submission, proposal
// first then attachments by upload time.
func (s *Store) FilesBySubmission(ctx context.Context, submissionID int64) ([]models.SubmissionFile, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT `+fileColumns+` FROM process_submission_files
		 WHERE submission_id=$1 AND del_flag='0'
		 ORDER BY CASE file_category WHEN 'proposal' THEN 0 ELSE 1 END, upload_time ASC`,
		submissionID)
	if err != nil {
		return nil, fmt.Errorf("query submission files: %w", err)
	}
	defer rows.Close()
	return collectFiles(rows)
}

// UpdateFileStatus moves one file along the storage lifecycle. The WHERE
// clause carries the permitted prior states so a concurrent update loses
// cleanly instead of clobbering.
func (s *Store) UpdateFileStatus(ctx context.Context, fileID, status string) error {
	prior, ok := storageTransitions[status]
	if !ok {
		return fmt.Errorf("%w: unknown target %q", ErrBadTransition, status)
	}
	tag, err := s.DB.Exec(ctx,
		`UPDATE process_submission_files SET storage_status=$1
		 WHERE file_id=$2 AND del_flag='0' AND storage_status = ANY($3)`,
		status, fileID, prior)
	if err != nil {
		return fmt.Errorf("update file status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.FileByID(ctx, fileID); err != nil {
			return err
		}
		return fmt.Errorf("%w: file %s cannot move to %s", ErrBadTransition, fileID, status)
	}
	return nil
}

// DownloadURL returns the canonical download address for a file: the stored
// URL when present, otherwise a path derived from the configured prefix.
func (s *Store) DownloadURL(f models.SubmissionFile) string {
	if f.FileURL != "" {
		return f.FileURL
	}
	return strings.TrimRight(s.URLPrefix, "/") + "/" + f.FileID
}

// SignedDownloadURL stamps an expiry onto the canonical address.
func (s *Store) SignedDownloadURL(f models.SubmissionFile, expiresIn time.Duration) (string, time.Time) {
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}
	expiresAt := s.now().Add(expiresIn)
	return fmt.Sprintf("%s?expires=%d", s.DownloadURL(f), expiresAt.Unix()), expiresAt
}

func collectFiles(rows pgx.Rows) ([]models.SubmissionFile, error) {
	var out []models.SubmissionFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return out, nil
}

func scanFile(row rowScanner) (models.SubmissionFile, error) {
	var f models.SubmissionFile
	if err := row.Scan(
		&f.FileID, &f.SubmissionID, &f.FileName, &f.OriginalName, &f.FileSize, &f.FileType, &f.MimeType,
		&f.FilePath, &f.FileURL, &f.FileCategory, &f.FileMD5, &f.StorageStatus,
		&f.UploaderID, &f.UploaderName, &f.UploadTime,
	); err != nil {
		return models.SubmissionFile{}, err
	}
	return f, nil
}
