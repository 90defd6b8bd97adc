package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/wolfman30/dentaldesk/internal/conversation"
	"github.com/wolfman30/dentaldesk/internal/tools"
	"github.com/wolfman30/dentaldesk/pkg/logging"
)

// S3API is the subset of the S3 client used by Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Store archives closed conversations to S3.
type Store struct {
	bucket   string
	s3Client S3API
	logger   *logging.Logger
	now      func() time.Time
}

var _ conversation.Archiver = (*Store)(nil)

// NewStore creates an archive Store. If bucket is empty, all operations are no-ops.
func NewStore(s3Client S3API, bucket string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{
		bucket:   bucket,
		s3Client: s3Client,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Enabled returns true if archival is configured (bucket is set).
func (s *Store) Enabled() bool {
	return s != nil && s.bucket != "" && s.s3Client != nil
}

// ObjectKey is where a conversation closed at closedAt is written.
func ObjectKey(key string, closedAt time.Time) string {
	closedAt = closedAt.UTC()
	return fmt.Sprintf("conversations/v1/by-date/%d/%02d/%02d/%s-%d.json",
		closedAt.Year(), closedAt.Month(), closedAt.Day(), HashKey(key), closedAt.Unix())
}

// ArchiveConversation writes the conversation and its turns as JSON and
// appends it to the monthly manifest. Rewriting the same conversation
// overwrites the same object.
func (s *Store) ArchiveConversation(ctx context.Context, conv conversation.Conversation, turns []conversation.Turn) error {
	if !s.Enabled() {
		return nil
	}

	record := BuildRecord(conv, turns, s.now())
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("archive: marshal record: %w", err)
	}

	s3Key := ObjectKey(conv.Key, record.ClosedAt)
	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s3Key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put %s: %w", s3Key, err)
	}

	s.logger.Info("archived conversation to S3",
		"key_hash", record.KeyHash,
		"s3_key", s3Key,
		"turn_count", record.TurnCount,
		"outcome", record.Outcome,
	)

	entry := ManifestEntry{
		KeyHash:      record.KeyHash,
		S3Key:        s3Key,
		ClosedReason: record.ClosedReason,
		Outcome:      record.Outcome,
		ArchivedAt:   record.ArchivedAt.Format(time.RFC3339),
		TurnCount:    record.TurnCount,
	}
	if err := s.AppendManifest(ctx, entry); err != nil {
		// the conversation object is already written
		s.logger.Warn("failed to append manifest", "error", err, "key_hash", record.KeyHash)
	}
	return nil
}

// BuildRecord converts a closed conversation into its archived form.
func BuildRecord(conv conversation.Conversation, turns []conversation.Turn, archivedAt time.Time) *Record {
	closedAt := archivedAt
	if conv.ClosedAt != nil {
		closedAt = conv.ClosedAt.UTC()
	}
	out := make([]Turn, 0, len(turns))
	for _, t := range turns {
		out = append(out, Turn{
			Seq:       t.Seq,
			Role:      string(t.Role),
			Content:   t.Content,
			ToolName:  t.ToolName,
			ToolError: t.ToolError,
			Timestamp: t.CreatedAt.UTC(),
		})
	}
	ScrubTurns(out)

	var duration int
	if len(out) >= 2 {
		duration = int(out[len(out)-1].Timestamp.Sub(out[0].Timestamp).Seconds())
	}
	return &Record{
		Version:         recordVersion,
		KeyHash:         HashKey(conv.Key),
		ClosedReason:    conv.ClosedReason,
		StartedAt:       conv.CreatedAt.UTC(),
		ClosedAt:        closedAt,
		ArchivedAt:      archivedAt.UTC(),
		DurationSeconds: duration,
		TurnCount:       len(out),
		LastSeq:         conv.LastSeq,
		Outcome:         outcome(turns),
		Turns:           out,
	}
}

// outcome is the last successful appointment change, or inquiry.
func outcome(turns []conversation.Turn) string {
	if len(turns) == 0 {
		return "empty"
	}
	result := "inquiry"
	for _, t := range turns {
		if t.Role != conversation.RoleTool || t.ToolError {
			continue
		}
		switch t.ToolName {
		case tools.ToolBookAppointment:
			result = "booked"
		case tools.ToolRescheduleAppointment:
			result = "rescheduled"
		case tools.ToolCancelAppointment:
			result = "cancelled"
		}
	}
	return result
}

// AppendManifest appends a JSONL line to the monthly manifest file.
// S3 has no append, so this reads, extends and rewrites the object.
func (s *Store) AppendManifest(ctx context.Context, entry ManifestEntry) error {
	if !s.Enabled() {
		return nil
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("archive: marshal manifest entry: %w", err)
	}

	now := s.now()
	manifestKey := fmt.Sprintf("conversations/v1/manifests/%d-%02d.jsonl", now.Year(), now.Month())

	var existing []byte
	getResp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(manifestKey),
	})
	switch {
	case err == nil:
		existing, err = io.ReadAll(getResp.Body)
		getResp.Body.Close()
		if err != nil {
			return fmt.Errorf("archive: read manifest: %w", err)
		}
	case isNotFound(err):
		s.logger.Debug("manifest not found, creating new", "key", manifestKey)
	default:
		return fmt.Errorf("archive: s3 get manifest: %w", err)
	}

	var buf bytes.Buffer
	if len(existing) > 0 {
		buf.Write(existing)
		if existing[len(existing)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	buf.Write(line)
	buf.WriteByte('\n')

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(manifestKey),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put manifest: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "404") || strings.Contains(msg, "not found")
}
