// Package archive keeps the interview transcript and uploads it to S3
// compatible storage when the session ends.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/teslashibe/go-interview/internal/config"
)

// ErrEmptyTranscript is returned when there is nothing to upload.
var ErrEmptyTranscript = errors.New("archive: transcript is empty")

// Role identifies who said a line.
type Role string

const (
	RoleCandidate   Role = "candidate"
	RoleInterviewer Role = "interviewer"
)

// Entry is one line of the transcript.
type Entry struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Transcript is the uploaded document.
type Transcript struct {
	InterviewID   string    `json:"eventId"`
	Transcript    string    `json:"transcript"`
	BotName       string    `json:"botName"`
	InterviewType string    `json:"interviewType"`
	Duration      float64   `json:"duration"`
	Entries       []Entry   `json:"entries"`
	Timestamp     time.Time `json:"timestamp"`
}

// Log collects transcript lines. It is safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	started time.Time
	entries []Entry
	now     func() time.Time
}

// NewLog creates an empty log starting now.
func NewLog() *Log {
	return &Log{started: time.Now(), now: time.Now}
}

// Add appends a line. Blank text is ignored.
func (l *Log) Add(role Role, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	l.mu.Lock()
	l.entries = append(l.entries, Entry{Role: role, Text: text, At: l.now()})
	l.mu.Unlock()
}

// Len returns the number of lines.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Transcript renders the log as an upload document.
func (l *Log) Transcript(interviewID, botName, interviewType string) Transcript {
	l.mu.Lock()
	defer l.mu.Unlock()

	var b strings.Builder
	for _, e := range l.entries {
		if e.Role == RoleInterviewer {
			b.WriteString("Interviewer: ")
		} else {
			b.WriteString("Candidate: ")
		}
		b.WriteString(e.Text)
		b.WriteByte('\n')
	}
	now := l.now()
	return Transcript{
		InterviewID:   interviewID,
		Transcript:    strings.TrimSuffix(b.String(), "\n"),
		BotName:       botName,
		InterviewType: interviewType,
		Duration:      now.Sub(l.started).Seconds(),
		Entries:       append([]Entry(nil), l.entries...),
		Timestamp:     now.UTC(),
	}
}

// ObjectPutter is the part of *s3.Client the store uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store uploads transcripts to a bucket.
type Store struct {
	client ObjectPutter
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Client creates an S3 client for cfg. A custom endpoint switches to
// path-style addressing for S3 compatible services.
func NewS3Client(cfg config.Archive) *s3.Client {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	return s3.New(s3.Options{}, func(o *s3.Options) {
		o.Credentials = creds
		o.Region = region
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
}

// NewStore creates a Store.
func NewStore(client ObjectPutter, bucket, prefix string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.With("component", "archive"),
	}
}

// Key returns the object key for t.
func (s *Store) Key(t Transcript) string {
	name := fmt.Sprintf("%s.json", t.Timestamp.UTC().Format("20060102T150405Z"))
	return path.Join(s.prefix, t.InterviewID, name)
}

// Put uploads t and returns its key.
func (s *Store) Put(ctx context.Context, t Transcript) (string, error) {
	if t.Transcript == "" {
		return "", ErrEmptyTranscript
	}
	if t.InterviewID == "" {
		return "", fmt.Errorf("archive: interview id required")
	}
	body, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return "", fmt.Errorf("archive: marshal: %w", err)
	}

	key := s.Key(t)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: upload %s: %w", key, err)
	}
	s.logger.Info("transcript archived", "bucket", s.bucket, "key", key, "lines", len(t.Entries))
	return key, nil
}
