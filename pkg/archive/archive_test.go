package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/teslashibe/go-interview/internal/log"
)

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func fixedLog(start time.Time) *Log {
	l := NewLog()
	l.started = start
	now := start
	l.now = func() time.Time {
		now = now.Add(30 * time.Second)
		return now
	}
	return l
}

func TestLog_Transcript(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l := fixedLog(start)
	l.Add(RoleInterviewer, "Welcome. Tell me about yourself.")
	l.Add(RoleCandidate, "  I build audio pipelines. ")
	l.Add(RoleCandidate, "   ")

	tr := l.Transcript("iv-1", "Ava", "Technical")
	want := "Interviewer: Welcome. Tell me about yourself.\nCandidate: I build audio pipelines."
	if tr.Transcript != want {
		t.Errorf("Transcript = %q, want %q", tr.Transcript, want)
	}
	if len(tr.Entries) != 2 || l.Len() != 2 {
		t.Errorf("entries = %d, want 2", len(tr.Entries))
	}
	if tr.Duration != 90 {
		t.Errorf("Duration = %v, want 90", tr.Duration)
	}
}

func TestStore_Put(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l := fixedLog(start)
	l.Add(RoleInterviewer, "Hello.")
	tr := l.Transcript("iv-1", "Ava", "Technical")

	putter := &fakePutter{}
	s := NewStore(putter, "interviews", "/transcripts/", log.Discard())
	key, err := s.Put(context.Background(), tr)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if key != "transcripts/iv-1/20260301T090100Z.json" {
		t.Errorf("key = %q", key)
	}
	in := putter.inputs[0]
	if aws.ToString(in.Bucket) != "interviews" || aws.ToString(in.ContentType) != "application/json" {
		t.Errorf("input = %+v", in)
	}
	if aws.ToInt64(in.ContentLength) != int64(len(putter.bodies[0])) {
		t.Errorf("ContentLength = %d, body %d bytes", aws.ToInt64(in.ContentLength), len(putter.bodies[0]))
	}
	var got Transcript
	if err := json.Unmarshal(putter.bodies[0], &got); err != nil {
		t.Fatal(err)
	}
	if got.InterviewID != "iv-1" || got.Transcript != "Interviewer: Hello." {
		t.Errorf("uploaded %+v", got)
	}
}

func TestStore_PutErrors(t *testing.T) {
	boom := errors.New("access denied")
	tests := []struct {
		name    string
		tr      Transcript
		putErr  error
		wantErr error
	}{
		{"empty", Transcript{InterviewID: "iv"}, nil, ErrEmptyTranscript},
		{"upload", Transcript{InterviewID: "iv", Transcript: "x"}, boom, boom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(&fakePutter{err: tt.putErr}, "b", "", log.Discard())
			if _, err := s.Put(context.Background(), tt.tr); !errors.Is(err, tt.wantErr) {
				t.Errorf("Put() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
