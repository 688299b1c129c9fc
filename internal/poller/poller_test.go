package poller

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/yourusername/fileflow/internal/jobs"
)

// scriptedFetcher は Fetch ごとにあらかじめ用意した応答を順番に返します。
type scriptedFetcher struct {
	responses []fetchResult
	calls     int
}

type fetchResult struct {
	status *Status
	err    error
}

func (f *scriptedFetcher) Fetch(_ context.Context, jobID string) (*Status, error) {
	if f.calls >= len(f.responses) {
		return nil, fmt.Errorf("unexpected fetch #%d for job %s", f.calls+1, jobID)
	}
	r := f.responses[f.calls]
	f.calls++
	return r.status, r.err
}

func processingStatus(percent int) fetchResult {
	return fetchResult{status: &Status{JobID: "job-1", Status: jobs.StatusProcessing, Progress: percent}}
}

func TestPollSuccess(t *testing.T) {
	fetcher := &scriptedFetcher{responses: []fetchResult{
		processingStatus(10),
		processingStatus(60),
		{status: &Status{JobID: "job-1", Status: jobs.StatusCompleted, Progress: 100, OutputRef: "job-1/out/archive.zip"}},
	}}
	p := New(fetcher, time.Millisecond, 10, time.Minute)

	var seen []int
	outputRef, err := p.Poll(context.Background(), "job-1", func(percent int, _ string) {
		seen = append(seen, percent)
	})
	if err != nil {
		t.Fatalf("Poll returned error: %v", err)
	}
	if outputRef != "job-1/out/archive.zip" {
		t.Fatalf("unexpected outputRef: %s", outputRef)
	}
	if len(seen) != 2 || seen[0] != 10 || seen[1] != 60 {
		t.Fatalf("unexpected progress callbacks: %v", seen)
	}
}

// ジョブが終端に達しないまま試行回数の上限に到達すると
// ちょうど maxAttempts 回の取得で打ち切られる。
func TestPollMaxAttemptsExceeded(t *testing.T) {
	fetcher := &scriptedFetcher{responses: []fetchResult{
		processingStatus(10),
		processingStatus(20),
		processingStatus(30),
	}}
	p := New(fetcher, time.Millisecond, 3, time.Minute)

	_, err := p.Poll(context.Background(), "job-1", nil)
	if !errors.Is(err, ErrPollingTimedOut) {
		t.Fatalf("Poll = %v, want ErrPollingTimedOut", err)
	}
	if fetcher.calls != 3 {
		t.Fatalf("fetch count = %d, want exactly 3", fetcher.calls)
	}
}

func TestPollWallTimeoutExceeded(t *testing.T) {
	fetcher := &scriptedFetcher{responses: []fetchResult{
		processingStatus(10),
		processingStatus(20),
		processingStatus(30),
		processingStatus(40),
	}}
	// 試行回数の上限には遠いが、経過時間が先に尽きる
	p := New(fetcher, 30*time.Millisecond, 1000, 50*time.Millisecond)

	_, err := p.Poll(context.Background(), "job-1", nil)
	if !errors.Is(err, ErrPollingTimedOut) {
		t.Fatalf("Poll = %v, want ErrPollingTimedOut", err)
	}
	if fetcher.calls >= 1000 {
		t.Fatalf("fetch count = %d, wall timeout should have fired first", fetcher.calls)
	}
}

func TestPollJobFailed(t *testing.T) {
	fetcher := &scriptedFetcher{responses: []fetchResult{
		processingStatus(10),
		{status: &Status{JobID: "job-1", Status: jobs.StatusFailed, Error: "処理に失敗しました"}},
	}}
	p := New(fetcher, time.Millisecond, 10, time.Minute)

	_, err := p.Poll(context.Background(), "job-1", nil)
	var jobErr *JobError
	if !errors.As(err, &jobErr) {
		t.Fatalf("Poll = %v, want *JobError", err)
	}
	if jobErr.Status != jobs.StatusFailed {
		t.Fatalf("JobError.Status = %s, want %s", jobErr.Status, jobs.StatusFailed)
	}
	if errors.Is(err, ErrPollingTimedOut) {
		t.Fatal("job failure must be distinct from polling timeout")
	}
}

func TestPollJobCancelled(t *testing.T) {
	fetcher := &scriptedFetcher{responses: []fetchResult{
		{status: &Status{JobID: "job-1", Status: jobs.StatusCancelled, Message: "取消されました"}},
	}}
	p := New(fetcher, time.Millisecond, 10, time.Minute)

	_, err := p.Poll(context.Background(), "job-1", nil)
	var jobErr *JobError
	if !errors.As(err, &jobErr) {
		t.Fatalf("Poll = %v, want *JobError", err)
	}
	if jobErr.Status != jobs.StatusCancelled {
		t.Fatalf("JobError.Status = %s, want %s", jobErr.Status, jobs.StatusCancelled)
	}
}

// 一時的な取得エラーは上限の範囲内で再試行され、終端状態が勝つ。
func TestPollTransientFetchError(t *testing.T) {
	fetcher := &scriptedFetcher{responses: []fetchResult{
		{err: errors.New("connection refused")},
		processingStatus(50),
		{status: &Status{JobID: "job-1", Status: jobs.StatusCompleted, OutputRef: "job-1/out/archive.zip"}},
	}}
	p := New(fetcher, time.Millisecond, 10, time.Minute)

	outputRef, err := p.Poll(context.Background(), "job-1", nil)
	if err != nil {
		t.Fatalf("Poll returned error: %v", err)
	}
	if outputRef != "job-1/out/archive.zip" {
		t.Fatalf("unexpected outputRef: %s", outputRef)
	}
}

func TestPollTimeoutWrapsLastFetchError(t *testing.T) {
	fetcher := &scriptedFetcher{responses: []fetchResult{
		{err: errors.New("connection refused")},
		{err: errors.New("connection refused")},
	}}
	p := New(fetcher, time.Millisecond, 2, time.Minute)

	_, err := p.Poll(context.Background(), "job-1", nil)
	if !errors.Is(err, ErrPollingTimedOut) {
		t.Fatalf("Poll = %v, want ErrPollingTimedOut", err)
	}
}

func TestPollContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fetcher := &scriptedFetcher{responses: []fetchResult{processingStatus(10)}}
	p := New(fetcher, time.Millisecond, 10, time.Minute)

	_, err := p.Poll(ctx, "job-1", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Poll = %v, want context.Canceled", err)
	}
	if fetcher.calls != 0 {
		t.Fatalf("fetch count = %d, cancelled context must stop polling before fetching", fetcher.calls)
	}
}

func TestPollEmptyJobID(t *testing.T) {
	p := New(&scriptedFetcher{}, time.Millisecond, 10, time.Minute)
	if _, err := p.Poll(context.Background(), "", nil); err == nil {
		t.Fatal("expected error for empty jobID")
	}
}
