// Package main はジョブ状態をポーリングするCLIクライアントです。
// ジョブが終端状態になるまで進捗を表示し、成果物の参照キーを出力します。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yourusername/fileflow/internal/poller"
)

func main() {
	var (
		baseURL     = flag.String("base", "http://localhost:8080", "APIサーバーのベースURL")
		jobID       = flag.String("job", "", "ポーリングするジョブID")
		interval    = flag.Duration("interval", 2*time.Second, "ポーリング間隔")
		maxAttempts = flag.Int("attempts", 150, "ポーリングの最大試行回数")
		timeout     = flag.Duration("timeout", 5*time.Minute, "ポーリング全体のタイムアウト")
	)
	flag.Parse()

	if *jobID == "" {
		fmt.Fprintln(os.Stderr, "usage: poll -job <jobId> [-base URL] [-interval 2s] [-attempts 150] [-timeout 5m]")
		os.Exit(2)
	}

	// Ctrl-C でポーリングだけを中断する（サーバー側のジョブには影響しない）
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fetcher := poller.NewHTTPFetcher(*baseURL, nil)
	p := poller.New(fetcher, *interval, *maxAttempts, *timeout)

	outputRef, err := p.Poll(ctx, *jobID, func(percent int, message string) {
		log.Printf("job %s: %3d%% %s", *jobID, percent, message)
	})
	if err != nil {
		var jobErr *poller.JobError
		switch {
		case errors.Is(err, poller.ErrPollingTimedOut):
			log.Printf("polling timed out; the job may still be running server-side")
			os.Exit(3)
		case errors.As(err, &jobErr):
			log.Printf("job finished unsuccessfully: %v", jobErr)
			os.Exit(1)
		case errors.Is(err, context.Canceled):
			log.Printf("polling cancelled")
			os.Exit(130)
		default:
			log.Printf("polling failed: %v", err)
			os.Exit(1)
		}
	}

	fmt.Println(outputRef)
}
