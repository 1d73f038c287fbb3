// Package cleanup は期限切れセッションの定期削除ジョブを提供する。
// セッションは検証時にも個別に削除されるが、再訪しないユーザーの行はこのジョブで掃除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultInterval はスイープの既定間隔。
const DefaultInterval = time.Hour

// ExpiredSessionDeleter は期限切れセッションを一括削除する。
// repository.SessionRepositoryが実装する。
type ExpiredSessionDeleter interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// SweepRecorder は削除件数を記録する。
type SweepRecorder interface {
	RecordSessionsSwept(count int64)
}

type nopSweepRecorder struct{}

func (nopSweepRecorder) RecordSessionsSwept(int64) {}

// SessionSweeper は expires_at を過ぎたセッションを削除するジョブ。
// 冪等であり、削除対象がない場合もエラーにならない。
type SessionSweeper struct {
	sessions ExpiredSessionDeleter
	recorder SweepRecorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewSessionSweeper は新しいSessionSweeperを生成する。recorderはnilでもよい。
func NewSessionSweeper(sessions ExpiredSessionDeleter, recorder SweepRecorder, logger *slog.Logger) *SessionSweeper {
	if recorder == nil {
		recorder = nopSweepRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionSweeper{
		sessions: sessions,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Run は期限切れセッションを1回削除する。
func (s *SessionSweeper) Run(ctx context.Context) error {
	start := s.now()

	deleted, err := s.sessions.DeleteExpired(ctx, start)
	if err != nil {
		s.logger.Error("session sweep failed", slog.String("error", err.Error()))
		return fmt.Errorf("failed to sweep expired sessions: %w", err)
	}

	s.recorder.RecordSessionsSwept(deleted)
	s.logger.Info("session sweep completed",
		slog.Int64("deleted_count", deleted),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回、その後intervalごとにRunを実行する。ctxがキャンセルされるまでブロックする。
// 個々の失敗はログに残して次の周期を待つ。
func (s *SessionSweeper) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	_ = s.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.Run(ctx)
		}
	}
}
