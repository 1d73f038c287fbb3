// Package events はアカウント連携に伴う非同期通知を提供する。
// 通知は補助的なもので、失敗や破棄が認証処理に影響することはない。
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultQueueSize は送信待ちキューの既定サイズ。
const DefaultQueueSize = 256

// イベント送信結果のラベル。
const (
	ResultPublished = "published"
	ResultFailed    = "failed"
	ResultDropped   = "dropped"
)

// IdentityLinked はユーザーに新しいidentityが紐付いたことを表す。
type IdentityLinked struct {
	UserID     string    `json:"userId"`
	Provider   string    `json:"provider"`
	ExternalID string    `json:"externalId"`
	At         time.Time `json:"at"`
}

// Publisher はイベントを外部に送信する。
type Publisher interface {
	Publish(ctx context.Context, event IdentityLinked) error
}

// ResultRecorder は送信結果を記録する。metrics.Collectorが実装する。
type ResultRecorder interface {
	RecordIdentityEvent(result string)
}

type nopRecorder struct{}

func (nopRecorder) RecordIdentityEvent(string) {}

// DispatcherOptions はDispatcherの設定。
type DispatcherOptions struct {
	QueueSize      int
	PublishTimeout time.Duration
	Recorder       ResultRecorder
}

// Dispatcher はイベントを有限キューに積み、単一のワーカーで順に送信する。
// Publishは決してブロックせず、キューが満杯のときはイベントを破棄する。
type Dispatcher struct {
	publisher Publisher
	queue     chan IdentityLinked
	timeout   time.Duration
	recorder  ResultRecorder

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher はDispatcherを生成し、送信ワーカーを起動する。
func NewDispatcher(publisher Publisher, opts DispatcherOptions) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 3 * time.Second
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}

	d := &Dispatcher{
		publisher: publisher,
		queue:     make(chan IdentityLinked, opts.QueueSize),
		timeout:   opts.PublishTimeout,
		recorder:  opts.Recorder,
		done:      make(chan struct{}),
	}
	go d.run()
	return d
}

// Publish はイベントをキューに積む。キューが満杯またはクローズ済みの場合は破棄する。
func (d *Dispatcher) Publish(event IdentityLinked) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(event, "dispatcher closed")
		return
	}

	select {
	case d.queue <- event:
	default:
		d.drop(event, "queue full")
	}
}

func (d *Dispatcher) drop(event IdentityLinked, reason string) {
	d.recorder.RecordIdentityEvent(ResultDropped)
	slog.Warn("identity linked event dropped",
		slog.String("user_id", event.UserID),
		slog.String("provider", event.Provider),
		slog.String("reason", reason),
	)
}

// Close は新規イベントの受付を止め、キューに残ったイベントを送信し終えるまで待つ。
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for event := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.publisher.Publish(ctx, event)
		cancel()

		if err != nil {
			d.recorder.RecordIdentityEvent(ResultFailed)
			slog.Warn("failed to publish identity linked event",
				slog.String("user_id", event.UserID),
				slog.String("provider", event.Provider),
				slog.String("error", err.Error()),
			)
			continue
		}
		d.recorder.RecordIdentityEvent(ResultPublished)
	}
}
