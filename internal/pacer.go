package internal

import (
	"context"
	"time"

	"k8s.io/utils/clock"
)

const pacingWaitLogInterval = time.Second

// Pacer はPTSに基づいてフレーム投入タイミングを制御する。
// ファイル入力をカメラ/マイクと同じ実時間ペースで流すために使う。
type Pacer struct {
	clock        clock.Clock
	baseWallTime time.Time     // 基準実時刻
	basePTS      int64         // 基準PTS（ミリ秒）
	initialized  bool          // 初期化済みフラグ
	maxWait      time.Duration // 最大待機時間（異常PTS対策）
}

// NewPacer は新しいPacerを作成する
func NewPacer(maxWait time.Duration) *Pacer {
	return NewPacerWithClock(maxWait, clock.RealClock{})
}

// NewPacerWithClock is NewPacer with an injectable clock.
func NewPacerWithClock(maxWait time.Duration, c clock.Clock) *Pacer {
	return &Pacer{
		clock:   c,
		maxWait: maxWait,
	}
}

// Wait はPTSに基づいて適切なタイミングまで待機する
// 入力がリアルタイムより遅い場合は待機なしで即座に返る
func (p *Pacer) Wait(ctx context.Context, timestampMs int64) error {
	if !p.initialized {
		p.resync(timestampMs)
		return nil
	}

	ptsDiff := timestampMs - p.basePTS
	if ptsDiff < 0 {
		// PTSが戻った場合（ループ等）はリセット
		p.resync(timestampMs)
		return nil
	}

	expectedTime := p.baseWallTime.Add(time.Duration(ptsDiff) * time.Millisecond)
	waitDuration := expectedTime.Sub(p.clock.Now())
	if waitDuration <= 0 {
		return nil
	}
	if p.maxWait > 0 && waitDuration > p.maxWait {
		DebugLog("Pacing: clamping wait from %v to %v (PTS jump detected)\n", waitDuration, p.maxWait)
		waitDuration = p.maxWait
		// クランプした分だけ基準をずらして以降の待機が伸び続けないようにする
		p.resync(timestampMs)
		p.baseWallTime = p.baseWallTime.Add(waitDuration)
	}
	DebugLogPeriodic("pacer.wait", pacingWaitLogInterval, "Pacing: waiting %v (PTS: %dms)\n", waitDuration, timestampMs)

	timer := p.clock.NewTimer(waitDuration)
	defer timer.Stop()
	select {
	case <-timer.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset はPacerの状態をリセットする（再同期用）
func (p *Pacer) Reset() {
	p.initialized = false
	p.baseWallTime = time.Time{}
	p.basePTS = 0
}

func (p *Pacer) resync(timestampMs int64) {
	p.baseWallTime = p.clock.Now()
	p.basePTS = timestampMs
	p.initialized = true
}
