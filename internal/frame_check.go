package internal

// FrameChecker はカメラから来た RGBA フレームを録画前に検査する。
// UVC カメラは転送エラー時にサイズ不足や全面緑のフレームを出すことがあるので、それを弾く。
type FrameChecker struct {
	width  int
	height int

	// GreenRatio を超える割合のサンプルが緑優位なら破損とみなす
	GreenRatio float64
	// 連続破損がこの数に達したら Stalled が true になる
	MaxConsecutiveBad int

	consecutiveBad int
	checked        uint64
	rejected       uint64
}

// FrameCheckResult is the verdict for one frame.
type FrameCheckResult struct {
	OK         bool
	Reason     string
	GreenRatio float64
}

const (
	defaultGreenRatio        = 0.95
	defaultMaxConsecutiveBad = 25
	greenSampleStep          = 16 // 16 ピクセルごとにサンプリング
	greenMargin              = 30
)

func NewFrameChecker(width, height int) *FrameChecker {
	return &FrameChecker{
		width:             width,
		height:            height,
		GreenRatio:        defaultGreenRatio,
		MaxConsecutiveBad: defaultMaxConsecutiveBad,
	}
}

// Check inspects one tightly packed RGBA frame.
func (c *FrameChecker) Check(rgba []byte) FrameCheckResult {
	c.checked++
	if len(rgba) == 0 {
		return c.reject("empty frame", 0)
	}
	if len(rgba) != c.width*c.height*4 {
		return c.reject("invalid frame size", 0)
	}
	green := greenDominantRatio(rgba)
	if green > c.GreenRatio {
		return c.reject("green frame", green)
	}
	c.consecutiveBad = 0
	return FrameCheckResult{OK: true, GreenRatio: green}
}

func (c *FrameChecker) reject(reason string, green float64) FrameCheckResult {
	c.rejected++
	c.consecutiveBad++
	DebugLogPeriodic("frame_check."+reason, pacingWaitLogInterval, "Rejecting camera frame: %s (green=%.3f)\n", reason, green)
	return FrameCheckResult{Reason: reason, GreenRatio: green}
}

// Stalled reports whether the camera has produced only bad frames for a while.
func (c *FrameChecker) Stalled() bool {
	return c.MaxConsecutiveBad > 0 && c.consecutiveBad >= c.MaxConsecutiveBad
}

// Rejected returns how many frames failed the check.
func (c *FrameChecker) Rejected() uint64 { return c.rejected }

// greenDominantRatio は G が R と B の両方より greenMargin 以上大きいサンプルの割合
func greenDominantRatio(rgba []byte) float64 {
	dominant, sampled := 0, 0
	for i := 0; i+3 < len(rgba); i += 4 * greenSampleStep {
		r, g, b := int(rgba[i]), int(rgba[i+1]), int(rgba[i+2])
		sampled++
		if g > r+greenMargin && g > b+greenMargin {
			dominant++
		}
	}
	if sampled == 0 {
		return 0
	}
	return float64(dominant) / float64(sampled)
}
