package cmd

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Azunyan1111/go-camera-recorder/internal"
	"github.com/Azunyan1111/go-camera-recorder/internal/codec"
	"github.com/Azunyan1111/go-camera-recorder/internal/recorder"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// 入力は 1 テクスチャだけ
const cameraTextureID = 0

const statsInterval = 5 * time.Second

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Encode a rawvideo/PCM Matroska stream into VP8/Opus WebM",
	Long: `Reads camera frames (rawvideo RGBA) and microphone samples (PCM S16LE, 48kHz)
from a Matroska stream and records them into a WebM file at real-time pace.

Examples:
  ffmpeg -f v4l2 -i /dev/video0 -f pulse -i default \
    -c:v rawvideo -pix_fmt rgba -c:a pcm_s16le -ar 48000 -f matroska - \
    | recorder record -o out.webm

  recorder record -i capture.mkv -o out.webm --compress --no-audio`,
	Args: cobra.NoArgs,
	RunE: runRecord,
}

// ingestStats は入力側の統計
type ingestStats struct {
	videoFrames  atomic.Uint64 // 受け取った映像フレーム数
	audioFrames  atomic.Uint64 // 受け取った音声ブロック数
	videoDropped atomic.Uint64 // エンコーダのキューが詰まって捨てた数
	badFrames    atomic.Uint64 // FrameChecker で弾いた数
}

// statusListener prints session events to stderr.
type statusListener struct {
	started atomic.Bool
}

func (l *statusListener) OnStarted() {
	l.started.Store(true)
	color.New(color.FgGreen, color.Bold).Fprintln(os.Stderr, "● recording")
}

func (l *statusListener) OnStopped(path string) {
	color.New(color.FgCyan).Fprintf(os.Stderr, "■ saved %s\n", path)
}

func (l *statusListener) OnError(err error) {
	color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "✗ recording failed: %v\n", err)
}

func runRecord(cmd *cobra.Command, args []string) error {
	if noAudio, _ := cmd.Flags().GetBool("no-audio"); noAudio {
		v.Set("audio.enabled", false)
	}
	cfg, err := internal.LoadConfig(v)
	if err != nil {
		return err
	}
	log := internal.ComponentLogger("cli")

	in, err := cfg.OpenInput()
	if err != nil {
		return err
	}
	if in != os.Stdin {
		defer in.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reader := internal.NewMKVReader(in)
	info, err := reader.WaitTracks(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to read input tracks")
	}
	if !info.HasVideo() {
		return errors.New("input has no rawvideo track")
	}
	if !strings.EqualFold(info.PixelFormat, "RGBA") {
		return errors.Errorf("unsupported pixel format %q (use -pix_fmt rgba)", info.PixelFormat)
	}

	withAudio := cfg.Audio
	if withAudio && !info.HasAudio() {
		color.New(color.FgYellow).Fprintln(os.Stderr, "input has no pcm track, recording video only")
		withAudio = false
	}
	sampleRate, channels := cfg.AudioSampleRate, cfg.AudioChannels
	if withAudio {
		if info.AudioSampleRate > 0 {
			sampleRate = info.AudioSampleRate
		}
		if info.AudioChannels > 0 {
			channels = info.AudioChannels
		}
		if sampleRate != 48000 {
			return errors.Errorf("audio must be 48000Hz, got %d (use -ar 48000)", sampleRate)
		}
	}

	log.WithField("input", cfg.Input).Infof("tracks: video %dx%d %s, audio %v (%dHz %dch)",
		info.VideoWidth, info.VideoHeight, info.PixelFormat, withAudio, sampleRate, channels)

	textures := recorder.NewTextureStore()
	micReader, micWriter := io.Pipe()
	listener := &statusListener{}

	opts := recorder.Options{
		Registry:          codec.NewRegistry(),
		Listener:          listener,
		Width:             info.VideoWidth,
		Height:            info.VideoHeight,
		SharedContext:     textures,
		SampleRate:        sampleRate,
		Channels:          channels,
		MaxDuration:       cfg.MaxDuration,
		VideoPoolCapacity: cfg.VideoPoolCapacity,
		AudioPoolCapacity: cfg.AudioPoolCapacity,
		VideoQueueDepth:   cfg.VideoQueueDepth,
		PrepareTimeout:    cfg.PrepareTimeout,
		StartTimeout:      cfg.StartTimeout,
		FlushTimeout:      cfg.FlushTimeout,
		DrainRetries:      cfg.DrainRetries,
		DrainPoll:         cfg.DrainPoll,
	}
	if withAudio {
		opts.Microphone = func() (io.ReadCloser, error) { return micReader, nil }
	}
	rec := recorder.NewRecorder(opts)

	if err := rec.StartRecording(cfg.Output, cfg.Compress); err != nil {
		micWriter.Close()
		return errors.Wrap(err, "failed to start recording")
	}
	session := rec.Session()
	if session == nil {
		// 開始直後に失敗して終わっている
		micWriter.Close()
		return errors.New("recording ended before it started")
	}
	profile := session.Video().Profile()
	fmt.Fprintf(os.Stderr, "Recording %s: %dx%d @ %dfps, %d kbps\n",
		cfg.Output, profile.Width, profile.Height, profile.FrameRate, profile.Bitrate/1000)

	stats := &ingestStats{}
	feedDone := make(chan error, 1)
	go func() {
		feedDone <- feed(ctx, reader, rec, textures, micWriter, info, withAudio, cfg.PacingMaxWait, stats)
	}()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	var feedErr error
wait:
	for {
		select {
		case feedErr = <-feedDone:
			break wait
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nInterrupted, finishing file...")
			break wait
		case <-session.Done().Done():
			break wait
		case <-ticker.C:
			vs := session.Video().Stats()
			fmt.Fprintf(os.Stderr, "video: in=%d encoded=%d written=%d dropped=%d\n",
				stats.videoFrames.Load(), vs.Submitted, vs.Pushed, vs.Dropped+stats.videoDropped.Load())
		}
	}

	if err := rec.StopRecording(); err != nil && !errors.Is(err, recorder.ErrNoSession) {
		log.WithError(err).Warn("stop failed")
	}
	micWriter.Close()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.PrepareTimeout+cfg.FlushTimeout+5*time.Second)
	defer waitCancel()
	sessionErr := session.Done().Wait(waitCtx)

	if session.TimedOut() {
		color.New(color.FgYellow).Fprintln(os.Stderr, "max duration reached, recording stopped")
	}
	printSummary(session, stats)

	if feedErr != nil {
		log.WithError(feedErr).Warn("input ended with error")
	}
	if sessionErr != nil {
		return sessionErr
	}
	if !listener.started.Load() {
		return errors.New("no frames were recorded")
	}
	return nil
}

// feed reads the input at real-time pace and hands frames to the recorder.
// It returns nil at EOF.
func feed(ctx context.Context, reader *internal.MKVReader, rec *recorder.Recorder, textures *recorder.TextureStore,
	mic *io.PipeWriter, info internal.TrackInfo, withAudio bool, maxWait time.Duration, stats *ingestStats) error {
	defer mic.Close()

	pacer := internal.NewPacer(maxWait)
	checker := internal.NewFrameChecker(info.VideoWidth, info.VideoHeight)
	audioOpen := withAudio
	stalledWarned := false

	for {
		frame, err := reader.ReadFrame()
		if err == io.EOF {
			internal.DebugLog("Input EOF\n")
			return nil
		}
		if err != nil {
			return err
		}
		if err := pacer.Wait(ctx, frame.TimestampMs); err != nil {
			return nil
		}

		switch frame.Type {
		case internal.FrameTypeVideo:
			stats.videoFrames.Add(1)
			if res := checker.Check(frame.Data); !res.OK {
				stats.badFrames.Add(1)
				if checker.Stalled() && !stalledWarned {
					color.New(color.FgYellow).Fprintf(os.Stderr, "camera keeps sending bad frames (%s)\n", res.Reason)
					stalledWarned = true
				}
				continue
			}
			stalledWarned = false
			// ReadFrame は毎回新しいバッファを返すのでコピー不要
			textures.Update(cameraTextureID, &image.RGBA{
				Pix:    frame.Data,
				Stride: info.VideoWidth * 4,
				Rect:   image.Rect(0, 0, info.VideoWidth, info.VideoHeight),
			})
			err := rec.OnCameraFrame(cameraTextureID, recorder.IdentityTransform, frame.TimestampMs*int64(time.Millisecond))
			switch {
			case err == nil:
			case errors.Is(err, recorder.ErrFrameDropped):
				stats.videoDropped.Add(1)
			case errors.Is(err, recorder.ErrNoSession), errors.Is(err, recorder.ErrEncoderState):
				return nil
			default:
				return err
			}
		case internal.FrameTypeAudio:
			stats.audioFrames.Add(1)
			if !audioOpen {
				continue
			}
			if _, err := mic.Write(frame.Data); err != nil {
				// エンコーダ側がマイクを閉じた
				internal.DebugLog("Microphone pipe closed: %v\n", err)
				audioOpen = false
			}
		}
	}
}

func printSummary(s *recorder.Session, stats *ingestStats) {
	vs := s.Video().Stats()
	fmt.Fprintf(os.Stderr, "\n=== %s ===\n", s.Path)
	fmt.Fprintf(os.Stderr, "video: in=%d encoded=%d written=%d dropped=%d stale=%d corrupt=%d bad=%d\n",
		stats.videoFrames.Load(), vs.Submitted, vs.Pushed, vs.Dropped+stats.videoDropped.Load(), vs.Stale, vs.Corrupt, stats.badFrames.Load())
	if a := s.Audio(); a != nil {
		as := a.Stats()
		fmt.Fprintf(os.Stderr, "audio: in=%d encoded=%d written=%d dropped=%d\n",
			stats.audioFrames.Load(), as.Submitted, as.Pushed, as.Dropped)
	}
	if err := s.Err(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "error: %v\n", err)
	}
}
