package ios

import (
	"context"
	"strings"
	"time"

	"github.com/attdevsupport/aro-collector/internal/collector"
	"github.com/attdevsupport/aro-collector/internal/pcap"
	"github.com/attdevsupport/aro-collector/internal/telemetry"
	"github.com/attdevsupport/aro-collector/internal/telemetry/invariants"
	"github.com/attdevsupport/aro-collector/internal/video"
)

// Stop implements collector.Controller.
func (b *Backend) Stop(ctx context.Context) collector.StatusResult {
	b.stopMu.Lock()
	defer b.stopMu.Unlock()

	b.mu.Lock()
	session := b.session
	capture := b.capture
	worker := b.video
	shots := b.screenshots
	recorder := b.recorder
	b.mu.Unlock()
	if session == nil {
		return collector.Success(collector.DataNotRunning)
	}

	ctx, span := telemetry.StartCapture(ctx, b.tracer, "stop", session.Capture(platformName))
	udid := session.Device.Serial

	logger := b.logger.With("session_id", session.ID, "udid", udid)
	b.running.Store(false)
	if err := b.machine.Transition(ctx, collector.StatusStopping, "stop requested"); err != nil {
		logger.Warn("session transition failed", "err", err)
	}

	result := collector.Failure(collector.IOSCaptureMissing, "")
	sequence := collector.StopSequence{
		StopMonitor: func(context.Context) error {
			b.stopMonitor()
			return nil
		},
		StopCapture: func(ctx context.Context) error {
			var err error
			if capture != nil {
				err = capture.stop(ctx, b.retry.TcpdumpExitAttempts, b.retry.TcpdumpExitInterval)
				logger.Info("tcpdump stopped", "packets", capture.packetCount())
			}
			recorder.MarkCaptureStop()
			return err
		},
		WriteTimeSync: func(context.Context) error {
			if err := recorder.WriteTime(session.LocalFolder); err != nil {
				return err
			}
			if worker == nil {
				return nil
			}
			return recorder.WriteVideoTime(session.LocalFolder, true)
		},
		Collect: func(ctx context.Context) error {
			frames := 0
			if worker != nil {
				frames = worker.Frames()
			}
			result = b.collect(ctx, session, frames)
			return nil
		},
		SessionID: session.ID,
		Logger:    logger,
		Tracer:    b.tracer,
	}
	if worker != nil {
		sequence.SignalVideo = func(context.Context) error {
			worker.Signal()
			return nil
		}
		sequence.JoinVideo = func(ctx context.Context) error {
			joinCtx, cancel := context.WithTimeout(ctx, b.retry.VideoJoinTimeout)
			defer cancel()
			err := worker.Join(joinCtx)
			if shots != nil {
				shots.Close(ctx)
			}
			return err
		}
	}

	report := sequence.Run(ctx)
	session.StoppedAt = time.Now()

	b.rvi.Disconnect(ctx, udid)
	if err := b.machine.Transition(ctx, collector.StatusStopped, "stopped"); err != nil {
		logger.Warn("session transition failed", "err", err)
	}
	b.mu.Lock()
	b.session = nil
	b.capture = nil
	b.video = nil
	b.screenshots = nil
	b.mu.Unlock()

	span.Finish(result.Success, result.Code(), result.String())
	logger.Info("capture stopped", "steps", strings.Join(report.Order(), ","), "success", result.Success)
	return result
}

// HaltInDevice implements collector.Controller. On iOS halting is a stop.
func (b *Backend) HaltInDevice(ctx context.Context) collector.StatusResult {
	return b.Stop(ctx)
}

// collect finalizes the local trace: the capture is rewritten with Ethernet
// framing when tcpdump recorded raw IP, and an empty video is dropped.
func (b *Backend) collect(ctx context.Context, session *collector.Session, frames int) collector.StatusResult {
	capture := session.Path(CaptureFile)
	present := collector.FileExists(capture)
	if present {
		rewritten, err := pcap.NormalizeInPlace(capture)
		switch {
		case err != nil:
			b.logger.Warn("normalize capture failed", "path", capture, "err", err)
		case rewritten:
			b.logger.Info("capture normalized to ethernet framing", "path", capture)
		}
	}
	if removed, err := video.RemoveIfEmpty(session.Path(video.FileName), frames); err != nil {
		b.logger.Warn("check video failed", "err", err)
	} else if removed {
		b.logger.Info("deleted empty video file")
	}

	invariants.CheckCaptureCollected(ctx, "ios.collect", session.ID, capture, present)
	if !present {
		return collector.Failure(collector.IOSCaptureMissing.WithDetail(CaptureFile+" is missing"), "")
	}
	return collector.Success("")
}
