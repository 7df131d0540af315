package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/mohammednazmy/VoiceAssist-sub012/internal/aec"
	"github.com/mohammednazmy/VoiceAssist-sub012/internal/audio"
	"github.com/mohammednazmy/VoiceAssist-sub012/internal/config"
	"github.com/mohammednazmy/VoiceAssist-sub012/internal/logging"
	"github.com/mohammednazmy/VoiceAssist-sub012/internal/privacy"
	"github.com/mohammednazmy/VoiceAssist-sub012/internal/transport"
)

const metricsInterval = 30 * time.Second

func main() {
	configPath := flag.String("config", config.DefaultPath, "config file path")
	softwareIO := flag.Bool("software-io", false, "capture through the software pump instead of a duplex stream")
	flag.Parse()

	// Optional .env for local development; deployments set the environment.
	_ = godotenv.Load()

	appConfig, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := appConfig.ValidateUplink(appConfig.Uplink.Enabled); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Init(logging.Config{
		Level:  appConfig.Logging.Level,
		Format: appConfig.Logging.Format,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	sessionID := uuid.NewString()
	logging.SetSessionID(sessionID)

	logging.Infof("========================================")
	logging.Infof("       VoiceAssist Starting...          ")
	logging.Infof("========================================")
	logging.Infof("Config loaded successfully (session %s)", sessionID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logging.Infof("Creating EchoCancellation manager...")
	manager, err := aec.NewManager(aec.Config{
		Enabled:        appConfig.AEC.Enabled,
		SampleRate:     appConfig.Audio.SampleRate,
		FrameSize:      appConfig.Audio.FrameSize,
		MaxEchoDelayMs: appConfig.AEC.MaxEchoDelayMs,
		Filter: aec.FilterConfig{
			Length:              appConfig.AEC.Filter.Length,
			StepSize:            appConfig.AEC.Filter.StepSize,
			Regularization:      appConfig.AEC.Filter.Regularization,
			DoubleTalkDetection: appConfig.AEC.Filter.DoubleTalkDetection,
			DoubleTalkThreshold: appConfig.AEC.Filter.DoubleTalkThreshold,
		},
		Reference: aec.ReferenceConfig{
			Capacity:        int(appConfig.AEC.Reference.BufferSeconds * float64(appConfig.Audio.SampleRate)),
			SampleRate:      appConfig.Audio.SampleRate,
			AGCEnabled:      appConfig.AEC.Reference.AGC,
			AGCTargetDb:     appConfig.AEC.Reference.AGCTargetDB,
			DelayEstimation: appConfig.AEC.Reference.DelayEstimation,
		},
		NoiseSuppression:      appConfig.AEC.NoiseSuppression,
		NoiseSuppressionLevel: appConfig.AEC.NoiseSuppressionLevel,
		ComfortNoise:          appConfig.AEC.ComfortNoise,
		ComfortNoiseLevel:     appConfig.AEC.ComfortNoiseLevelDB,
	}, privacy.Config{
		EncryptInTransit:   appConfig.Privacy.EncryptInTransit,
		Key:                appConfig.PrivacyKey(),
		AnonymizeTelemetry: appConfig.Privacy.AnonymizeTelemetry,
		StripMetadata:      appConfig.Privacy.StripMetadata,
		HashAlgorithm:      appConfig.Privacy.HashAlgorithm,
		MaxHashLength:      appConfig.Privacy.MaxHashLength,
	})
	if err != nil {
		logging.Fatalf("Failed to create EchoCancellation manager: %v", err)
	}
	logging.Infof("EchoCancellation manager created successfully")

	var uplink *transport.Uplink
	if appConfig.Uplink.Enabled {
		logging.Infof("Creating Uplink (%s)...", appConfig.Uplink.URL)
		uplink, err = transport.NewUplink(transport.Config{
			Endpoint:   appConfig.Uplink.URL,
			Token:      appConfig.Uplink.Token,
			SessionID:  sessionID,
			SampleRate: appConfig.Audio.SampleRate,
			FrameSize:  appConfig.Audio.FrameSize,
		}, manager.Privacy())
		if err != nil {
			logging.Fatalf("Failed to create Uplink: %v", err)
		}

		// Assistant speech comes back at the playback rate and has to be
		// resampled to session rate before it reaches the reference buffer.
		var playbackResampler *audio.LinearResampler
		if appConfig.Audio.PlaybackRate != appConfig.Audio.SampleRate {
			playbackResampler, err = audio.NewLinearResampler(appConfig.Audio.PlaybackRate, appConfig.Audio.SampleRate)
			if err != nil {
				logging.Fatalf("Failed to create playback resampler: %v", err)
			}
		}
		uplink.OnPlayback(func(samples []float32) {
			if playbackResampler != nil {
				samples = playbackResampler.Resample(samples)
			}
			manager.FeedSpeakerReference(samples)
		})
		logging.Infof("Uplink created successfully")
	}

	deliver := func(frame []float32) {
		if uplink == nil {
			return
		}
		if err := uplink.SendFrame(ctx, frame); err != nil {
			logging.Warnf("Uplink frame dropped: %v", err)
		}
	}

	queueFrames := appConfig.Audio.BufferSize / appConfig.Audio.FrameSize
	var sink audio.RealtimeSink
	if *softwareIO {
		logging.Infof("Creating software capture path (inputDevice=%q, highLatency=%v)...",
			appConfig.Audio.InputDevice, appConfig.Audio.HighLatency)
		micSource, err := audio.NewMicrophoneSourceWithDevice(
			appConfig.Audio.SampleRate,
			appConfig.Audio.FrameSize,
			appConfig.Audio.HighLatency,
			appConfig.Audio.InputDevice,
		)
		if err != nil {
			logging.Fatalf("Failed to open microphone: %v", err)
		}
		sink = audio.NewSoftwareSink(micSource, deliver, nil)
	} else {
		logging.Infof("Creating duplex PortAudio sink (queueFrames=%d)...", queueFrames)
		paSink, err := audio.NewPortAudioSink(
			appConfig.Audio.SampleRate,
			appConfig.Audio.FrameSize,
			queueFrames,
			deliver,
		)
		if err != nil {
			logging.Fatalf("Failed to create PortAudio sink: %v", err)
		}
		sink = paSink
	}
	logging.Infof("Audio sink created successfully")

	if err := manager.Initialize(ctx, sink); err != nil {
		logging.Fatalf("Failed to initialize EchoCancellation: %v", err)
	}

	if uplink != nil {
		logging.Infof("Starting Uplink session...")
		if err := uplink.Start(ctx); err != nil {
			logging.Fatalf("Failed to start uplink session: %v", err)
		}
		logging.Infof("Uplink session established")

		manager.Subscribe(func(event aec.Event) {
			var (
				kind string
				data map[string]any
			)
			switch e := event.(type) {
			case *aec.DelayUpdatedEvent:
				kind = "delay_updated"
				data = map[string]any{"delay_ms": e.DelayMs, "confidence": e.Confidence}
			case *aec.DoubleTalkEndEvent:
				kind = "double_talk"
				data = map[string]any{"duration_ms": e.Duration.Milliseconds()}
			default:
				return
			}
			tev, err := manager.Privacy().CreateTelemetryEvent(kind, data, nil)
			if err != nil {
				return
			}
			if err := uplink.SendTelemetry(ctx, tev); err != nil {
				logging.Debugf("Telemetry dropped: %v", err)
			}
		})
	}

	logging.Infof("Starting audio sink...")
	if err := sink.Start(ctx); err != nil {
		logging.Fatalf("Failed to start audio sink: %v", err)
	}

	if appConfig.Privacy.EncryptInTransit && appConfig.Privacy.KeyRotationMinutes > 0 {
		interval := time.Duration(appConfig.Privacy.KeyRotationMinutes) * time.Minute
		logging.Infof("Session key rotation every %v", interval)
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := manager.Privacy().RotateKey(); err != nil {
						logging.Errorf("Key rotation failed: %v", err)
					} else {
						logging.Infof("Session key rotated")
					}
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(metricsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m := manager.Metrics()
				logging.Infof("Canceller: frames=%d erle=%.1fdB delay=%d converged=%v avgFrame=%.2fms",
					m.FramesProcessed, m.ERLE, m.DelaySamples, m.Converged, m.AvgFrameMs)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Infof("Received interrupt signal, shutting down...")
		cancel()
	}()

	logging.Infof("========================================")
	logging.Infof("      VoiceAssist is Running!           ")
	logging.Infof("      Press Ctrl+C to stop.             ")
	logging.Infof("========================================")

	<-ctx.Done()

	logging.Infof("========================================")
	logging.Infof("      VoiceAssist Shutting Down...      ")
	logging.Infof("========================================")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if uplink != nil {
		if err := uplink.Finish(shutdownCtx); err != nil {
			logging.Warnf("Uplink finish: %v", err)
		}
		if err := uplink.Close(); err != nil {
			logging.Warnf("Uplink close: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		logging.Errorf("Error closing audio sink: %v", err)
	}
	if err := manager.Dispose(); err != nil {
		logging.Errorf("Error disposing echo canceller: %v", err)
	}

	logging.Infof("VoiceAssist stopped.")
}
