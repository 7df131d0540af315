package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
)

func main() {
	testDuplex := flag.Bool("test-duplex", false, "Run a duplex callback-stream test (simultaneous capture/playback)")
	duration := flag.Int("duration", 5, "Duration of the duplex test in seconds")
	frameSize := flag.Int("frame", 256, "Frame size for the duplex test")
	flag.Parse()

	fmt.Println("=== PortAudio Audio Device Diagnostics ===")
	fmt.Println()

	if err := portaudio.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize PortAudio: %v\n", err)
		os.Exit(1)
	}
	defer portaudio.Terminate()

	if *testDuplex {
		runDuplexTest(*duration, *frameSize)
		return
	}

	hostAPIs, err := portaudio.HostApis()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get host APIs: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Found %d Host API(s):\n", len(hostAPIs))
	for i, api := range hostAPIs {
		fmt.Printf("  [%d] %s (devices: %d)\n", i, api.Name, len(api.Devices))
	}
	fmt.Println()

	defaultInput, err := portaudio.DefaultInputDevice()
	if err != nil {
		fmt.Printf("Default Input Device: (error: %v)\n", err)
	} else {
		fmt.Printf("Default Input Device: %s\n", defaultInput.Name)
	}

	defaultOutput, err := portaudio.DefaultOutputDevice()
	if err != nil {
		fmt.Printf("Default Output Device: (error: %v)\n", err)
	} else {
		fmt.Printf("Default Output Device: %s\n", defaultOutput.Name)
	}
	fmt.Println()

	devices, err := portaudio.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get devices: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("=== All Devices (%d) ===\n\n", len(devices))

	for i, dev := range devices {
		isDefault := ""
		if defaultInput != nil && dev.Name == defaultInput.Name && dev.MaxInputChannels > 0 {
			isDefault = " [DEFAULT INPUT]"
		}
		if defaultOutput != nil && dev.Name == defaultOutput.Name && dev.MaxOutputChannels > 0 {
			if isDefault != "" {
				isDefault += " [DEFAULT OUTPUT]"
			} else {
				isDefault = " [DEFAULT OUTPUT]"
			}
		}

		lower := strings.ToLower(dev.Name)
		isBluetooth := strings.Contains(lower, "bluetooth") ||
			strings.Contains(lower, "airpods") ||
			strings.Contains(lower, "buds") ||
			strings.Contains(lower, "wireless") ||
			strings.Contains(lower, "headset")

		btMarker := ""
		if isBluetooth {
			btMarker = " 🎧 (Bluetooth?)"
		}

		fmt.Printf("[%d] %s%s%s\n", i, dev.Name, isDefault, btMarker)
		fmt.Printf("    Max Input Channels:  %d\n", dev.MaxInputChannels)
		fmt.Printf("    Max Output Channels: %d\n", dev.MaxOutputChannels)
		fmt.Printf("    Default Sample Rate: %.0f Hz\n", dev.DefaultSampleRate)
		fmt.Printf("    Input Latency:  Low=%.1fms, High=%.1fms\n",
			dev.DefaultLowInputLatency.Seconds()*1000,
			dev.DefaultHighInputLatency.Seconds()*1000)
		fmt.Printf("    Output Latency: Low=%.1fms, High=%.1fms\n",
			dev.DefaultLowOutputLatency.Seconds()*1000,
			dev.DefaultHighOutputLatency.Seconds()*1000)

		if dev.MaxInputChannels > 0 {
			fmt.Printf("    --- Recommendations for Input ---\n")

			if dev.DefaultSampleRate != 16000 {
				fmt.Printf("    ⚠️  Sample rate is %.0f Hz, not 16000 Hz\n", dev.DefaultSampleRate)
				fmt.Printf("       The canceller session runs at 16000 Hz; resampling may be needed\n")
			}

			if dev.DefaultHighInputLatency.Seconds()*1000 > 100 {
				fmt.Printf("    ⚠️  High input latency (%.1fms) - consider setting high_latency: true\n",
					dev.DefaultHighInputLatency.Seconds()*1000)
			}

			// Buffer should cover around 3x the high latency to avoid overflow.
			recommendedBufferMs := int(dev.DefaultHighInputLatency.Seconds() * 1000 * 3)
			if recommendedBufferMs < 200 {
				recommendedBufferMs = 200
			}
			recommendedBufferSamples := int(dev.DefaultSampleRate) * recommendedBufferMs / 1000
			fmt.Printf("    💡 Recommended buffer_size: %d (%.0fms at %.0f Hz)\n",
				recommendedBufferSamples, float64(recommendedBufferMs), dev.DefaultSampleRate)
		}

		fmt.Println()
	}

	if defaultInput != nil && defaultInput.MaxInputChannels > 0 {
		fmt.Println("=== Recommended Config for Default Input Device ===")
		fmt.Println()

		sampleRate := int(defaultInput.DefaultSampleRate)
		if sampleRate == 0 {
			sampleRate = 16000
		}

		highLatency := defaultInput.DefaultHighInputLatency.Seconds()*1000 > 50

		bufferMs := int(defaultInput.DefaultHighInputLatency.Seconds() * 1000 * 3)
		if bufferMs < 200 {
			bufferMs = 200
		}
		bufferSize := sampleRate * bufferMs / 1000

		// The echo path delay is bounded by the device round trip: output
		// latency to the speaker plus input latency back from the mic.
		outputHighMs := 0.0
		if defaultOutput != nil {
			outputHighMs = defaultOutput.DefaultHighOutputLatency.Seconds() * 1000
		}
		roundTripMs := defaultInput.DefaultHighInputLatency.Seconds()*1000 + outputHighMs
		maxEchoDelayMs := int(roundTripMs * 2)
		if maxEchoDelayMs < 100 {
			maxEchoDelayMs = 100
		} else if maxEchoDelayMs > 500 {
			maxEchoDelayMs = 500
		}

		fmt.Println("Add this to your config/voiceassist.json:")
		fmt.Println()
		fmt.Println("\"audio\": {")
		fmt.Printf("    \"sample_rate\": %d,\n", sampleRate)
		fmt.Println("    \"frame_size\": 256,")
		fmt.Println("    \"channels\": 1,")
		fmt.Println("    \"playback_rate\": 24000,")
		fmt.Printf("    \"buffer_size\": %d,\n", bufferSize)
		fmt.Printf("    \"high_latency\": %v\n", highLatency)
		fmt.Println("},")
		fmt.Println("\"aec\": {")
		fmt.Printf("    \"max_echo_delay_ms\": %d\n", maxEchoDelayMs)
		fmt.Println("}")
		fmt.Println()

		if defaultInput.DefaultSampleRate != 16000 {
			fmt.Printf("⚠️  NOTE: Your device uses %.0f Hz, but the canceller session runs at 16000 Hz.\n",
				defaultInput.DefaultSampleRate)
			fmt.Println("   For best cancellation, prefer a device that supports 16000 Hz directly.")
		}
	}
}

// runDuplexTest opens one callback-driven duplex stream, the same shape the
// canceller's sink uses, and measures callback cadence plus capture level
// while playing a tone.
func runDuplexTest(durationSec, frameSize int) {
	const sampleRate = 16000

	fmt.Println("=== Duplex Stream Test ===")
	fmt.Println("Opens a single callback-driven stream with capture and playback,")
	fmt.Println("exactly as the echo canceller runs in production.")
	fmt.Println("If you're using Bluetooth, this may cause issues on macOS.")
	fmt.Println()

	defaultInput, err := portaudio.DefaultInputDevice()
	if err != nil {
		fmt.Printf("❌ Failed to get default input device: %v\n", err)
		return
	}
	defaultOutput, err := portaudio.DefaultOutputDevice()
	if err != nil {
		fmt.Printf("❌ Failed to get default output device: %v\n", err)
		return
	}

	fmt.Printf("Input Device:  %s (%.0f Hz)\n", defaultInput.Name, defaultInput.DefaultSampleRate)
	fmt.Printf("Output Device: %s (%.0f Hz)\n", defaultOutput.Name, defaultOutput.DefaultSampleRate)
	fmt.Printf("Stream:        %d Hz, frame size %d (%.1fms per callback)\n",
		sampleRate, frameSize, float64(frameSize)*1000/sampleRate)
	fmt.Println()

	var (
		callbacks  atomic.Uint64
		mu         sync.Mutex
		sumSquares float64
		samples    uint64
		peak       float64
	)
	phase := 0

	callback := func(in, out []float32) {
		callbacks.Add(1)

		for i := range out {
			out[i] = 0.2 * float32(math.Sin(2*math.Pi*440*float64(phase)/sampleRate))
			phase++
		}

		var frameSum float64
		var framePeak float64
		for _, s := range in {
			v := float64(s)
			frameSum += v * v
			if a := math.Abs(v); a > framePeak {
				framePeak = a
			}
		}

		mu.Lock()
		sumSquares += frameSum
		samples += uint64(len(in))
		if framePeak > peak {
			peak = framePeak
		}
		mu.Unlock()
	}

	stream, err := portaudio.OpenDefaultStream(1, 1, float64(sampleRate), frameSize, callback)
	if err != nil {
		fmt.Printf("❌ Failed to open duplex stream: %v\n", err)
		fmt.Println("   This may indicate a full-duplex conflict with Bluetooth.")
		return
	}
	if err := stream.Start(); err != nil {
		fmt.Printf("❌ Failed to start duplex stream: %v\n", err)
		stream.Close()
		return
	}
	fmt.Println("✅ Duplex stream started successfully")
	fmt.Printf("Playing a 440 Hz tone and capturing for %d seconds...\n", durationSec)

	time.Sleep(time.Duration(durationSec) * time.Second)

	stream.Stop()
	stream.Close()

	got := callbacks.Load()
	expected := uint64(durationSec * sampleRate / frameSize)

	mu.Lock()
	rms := 0.0
	if samples > 0 {
		rms = math.Sqrt(sumSquares / float64(samples))
	}
	peakDb := dbFS(peak)
	rmsDb := dbFS(rms)
	mu.Unlock()

	fmt.Println()
	fmt.Println("=== Test Results ===")
	fmt.Printf("Callbacks:     %d (expected ~%d)\n", got, expected)
	fmt.Printf("Capture level: RMS %.1f dBFS, peak %.1f dBFS\n", rmsDb, peakDb)

	fmt.Println()
	switch {
	case got < expected/2:
		fmt.Println("⚠️  DIAGNOSIS: The duplex stream is stalling.")
		fmt.Println("   If using Bluetooth, try one of these solutions:")
		fmt.Println("   1. Use wired headphones/microphone")
		fmt.Println("   2. Use the built-in mic with Bluetooth output")
		fmt.Println("   3. Run voiceassist with -software-io to avoid the duplex stream")
	case rmsDb < -80:
		fmt.Println("⚠️  DIAGNOSIS: Capture is silent.")
		fmt.Println("   Check microphone permissions and the input_device setting.")
	default:
		fmt.Println("✅ Duplex capture and playback are working correctly!")
	}
}

func dbFS(v float64) float64 {
	if v <= 0 {
		return -120
	}
	return 20 * math.Log10(v)
}
