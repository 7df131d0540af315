package aec

import (
	"math"
	"math/rand/v2"
)

const (
	initialNoiseFloorDb = -60.0
	floorAdaptRate      = 0.01
	quietMarginDb       = 12.0
	gateKneeDb          = 10.0
	silenceThresholdDb  = -55.0
	minPowerDb          = -100.0
	minGateGain         = 0.05
)

// noiseShaper is the post-filter stage: a soft-knee gate pulls residual
// noise below the tracked floor, and low-level comfort noise keeps
// suppressed frames from sounding like dead air.
type noiseShaper struct {
	suppression      bool
	suppressionLevel float64 // 0..1
	comfort          bool
	comfortLevel     float64 // dB

	floorDb float64
	rng     *rand.Rand
}

func newNoiseShaper(suppression bool, suppressionLevel float64, comfort bool, comfortLevel float64) *noiseShaper {
	return &noiseShaper{
		suppression:      suppression,
		suppressionLevel: suppressionLevel,
		comfort:          comfort,
		comfortLevel:     comfortLevel,
		floorDb:          initialNoiseFloorDb,
		rng:              rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// process shapes the frame in place and returns the applied gate
// attenuation in dB. The floor estimate only adapts on quiet frames, so
// speech never drags it upward.
func (ns *noiseShaper) process(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}

	powerDb := powerDbOf(frame)

	if powerDb < ns.floorDb+quietMarginDb {
		ns.floorDb -= floorAdaptRate * (ns.floorDb - powerDb)
	}

	var suppressionDb float64
	if ns.suppression {
		if gain := ns.gateGain(powerDb); gain < 1 {
			g := float32(gain)
			for i := range frame {
				frame[i] *= g
			}
			suppressionDb = -20 * math.Log10(gain)
		}
	}

	if ns.comfort && powerDb < silenceThresholdDb {
		amp := float32(dbToLinear(ns.comfortLevel))
		for i := range frame {
			frame[i] += (ns.rng.Float32()*2 - 1) * amp
		}
	}

	return suppressionDb
}

// gateGain ramps attenuation in over a 10 dB knee below the floor. The
// configured suppression level sets the maximum attenuation depth.
func (ns *noiseShaper) gateGain(powerDb float64) float64 {
	knee := ns.floorDb + gateKneeDb
	if powerDb >= knee {
		return 1
	}
	depth := (knee - powerDb) / gateKneeDb
	if depth > 1 {
		depth = 1
	}
	gain := 1 - ns.suppressionLevel*depth
	if gain < minGateGain {
		gain = minGateGain
	}
	return gain
}

func (ns *noiseShaper) noiseFloor() float64 {
	return ns.floorDb
}

func (ns *noiseShaper) reset() {
	ns.floorDb = initialNoiseFloorDb
}

func powerDbOf(frame []float32) float64 {
	mean := meanPower(frame)
	if mean < 1e-10 {
		return minPowerDb
	}
	return 10 * math.Log10(mean)
}
