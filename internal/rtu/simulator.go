package rtu

import (
	"math"
	"math/rand"
	"time"

	"github.com/gridscope/scadasim/pkg/model"
)

// Generator produces the raw electrical state for one sampling instant.
// Sequence numbering, quality marking and NaN substitution stay in the node.
type Generator interface {
	Generate(t time.Time, closedFraction float64) model.TelemetrySample
}

// Simulator is the built-in per-kind generator. Generation plants hold the
// system frequency near 50 Hz, substations pass through transmission load
// and distribution feeders follow a diurnal demand curve.
type Simulator struct {
	desc model.NodeDescriptor
	rng  *rand.Rand
}

func NewSimulator(desc model.NodeDescriptor, seed int64) *Simulator {
	return &Simulator{desc: desc, rng: rand.New(rand.NewSource(seed))}
}

func (s *Simulator) Generate(t time.Time, closedFraction float64) model.TelemetrySample {
	const powerFactor = 0.95

	freq := 50.0 + s.noise(0.03)
	voltage := s.desc.NominalVoltageKV * (1 + s.noise(0.008))

	var activeMW float64
	switch s.desc.Kind {
	case model.KindGeneration:
		activeMW = s.desc.CapacityMW * (0.78 + s.noise(0.04))
	case model.KindSubstation:
		activeMW = s.desc.CapacityMW * (0.60 + s.noise(0.06))
	case model.KindDistribution:
		activeMW = s.desc.CapacityMW * diurnalFactor(t) * (1 + s.noise(0.03))
	}
	activeMW *= closedFraction

	reactive := activeMW * math.Tan(math.Acos(powerFactor))
	var current float64
	if voltage > 0 {
		// Three-phase: I = P / (sqrt(3) * V * pf), in amps.
		current = activeMW * 1e6 / (math.Sqrt(3) * voltage * 1e3 * powerFactor)
	}

	sample := model.TelemetrySample{
		Timestamp:         t.UTC(),
		VoltageKV:         voltage,
		CurrentA:          current,
		ActivePowerMW:     activeMW,
		ReactivePowerMVAR: reactive,
		PowerFactor:       powerFactor,
		FrequencyHz:       freq,
	}
	if s.desc.Kind == model.KindGeneration {
		temp := 55 + activeMW/s.desc.CapacityMW*25 + s.noise(2)
		sample.TemperatureC = &temp
	}
	return sample
}

// noise returns a value uniform in [-spread, spread].
func (s *Simulator) noise(spread float64) float64 {
	return (s.rng.Float64()*2 - 1) * spread
}

// diurnalFactor models daily demand: a morning shoulder around 09:00 and an
// evening peak around 19:00, with a 40 % overnight base load.
func diurnalFactor(t time.Time) float64 {
	h := float64(t.Hour()) + float64(t.Minute())/60
	morning := 0.35 * gaussianBump(h, 9, 3)
	evening := 0.60 * gaussianBump(h, 19, 2.5)
	f := 0.40 + morning + evening
	if f > 1 {
		f = 1
	}
	return f
}

func gaussianBump(h, centre, width float64) float64 {
	d := h - centre
	return math.Exp(-d * d / (2 * width * width))
}
