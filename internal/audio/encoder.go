package audio

import (
	"encoding/binary"
	"math"
)

// Shaping is the static per-session chain applied to screen/tab capture.
type Shaping struct {
	GateThreshold float64 // samples with |s| below this are zeroed
	ThresholdDB   float64
	KneeDB        float64
	Ratio         float64
	AttackS       float64
	ReleaseS      float64
	Gain          float64
}

// Encoder converts frames to 16-bit signed little-endian PCM. A nil Shaping
// only clamps and scales.
type Encoder struct {
	Shaping *Shaping
}

// Encode is pure: compressor state starts fresh for every frame, so encoding
// the same frame twice yields identical bytes.
func (e Encoder) Encode(f Frame) []byte {
	out := make([]byte, len(f.Samples)*2)
	comp := newCompressor(e.Shaping, f.SampleRate)
	for i, s := range f.Samples {
		v := float64(s)
		if e.Shaping != nil {
			if math.Abs(v) < e.Shaping.GateThreshold {
				v = 0
			}
			v = comp.process(v)
			if e.Shaping.Gain > 0 {
				v *= e.Shaping.Gain
			}
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(toPCM16(v)))
	}
	return out
}

// toPCM16 clamps to [-1, 1] and scales negatives by 32768 and the rest by
// 32767, truncating toward zero.
func toPCM16(v float64) int16 {
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	if v < 0 {
		return int16(v * 0x8000)
	}
	return int16(v * 0x7FFF)
}

type compressor struct {
	enabled      bool
	threshold    float64
	knee         float64
	ratio        float64
	attackCoeff  float64
	releaseCoeff float64
	envelope     float64 // current gain reduction in dB, <= 0
}

func newCompressor(s *Shaping, sampleRate int) *compressor {
	if s == nil || s.Ratio <= 1 {
		return &compressor{}
	}
	return &compressor{
		enabled:      true,
		threshold:    s.ThresholdDB,
		knee:         s.KneeDB,
		ratio:        s.Ratio,
		attackCoeff:  smoothing(s.AttackS, sampleRate),
		releaseCoeff: smoothing(s.ReleaseS, sampleRate),
	}
}

func smoothing(seconds float64, sampleRate int) float64 {
	if seconds <= 0 || sampleRate <= 0 {
		return 0
	}
	return math.Exp(-1 / (seconds * float64(sampleRate)))
}

func (c *compressor) process(v float64) float64 {
	if !c.enabled {
		return v
	}
	target := 0.0
	if mag := math.Abs(v); mag > 0 {
		level := 20 * math.Log10(mag)
		target = c.curve(level) - level
	}
	coeff := c.releaseCoeff
	if target < c.envelope {
		coeff = c.attackCoeff
	}
	c.envelope = coeff*c.envelope + (1-coeff)*target
	return v * math.Pow(10, c.envelope/20)
}

// curve is the soft-knee static transfer function in dB.
func (c *compressor) curve(level float64) float64 {
	over := level - c.threshold
	switch {
	case 2*over < -c.knee:
		return level
	case c.knee > 0 && 2*math.Abs(over) <= c.knee:
		x := over + c.knee/2
		return level + (1/c.ratio-1)*x*x/(2*c.knee)
	default:
		return c.threshold + over/c.ratio
	}
}
