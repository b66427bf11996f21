package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	DefaultSampleRate = 16000
	bytesPerSample    = 2

	// silenceFloorDBFS is reported for all-zero frames.
	silenceFloorDBFS = -120.0
	clipSample       = 32000
)

// FrameStats summarizes one PCM16LE mono frame.
type FrameStats struct {
	Samples   int
	RMSDBFS   float64
	ClipRatio float64
	Duration  time.Duration
}

// Analyze computes energy and clipping for a PCM16LE mono frame. Odd trailing
// bytes are ignored; callers validate framing before analysis.
func Analyze(pcm []byte, sampleRate int) FrameStats {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	n := len(pcm) / bytesPerSample
	if n == 0 {
		return FrameStats{RMSDBFS: silenceFloorDBFS}
	}

	var sumSquares float64
	clipped := 0
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		f := float64(v)
		sumSquares += f * f
		if v >= clipSample || v <= -clipSample {
			clipped++
		}
	}

	rms := math.Sqrt(sumSquares / float64(n))
	db := silenceFloorDBFS
	if rms > 0 {
		db = 20 * math.Log10(rms/32768.0)
		if db < silenceFloorDBFS {
			db = silenceFloorDBFS
		}
	}
	return FrameStats{
		Samples:   n,
		RMSDBFS:   db,
		ClipRatio: float64(clipped) / float64(n),
		Duration:  FrameDuration(len(pcm), sampleRate),
	}
}

// FrameDuration converts a PCM16 mono byte count to playback time.
func FrameDuration(byteLen, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	samples := byteLen / bytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// BytesFor returns the PCM16 mono byte count covering d.
func BytesFor(d time.Duration, sampleRate int) int {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	samples := int(d * time.Duration(sampleRate) / time.Second)
	return samples * bytesPerSample
}

// Tone synthesizes a PCM16LE sine tone. Used by the load simulator and probe
// client to stand in for speech.
func Tone(d time.Duration, sampleRate int, freqHz float64, amplitude float64) []byte {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	n := int(d * time.Duration(sampleRate) / time.Second)
	out := make([]byte, n*bytesPerSample)
	for i := 0; i < n; i++ {
		v := amplitude * math.Sin(2*math.Pi*freqHz*float64(i)/float64(sampleRate))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*32767)))
	}
	return out
}

// Silence returns d worth of zeroed PCM16LE samples.
func Silence(d time.Duration, sampleRate int) []byte {
	return make([]byte, BytesFor(d, sampleRate))
}
