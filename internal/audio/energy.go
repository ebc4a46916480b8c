package audio

import (
	"encoding/binary"
	"math"
)

// CalculateRMS calculates the RMS energy of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}

// BytesToSamples converts little-endian 16-bit PCM bytes to samples.
// A trailing odd byte is ignored.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// Classifier labels raw audio frames as speech or silence using an
// RMS energy threshold. Transports that deliver pre-labelled frames
// bypass it entirely.
type Classifier struct {
	threshold float64
}

// NewClassifier creates a classifier with the given RMS threshold
func NewClassifier(threshold float64) *Classifier {
	return &Classifier{threshold: threshold}
}

// IsSpeech reports whether a raw 16-bit PCM frame contains speech
func (c *Classifier) IsSpeech(frame []byte) bool {
	return CalculateRMS(BytesToSamples(frame)) > c.threshold
}

// DetectSilence reports whether samples fall below the threshold
func DetectSilence(samples []int16, threshold float64) bool {
	return CalculateRMS(samples) < threshold
}
