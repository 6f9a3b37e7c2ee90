package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/zeozeozeo/gomplerate"
)

// TargetSampleRate is the sample rate every producer delivers
const TargetSampleRate = 16000

// toMono converts interleaved multi-channel audio to mono by averaging channels
func toMono(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}

	mono := make([]int16, len(samples)/channels)
	for i := range mono {
		var sum int32
		for ch := 0; ch < channels; ch++ {
			sum += int32(samples[i*channels+ch])
		}
		mono[i] = int16(sum / int32(channels))
	}
	return mono
}

// resampler converts mono audio to TargetSampleRate
type resampler struct {
	from int
	r    *gomplerate.Resampler
}

func newResampler(from int) (*resampler, error) {
	if from <= 0 {
		return nil, fmt.Errorf("invalid sample rate: %d", from)
	}
	if from == TargetSampleRate {
		return &resampler{from: from}, nil
	}

	r, err := gomplerate.NewResampler(1, from, TargetSampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler %d -> %d: %w", from, TargetSampleRate, err)
	}
	return &resampler{from: from, r: r}, nil
}

func (r *resampler) resample(samples []int16) []int16 {
	if r.r == nil || len(samples) == 0 {
		return samples
	}
	return r.r.ResampleInt16(samples)
}

// toInt16 scales integer PCM of the given bit depth to 16 bits
func toInt16(data []int, bitDepth int) []int16 {
	out := make([]int16, len(data))
	for i, v := range data {
		switch bitDepth {
		case 8:
			// 8-bit WAV is unsigned
			out[i] = int16((v - 128) << 8)
		case 24:
			out[i] = int16(v >> 8)
		case 32:
			out[i] = int16(v >> 16)
		default:
			out[i] = int16(v)
		}
	}
	return out
}

// bytesToInt16 converts little-endian 16-bit PCM, ignoring trailing
// silence that was never written by the decoder
func bytesToInt16(buf []byte) []int16 {
	end := len(buf) &^ 1
	for end >= 2 && buf[end-1] == 0 && buf[end-2] == 0 {
		end -= 2
	}

	samples := make([]int16, end/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}
	return samples
}
