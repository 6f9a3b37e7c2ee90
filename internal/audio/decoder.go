package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/pion/opus"
	"github.com/pion/opus/pkg/oggreader"

	"github.com/yok-tottii/EzS2T-Stream/internal/logger"
)

// ErrUnsupportedFormat is returned for files the decoder cannot read
var ErrUnsupportedFormat = errors.New("unsupported audio format")

const (
	// decodeChunkSeconds of source audio are converted per Store call
	decodeChunkSeconds = 10
	// maxOpusFrameSize is 120 ms at 48 kHz
	maxOpusFrameSize = 5760
)

// Decoder turns audio files into 16 kHz mono samples for a Sink
type Decoder struct {
	log *logger.Logger
}

// NewDecoder creates a file decoder
func NewDecoder(log *logger.Logger) *Decoder {
	if log == nil {
		log = logger.Discard()
	}
	return &Decoder{log: log}
}

// SupportedExtensions lists the file extensions DecodeFile accepts
func SupportedExtensions() []string {
	return []string{".wav", ".ogg", ".opus", ".oga"}
}

// IsSupported reports whether path has a supported extension
func IsSupported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range SupportedExtensions() {
		if e == ext {
			return true
		}
	}
	return false
}

// DecodeFile decodes path into sink and returns the number of samples
// stored. SetStopped is called once decoding ends, also after an error, so
// whatever was stored is still transcribed.
func (d *Decoder) DecodeFile(ctx context.Context, path string, sink Sink) (int, error) {
	if !IsSupported(path) {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}

	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer file.Close()

	defer sink.SetStopped()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return d.decodeWAV(ctx, file, sink)
	default:
		return d.decodeOggOpusSafe(ctx, file, sink)
	}
}

func (d *Decoder) decodeWAV(ctx context.Context, r io.ReadSeeker, sink Sink) (int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("%w: invalid WAV file", ErrUnsupportedFormat)
	}
	dec.ReadInfo()
	if dec.WavAudioFormat != 1 {
		return 0, fmt.Errorf("%w: WAV encoding %d is not PCM", ErrUnsupportedFormat, dec.WavAudioFormat)
	}

	format := dec.Format()
	channels := format.NumChannels
	bitDepth := int(dec.BitDepth)
	d.log.Debug("WAV: %d Hz, %d ch, %d bit", format.SampleRate, channels, bitDepth)

	rs, err := newResampler(format.SampleRate)
	if err != nil {
		return 0, err
	}

	buf := &goaudio.IntBuffer{
		Format:         format,
		Data:           make([]int, format.SampleRate*channels*decodeChunkSeconds),
		SourceBitDepth: bitDepth,
	}

	stored := 0
	for {
		n, err := dec.PCMBuffer(buf)
		eof := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
		if err != nil && !eof {
			return stored, fmt.Errorf("failed to decode WAV: %w", err)
		}

		if n > 0 {
			samples := rs.resample(toMono(toInt16(buf.Data[:n], bitDepth), channels))
			if err := sink.Store(ctx, samples); err != nil {
				return stored, err
			}
			stored += len(samples)
		}

		if n == 0 || eof {
			break
		}
	}

	if stored == 0 {
		return 0, fmt.Errorf("no audio samples in WAV file")
	}
	return stored, nil
}

// decodeOggOpusSafe recovers from panics inside the Opus decoder on malformed packets
func (d *Decoder) decodeOggOpusSafe(ctx context.Context, r io.Reader, sink Sink) (stored int, err error) {
	var samples []int16
	func() {
		defer func() {
			if p := recover(); p != nil {
				d.log.Warn("Opusデコーダでpanicが発生しました: %v", p)
				err = fmt.Errorf("opus decoder panic: %v", p)
			}
		}()
		samples, err = d.decodeOggOpus(r)
	}()
	if err != nil {
		return 0, err
	}

	chunk := TargetSampleRate * decodeChunkSeconds
	for len(samples) > 0 {
		n := chunk
		if n > len(samples) {
			n = len(samples)
		}
		if err := sink.Store(ctx, samples[:n]); err != nil {
			return stored, err
		}
		stored += n
		samples = samples[n:]
	}
	return stored, nil
}

// decodeOggOpus decodes a whole Ogg/Opus stream to 16 kHz mono
func (d *Decoder) decodeOggOpus(r io.Reader) ([]int16, error) {
	ogg, header, err := oggreader.NewWith(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Ogg container: %w", err)
	}

	sampleRate := int(header.SampleRate)
	channels := int(header.Channels)
	d.log.Debug("Ogg/Opus: %d Hz, %d ch", sampleRate, channels)

	decoder := opus.NewDecoder()
	outBuf := make([]byte, maxOpusFrameSize*2*2)

	var all []int16
	for {
		segments, _, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse Ogg page: %w", err)
		}

		for _, segment := range segments {
			if len(segment) == 0 {
				continue
			}

			clear(outBuf)
			_, isStereo, err := decoder.Decode(segment, outBuf)
			if err != nil {
				// header and comment packets are not audio
				continue
			}

			frame := bytesToInt16(outBuf)
			if isStereo {
				frame = toMono(frame, 2)
			}
			all = append(all, frame...)
		}
	}

	if len(all) == 0 {
		return nil, fmt.Errorf("no audio samples decoded")
	}

	rs, err := newResampler(sampleRate)
	if err != nil {
		return nil, err
	}
	return rs.resample(all), nil
}
