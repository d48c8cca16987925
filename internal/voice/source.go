package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	opusFrameDuration = 20 * time.Millisecond
	opusClockRate     = 48000
)

// SilenceFrame is an Opus packet decoding to 20ms of silence.
var SilenceFrame = []byte{0xf8, 0xff, 0xfe}

func newAudioTrack(streamID string) (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2},
		"audio", streamID,
	)
}

func streamID() string { return "office-" + uuid.NewString() }

// SilenceSource is a capture device producing comfort silence. Headless
// participants use it to be present in calls without a microphone.
type SilenceSource struct{}

func (SilenceSource) Start(ctx context.Context, _ func() bool) (Capture, error) {
	track, err := newAudioTrack(streamID())
	if err != nil {
		return Capture{}, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	logger := log.With().Str("module", "voice.silence").Logger()
	go func() {
		ticker := time.NewTicker(opusFrameDuration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := track.WriteSample(media.Sample{Data: SilenceFrame, Duration: opusFrameDuration}); err != nil {
					logger.Debug().Err(err).Msg("write sample")
				}
			}
		}
	}()
	return Capture{Tracks: []webrtc.TrackLocal{track}}, nil
}

// FileSource plays an Ogg/Opus file as microphone and optionally an IVF
// file as camera, both looped.
type FileSource struct {
	AudioPath string
	VideoPath string
}

func (s FileSource) Start(ctx context.Context, muted func() bool) (Capture, error) {
	audioFile, err := os.Open(s.AudioPath)
	if err != nil {
		return Capture{}, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	files := []*os.File{audioFile}
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}

	id := streamID()
	audioTrack, err := newAudioTrack(id)
	if err != nil {
		closeAll()
		return Capture{}, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	tracks := []webrtc.TrackLocal{audioTrack}

	var videoFile *os.File
	var videoTrack *webrtc.TrackLocalStaticSample
	if s.VideoPath != "" {
		videoFile, err = os.Open(s.VideoPath)
		if err != nil {
			closeAll()
			return Capture{}, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
		}
		files = append(files, videoFile)
		_, header, err := ivfreader.NewWith(videoFile)
		if err != nil {
			closeAll()
			return Capture{}, fmt.Errorf("%w: ivf header: %w", ErrDeviceUnavailable, err)
		}
		mime := webrtc.MimeTypeVP8
		if header.FourCC == "VP90" {
			mime = webrtc.MimeTypeVP9
		}
		videoTrack, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, "video", id)
		if err != nil {
			closeAll()
			return Capture{}, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
		}
		tracks = append(tracks, videoTrack)
	}

	logger := log.With().Str("module", "voice.file").Str("audio", s.AudioPath).Logger()
	go playOgg(ctx, audioFile, audioTrack, muted, &logger)
	if videoTrack != nil {
		go playIVF(ctx, videoFile, videoTrack, &logger)
	}
	return Capture{Tracks: tracks, Stop: closeAll}, nil
}

func playOgg(ctx context.Context, f *os.File, track *webrtc.TrackLocalStaticSample, muted func() bool, logger *zerolog.Logger) {
	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		logger.Error().Err(err).Msg("ogg header")
		return
	}
	var lastGranule uint64
	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if ogg, err = rewindOgg(f); err != nil {
				logger.Error().Err(err).Msg("ogg rewind")
				return
			}
			lastGranule = 0
			continue
		}
		if err != nil {
			logger.Error().Err(err).Msg("ogg page")
			return
		}
		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples) / opusClockRate * float64(time.Second))
		data := page
		if muted() {
			data = SilenceFrame
		}
		if err := track.WriteSample(media.Sample{Data: data, Duration: duration}); err != nil {
			logger.Debug().Err(err).Msg("write audio sample")
		}
	}
}

func rewindOgg(f *os.File) (*oggreader.OggReader, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	ogg, _, err := oggreader.NewWith(f)
	return ogg, err
}

func playIVF(ctx context.Context, f *os.File, track *webrtc.TrackLocalStaticSample, logger *zerolog.Logger) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		logger.Error().Err(err).Msg("ivf seek")
		return
	}
	ivf, header, err := ivfreader.NewWith(f)
	if err != nil {
		logger.Error().Err(err).Msg("ivf header")
		return
	}
	frameDuration := time.Second
	if header.TimebaseDenominator != 0 {
		frameDuration = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				logger.Error().Err(err).Msg("ivf rewind")
				return
			}
			if ivf, _, err = ivfreader.NewWith(f); err != nil {
				logger.Error().Err(err).Msg("ivf header")
				return
			}
			continue
		}
		if err != nil {
			logger.Error().Err(err).Msg("ivf frame")
			return
		}
		if err := track.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			logger.Debug().Err(err).Msg("write video sample")
		}
	}
}
