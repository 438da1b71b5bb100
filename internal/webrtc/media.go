package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog"

	"teleconsult/native/internal/domain"
)

const opusFrame = 20 * time.Millisecond

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

var errNoCamera = errors.New("no video source configured")

// FileSource is a domain.MediaSource that captures from files: an Ogg/Opus
// file stands in for the microphone and an IVF/VP8 file for the camera.
// Without an audio file the microphone produces silence; without a video
// file video calls fail to acquire media.
type FileSource struct {
	AudioPath string
	VideoPath string
	// Loop restarts a file when it ends.
	Loop bool

	log zerolog.Logger
}

// NewFileSource returns a FileSource reading the given files.
func NewFileSource(audioPath, videoPath string, l zerolog.Logger) *FileSource {
	return &FileSource{
		AudioPath: audioPath,
		VideoPath: videoPath,
		Loop:      true,
		log:       l.With().Str("component", "media").Logger(),
	}
}

// GetUserMedia implements domain.MediaSource. Files are opened before it
// returns so missing files fail the acquisition.
func (s *FileSource) GetUserMedia(ctx context.Context, c domain.MediaConstraints) (domain.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream := &Stream{id: uuid.NewString()}

	if c.Audio {
		t, err := s.audioTrack(stream.id)
		if err != nil {
			stream.Stop()
			return nil, err
		}
		stream.tracks = append(stream.tracks, t)
	}
	if c.Video {
		t, err := s.videoTrack(stream.id)
		if err != nil {
			stream.Stop()
			return nil, err
		}
		stream.tracks = append(stream.tracks, t)
	}

	s.log.Info().Int("tracks", len(stream.tracks)).Str("stream", stream.id).Msg("media acquired")
	return stream, nil
}

func (s *FileSource) audioTrack(streamID string) (*SampleTrack, error) {
	local, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	t := newSampleTrack(domain.TrackAudio, local)

	if s.AudioPath == "" {
		go t.feedSilence()
		return t, nil
	}
	f, err := os.Open(s.AudioPath)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	go t.feedOgg(f, s.AudioPath, s.Loop, s.log)
	return t, nil
}

func (s *FileSource) videoTrack(streamID string) (*SampleTrack, error) {
	if s.VideoPath == "" {
		return nil, errNoCamera
	}
	f, err := os.Open(s.VideoPath)
	if err != nil {
		return nil, fmt.Errorf("open video file: %w", err)
	}
	local, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8}, "video", streamID)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create video track: %w", err)
	}
	t := newSampleTrack(domain.TrackVideo, local)
	go t.feedIVF(f, s.VideoPath, s.Loop, s.log)
	return t, nil
}

// Stream is a set of SampleTracks. It implements domain.LocalStream.
type Stream struct {
	id     string
	tracks []*SampleTrack
}

func (s *Stream) Tracks() []domain.LocalTrack {
	out := make([]domain.LocalTrack, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

func (s *Stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

// SampleTrack is a local track fed from a file. Disabled audio tracks send
// silence; disabled video tracks send nothing.
type SampleTrack struct {
	kind  domain.TrackKind
	local *pion.TrackLocalStaticSample

	enabled atomic.Bool
	stop    chan struct{}
	once    sync.Once
}

func newSampleTrack(kind domain.TrackKind, local *pion.TrackLocalStaticSample) *SampleTrack {
	t := &SampleTrack{kind: kind, local: local, stop: make(chan struct{})}
	t.enabled.Store(true)
	return t
}

func (t *SampleTrack) ID() string                  { return t.local.ID() }
func (t *SampleTrack) Kind() domain.TrackKind      { return t.kind }
func (t *SampleTrack) Enabled() bool               { return t.enabled.Load() }
func (t *SampleTrack) SetEnabled(enabled bool)     { t.enabled.Store(enabled) }
func (t *SampleTrack) TrackLocal() pion.TrackLocal { return t.local }

// Stop ends the feeder. Calling it more than once is a no-op.
func (t *SampleTrack) Stop() {
	t.once.Do(func() { close(t.stop) })
}

func (t *SampleTrack) stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

func (t *SampleTrack) write(data []byte, d time.Duration) error {
	if !t.Enabled() {
		if t.kind == domain.TrackVideo {
			return nil
		}
		data = opusSilence
	}
	return t.local.WriteSample(media.Sample{Data: data, Duration: d})
}

func (t *SampleTrack) feedSilence() {
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if err := t.local.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrame}); err != nil {
				return
			}
		}
	}
}

// feedOgg paces Ogg pages at their granule duration.
func (t *SampleTrack) feedOgg(f *os.File, path string, loop bool, l zerolog.Logger) {
	for {
		err := t.playOgg(f)
		f.Close()
		if t.stopped() || !loop || !errors.Is(err, io.EOF) {
			if err != nil && !errors.Is(err, io.EOF) {
				l.Warn().Err(err).Str("file", path).Msg("audio feed stopped")
			}
			return
		}
		if f, err = os.Open(path); err != nil {
			l.Warn().Err(err).Str("file", path).Msg("reopen audio file")
			return
		}
	}
}

func (t *SampleTrack) playOgg(r io.Reader) error {
	ogg, _, err := oggreader.NewWith(r)
	if err != nil {
		return fmt.Errorf("read ogg header: %w", err)
	}

	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()
	var lastGranule uint64
	for {
		page, header, err := ogg.ParseNextPage()
		if err != nil {
			return err
		}
		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		d := time.Duration(float64(samples)/48000*1000) * time.Millisecond

		select {
		case <-t.stop:
			return nil
		case <-ticker.C:
		}
		if err := t.write(page, d); err != nil {
			return err
		}
	}
}

// feedIVF paces IVF frames at the file's timebase.
func (t *SampleTrack) feedIVF(f *os.File, path string, loop bool, l zerolog.Logger) {
	for {
		err := t.playIVF(f)
		f.Close()
		if t.stopped() || !loop || !errors.Is(err, io.EOF) {
			if err != nil && !errors.Is(err, io.EOF) {
				l.Warn().Err(err).Str("file", path).Msg("video feed stopped")
			}
			return
		}
		if f, err = os.Open(path); err != nil {
			l.Warn().Err(err).Str("file", path).Msg("reopen video file")
			return
		}
	}
}

func (t *SampleTrack) playIVF(r io.Reader) error {
	ivf, header, err := ivfreader.NewWith(r)
	if err != nil {
		return fmt.Errorf("read ivf header: %w", err)
	}
	frameDuration := 33 * time.Millisecond
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		frameDuration = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		frame, _, err := ivf.ParseNextFrame()
		if err != nil {
			return err
		}
		select {
		case <-t.stop:
			return nil
		case <-ticker.C:
		}
		if err := t.write(frame, frameDuration); err != nil {
			return err
		}
	}
}
