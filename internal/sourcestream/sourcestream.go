// Package sourcestream implements the lazy sequence of fixed-size PCM
// frames the Broadcaster pulls from (§4.3). It owns the playlist cursor
// and the rebuffer/flush bookkeeping used for pause-resume and skip, in
// two variants: an in-memory playlist (New) and a file-backed playlist
// that reads a track at a time from disk (NewFile).
package sourcestream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xtrcode/strobe-hub/internal/types"
)

// ErrEndOfStream is returned by NextFrame once the playlist is
// exhausted, analogous to io.EOF.
var ErrEndOfStream = errors.New("sourcestream: end of stream")

// ErrUnknownSource is returned by SeekToSource when id is not present
// in the playlist — a §7 "invalid command" case: report, no state
// change.
var ErrUnknownSource = errors.New("sourcestream: unknown source id")

// Track is one playlist entry: a source id and its raw PCM payload,
// already framed at the system's fixed sample rate.
type Track struct {
	SourceID types.SourceID
	PCM      []byte
}

// Stream is the contract the Broadcaster consumes. Implementations need
// not be safe for concurrent use — exactly one Broadcaster owns a Stream
// at a time (§3 Ownership).
type Stream interface {
	// NextFrame yields the next fixed-size PCM frame, or ErrEndOfStream
	// once the playlist is exhausted.
	NextFrame() (types.Frame, error)

	// Rebuffer pushes frames back to the head of the stream, preserving
	// their relative order, so the next NextFrame call returns frames[0].
	Rebuffer(frames []types.Frame)

	// Flush discards all buffered output without advancing the playlist
	// cursor logically.
	Flush()

	// Reset rewinds to the start of the current playlist position.
	Reset()

	// SeekToSource advances the cursor to the named source, dropping any
	// buffered output. Returns ErrUnknownSource (no state change) if id
	// is not in the playlist.
	SeekToSource(id types.SourceID) error

	// SkipCurrentTrack abandons whatever remains of the current track
	// and advances to the next one, dropping buffered output. Returns
	// the new current source id, or ErrEndOfStream if no track follows.
	// Used by the Broadcaster's source-read-error recovery (§7 kind 2):
	// after K consecutive read failures, advance past the bad source
	// rather than stall the whole channel.
	SkipCurrentTrack() (types.SourceID, error)
}

// playlistStream is the in-memory Stream implementation: a fixed list
// of tracks, a cursor (track index + byte offset), and a FIFO of
// rebuffered frames served ahead of the cursor.
type playlistStream struct {
	tracks     []Track
	frameBytes int

	trackIdx   int
	byteOffset int

	pending []types.Frame
}

// New builds a Stream over tracks, framing each track's PCM into chunks
// of frameBytes. The final frame of a track is zero-padded if the
// track's length isn't a multiple of frameBytes — frame size is fixed
// system-wide (§3).
func New(tracks []Track, frameBytes int) (Stream, error) {
	if frameBytes <= 0 {
		return nil, fmt.Errorf("sourcestream: frameBytes must be > 0, got %d", frameBytes)
	}
	return &playlistStream{tracks: tracks, frameBytes: frameBytes}, nil
}

func (s *playlistStream) NextFrame() (types.Frame, error) {
	if len(s.pending) > 0 {
		f := s.pending[0]
		s.pending = s.pending[1:]
		return f, nil
	}

	for s.trackIdx < len(s.tracks) {
		track := s.tracks[s.trackIdx]
		if s.byteOffset >= len(track.PCM) {
			s.trackIdx++
			s.byteOffset = 0
			continue
		}

		end := s.byteOffset + s.frameBytes
		var chunk []byte
		if end <= len(track.PCM) {
			chunk = track.PCM[s.byteOffset:end]
		} else {
			chunk = make([]byte, s.frameBytes)
			copy(chunk, track.PCM[s.byteOffset:])
		}
		s.byteOffset = end

		return types.Frame{SourceID: track.SourceID, Bytes: chunk}, nil
	}

	return types.Frame{}, ErrEndOfStream
}

func (s *playlistStream) Rebuffer(frames []types.Frame) {
	if len(frames) == 0 {
		return
	}
	s.pending = append(append([]types.Frame{}, frames...), s.pending...)
}

func (s *playlistStream) Flush() {
	s.pending = nil
}

func (s *playlistStream) Reset() {
	s.pending = nil
	s.byteOffset = 0
}

func (s *playlistStream) SeekToSource(id types.SourceID) error {
	for i, track := range s.tracks {
		if track.SourceID == id {
			s.trackIdx = i
			s.byteOffset = 0
			s.pending = nil
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownSource, id)
}

func (s *playlistStream) SkipCurrentTrack() (types.SourceID, error) {
	s.pending = nil
	s.trackIdx++
	s.byteOffset = 0

	if s.trackIdx >= len(s.tracks) {
		return "", ErrEndOfStream
	}
	return s.tracks[s.trackIdx].SourceID, nil
}

// SourceIDFromPath derives a playlist entry's source id from its base
// filename, stripping the extension, so a file named intro.pcm always
// surfaces as source id "intro" regardless of which Stream loaded it.
func SourceIDFromPath(path string) types.SourceID {
	base := filepath.Base(path)
	return types.SourceID(strings.TrimSuffix(base, filepath.Ext(base)))
}

// fileStream is the file-backed Stream implementation: a playlist of
// raw, headerless PCM files read a track at a time from disk instead of
// held fully in memory like playlistStream — the same §4.3 cursor and
// rebuffer contract, sized for playlists too large to read upfront.
type fileStream struct {
	paths      []string
	frameBytes int

	trackIdx int
	trackEnd bool
	f        *os.File
	r        *bufio.Reader

	pending []types.Frame
}

// NewFile builds a Stream over the raw PCM files named by paths,
// validating every path exists up front — a bad playlist entry should
// fail at channel creation, not mid-playback — without reading any
// file's contents until NextFrame actually needs them.
func NewFile(paths []string, frameBytes int) (Stream, error) {
	if frameBytes <= 0 {
		return nil, fmt.Errorf("sourcestream: frameBytes must be > 0, got %d", frameBytes)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("sourcestream: playlist must name at least one file")
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("sourcestream: %w", err)
		}
	}
	return &fileStream{paths: paths, frameBytes: frameBytes}, nil
}

func (s *fileStream) sourceID(idx int) types.SourceID {
	return SourceIDFromPath(s.paths[idx])
}

// openTrack closes whatever file is currently open and opens paths[idx],
// or reports ErrEndOfStream once idx runs past the last track.
func (s *fileStream) openTrack(idx int) error {
	s.closeCurrent()
	if idx >= len(s.paths) {
		s.trackIdx = idx // stay exhausted: a later NextFrame must not reopen the last track
		return ErrEndOfStream
	}
	f, err := os.Open(s.paths[idx])
	if err != nil {
		return fmt.Errorf("sourcestream: open %q: %w", s.paths[idx], err)
	}
	s.f = f
	s.r = bufio.NewReader(f)
	s.trackIdx = idx
	s.trackEnd = false
	return nil
}

func (s *fileStream) closeCurrent() {
	if s.f != nil {
		s.f.Close()
		s.f = nil
		s.r = nil
	}
}

func (s *fileStream) NextFrame() (types.Frame, error) {
	if len(s.pending) > 0 {
		f := s.pending[0]
		s.pending = s.pending[1:]
		return f, nil
	}

	for {
		if s.r == nil {
			if err := s.openTrack(s.trackIdx); err != nil {
				return types.Frame{}, err
			}
		}
		if s.trackEnd {
			if err := s.openTrack(s.trackIdx + 1); err != nil {
				return types.Frame{}, err
			}
			continue
		}

		chunk := make([]byte, s.frameBytes)
		n, err := io.ReadFull(s.r, chunk)
		switch {
		case err == nil:
			return types.Frame{SourceID: s.sourceID(s.trackIdx), Bytes: chunk}, nil
		case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
			s.trackEnd = true
			if n == 0 {
				continue // empty read right at the track boundary, nothing to emit
			}
			return types.Frame{SourceID: s.sourceID(s.trackIdx), Bytes: chunk}, nil // zero-padded tail, chunk already zeroed past n
		default:
			return types.Frame{}, fmt.Errorf("sourcestream: read %q: %w", s.paths[s.trackIdx], err)
		}
	}
}

func (s *fileStream) Rebuffer(frames []types.Frame) {
	if len(frames) == 0 {
		return
	}
	s.pending = append(append([]types.Frame{}, frames...), s.pending...)
}

func (s *fileStream) Flush() {
	s.pending = nil
}

func (s *fileStream) Reset() {
	s.pending = nil
	s.closeCurrent()
	s.trackEnd = false
}

func (s *fileStream) SeekToSource(id types.SourceID) error {
	for i, p := range s.paths {
		if SourceIDFromPath(p) == id {
			s.pending = nil
			s.closeCurrent()
			s.trackIdx = i
			s.trackEnd = false
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownSource, id)
}

func (s *fileStream) SkipCurrentTrack() (types.SourceID, error) {
	s.pending = nil
	s.closeCurrent()
	s.trackIdx++
	s.trackEnd = false

	if s.trackIdx >= len(s.paths) {
		return "", ErrEndOfStream
	}
	return s.sourceID(s.trackIdx), nil
}
