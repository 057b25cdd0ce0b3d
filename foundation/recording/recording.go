// Package recording hands each turn's recorded audio to an external
// storage collaborator. The core does not manage storage or access URLs.
package recording

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Clip is the recorded audio of one turn.
type Clip struct {
	SessionID string
	TurnSeq   int
	Speaker   string
	Audio     []byte
	StartedAt time.Time
}

// Sink stores one clip. Implementations own the storage technology.
type Sink interface {
	Store(clip Clip) error
}

// WavSink writes clips as wav files under a directory, one file per
// turn.
type WavSink struct {
	dir        string
	sampleRate int
}

func NewWavSink(dir string, sampleRate int) (*WavSink, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, err
	}
	return &WavSink{dir: dir, sampleRate: sampleRate}, nil
}

var _ Sink = (*WavSink)(nil)

func (s *WavSink) Store(clip Clip) error {
	path := filepath.Join(s.dir, clipFileName(clip))

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := file.Write(wavHeader(len(clip.Audio), s.sampleRate)); err != nil {
		return err
	}
	if _, err := file.Write(clip.Audio); err != nil {
		return err
	}
	return nil
}

// =====================================================================================================================

func clipFileName(clip Clip) string {
	const layout = "2006-01-02-15:04:05"
	return fmt.Sprintf("%s-turn%03d-%s-%s.wav", clip.SessionID, clip.TurnSeq, clip.Speaker, clip.StartedAt.Format(layout))
}

// wavHeader builds a canonical 44-byte PCM header for 16-bit mono audio.
func wavHeader(dataLen int, sampleRate int) []byte {
	const (
		numChannels   = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * numChannels * bitsPerSample / 8
	blockAlign := numChannels * bitsPerSample / 8

	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+dataLen))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1)
	binary.LittleEndian.PutUint16(header[22:24], numChannels)
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], bitsPerSample)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataLen))
	return header
}
