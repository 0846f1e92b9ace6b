package speech

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"sync/atomic"
	"time"
)

// MockTranscriber returns a fixed transcript, for tests and dry runs.
type MockTranscriber struct {
	Transcript string
	Err        error

	calls atomic.Int64
}

func (m *MockTranscriber) Transcribe(context.Context, []byte, string) (string, error) {
	m.calls.Add(1)
	if m.Err != nil {
		return "", m.Err
	}
	return m.Transcript, nil
}

// Calls returns how many transcriptions were requested.
func (m *MockTranscriber) Calls() int { return int(m.calls.Load()) }

// MockSynthesizer synthesizes silent audio for development and tests.
type MockSynthesizer struct {
	SampleRate int
	Err        error

	calls atomic.Int64
}

func (m *MockSynthesizer) Synthesize(_ context.Context, text string) ([]byte, error) {
	m.calls.Add(1)
	if m.Err != nil {
		return nil, m.Err
	}
	rate := m.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	return generateSilentWAV(estimateDuration(text), rate), nil
}

// Calls returns how many syntheses were requested.
func (m *MockSynthesizer) Calls() int { return int(m.calls.Load()) }

func estimateDuration(text string) time.Duration {
	if len(text) == 0 {
		return 2 * time.Second
	}
	seconds := float64(len([]rune(text))) / 12.0
	seconds = math.Max(seconds, 2)
	return time.Duration(seconds * float64(time.Second))
}

func generateSilentWAV(duration time.Duration, sampleRate int) []byte {
	totalSamples := int(math.Ceil(duration.Seconds() * float64(sampleRate)))
	if totalSamples < sampleRate {
		totalSamples = sampleRate
	}
	dataSize := totalSamples * 2
	buf := bytes.NewBuffer(make([]byte, 0, 44+dataSize))
	writeString(buf, "RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+dataSize))
	writeString(buf, "WAVE")
	writeString(buf, "fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(buf, binary.LittleEndian, uint16(2))
	binary.Write(buf, binary.LittleEndian, uint16(16))
	writeString(buf, "data")
	binary.Write(buf, binary.LittleEndian, uint32(dataSize))
	buf.Write(make([]byte, dataSize))
	return buf.Bytes()
}

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
}
