package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"
)

// Notification sounds are single opus packets decoded at the wire sample
// rate. 1920 samples covers a 40ms stereo frame at 48kHz.
const (
	decodeSampleRate = 48000
	decodeBufferSize = 1920 * 2
)

// ErrEmptySound is returned when a play request carries no encoded data.
var ErrEmptySound = errors.New("empty sound data")

// Manager decodes opus-encoded sounds and routes PCM frames to an output
// device. It is safe for use from a single goroutine; repeating sounds run
// on their own goroutine and only touch the device.
type Manager struct {
	device  OutputDevice
	decoder *opus.Decoder
}

// NewManager builds a manager around the given device. A nil device falls
// back to the null device.
func NewManager(device OutputDevice) *Manager {
	if device == nil {
		device = NullDevice{}
	}
	decoder := opus.NewDecoder()

	logrus.WithFields(logrus.Fields{
		"device": device.Name(),
	}).Debug("Audio manager created")

	return &Manager{
		device:  device,
		decoder: &decoder,
	}
}

// PlaySound decodes a single opus packet and plays it once.
func (m *Manager) PlaySound(sound []byte) error {
	frame, err := m.decode(sound)
	if err != nil {
		return err
	}
	return m.PlayFrame(frame)
}

// PlayFrame sends already-decoded PCM straight to the device. Incoming
// call audio arrives here without touching the decoder.
func (m *Manager) PlayFrame(frame Frame) error {
	if err := m.device.Play(frame); err != nil {
		return fmt.Errorf("audio playback failed: %w", err)
	}
	return nil
}

// PlayRepeating decodes a sound once and loops it until the returned
// handle is stopped. Ringtones use this while a call is pending.
func (m *Manager) PlayRepeating(sound []byte) (*RepeatingSound, error) {
	frame, err := m.decode(sound)
	if err != nil {
		return nil, err
	}

	interval := frame.Duration()
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}

	handle := &RepeatingSound{stop: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := m.device.Play(frame); err != nil {
				logrus.WithError(err).Warn("Repeating sound playback failed")
				return
			}
			select {
			case <-handle.stop:
				return
			case <-ticker.C:
			}
		}
	}()
	return handle, nil
}

// Close releases the output device.
func (m *Manager) Close() error {
	return m.device.Close()
}

func (m *Manager) decode(sound []byte) (Frame, error) {
	if len(sound) == 0 {
		return Frame{}, ErrEmptySound
	}

	output := make([]byte, decodeBufferSize)
	bandwidth, isStereo, err := m.decoder.Decode(sound, output)
	if err != nil {
		return Frame{}, fmt.Errorf("opus decode failed: %w", err)
	}

	channels := uint8(1)
	if isStereo {
		channels = 2
	}

	logrus.WithFields(logrus.Fields{
		"bandwidth": bandwidth.String(),
		"stereo":    isStereo,
	}).Debug("Decoded notification sound")

	return Frame{
		PCM:        pcmFromBytes(output),
		Channels:   channels,
		SampleRate: decodeSampleRate,
	}, nil
}

// pcmFromBytes reinterprets little-endian sample bytes as int16 PCM.
func pcmFromBytes(data []byte) []int16 {
	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return pcm
}

// RepeatingSound is a handle to a looping sound. Stop is idempotent.
type RepeatingSound struct {
	stop chan struct{}
	once sync.Once
}

// Stop halts the loop after the current frame finishes.
func (r *RepeatingSound) Stop() {
	r.once.Do(func() { close(r.stop) })
}
