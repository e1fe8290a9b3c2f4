// Package audio plays notification sounds and incoming call audio.
//
// Decoding is pure Go via pion/opus. Actual sample output goes through the
// OutputDevice boundary; the process-default device is chosen once at
// startup and injected into the Manager.
package audio

import (
	"fmt"
	"time"
)

// Frame is one block of PCM samples ready for an output device.
type Frame struct {
	PCM        []int16
	Channels   uint8
	SampleRate uint32
}

// Duration is the play time of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate == 0 || f.Channels == 0 {
		return 0
	}
	samples := len(f.PCM) / int(f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// OutputDevice consumes PCM frames. Implementations live outside the core;
// the null device stands in when no audio backend is wired up.
type OutputDevice interface {
	Name() string
	Play(Frame) error
	Close() error
}

// NullDevice discards all audio. It is the default output so a headless
// process never touches audio hardware.
type NullDevice struct{}

func (NullDevice) Name() string { return "null" }
func (NullDevice) Play(Frame) error { return nil }
func (NullDevice) Close() error { return nil }

// OutputDevices lists the devices available to this process. Device
// discovery is a platform concern; the core only guarantees the null
// device exists.
func OutputDevices() []OutputDevice {
	return []OutputDevice{NullDevice{}}
}

// DeviceByName resolves one of OutputDevices by its reported name.
func DeviceByName(name string) (OutputDevice, error) {
	for _, device := range OutputDevices() {
		if device.Name() == name {
			return device, nil
		}
	}
	return nil, fmt.Errorf("unknown audio device %q", name)
}
