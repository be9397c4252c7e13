package notify

import "os"

// Bell writes the terminal bell character to stdout. It is the default
// chime for headless installs where no audio backend is available.
type Bell struct{}

func (Bell) Play() error {
	_, err := os.Stdout.Write([]byte{'\a'})
	return err
}

// NopChime discards alert cues. Used when chimes are disabled.
type NopChime struct{}

func (NopChime) Play() error { return nil }
