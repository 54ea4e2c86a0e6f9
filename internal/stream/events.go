package stream

import (
	"fmt"
	"strings"
)

// Class is one of the mutually exclusive per-pitch states the decoder
// predicts.
type Class int

const (
	ClassOff     Class = iota // silent
	ClassOffset               // note ends in this frame
	ClassSustain              // note keeps sounding
	ClassOnset                // note starts in this frame
	ClassReonset              // note restarts while already sounding
)

// String implements fmt.Stringer.
func (c Class) String() string {
	switch c {
	case ClassOff:
		return "off"
	case ClassOffset:
		return "offset"
	case ClassSustain:
		return "sustain"
	case ClassOnset:
		return "onset"
	case ClassReonset:
		return "reonset"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// Mode selects the shape of a transcriber's output.
type Mode int

const (
	// ModeEvents reports onset and offset pitch indices per chunk.
	ModeEvents Mode = iota

	// ModeRoll reports which pitches are sounding.
	ModeRoll
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeEvents:
		return "events"
	case ModeRoll:
		return "roll"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses "events" or "roll".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "events", "":
		return ModeEvents, nil
	case "roll":
		return ModeRoll, nil
	default:
		return 0, fmt.Errorf("stream: unknown output mode %q", s)
	}
}

// Roll marks every pitch whose class is [ClassSustain] or [ClassOnset].
func Roll(classes []int) []bool {
	roll := make([]bool, len(classes))
	for p, c := range classes {
		roll[p] = Class(c) == ClassSustain || Class(c) == ClassOnset
	}
	return roll
}

// Events returns the ascending pitch indices whose class is an onset (with
// [ClassReonset] counted as [ClassOnset]) and those whose class is
// [ClassOffset].
func Events(classes []int) (onsets, offsets []int) {
	for p, c := range classes {
		switch Class(c) {
		case ClassOnset, ClassReonset:
			onsets = append(onsets, p)
		case ClassOffset:
			offsets = append(offsets, p)
		}
	}
	return onsets, offsets
}
