// Package frame encodes the fixed 32-byte actuator command frame streamed to
// the robot.
//
// Layout:
//
//	byte  0      marker 's'
//	bytes 1..22  11 big-endian int16 fields in Command order
//	bytes 23..29 high byte of Reset
//	byte  30     untouched by Encode
//	byte  31     high byte of Reset
//
// The firmware only samples the low byte of each field (offsets 2, 4, ..., 22)
// and resynchronises on the marker.
package frame

import (
	"encoding/binary"
	"fmt"
)

const (
	// Size is the length of a frame on the wire.
	Size = 32

	// Marker is the constant first byte of every frame.
	Marker = 's'

	// FieldCount is the number of int16 fields carried by a frame.
	FieldCount = 11

	fieldsOffset  = 1
	paddingOffset = fieldsOffset + 2*FieldCount
	skippedByte   = 30
)

// Frame is one encoded command frame.
type Frame [Size]byte

// Command holds the actuator fields in wire order.
type Command struct {
	CenterForward  int16 `json:"center_forward"`
	CenterBackward int16 `json:"center_backward"`
	PivotLeft      int16 `json:"pivot_left"`
	PivotRight     int16 `json:"pivot_right"`
	Stop           int16 `json:"stop"`
	StepCW         int16 `json:"step_cw"`
	StepCCW        int16 `json:"step_ccw"`
	ClawOpen       int16 `json:"claw_open"`
	ClawClose      int16 `json:"claw_close"`
	Pause          int16 `json:"pause"`
	Reset          int16 `json:"reset"`
}

// Fields returns the command as an array in wire order.
func (c Command) Fields() [FieldCount]int16 {
	return [FieldCount]int16{
		c.CenterForward, c.CenterBackward,
		c.PivotLeft, c.PivotRight,
		c.Stop,
		c.StepCW, c.StepCCW,
		c.ClawOpen, c.ClawClose,
		c.Pause, c.Reset,
	}
}

// CommandFromFields is the inverse of Command.Fields.
func CommandFromFields(f [FieldCount]int16) Command {
	return Command{
		CenterForward:  f[0],
		CenterBackward: f[1],
		PivotLeft:      f[2],
		PivotRight:     f[3],
		Stop:           f[4],
		StepCW:         f[5],
		StepCCW:        f[6],
		ClawOpen:       f[7],
		ClawClose:      f[8],
		Pause:          f[9],
		Reset:          f[10],
	}
}

// CommandFromInts builds a command from exactly FieldCount integers.
// Values are truncated to 16 bits, never rejected.
func CommandFromInts(vals []int) (Command, error) {
	if len(vals) != FieldCount {
		return Command{}, fmt.Errorf("command needs %d fields, got %d", FieldCount, len(vals))
	}
	var f [FieldCount]int16
	for i, v := range vals {
		f[i] = int16(v)
	}
	return CommandFromFields(f), nil
}

// Idle returns the frame a fresh connection starts with: the marker followed
// by zeros.
func Idle() Frame {
	var f Frame
	f[0] = Marker
	return f
}

// Encode writes c into f in place. Byte 30 keeps whatever f held before.
func Encode(f *Frame, c Command) {
	f[0] = Marker
	for i, v := range c.Fields() {
		binary.BigEndian.PutUint16(f[fieldsOffset+2*i:], uint16(v))
	}
	hi := byte(uint16(c.Reset) >> 8)
	for i := paddingOffset; i < Size; i++ {
		if i == skippedByte {
			continue
		}
		f[i] = hi
	}
}

// Decode reads the fields back out of f. Padding is ignored.
func Decode(f Frame) Command {
	var fields [FieldCount]int16
	for i := range fields {
		fields[i] = int16(binary.BigEndian.Uint16(f[fieldsOffset+2*i:]))
	}
	return CommandFromFields(fields)
}

// String renders the frame as space-separated hex bytes.
func (f Frame) String() string {
	return fmt.Sprintf("% x", f[:])
}
