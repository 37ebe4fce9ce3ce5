// Package model holds the data types shared across the tracev3 decoder:
// the reconstructed log record and the small enums attached to it.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Level is the log level derived from a firehose tracepoint's logtype/record_type
// (spec §4.8 "Level derivation").
type Level int

const (
	LevelDefault Level = iota
	LevelInfo
	LevelDebug
	LevelError
	LevelFault
	LevelActivity
	LevelState
	LevelSignpost
)

func (l Level) String() string {
	switch l {
	case LevelDefault:
		return "Default"
	case LevelInfo:
		return "Info"
	case LevelDebug:
		return "Debug"
	case LevelError:
		return "Error"
	case LevelFault:
		return "Fault"
	case LevelActivity:
		return "Activity"
	case LevelState:
		return "State"
	case LevelSignpost:
		return "Signpost"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// LogRecord is the fully reconstructed output record (spec §3 "LogRecord").
type LogRecord struct {
	SourceFile string
	Offset     uint64
	ContinuousTime uint64
	Timestamp  time.Time

	ThreadID uint64
	Level    Level

	ActivityID       uint32
	ParentActivityID uint32

	PID  uint32
	EUID uint32
	TTL  uint8

	ProcessName       string
	SenderLibraryName string
	Subsystem         string
	Category          string

	SignpostName string
	SignpostInfo string

	ImageOffset      uint64
	ImageUUID        uuid.UUID
	ProcessImageUUID uuid.UUID

	SenderImagePath  string
	ProcessImagePath string

	Message string
}
