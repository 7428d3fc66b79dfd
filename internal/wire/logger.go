// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package wire

import (
	"fmt"
	"io"
)

// LogMessage is one frame of the trailing-logger interleaving stream that
// precedes every operation's result value (spec.md §4.4.4). Only the
// group of fields commented with Type's name is populated.
type LogMessage struct {
	Type LogMessageType

	// Next, Read/Write notifications.
	Text string

	// StartActivity.
	ActivityID   uint64
	Level        Verbosity
	Activity     ActivityType
	ShortText    string
	ActivityType ActivityType
	Fields       []ActivityField
	ParentID     uint64

	// StopActivity.
	StopActivityID uint64

	// Result.
	ResultActivityID uint64
	ResultType       ResultType
	ResultFields     []ActivityField

	// Error.
	ErrorMessage string
	ErrorTraces  []string
	Exit         uint64
}

// ActivityField is a tagged union used by StartActivity/Result payloads:
// either an integer or a string, per spec.md §4.4.4.
type ActivityField struct {
	IsString bool
	Int      uint64
	String   string
}

func readActivityFields(r io.Reader) ([]ActivityField, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}
	if n > MaxListItems {
		return nil, fmt.Errorf("wire: activity field count %d exceeds limit", n)
	}
	out := make([]ActivityField, n)
	for i := range out {
		tag, err := ReadUint64(r)
		if err != nil {
			return nil, err
		}
		switch tag {
		case 0:
			v, err := ReadUint64(r)
			if err != nil {
				return nil, err
			}
			out[i] = ActivityField{Int: v}
		case 1:
			s, err := ReadString(r)
			if err != nil {
				return nil, err
			}
			out[i] = ActivityField{IsString: true, String: s}
		default:
			return nil, fmt.Errorf("wire: unknown activity field tag %d", tag)
		}
	}
	return out, nil
}

func writeActivityFields(w io.Writer, fields []ActivityField) error {
	if err := WriteUint64(w, uint64(len(fields))); err != nil {
		return err
	}
	for _, f := range fields {
		if f.IsString {
			if err := WriteUint64(w, 1); err != nil {
				return err
			}
			if err := WriteString(w, f.String); err != nil {
				return err
			}
		} else {
			if err := WriteUint64(w, 0); err != nil {
				return err
			}
			if err := WriteUint64(w, f.Int); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteLogMessage emits one trailing-logger frame, for use by the server
// side (component C6's build executor writes Next/StartActivity/
// StopActivity/Result frames as it progresses; the dispatch loop writes
// the terminal Last/Error frame).
func WriteLogMessage(w io.Writer, m *LogMessage) error {
	if err := WriteUint64(w, uint64(m.Type)); err != nil {
		return err
	}
	switch m.Type {
	case LogNext, LogRead, LogWrite:
		return WriteString(w, m.Text)
	case LogStartActivity:
		if err := WriteUint64(w, m.ActivityID); err != nil {
			return err
		}
		if err := WriteUint64(w, uint64(m.Level)); err != nil {
			return err
		}
		if err := WriteUint64(w, uint64(m.ActivityType)); err != nil {
			return err
		}
		if err := WriteString(w, m.ShortText); err != nil {
			return err
		}
		if err := writeActivityFields(w, m.Fields); err != nil {
			return err
		}
		return WriteUint64(w, m.ParentID)
	case LogStopActivity:
		return WriteUint64(w, m.StopActivityID)
	case LogResult:
		if err := WriteUint64(w, m.ResultActivityID); err != nil {
			return err
		}
		if err := WriteUint64(w, uint64(m.ResultType)); err != nil {
			return err
		}
		return writeActivityFields(w, m.ResultFields)
	case LogError:
		if err := WriteString(w, m.ErrorMessage); err != nil {
			return err
		}
		if err := WriteStrings(w, m.ErrorTraces); err != nil {
			return err
		}
		return WriteUint64(w, m.Exit)
	case LogLast:
		return nil
	default:
		return fmt.Errorf("wire: unknown log message type %#x", uint64(m.Type))
	}
}

// ReadLogMessage reads one trailing-logger frame.
func ReadLogMessage(r io.Reader) (*LogMessage, error) {
	tag, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}
	m := &LogMessage{Type: LogMessageType(tag)}
	switch m.Type {
	case LogNext, LogRead, LogWrite:
		if m.Text, err = ReadString(r); err != nil {
			return nil, err
		}
	case LogStartActivity:
		if m.ActivityID, err = ReadUint64(r); err != nil {
			return nil, err
		}
		lvl, err := ReadUint64(r)
		if err != nil {
			return nil, err
		}
		m.Level = Verbosity(lvl)
		at, err := ReadUint64(r)
		if err != nil {
			return nil, err
		}
		m.ActivityType = ActivityType(at)
		if m.ShortText, err = ReadString(r); err != nil {
			return nil, err
		}
		if m.Fields, err = readActivityFields(r); err != nil {
			return nil, err
		}
		if m.ParentID, err = ReadUint64(r); err != nil {
			return nil, err
		}
	case LogStopActivity:
		if m.StopActivityID, err = ReadUint64(r); err != nil {
			return nil, err
		}
	case LogResult:
		if m.ResultActivityID, err = ReadUint64(r); err != nil {
			return nil, err
		}
		rt, err := ReadUint64(r)
		if err != nil {
			return nil, err
		}
		m.ResultType = ResultType(rt)
		if m.ResultFields, err = readActivityFields(r); err != nil {
			return nil, err
		}
	case LogError:
		if m.ErrorMessage, err = ReadString(r); err != nil {
			return nil, err
		}
		if m.ErrorTraces, err = ReadStrings(r); err != nil {
			return nil, err
		}
		if m.Exit, err = ReadUint64(r); err != nil {
			return nil, err
		}
	case LogLast:
		// no payload
	default:
		return nil, fmt.Errorf("wire: unknown log message type %#x", tag)
	}
	return m, nil
}

// ProcessLogMessages reads trailing-logger frames from r, invoking handle
// for each one, until a Last or Error frame terminates the stream. It is
// the client-side consumer counterpart to the server's WriteLogMessage
// loop (spec.md §4.4.4: "terminated by Last").
func ProcessLogMessages(r io.Reader, handle func(*LogMessage) error) error {
	for {
		m, err := ReadLogMessage(r)
		if err != nil {
			return err
		}
		if handle != nil {
			if err := handle(m); err != nil {
				return err
			}
		}
		if m.Type == LogLast || m.Type == LogError {
			return nil
		}
	}
}
