package logging

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ANSI color codes
const (
	Reset = "\033[0m"
	Bold  = "\033[1m"
	Dim   = "\033[2m"

	Red           = "\033[31m"
	Green         = "\033[32m"
	Yellow        = "\033[33m"
	Blue          = "\033[34m"
	Cyan          = "\033[36m"
	White         = "\033[37m"
	Gray          = "\033[90m"
	BrightRed     = "\033[91m"
	BrightGreen   = "\033[92m"
	BrightYellow  = "\033[93m"
	BrightBlue    = "\033[94m"
	BrightMagenta = "\033[95m"
	BrightCyan    = "\033[96m"
	BrightWhite   = "\033[97m"
)

// Component tags a logger with the subsystem that owns it.
type Component string

const (
	ComponentDiscovery Component = "DISCOVERY"
	ComponentAuth      Component = "AUTH"
	ComponentRemote    Component = "REMOTE"
	ComponentTransfer  Component = "TRANSFER"
	ComponentServer    Component = "SERVER"
	ComponentStorage   Component = "STORAGE"
	ComponentGeneral   Component = "GENERAL"
)

// ColoredLogger wraps zap.Logger with colored console output.
type ColoredLogger struct {
	*zap.Logger
	base         *zap.Logger
	component    Component
	enableColors bool
}

func getComponentColor(component Component) string {
	switch component {
	case ComponentDiscovery:
		return BrightCyan
	case ComponentAuth:
		return BrightMagenta
	case ComponentRemote:
		return BrightBlue
	case ComponentTransfer:
		return BrightGreen
	case ComponentServer:
		return Blue
	case ComponentStorage:
		return BrightYellow
	case ComponentGeneral:
		return Yellow
	default:
		return White
	}
}

func getLevelColor(level zapcore.Level) string {
	switch level {
	case zapcore.DebugLevel:
		return Gray
	case zapcore.InfoLevel:
		return BrightWhite
	case zapcore.WarnLevel:
		return BrightYellow
	case zapcore.ErrorLevel:
		return BrightRed
	default:
		return Red
	}
}

func coloredConsoleEncoder(enableColors bool) zapcore.Encoder {
	config := zap.NewDevelopmentEncoderConfig()

	config.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		timeStr := t.Format("15:04:05")
		if enableColors {
			enc.AppendString(Dim + timeStr + Reset)
			return
		}
		enc.AppendString(timeStr)
	}

	config.EncodeLevel = func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		levelStr := strings.ToUpper(level.String()[:1])
		if enableColors {
			enc.AppendString(getLevelColor(level) + Bold + levelStr + Reset)
			return
		}
		enc.AppendString(levelStr)
	}

	// File name only, without extension.
	config.EncodeCaller = func(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
		file := caller.File
		if idx := strings.LastIndex(file, "/"); idx >= 0 {
			file = file[idx+1:]
		}
		file = strings.TrimSuffix(file, ".go")
		if enableColors {
			enc.AppendString(Dim + file + Reset)
			return
		}
		enc.AppendString(file)
	}

	config.EncodeName = func(name string, enc zapcore.PrimitiveArrayEncoder) {
		if enableColors {
			enc.AppendString(getComponentColor(Component(name)) + "[" + name + "]" + Reset)
			return
		}
		enc.AppendString("[" + name + "]")
	}

	return zapcore.NewConsoleEncoder(config)
}

// NewColoredLogger creates a console logger for one component.
func NewColoredLogger(component Component, enableColors bool, level zapcore.Level) *ColoredLogger {
	core := zapcore.NewCore(
		coloredConsoleEncoder(enableColors),
		zapcore.AddSync(os.Stderr),
		level,
	)
	base := zap.New(core, zap.AddCaller())

	return &ColoredLogger{
		Logger:       base.Named(string(component)),
		base:         base,
		component:    component,
		enableColors: enableColors,
	}
}

// NewDefaultLogger creates an info-level logger with colors enabled when stderr is a terminal.
func NewDefaultLogger(component Component) *ColoredLogger {
	return NewColoredLogger(component, isTerminal(os.Stderr), zapcore.InfoLevel)
}

// ParseLevel maps a textual level ("debug", "info", ...) onto a zap level.
func ParseLevel(text string) (zapcore.Level, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(text)))); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("parse log level %q: %w", text, err)
	}
	return level, nil
}

// For derives a logger for another component sharing the same core.
func (l *ColoredLogger) For(component Component) *zap.Logger {
	if l == nil || l.base == nil {
		return zap.NewNop()
	}
	return l.base.Named(string(component))
}

// Component returns the component this logger was created for.
func (l *ColoredLogger) Component() Component {
	return l.component
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
