// Package rtlog is the ambient logger for non-hot-path diagnostics:
// admin transitions, ioctl failures, ring drops, state-machine moves.
// Nothing on the hot path logs, so a thin stdlib logger is all the
// surface this needs.
package rtlog

import (
	"fmt"
	"log"
	"os"
)

var std = log.New(os.Stderr, "", log.Ltime|log.Lmicroseconds)

func Info(format string, a ...any)  { std.Output(2, "INFO  "+fmt.Sprintf(format, a...)) }
func Warn(format string, a ...any)  { std.Output(2, "WARN  "+fmt.Sprintf(format, a...)) }
func Error(format string, a ...any) { std.Output(2, "ERROR "+fmt.Sprintf(format, a...)) }
