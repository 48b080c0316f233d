package miltr

import (
	"fmt"
	"log"
)

func logWarning(format string, v ...interface{}) {
	log.Printf(fmt.Sprintf("milter: warning: %s", format), v...)
}

func logDebug(format string, v ...interface{}) {
	log.Printf(fmt.Sprintf("milter: debug: %s", format), v...)
}

// LogWarning is called by this library when it wants to output a warning.
// Warnings can happen even when the library user did everything right (because the other end did something wrong)
//
// The default implementation uses [log.Print] to output the warning.
// You can re-assign LogWarning to something more suitable for your application. But do not assign nil to it.
var LogWarning = logWarning

// LogDebug is called by this library for low-volume diagnostic traces, such
// as envelope address IDNA normalization. It is a no-op by default; assign
// your own function to observe these events. Do not assign nil.
var LogDebug = func(format string, v ...interface{}) {}
