package synchub

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `synchub` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - connection loss, reconnects and request timeouts
//     - dropped events and protocol errors
// Error:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics even if handled and suppressed for partial operation
// V(1):
//     key events with ids that can be used to filter
//     - client id assignment, subscribe/unsubscribe, event buffer eviction
// V(2):
//     frequent events - send, receive, ack, resend of individual messages

type LogFunction func(format string, a ...any)

func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s: %s", tag, m))
		}
	}
}

func SubLogFn(log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		m := fmt.Sprintf(format, a...)
		log("%s: %s", tag, m)
	}
}
