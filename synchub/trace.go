package synchub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// runs `do`. A panic is logged with its stack and passed to each handler as an error.
// Panics raised by a canceled context are not logged.
func HandleError(do func(), handlers ...func(error)) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err := panicError(r)
		if !errors.Is(err, context.Canceled) {
			glog.Errorf("[t]unexpected panic = %s\n", ErrorJson(err, debug.Stack()))
		}
		for _, handler := range handlers {
			handler(err)
		}
	}()
	do()
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}

// one line of json with the trimmed stack frames
func ErrorJson(err error, stack []byte) string {
	frames := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			frames = append(frames, line)
		}
	}
	errorJson, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%s", err, err),
		"stack": frames,
	})
	return string(errorJson)
}

// logs the start and duration of `do` to `log`
func Trace(log LogFunction, tag string, do func()) {
	TraceWithReturnError(log, tag, func() (struct{}, error) {
		do()
		return struct{}{}, nil
	})
}

func TraceWithReturnError[R any](log LogFunction, tag string, do func() (R, error)) (R, error) {
	start := time.Now()
	log("%s start", tag)
	result, err := do()
	elapsed := time.Since(start)
	if err != nil {
		log("%s (%s) error = %s", tag, elapsed, err)
	} else {
		log("%s (%s)", tag, elapsed)
	}
	return result, err
}
