package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/datawire/dlib/dlog"

	"github.com/spindleworks/spindle/cmd/spindle/cmd/engine"
	"github.com/spindleworks/spindle/pkg/log"
	"github.com/spindleworks/spindle/pkg/version"
)

func doMain(fn func(ctx context.Context, args ...string) error, args ...string) {
	ctx := context.Background()
	ctx = log.MakeBaseLogger(ctx, os.Getenv("LOG_LEVEL"))

	if err := fn(ctx, args...); err != nil {
		dlog.Errorf(ctx, "quit: %v", err)
		if errors.Is(err, engine.ErrAuthExhausted) {
			os.Exit(engine.ExitAuthExhausted)
		}
		os.Exit(1)
	}
}

func main() {
	if len(os.Args) > 1 && !strings.HasPrefix(os.Args[1], "-") {
		switch name := os.Args[1]; name {
		case "engine":
			doMain(engine.Main, os.Args[2:]...)
		case "version":
			fmt.Println("spindle", version.Version)
		default:
			fmt.Println("spindle: unknown command:", name)
			os.Exit(127)
		}
		return
	}

	// A bare invocation runs the engine.
	doMain(engine.Main, os.Args[1:]...)
}
