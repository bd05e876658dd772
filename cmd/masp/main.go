package main

import (
	"context"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	ctx := dlog.WithLogger(context.Background(), dlog.WrapLogrus(logger))
	ctx = dgroup.WithGoroutineName(ctx, "/masp")

	// cobra has already printed the error (SilenceErrors is false).
	if err := Command().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
