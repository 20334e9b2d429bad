package notifier

import (
	"io"

	logx "rssbot/pkg/logx"
)

func testLogger() logx.Logger { return logx.NewWriter(io.Discard, "debug") }
