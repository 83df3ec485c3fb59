package main

import (
	"os"

	"go.uber.org/zap"

	"github.com/pmkol/swproxy/coremain"
	"github.com/pmkol/swproxy/mlog"
)

func main() {
	if err := coremain.Run(); err != nil {
		mlog.L().Error("swproxy exited", zap.Error(err))
		os.Exit(1)
	}
}
