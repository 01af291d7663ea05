package common

import (
	"flag"
	"os"
	"path/filepath"
	"strconv"

	"github.com/Laisky/zap"

	"github.com/qrelay/qrelay/common/config"
	"github.com/qrelay/qrelay/common/logger"
)

var (
	Port   = flag.Int("port", 0, "the listening port, overrides PORT")
	LogDir = flag.String("log-dir", "./logs", "specify the log directory")
)

func Init() {
	flag.Parse()

	if *Port != 0 {
		config.ServerPort = strconv.Itoa(*Port)
	}

	if *LogDir != "" {
		expanded := *LogDir
		lg := logger.Logger.With(zap.String("log_dir", expanded))

		var err error
		expanded, err = filepath.Abs(expanded)
		if err != nil {
			lg.Fatal("failed to get absolute log dir", zap.Error(err))
		}

		if err = os.MkdirAll(expanded, 0o755); err != nil {
			lg.Fatal("failed to create log dir", zap.Error(err))
		}

		logger.LogDir = expanded
		*LogDir = expanded
	}

	if err := os.MkdirAll(config.TokenCacheDir, 0o700); err != nil {
		logger.Logger.Fatal("failed to create token cache dir", zap.Error(err))
	}
	if dir := filepath.Dir(config.SQLitePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Logger.Fatal("failed to create data dir", zap.Error(err))
		}
	}
}
