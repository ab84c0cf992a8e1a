package logger

import "go.uber.org/zap"

var Log *zap.Logger

func Init() {
	Log = zap.Must(zap.NewProduction())
}

// InitDevelopment swaps in a human-readable console logger; used by tests
// and local runs.
func InitDevelopment() {
	Log = zap.Must(zap.NewDevelopment())
}

func Sugar() *zap.SugaredLogger {
	return Log.Sugar()
}
