package testlogger

import (
	"os"
	"testing"

	"github.com/hxrts/aura-sub023/common/log"
)

// EnvTestLogs switches test loggers to debug when set to DEBUG.
const EnvTestLogs = "AURA_TEST_LOGS"

// Level returns the level for test loggers.
func Level(t testing.TB) int {
	if v, ok := os.LookupEnv(EnvTestLogs); ok && v == "DEBUG" {
		t.Log("Enabling DebugLevel logs")
		return log.DebugLevel
	}
	return log.WarnLevel
}

// New returns a logger tagged with the test name.
func New(t testing.TB) log.Logger {
	return log.New(nil, Level(t), true).
		With("testName", t.Name())
}
