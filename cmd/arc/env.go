package main

import (
	"log/slog"
	"os"
	"path/filepath"
)

var (
	logLevel   = parseLogLevel()
	catalogDir = findCatalogDir()
)

func parseLogLevel() slog.Level {
	e := os.Getenv("ARC_LOG")
	if e == "" {
		return slog.LevelWarn
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(e)); err != nil {
		panic("malformed ARC_LOG environment variable, should be debug, info, warn or error: " + e)
	}
	return l
}

func findCatalogDir() string {
	if e := os.Getenv("ARC_CATALOG"); e != "" {
		return e
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "diskarc")
}
