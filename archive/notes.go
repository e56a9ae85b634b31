// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package archive

import (
	"context"
	"fmt"
	"log/slog"
)

type Level int

const (
	Info Level = iota
	Warning
	Error
)

func (l Level) String() string {
	switch l {
	case Info:
		return "I"
	case Warning:
		return "W"
	default:
		return "E"
	}
}

type Note struct {
	Level Level
	Text  string
}

func (n Note) String() string { return n.Level.String() + " " + n.Text }

// Notes collects diagnostics produced while scanning and editing an archive.
// A nil *Notes discards everything.
type Notes struct {
	list   []Note
	Logger *slog.Logger // optional mirror of every note
}

func (n *Notes) add(lvl Level, format string, args []any) {
	if n == nil {
		return
	}
	text := fmt.Sprintf(format, args...)
	n.list = append(n.list, Note{lvl, text})
	if n.Logger != nil {
		slvl := [...]slog.Level{slog.LevelDebug, slog.LevelWarn, slog.LevelError}[lvl]
		n.Logger.Log(context.Background(), slvl, "archiveNote", "text", text)
	}
}

func (n *Notes) AddI(format string, args ...any) { n.add(Info, format, args) }
func (n *Notes) AddW(format string, args ...any) { n.add(Warning, format, args) }
func (n *Notes) AddE(format string, args ...any) { n.add(Error, format, args) }

func (n *Notes) All() []Note {
	if n == nil {
		return nil
	}
	return n.list
}

func (n *Notes) Count(lvl Level) int {
	if n == nil {
		return 0
	}
	c := 0
	for _, note := range n.list {
		if note.Level == lvl {
			c++
		}
	}
	return c
}

func (n *Notes) Clear() {
	if n != nil {
		n.list = nil
	}
}
