// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package plog provides leveled logging for perftree.
//
// Time/Date are omitted by default (systemd adds them); pass -logdate to
// include them. Levels follow the syslog priority convention used by
// sd-daemon: https://www.freedesktop.org/software/systemd/man/sd-daemon.html
package plog

import (
	"fmt"
	"io"
	"log"
	"os"
)

var logDateTime bool

var (
	DebugWriter io.Writer = os.Stderr
	InfoWriter  io.Writer = os.Stderr
	WarnWriter  io.Writer = os.Stderr
	ErrWriter   io.Writer = os.Stderr
)

var (
	DebugPrefix string = "<7>[DEBUG]   "
	InfoPrefix  string = "<6>[INFO]    "
	WarnPrefix  string = "<4>[WARNING] "
	ErrPrefix   string = "<3>[ERROR]   "
)

var (
	debugLog *log.Logger = log.New(DebugWriter, DebugPrefix, 0)
	infoLog  *log.Logger = log.New(InfoWriter, InfoPrefix, 0)
	warnLog  *log.Logger = log.New(WarnWriter, WarnPrefix, log.Lshortfile)
	errLog   *log.Logger = log.New(ErrWriter, ErrPrefix, log.Llongfile)

	debugTimeLog *log.Logger = log.New(DebugWriter, DebugPrefix, log.LstdFlags)
	infoTimeLog  *log.Logger = log.New(InfoWriter, InfoPrefix, log.LstdFlags)
	warnTimeLog  *log.Logger = log.New(WarnWriter, WarnPrefix, log.LstdFlags|log.Lshortfile)
	errTimeLog   *log.Logger = log.New(ErrWriter, ErrPrefix, log.LstdFlags|log.Llongfile)
)

// SetLevel silences all levels below lvl by redirecting their writer to
// io.Discard. Valid values: "debug", "info", "warn", "err"/"fatal".
func SetLevel(lvl string) {
	switch lvl {
	case "err", "fatal":
		WarnWriter = io.Discard
		fallthrough
	case "warn":
		InfoWriter = io.Discard
		fallthrough
	case "info":
		DebugWriter = io.Discard
	case "debug":
	default:
		fmt.Printf("plog: invalid loglevel %q, using \"debug\"\n", lvl)
		SetLevel("debug")
	}
}

// SetDateTime enables/disables date-time prefixes on every log line.
func SetDateTime(v bool) {
	logDateTime = v
}

func Debug(v ...any) { emit(DebugWriter, debugLog, debugTimeLog, fmt.Sprint(v...)) }

func Debugf(f string, v ...any) { emit(DebugWriter, debugLog, debugTimeLog, fmt.Sprintf(f, v...)) }

func Info(v ...any) { emit(InfoWriter, infoLog, infoTimeLog, fmt.Sprint(v...)) }

func Infof(f string, v ...any) { emit(InfoWriter, infoLog, infoTimeLog, fmt.Sprintf(f, v...)) }

func Warn(v ...any) { emit(WarnWriter, warnLog, warnTimeLog, fmt.Sprint(v...)) }

func Warnf(f string, v ...any) { emit(WarnWriter, warnLog, warnTimeLog, fmt.Sprintf(f, v...)) }

func Error(v ...any) { emit(ErrWriter, errLog, errTimeLog, fmt.Sprint(v...)) }

func Errorf(f string, v ...any) { emit(ErrWriter, errLog, errTimeLog, fmt.Sprintf(f, v...)) }

// Fatal logs at error level and terminates the process. Only factory/init
// code may call this; data-path code must return an error instead.
func Fatal(v ...any) {
	Error(v...)
	os.Exit(1)
}

func Fatalf(f string, v ...any) {
	Errorf(f, v...)
	os.Exit(1)
}

func emit(w io.Writer, plain, withTime *log.Logger, s string) {
	if w == io.Discard {
		return
	}
	if logDateTime {
		withTime.Output(3, s)
	} else {
		plain.Output(3, s)
	}
}
