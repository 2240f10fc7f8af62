// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import "flag"

var (
	flagConfigFile string
	flagLogLevel   string
	flagLogDate    bool
	flagDuration   string
)

func cliInit() {
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Path to the runtime configuration document")
	flag.StringVar(&flagLogLevel, "loglevel", "info", "Sets the logging level: `[debug, info, warn, err]`")
	flag.BoolVar(&flagLogDate, "logdate", false, "Set this flag to add date and time to log messages")
	flag.StringVar(&flagDuration, "duration", "2s", "How long to run the synthetic sampled workload before exporting")
	flag.Parse()
}
