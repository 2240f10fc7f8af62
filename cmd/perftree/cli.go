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
	flagGops       bool
	flagWorkers    int
	flagDumpText   string
	flagDumpDot    string
	flagDotColor   string
	flagSerialize  string
	flagSubscribe  bool
)

func cliInit() {
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Path to the runtime configuration document")
	flag.StringVar(&flagLogLevel, "loglevel", "warn", "Sets the logging level: `[debug, info, warn, err]`")
	flag.BoolVar(&flagLogDate, "logdate", false, "Set this flag to add date and time to log messages")
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.IntVar(&flagWorkers, "workers", 1, "Ingestion parallelism; 1 forces the sequential path regardless of concurrency-model")
	flag.StringVar(&flagDumpText, "dump-text", "", "Write the aggregated tree as indented text to `path`")
	flag.StringVar(&flagDumpDot, "dump-dot", "", "Write a GraphViz description of the aggregated tree to `path`")
	flag.StringVar(&flagDotColor, "dot-color", "heatmap", "Node color scheme for -dump-dot: `[grayscale, heatmap, rainbow]`")
	flag.StringVar(&flagSerialize, "serialize", "", "Write the aggregated tree in binary form to `path` (.ptree or .ptree.gz)")
	flag.BoolVar(&flagSubscribe, "subscribe", false, "Wait for NATS file-ready notifications instead of scanning output-directory once")
	flag.Parse()
}
