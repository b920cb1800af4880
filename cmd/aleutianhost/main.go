// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"os"

	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/config"
	"github.com/AleutianAI/AleutianHost/pkg/logging"
	"github.com/AleutianAI/AleutianHost/pkg/ux"
)

// appLogger is the process-wide logger, configured in main once the
// config file has been read.
var appLogger *logging.Logger

func main() {
	if err := config.Load(); err != nil {
		ux.Error("could not load configuration: " + err.Error())
		os.Exit(ExitEnvironmentUnavailable)
	}

	appLogger = logging.New(logging.Config{
		Level:   logging.LevelInfo,
		LogDir:  config.Global.Paths.LogDir,
		Service: "aleutianhost",
		Quiet:   true, // the CLI renders its own output; logs go to file
	})
	defer appLogger.Close()

	if err := rootCmd.Execute(); err != nil {
		// Cobra already printed the usage problem.
		os.Exit(ExitUsage)
	}
}
