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
	"github.com/AleutianAI/AleutianHost/pkg/ux"
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	deployDomain string
	deployImage  string
	deployPort   int
	deployEnv    []string
	scanOnly     bool
	scanWindow   int
	plainOutput  bool

	rootCmd = &cobra.Command{
		Use:   "aleutianhost",
		Short: "A cli to deploy tenant applications behind a shared edge proxy",
		Long: `AleutianHost deploys isolated tenant containers on a single host
				and routes public domains to them through one shared nginx edge.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ux.SetPlain(plainOutput)
		},
	}

	deployCmd = &cobra.Command{
		Use:   "deploy [name]",
		Short: "Deploy a tenant and publish its route on the edge",
		Args:  cobra.ExactArgs(1),
		Run:   runDeploy, // Defined in cmd_deploy.go
	}

	removeCmd = &cobra.Command{
		Use:   "remove [name]",
		Short: "Withdraw a tenant's route and tear down its container",
		Args:  cobra.ExactArgs(1),
		Run:   runRemove, // Defined in cmd_deploy.go
	}

	rotateCertCmd = &cobra.Command{
		Use:   "rotate-cert [domain]",
		Short: "Rotate a domain's certificate, or scan for expiring ones",
		Args:  cobra.MaximumNArgs(1),
		Run:   runRotateCert, // Defined in cmd_deploy.go
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the edge and every routed tenant",
		Run:   runStatus, // Defined in cmd_deploy.go
	}

	// --- Edge Diagnostics ---
	edgeCmd = &cobra.Command{
		Use:   "edge",
		Short: "Inspect the shared edge infrastructure",
	}
	edgeInspectCmd = &cobra.Command{
		Use:   "inspect",
		Short: "Print the detected edge state with diagnostics",
		Run:   runEdgeInspect, // Defined in cmd_deploy.go
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().BoolVar(&plainOutput, "plain", false,
		"Unstyled single-line output for scripting")

	rootCmd.AddCommand(deployCmd)
	deployCmd.Flags().StringVar(&deployDomain, "domain", "", "Public domain routed to the tenant (required)")
	deployCmd.Flags().StringVar(&deployImage, "image", "", "Tenant application image (required)")
	deployCmd.Flags().IntVar(&deployPort, "port", 0, "Port the application listens on (required)")
	deployCmd.Flags().StringArrayVar(&deployEnv, "env", nil, "Environment variable for the tenant (k=v, repeatable)")
	_ = deployCmd.MarkFlagRequired("domain")
	_ = deployCmd.MarkFlagRequired("image")
	_ = deployCmd.MarkFlagRequired("port")

	rootCmd.AddCommand(removeCmd)

	rootCmd.AddCommand(rotateCertCmd)
	rotateCertCmd.Flags().BoolVar(&scanOnly, "scan", false, "Scan the cert root for expiring certificates instead of rotating")
	rotateCertCmd.Flags().IntVar(&scanWindow, "window", 0, "Expiry window in days for --scan (default from config)")

	rootCmd.AddCommand(statusCmd)

	rootCmd.AddCommand(edgeCmd)
	edgeCmd.AddCommand(edgeInspectCmd)
}
