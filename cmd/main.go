package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iggydv12/superleaf/internal/config"
	"github.com/iggydv12/superleaf/internal/node"
	"github.com/iggydv12/superleaf/internal/topology"
)

var (
	cfgFile string
	mode    string

	shape     string
	size      int
	leavesPer int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "superleaf",
		Short: "Superleaf: super-peer file sharing overlay with push/pull cache consistency",
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start every node of the configured topology",
		RunE:  runStart,
	}
	startCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (default: configs/config.yaml)")
	startCmd.Flags().StringVarP(&mode, "mode", "m", "", "Consistency mode: 'push' | 'pull' (overrides config)")
	rootCmd.AddCommand(startCmd)

	topoCmd := &cobra.Command{
		Use:   "topology",
		Short: "Print the nodes of the configured topology",
		RunE:  runTopology,
	}
	topoCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (default: configs/config.yaml)")
	rootCmd.AddCommand(topoCmd)

	genCmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a generated topology document to stdout",
		RunE:  runGenerate,
	}
	genCmd.Flags().StringVar(&shape, "shape", "linear", "Super-peer graph: 'linear' | 'mesh' | 'ring'")
	genCmd.Flags().IntVarP(&size, "super-peers", "n", 10, "Number of super-peers")
	genCmd.Flags().IntVarP(&leavesPer, "leaves", "l", 1, "Leaves per super-peer")
	rootCmd.AddCommand(genCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	if mode != "" {
		cfg.Mode = config.Mode(strings.ToLower(mode))
	}

	ctrl, err := node.NewController(cfg, logger)
	if err != nil {
		return err
	}
	return ctrl.Run(context.Background())
}

func runTopology(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	addrs, err := cfg.Topology.Addresses(cfg.Transport.Host, cfg.Transport.LeafPortBase)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Role", "Address", "Links", "Files"})
	for _, n := range node.Describe(&cfg.Topology, topology.NewDirectory(addrs)) {
		table.Append([]string{
			n.ID,
			n.Role.String(),
			n.Addr,
			strings.Join(n.Links, ","),
			strings.Join(n.Files, ","),
		})
	}
	table.Render()
	return nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	if size < 1 || leavesPer < 0 {
		return fmt.Errorf("need at least one super-peer and a non-negative leaf count")
	}
	var t *topology.Topology
	switch shape {
	case "linear":
		t = topology.Linear(size, leavesPer)
	case "mesh":
		t = topology.FullMesh(size, leavesPer)
	case "ring":
		t = topology.Ring(size, leavesPer)
	default:
		return fmt.Errorf("unknown shape: %s (use 'linear', 'mesh' or 'ring')", shape)
	}
	if err := t.Validate(); err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(t)
}
