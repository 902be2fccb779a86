package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/encodeous/tint"
	"github.com/spf13/cobra"

	"vnet-pa/lnxconfig"
	protocol "vnet-pa/pkg"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "vrouter",
	Short: "Virtual router with a distance-vector control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level: level,
		})))

		lnxConfig, err := lnxconfig.ParseConfig(configPath)
		if err != nil {
			return err
		}

		router := &protocol.Router{}
		if err := router.Initialize(*lnxConfig); err != nil {
			return err
		}
		defer router.Close()

		if err := router.Run(); err != nil {
			return err
		}
		if lnxConfig.RoutingMode == lnxconfig.RoutingStatic {
			fmt.Println("Loaded static route table")
			fmt.Print(router.Lr())
		}

		repl(router)
		return nil
	},
}

func repl(router *protocol.Router) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("Enter command (li, lr, la, q):")
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "li":
			fmt.Print(router.Li())
		case "lr":
			fmt.Print(router.Lr())
		case "la":
			fmt.Print(router.La())
		case "q", "quit":
			return
		case "":
		default:
			fmt.Println("Invalid command.")
		}
	}
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "node configuration file")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.MarkFlagRequired("config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
