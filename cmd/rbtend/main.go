package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"net/netip"
	"os"

	"github.com/encodeous/tint"
	"github.com/spf13/cobra"

	"vnet-pa/rbt"
)

var (
	localPort  uint16
	remoteHost string
	remotePort uint16
	filename   string
	mtu        int
	windowSize int
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "rbtend",
	Short: "Reliable byte-stream transport endpoint",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level: level,
		})))
	},
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Transfer a file to a receiver",
	RunE: func(cmd *cobra.Command, args []string) error {
		remoteAddr, err := netip.ParseAddr(remoteHost)
		if err != nil {
			return fmt.Errorf("invalid remote host %q: %w", remoteHost, err)
		}
		file, err := os.ReadFile(filename)
		if err != nil {
			return err
		}

		conn, err := rbt.ListenUDP(localPort)
		if err != nil {
			return err
		}
		defer conn.Close()

		sender := rbt.NewSender(conn, netip.AddrPortFrom(remoteAddr, remotePort), mtu, windowSize, os.Stdout)
		err = sender.Transfer(file)
		sender.Stats.Print(os.Stdout, "Sender")
		if err != nil {
			slog.Error("transfer failed", "err", err)
			os.Exit(1)
		}
		return nil
	},
}

var recvCmd = &cobra.Command{
	Use:   "recv",
	Short: "Receive a file from a sender",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := os.Create(filename)
		if err != nil {
			return err
		}
		defer out.Close()

		conn, err := rbt.ListenUDP(localPort)
		if err != nil {
			return err
		}
		defer conn.Close()

		sink := bufio.NewWriter(out)
		receiver := rbt.NewReceiver(conn, sink, os.Stdout)
		err = receiver.Run()
		receiver.Stats.Print(os.Stdout, "Receiver")
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().Uint16VarP(&localPort, "port", "p", 0, "local UDP port")
	rootCmd.PersistentFlags().StringVarP(&filename, "file", "f", "", "file to send / output path")
	rootCmd.PersistentFlags().IntVarP(&mtu, "mtu", "m", 1400, "maximum payload bytes per segment")
	rootCmd.PersistentFlags().IntVarP(&windowSize, "window", "c", 4, "maximum outstanding segments")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.MarkPersistentFlagRequired("port")
	rootCmd.MarkPersistentFlagRequired("file")

	sendCmd.Flags().StringVarP(&remoteHost, "remote", "s", "", "receiver host")
	sendCmd.Flags().Uint16VarP(&remotePort, "remote-port", "a", 0, "receiver port")
	sendCmd.MarkFlagRequired("remote")
	sendCmd.MarkFlagRequired("remote-port")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(recvCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
