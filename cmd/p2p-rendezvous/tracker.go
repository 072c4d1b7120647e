package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"tarun-kavipurapu/p2p-rendezvous/pkg/logger"
	"tarun-kavipurapu/p2p-rendezvous/tracker"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"
)

var (
	trackerCfg         = tracker.DefaultConfig()
	trackerInteractive bool
)

var trackerCmd = &cobra.Command{
	Use:   "tracker",
	Short: "Start the rendezvous tracker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		t := tracker.NewTracker(trackerCfg)
		t.OnEvict(func(ps tracker.PeerSession) {
			if trackerInteractive {
				fmt.Printf("\npeer %s (%s) timed out\n", ps.Username, ps.ControlAddr)
			}
		})

		if !trackerInteractive {
			defer t.Stop()
			return t.Start(ctx)
		}

		if err := t.Listen(); err != nil {
			return err
		}
		go func() {
			if err := t.Serve(ctx); err != nil {
				logger.Sugar.Errorf("[Tracker] serve failed: %v", err)
			}
		}()

		fmt.Println("P2P Rendezvous Tracker Interactive Shell")
		fmt.Printf("Listening on %s. Type 'help' for commands.\n", t.Addr())

		prompt.New(
			func(in string) { trackerExecutor(in, t) },
			trackerCompleter,
			prompt.OptionPrefix("tracker> "),
			prompt.OptionTitle("P2P Rendezvous Tracker"),
		).Run()
		return nil
	},
}

func trackerExecutor(in string, t *tracker.Tracker) {
	blocks := strings.Fields(strings.TrimSpace(in))
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping tracker...")
		if err := t.Stop(); err != nil {
			logger.Sugar.Warnf("[Tracker] stop: %v", err)
		}
		os.Exit(0)
	case "status":
		fmt.Println(t.GetStatus())
	case "list":
		if len(blocks) < 2 {
			fmt.Println("Usage: list peers|resources")
			return
		}
		switch blocks[1] {
		case "peers":
			printList("Connected Peers:", "No peers connected.", t.GetPeersList())
		case "resources":
			printList("Registered Resources:", "No resources registered.", t.GetResourcesList())
		default:
			fmt.Println("Usage: list peers|resources")
		}
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status          - Show tracker status")
		fmt.Println("  list peers      - List connected peers")
		fmt.Println("  list resources  - List every announced file")
		fmt.Println("  exit            - Stop tracker and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func printList(header, empty string, items []string) {
	if len(items) == 0 {
		fmt.Println(empty)
		return
	}
	fmt.Println(header)
	for _, item := range items {
		fmt.Println("- " + item)
	}
}

func trackerCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show tracker status and stats"},
		{Text: "list peers", Description: "List all connected peers"},
		{Text: "list resources", Description: "List all announced files"},
		{Text: "exit", Description: "Exit the tracker"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(trackerCmd)
	f := trackerCmd.Flags()
	f.StringVarP(&trackerCfg.ListenAddr, "addr", "a", trackerCfg.ListenAddr, "UDP address for the control channel")
	f.DurationVar(&trackerCfg.HeartbeatInterval, "heartbeat", trackerCfg.HeartbeatInterval, "Interval between liveness probes")
	f.DurationVar(&trackerCfg.GraceWindow, "grace", trackerCfg.GraceWindow, "How long a probed peer has to answer")
	f.IntVar(&trackerCfg.MaxSessions, "max-sessions", trackerCfg.MaxSessions, "Maximum number of connected peers")
	f.BoolVar(&trackerCfg.Advertise, "advertise", false, "Advertise the tracker on the local network over mDNS")
	f.BoolVarP(&trackerInteractive, "interactive", "i", false, "Start in interactive mode")
}
