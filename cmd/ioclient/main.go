// Command ioclient is a minimal interactive client for the node I/O
// core, grounded in spirit (not translated) on original_source's
// example/ioclient.cpp and shaped as a cobra subcommand tree the way
// dKV's cmd/kv does for its own store commands.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/elliptics-go/ionode/node"
	"github.com/elliptics-go/ionode/wire"
	"github.com/spf13/cobra"
)

var (
	remoteAddr string
	waitSecs   int
)

var rootCmd = &cobra.Command{
	Use:   "ioclient",
	Short: "Issue a single read/write against a running ionode-serve instance",
}

var writeCmd = &cobra.Command{
	Use:   "write <key> <value>",
	Short: "Write value under key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issue(wire.OpWrite, args[0], []byte(args[1]))
	},
}

var readCmd = &cobra.Command{
	Use:   "read <key>",
	Short: "Read the value stored under key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issue(wire.OpRead, args[0], nil)
	},
}

var delCmd = &cobra.Command{
	Use:   "del <key>",
	Short: "Delete the value stored under key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issue(wire.OpDel, args[0], nil)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&remoteAddr, "remote", "127.0.0.1:1025", "node I/O core endpoint")
	rootCmd.PersistentFlags().IntVar(&waitSecs, "wait-timeout", 5, "reply wait timeout in seconds")
	rootCmd.AddCommand(writeCmd, readCmd, delCmd)
}

// keyID derives a wire.ID from the key argument without hashing it;
// ioclient isn't the place to implement a routing-correct hash, so it
// just copies the key into the first bytes so repeated
// invocations with the same key round-trip to the same entry.
func keyID(key string) wire.ID {
	var id wire.ID
	copy(id.Key[:], []byte(key))
	return id
}

func issue(op wire.Opcode, key string, value []byte) error {
	cfg := node.DefaultConfig()
	cfg.NetThreadNum = 1
	cfg.WaitTimeout = waitSecs

	n, err := node.New(cfg, nil)
	if err != nil {
		return fmt.Errorf("creating node: %w", err)
	}

	c, err := n.AddRemote(remoteAddr, node.PeerClient)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", remoteAddr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(waitSecs)*time.Second)
	defer cancel()

	done := make(chan struct{})
	var replyStatus int32
	var replyPayload []byte

	hdr := wire.Header{Opcode: op, ID: keyID(key)}
	err = n.IssueRequest(ctx, c, hdr, value, func(h wire.Header, payload []byte, destroy bool) {
		replyStatus = h.Status
		replyPayload = append([]byte(nil), payload...)
		if destroy {
			close(done)
		}
	})
	if err != nil {
		return fmt.Errorf("issuing request: %w", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for reply")
	}

	if replyStatus != 0 {
		return fmt.Errorf("remote returned status %d", replyStatus)
	}
	if len(replyPayload) > 0 {
		fmt.Printf("%s (%s)\n", replyPayload, hex.EncodeToString(replyPayload))
	} else {
		fmt.Println("ok")
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
