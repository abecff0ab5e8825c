// Copyright © 2026 The epqis16 developers
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/epqis16/epqis16/pkg/driver"
	"github.com/epqis16/epqis16/pkg/server"
)

var (
	queryHost    string
	queryPort    int
	queryTimeout time.Duration
	queryDebug   bool
)

// queryCmd represents the query command
var queryCmd = &cobra.Command{
	Use:   "query <command>...",
	Short: "Send commands to a running demonstration instrument",
	Long: `query connects to a demonstration instrument, sends each command in turn,
and prints the reply to every command ending in "?".

The instrument serves one client per run, so it will not accept
another connection after query disconnects.`,
	Example: `  epqis16 query "*IDN?"
  epqis16 query "CH2 VOLTS 1500" "CH2 VOLTS?" "CH2 ENABLE ON"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(args)
	},
}

func init() {
	RootCmd.AddCommand(queryCmd)
	queryCmd.Flags().StringVarP(&queryHost, "host", "H", "127.0.0.1", "host of the instrument")
	queryCmd.Flags().IntVarP(&queryPort, "port", "p", server.DefaultPort, "port of the instrument")
	queryCmd.Flags().DurationVarP(&queryTimeout, "timeout", "t", driver.DefaultTimeout, "how long to wait for each reply")
	queryCmd.Flags().BoolVarP(&queryDebug, "debug", "d", false, "print every line sent and received to stderr")
}

func runQuery(cmds []string) error {
	opts := []driver.Option{driver.WithTimeout(queryTimeout)}
	if queryDebug {
		opts = append(opts, driver.WithDebug(func(line string) {
			fmt.Fprintln(os.Stderr, line)
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	supply, err := driver.Dial(ctx, net.JoinHostPort(queryHost, strconv.Itoa(queryPort)), opts...)
	if err != nil {
		return err
	}
	defer supply.Close()

	for _, cmd := range cmds {
		cmd = strings.TrimSpace(cmd)
		var reply string
		if strings.HasSuffix(cmd, "?") {
			reply, err = supply.Query(cmd)
		} else {
			err = supply.SendCommand(cmd)
		}
		if err != nil {
			if instErr, ok := errors.Cause(err).(*driver.InstrumentError); ok {
				fmt.Fprintf(os.Stderr, "Error: %s\n", instErr)
				continue
			}
			return err
		}
		if reply != "" {
			fmt.Println(reply)
		}
	}
	return nil
}
