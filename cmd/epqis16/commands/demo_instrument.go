// Copyright © 2026 The epqis16 developers
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/epqis16/epqis16/internal/window"
	"github.com/epqis16/epqis16/pkg/frontpanel"
	"github.com/epqis16/epqis16/pkg/instrument"
	"github.com/epqis16/epqis16/pkg/server"
)

var headless bool

// demoInstrumentCmd represents the demo-instrument command
var demoInstrumentCmd = &cobra.Command{
	Use:   "demo-instrument",
	Short: "Runs the demonstration instrument",
	Long: `demo-instrument waits for one client on the given TCP port,
then shows the front panel and serves the client until the panel is closed.`,
	Args: cobra.NoArgs,
	Run:  runDemoInstrument,
}

func init() {
	RootCmd.AddCommand(demoInstrumentCmd)

	demoInstrumentCmd.Flags().IntP("port", "p", server.DefaultPort, "TCP port number to listen for connections on.")
	viper.BindPFlag("server.port", demoInstrumentCmd.Flags().Lookup("port"))
	demoInstrumentCmd.Flags().IntP("channels", "c", instrument.DefaultChannels, "Number of output channels")
	viper.BindPFlag("instrument.channels", demoInstrumentCmd.Flags().Lookup("channels"))
	demoInstrumentCmd.Flags().String("name", instrument.DefaultName, "Identification string returned by *IDN?")
	viper.BindPFlag("instrument.name", demoInstrumentCmd.Flags().Lookup("name"))
	demoInstrumentCmd.Flags().BoolVar(&headless, "headless", false, "Log the front panel instead of opening a window")

	viper.SetDefault("server.host", "")
	viper.SetDefault("server.acceptTimeout", server.DefaultAcceptTimeout)
	viper.SetDefault("server.recvTimeout", server.DefaultRecvTimeout)
	viper.SetDefault("frontpanel.headless", false)
}

func runDemoInstrument(cmd *cobra.Command, args []string) {
	log := newLogger()

	port := viper.GetInt("server.port")
	srv := &server.Server{
		Addr:          net.JoinHostPort(viper.GetString("server.host"), strconv.Itoa(port)),
		AcceptTimeout: viper.GetDuration("server.acceptTimeout"),
		RecvTimeout:   viper.GetDuration("server.recvTimeout"),
		Log:           log,
	}

	inst, err := instrument.New(viper.GetString("instrument.name"), viper.GetInt("instrument.channels"))
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Progress dots only make sense on a terminal; otherwise they are logged.
	if term.IsTerminal(int(os.Stdout.Fd())) {
		srv.Progress = os.Stdout
		fmt.Printf("Waiting for a connection on port %d...", port)
	}
	conn, err := srv.ListenAndAccept(ctx)
	if err != nil {
		if ctx.Err() != nil {
			log.Info("Interrupted while waiting for a connection")
			return
		}
		log.Fatal(err)
	}

	panel := frontpanel.New(inst, srv.Serve(ctx, conn), log)
	start := time.Now()
	if headless || viper.GetBool("frontpanel.headless") {
		err = panel.RunHeadless(ctx)
	} else {
		err = window.Run(ctx, panel)
	}
	if err != nil {
		log.Fatal(err)
	}

	log.WithFields(logrus.Fields{
		"uptime": time.Since(start).Round(time.Second),
	}).Info("demo_instrument is closing")
}
