// Copyright (C) 2017 Kale Blankenship. All rights reserved.
// This software may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details

// Command tftpd serves TFTP on a UDP port.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	tftp "github.com/kcexn/tftpd"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("tftpd", flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	help := flags.BoolP("help", "h", false, "print this help and exit")
	mailPrefix := flags.StringP("mail-prefix", "m", "", "mail spool directory (default /var/spool/mail)")
	logLevel := flags.StringP("log-level", "l", "info", "one of critical, error, warn, info, debug, off")
	port := flags.Uint16P("port", "p", 69, "UDP port to listen on")

	if err := flags.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprint(os.Stderr, usage(flags))
		return 2
	}
	if *help {
		fmt.Fprint(os.Stdout, usage(flags))
		return 0
	}
	if err := configureLogging(*logLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if *mailPrefix != "" {
		os.Setenv("TFTP_MAIL_PREFIX", *mailPrefix)
	}

	srv, err := tftp.NewServer(fmt.Sprintf(":%d", *port))
	if err != nil {
		log.Errorf("startup failed: %v", err)
		return 1
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGINT)
	go func() {
		sig := <-sigs
		log.Infof("received %v, shutting down", sig)
		srv.Shutdown()
	}()

	if err := srv.ListenAndServe(); err != nil {
		log.Errorf("server error: %v", err)
		return 1
	}
	return 0
}

func configureLogging(level string) error {
	switch strings.ToLower(level) {
	case "critical":
		log.SetLevel(log.FatalLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "off":
		log.SetOutput(io.Discard)
	default:
		return fmt.Errorf("unknown log level %q; valid levels are critical, error, warn, info, debug, off", level)
	}
	return nil
}

func usage(flags *flag.FlagSet) string {
	return "Usage: tftpd [options]\n\nOptions:\n" + flags.FlagUsages()
}
