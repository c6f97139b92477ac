package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/spf13/cobra"
)

var tcpFlags struct {
	addr     string
	idle     time.Duration
	greeting string
}

var tcpCmd = &cobra.Command{
	Use:   "tcp",
	Short: "Serve a TCP echo origin",
	RunE: func(cmd *cobra.Command, args []string) error {
		ln, err := net.Listen("tcp", tcpFlags.addr)
		if err != nil {
			return err
		}
		slog.Info("tcp echo listening", "address", ln.Addr().String(), "idle", tcpFlags.idle.String())
		return serveEcho(cmd.Context(), ln, tcpFlags.idle, tcpFlags.greeting)
	},
}

func init() {
	rootCmd.AddCommand(tcpCmd)
	tcpCmd.Flags().StringVar(&tcpFlags.addr, "addr", ":9002", "listen address")
	tcpCmd.Flags().DurationVar(&tcpFlags.idle, "idle", 5*time.Minute, "close connections idle this long")
	tcpCmd.Flags().StringVar(&tcpFlags.greeting, "greeting", "", "line written to each new connection")
}

// serveEcho echoes every connection accepted on ln until ctx is done.
func serveEcho(ctx context.Context, ln net.Listener, idle time.Duration, greeting string) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			echoConn(conn, idle, greeting)
		}()
	}
}

func echoConn(c net.Conn, idle time.Duration, greeting string) {
	defer c.Close()
	logger := slog.With("remote", c.RemoteAddr().String())
	logger.Debug("conn opened")
	defer logger.Debug("conn closed")

	_ = c.SetDeadline(time.Now().Add(idle))
	if greeting != "" {
		if _, err := c.Write([]byte(greeting + "\n")); err != nil {
			return
		}
	}
	buf := make([]byte, 32*1024)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			if _, werr := c.Write(buf[:n]); werr != nil {
				return
			}
			_ = c.SetDeadline(time.Now().Add(idle))
		}
		if err != nil {
			return
		}
	}
}
