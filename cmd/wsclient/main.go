// Wsclient is a minimal interactive command-line WebSocket client: it
// dials a single server, prints every incoming message to stdout, and
// sends each line read from stdin as a text message.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"

	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"

	"github.com/tzrikka/xdg"

	"github.com/riftwire/wsengine/internal/logger"
	"github.com/riftwire/wsengine/pkg/websocket"
)

const (
	configDirName  = "wsengine"
	configFileName = "config.toml"
)

func main() {
	bi, _ := debug.ReadBuildInfo()

	cmd := &cli.Command{
		Name:      "wsclient",
		Usage:     "connect to a WebSocket server and exchange text messages over stdio",
		Version:   bi.Main.Version,
		Flags:     flags(),
		Arguments: []cli.Argument{&cli.StringArg{Name: "url"}},
		Action:    run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	path := configFile()

	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "pretty-log",
			Usage: "human-readable console logging, instead of JSON",
		},
		&cli.IntFlag{
			Name:  "max-payload-size",
			Usage: "maximum frame payload size in bytes",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSCLIENT_MAX_PAYLOAD_SIZE"),
				toml.TOML("wsclient.max_payload_size", path),
			),
		},
		&cli.StringSliceFlag{
			Name:  "protocol",
			Usage: "requested Sec-WebSocket-Protocol value (repeatable)",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSCLIENT_PROTOCOLS"),
				toml.TOML("wsclient.protocols", path),
			),
		},
		&cli.BoolFlag{
			Name:  "skip-utf8-validation",
			Usage: "don't fail the connection on malformed inbound UTF-8 text",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSCLIENT_SKIP_UTF8_VALIDATION"),
				toml.TOML("wsclient.skip_utf8_validation", path),
			),
		},
	}
}

// configFile returns the path to the app's configuration file,
// creating an empty one if it doesn't already exist.
func configFile() altsrc.StringSourcer {
	path, err := xdg.CreateFile(xdg.ConfigHome, configDirName, configFileName)
	if err != nil {
		logger.FatalError("failed to create config file", err)
	}
	return altsrc.StringSourcer(path)
}

func run(ctx context.Context, cmd *cli.Command) error {
	initLog(cmd.Bool("pretty-log"))

	url := cmd.StringArg("url")
	if url == "" {
		return fmt.Errorf("%w: missing WebSocket URL argument", websocket.ErrBadFunctionArgument)
	}

	opts := dialOpts(cmd)
	conn, err := websocket.Dial(ctx, url, opts...)
	if err != nil {
		return fmt.Errorf("failed to dial %q: %w", url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	done := make(chan struct{})
	go printIncoming(conn, done)
	sendFromStdin(conn)

	<-done
	return nil
}

func dialOpts(cmd *cli.Command) []websocket.DialOpt {
	var opts []websocket.DialOpt

	if n := cmd.Int("max-payload-size"); n > 0 {
		opts = append(opts, websocket.WithMaxPayloadSize(int(n)))
	}
	if protocols := cmd.StringSlice("protocol"); len(protocols) > 0 {
		opts = append(opts, websocket.WithProtocols(protocols...))
	}
	if cmd.Bool("skip-utf8-validation") {
		opts = append(opts, websocket.WithValidateReceivedText(false))
	}

	return opts
}

// printIncoming prints every message the connection receives until it
// closes, then signals done so [run] can return.
func printIncoming(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	for msg := range conn.IncomingMessages() {
		switch msg.Opcode {
		case websocket.OpcodeText:
			fmt.Printf("< %s\n", msg.Data)
		case websocket.OpcodeBinary:
			fmt.Printf("< [%d binary bytes]\n", len(msg.Data))
		}
	}
}

// sendFromStdin sends each line of stdin as a text message, stopping at EOF.
func sendFromStdin(conn *websocket.Conn) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if err := <-conn.SendTextMessage([]byte(line)); err != nil {
			slog.Error("failed to send message", slog.Any("error", err))
			return
		}
	}
}

// initLog initializes the default logger, based on whether
// human-readable output was requested instead of JSON.
func initLog(prettyLog bool) {
	var handler slog.Handler
	if prettyLog {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}

	slog.SetDefault(slog.New(handler))
}
