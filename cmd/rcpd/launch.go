package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/chronologos/rcp/internal/client"
	"github.com/chronologos/rcp/internal/command"
	"github.com/chronologos/rcp/internal/protocol"
	"github.com/chronologos/rcp/internal/transport"
)

var (
	launchServer    string
	launchTransport string
	launchInsecure  bool
	launchIdentity  string
	launchKeyFile   string
	launchList      bool
	launchFollow    bool
)

var launchCmd = &cobra.Command{
	Use:   "launch [app [args...]]",
	Short: "Connect to a server and launch an application",
	Long: `launch authenticates to an RCP server and starts an application from its
catalogue. The pre-shared secret is read from RCP_SECRET; --key selects
an SSH private key instead. With --list it prints the catalogue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !launchList && len(args) == 0 {
			return errors.New("name an application or pass --list")
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		dial, err := launchDialConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		c, err := client.Dial(ctx, client.Config{
			Dial:      dial,
			Heartbeat: 15 * time.Second,
			Log:       logger,
			OnMessage: func(msg command.Message) {
				if f, ok := msg.(*command.DisplayFrame); ok && f.Format == command.FormatText {
					out.Write(f.Data)
				}
			},
		})
		if err != nil {
			return err
		}
		defer c.Close()

		if err := authenticate(ctx, c); err != nil {
			return err
		}

		if launchList {
			apps, err := c.ListApps(ctx)
			if err != nil {
				return err
			}
			for _, a := range apps {
				fmt.Fprintln(out, a)
			}
			return nil
		}

		ack, err := c.Launch(ctx, args[0], args[1:]...)
		if err != nil {
			return err
		}
		logger.Info("launched", "app", ack.Detail)
		if !launchFollow {
			return nil
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "attached to %s, Ctrl-] detaches\r\n", ack.Detail)
		err = c.Terminal(ctx, os.Stdin, out)
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func init() {
	f := launchCmd.Flags()
	f.StringVarP(&launchServer, "server", "s", net.JoinHostPort("127.0.0.1", strconv.Itoa(protocol.DefaultPort)), "server host:port")
	f.StringVar(&launchTransport, "transport", "tcp", "tcp, tls, quic or dual")
	f.BoolVar(&launchInsecure, "insecure", false, "skip certificate checks (self-signed servers)")
	f.StringVar(&launchIdentity, "identity", "", "identity to authenticate as")
	f.StringVar(&launchKeyFile, "key", "", "SSH private key for public-key authentication")
	f.BoolVarP(&launchList, "list", "l", false, "list the server's applications")
	f.BoolVarP(&launchFollow, "follow", "f", false, "attach the local terminal to the launched app")
	rootCmd.AddCommand(launchCmd)
}

func launchDialConfig() (transport.DialConfig, error) {
	host, portStr, err := net.SplitHostPort(launchServer)
	if err != nil {
		return transport.DialConfig{}, fmt.Errorf("--server: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return transport.DialConfig{}, fmt.Errorf("--server: invalid port %q", portStr)
	}
	mode, err := transport.ParseMode(launchTransport)
	if err != nil {
		return transport.DialConfig{}, err
	}
	return transport.DialConfig{
		Mode:       mode,
		Host:       host,
		Port:       port,
		ServerName: host,
		Insecure:   launchInsecure,
	}, nil
}

func authenticate(ctx context.Context, c *client.Client) error {
	if launchKeyFile != "" {
		pem, err := os.ReadFile(launchKeyFile)
		if err != nil {
			return err
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return fmt.Errorf("parse %s: %w", launchKeyFile, err)
		}
		identity := launchIdentity
		if identity == "" {
			identity = ssh.FingerprintSHA256(signer.PublicKey())
		}
		_, err = c.AuthenticateKey(ctx, identity, signer)
		return err
	}
	secret := os.Getenv("RCP_SECRET")
	if secret == "" {
		return errors.New("set RCP_SECRET or pass --key")
	}
	_, err := c.AuthenticatePSK(ctx, launchIdentity, []byte(secret))
	return err
}
