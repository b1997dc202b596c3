package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/clawnode/internal/gateway"
)

func pairCmd() *cobra.Command {
	var (
		urlFlag string
		wait    bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pair this device with a gateway",
		Long: `Runs the challenge handshake. A new device is reported as pending and
must be approved on the gateway; with --wait the handshake is retried until
approval and the issued device token is stored.`,
		Run: func(cmd *cobra.Command, args []string) {
			n := loadNode()
			url, err := n.gatewayURL(urlFlag)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			dev, err := n.identity.EnsureIdentity()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Device:  %s\n", dev.NodeID)
			fmt.Printf("Gateway: %s\n", url)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			err = runPair(ctx, n, url, wait)
			switch {
			case err == nil:
				n.rememberURL(url)
				fmt.Println("Paired. Device token saved.")
			case errors.Is(err, errPairingPending):
				os.Exit(2)
			default:
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&urlFlag, "url", "", "gateway websocket url")
	cmd.Flags().BoolVar(&wait, "wait", false, "keep retrying until the pairing is approved")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "give up after this long")
	return cmd
}

var errPairingPending = errors.New("pairing pending approval")

// runPair repeats the handshake at most once per poll interval until
// hello-ok, or reports the pending request when not waiting.
func runPair(ctx context.Context, n *node, url string, wait bool) error {
	conn := n.newConnection()
	defer conn.Close()

	limiter := rate.NewLimiter(rate.Every(n.cfg.Gateway.PairPollInterval()), 1)
	announced := ""
	for {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("pairing not approved: %w", err)
		}
		err := connectOnce(ctx, conn, url)
		if err == nil {
			return nil
		}
		cf, ok := gateway.AsPairingRequired(err)
		if !ok {
			return err
		}
		if cf.RequestID != announced {
			announced = cf.RequestID
			if cf.RequestID != "" {
				fmt.Printf("Pairing requested (request %s). Approve it on the gateway.\n", cf.RequestID)
			} else {
				fmt.Println("Pairing requested. Approve it on the gateway.")
			}
		}
		if !wait {
			return errPairingPending
		}
		conn.Disconnect()
	}
}
