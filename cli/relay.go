package cli

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"telechat/discovery"
	"telechat/relay"
	"telechat/storage"
)

func newRelayCmd(env *environment) *cobra.Command {
	var opts struct {
		listen    string
		advertise bool
		origins   []string
	}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the websocket event relay and blob download endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			listen := opts.listen
			if listen == "" {
				listen = env.cfg.ListenAddr
			}
			advertise := opts.advertise || env.cfg.Advertise

			store, err := localStore(env)
			if err != nil {
				return err
			}
			defer store.Close()
			blobs := storage.NewBlobStore(store, env.dataDir, storage.DefaultBucket, env.cfg.PublicBaseURL)

			server, err := relay.NewServer(relay.Options{
				Secret:         []byte(env.cfg.JWTSecret),
				Blobs:          blobs,
				AllowedOrigins: opts.origins,
			})
			if err != nil {
				return err
			}
			defer server.Close()

			listener, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", listen, err)
			}
			fmt.Fprintf(env.out, "Relay listening on %s\n", listener.Addr())

			group, ctx := errgroup.WithContext(cmd.Context())
			group.Go(func() error {
				return server.Serve(ctx, listener)
			})

			if advertise {
				port := listener.Addr().(*net.TCPAddr).Port
				advertiser, err := discovery.Advertise(discovery.Config{
					RelayID:   env.cfg.DeviceID,
					RelayName: relayName(env.cfg.DeviceName),
					Port:      port,
				})
				if err != nil {
					log.Warningf("mDNS advertisement disabled: %v", err)
				} else {
					group.Go(func() error {
						<-ctx.Done()
						advertiser.Stop()
						return nil
					})
				}
			}

			return group.Wait()
		},
	}

	cmd.Flags().StringVar(&opts.listen, "listen", "", "listen address (default from config)")
	cmd.Flags().BoolVar(&opts.advertise, "advertise", false, "advertise the relay on the LAN via mDNS")
	cmd.Flags().StringSliceVar(&opts.origins, "allow-origin", nil, "allowed CORS origins (default any)")
	return cmd
}

func relayName(deviceName string) string {
	name := strings.TrimSpace(deviceName)
	if name == "" {
		name, _ = os.Hostname()
	}
	return "telechat relay on " + name
}
