package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"telechat/backend"
	"telechat/config"
	"telechat/discovery"
	"telechat/feed"
	"telechat/models"
	"telechat/pgstore"
	"telechat/storage"
)

// DiscoverRelayURL in relay_url asks the chat command to find a relay over
// mDNS instead of dialing a fixed address.
const DiscoverRelayURL = "mdns"

// adminStore is a document store that can also seed participants.
type adminStore interface {
	backend.Store
	AddParticipant(ctx context.Context, participant models.Participant) error
	UpdateParticipant(ctx context.Context, userID string, patch models.ParticipantPatch) (models.Participant, error)
	io.Closer
}

// localStore opens the SQLite store in the data directory. It holds blob
// metadata for every configuration and documents for the sqlite backend.
func localStore(env *environment) (*storage.Store, error) {
	store, dbPath, err := storage.Open(env.dataDir)
	if err != nil {
		return nil, err
	}
	log.Debugf("opened sqlite store %s", dbPath)
	return store, nil
}

// documentStore opens the configured document store. local is returned
// unchanged for the sqlite backend, so callers must not close it twice.
func documentStore(ctx context.Context, env *environment, local *storage.Store) (adminStore, bool, error) {
	switch env.cfg.Store {
	case config.StorePostgres:
		store, err := pgstore.Open(ctx, env.cfg.PostgresURL)
		if err != nil {
			return nil, false, err
		}
		return store, true, nil
	default:
		return local, false, nil
	}
}

// withAdminStore runs fn against the configured document store.
func withAdminStore(ctx context.Context, env *environment, fn func(adminStore) error) error {
	local, err := localStore(env)
	if err != nil {
		return err
	}
	defer local.Close()

	store, owned, err := documentStore(ctx, env, local)
	if err != nil {
		return err
	}
	if owned {
		defer store.Close()
	}
	return fn(store)
}

type feedOptions struct {
	token       string
	onReconnect func()
}

// openFeed connects the configured event feed. The returned closer releases
// the connection.
func openFeed(ctx context.Context, env *environment, opts feedOptions) (feed.Feed, io.Closer, error) {
	switch env.cfg.Feed {
	case config.FeedMemory:
		broker := feed.NewBroker()
		return broker, broker, nil
	case config.FeedRedis:
		redisFeed, err := feed.DialRedis(ctx, env.cfg.RedisAddr, feed.DefaultRedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		if opts.onReconnect != nil {
			redisFeed.OnReconnect(opts.onReconnect)
		}
		return redisFeed, redisFeed, nil
	case config.FeedRelay:
		url, err := relayURL(ctx, env)
		if err != nil {
			return nil, nil, err
		}
		client, err := feed.Dial(ctx, feed.ClientOptions{
			URL:         url,
			Token:       opts.token,
			OnReconnect: opts.onReconnect,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Infof("connected to relay %s", url)
		return client, client, nil
	default:
		return nil, nil, fmt.Errorf("unknown feed %q", env.cfg.Feed)
	}
}

func relayURL(ctx context.Context, env *environment) (string, error) {
	if !strings.EqualFold(env.cfg.RelayURL, DiscoverRelayURL) {
		return env.cfg.RelayURL, nil
	}
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	relay, err := discovery.Lookup(lookupCtx, discovery.Config{})
	if err != nil {
		if errors.Is(err, discovery.ErrNoRelay) {
			return "", fmt.Errorf("relay_url is %q but %w", DiscoverRelayURL, err)
		}
		return "", fmt.Errorf("discover relay: %w", err)
	}
	log.Infof("discovered relay %q at %s", relay.Name, relay.URL())
	return relay.URL(), nil
}
