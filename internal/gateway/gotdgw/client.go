// Package gotdgw is the reference TelegramGateway implementation, adapting
// github.com/gotd/td. Every method maps gotd's transport/RPC errors onto the
// gateway package's error kinds (see errors.go) so the rest of the module
// never imports gotd directly.
package gotdgw

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-faster/errors"
	bboltdb "github.com/gotd/contrib/bbolt"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
	"golang.org/x/net/proxy"

	"spectra/internal/gateway"
	"spectra/internal/infra/logger"
	"spectra/internal/infra/throttle"
)

// outboundRate is the per-account send throttle (spec §4.C's per-account
// limiter governs request pacing; this governs retry-on-flood-wait for the
// two write operations that actually trigger Telegram's flood control).
const outboundRate = 5

// Gateway is one connected, authorised MTProto client bound to a single
// account. It is not safe to share across accounts; GroupManager keeps one
// instance per SessionHandle.
type Gateway struct {
	mu sync.Mutex

	client   *telegram.Client
	api      *tg.Client
	peerMgr  *peers.Manager
	peerDB   *bbolt.DB
	outbound *throttle.Throttler

	runCancel context.CancelFunc
	runDone   chan error
}

// New creates an unconnected Gateway. Call Connect before issuing any other
// operation.
func New() *Gateway {
	return &Gateway{}
}

// floodWaitExtractor recognises a classified FloodWaitError so Throttler.Do
// sleeps and retries the send instead of surfacing the error up to the
// caller, which would otherwise have to re-select an account for what is
// often just a few seconds' wait.
func floodWaitExtractor(err error) (time.Duration, bool) {
	var fw *gateway.FloodWaitError
	if errors.As(err, &fw) {
		return fw.Wait(), true
	}
	return 0, false
}

// Connect establishes the MTProto connection, restoring or creating a
// session at creds.SessionFile, and runs the interactive auth flow if the
// restored session (if any) is not authorised. When creds.SessionFile is
// non-empty, the peer cache is backed by a per-account bbolt file at
// "<SessionFile>.peers.bbolt" (gotd/contrib).
func (g *Gateway) Connect(ctx context.Context, creds gateway.Credentials, proxyCfg *gateway.ProxyConfig) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	opts := telegram.Options{
		SessionStorage: &fileSessionStorage{Path: creds.SessionFile},
	}

	if proxyCfg != nil && proxyCfg.Enabled && proxyCfg.Type == "socks5" {
		var auth *proxy.Auth
		if proxyCfg.User != "" {
			auth = &proxy.Auth{User: proxyCfg.User, Password: proxyCfg.Pass}
		}
		dialer, err := proxy.SOCKS5("tcp", fmt.Sprintf("%s:%d", proxyCfg.Host, proxyCfg.Port), auth, proxy.Direct)
		if err != nil {
			return errors.Wrap(err, "build socks5 dialer")
		}
		opts.Resolver = dcs.Plain(dcs.PlainOptions{
			Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		})
	}

	client := telegram.NewClient(creds.APIID, creds.APIHash, opts)

	runCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan error, 1)
	done := make(chan error, 1)

	go func() {
		done <- client.Run(runCtx, func(ctx context.Context) error {
			status, err := client.Auth().Status(ctx)
			if err != nil {
				ready <- errors.Wrap(err, "auth status")
				return err
			}
			if !status.Authorized {
				flow := auth.NewFlow(terminalAuthenticator{PhoneNumber: creds.Phone}, auth.SendCodeOptions{})
				if err := client.Auth().IfNecessary(ctx, flow); err != nil {
					ready <- classify(err)
					return err
				}
			}
			ready <- nil
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			return err
		}
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}

	api := client.API()

	var peerMgr *peers.Manager
	var peerDB *bbolt.DB
	if creds.SessionFile != "" {
		db, err := bbolt.Open(creds.SessionFile+".peers.bbolt", 0o600, nil)
		if err != nil {
			logger.Warnf("gotdgw: open peer cache for %s: %v", creds.SessionHandle, err)
		} else {
			peerDB = db
			peerStore := bboltdb.NewPeerStorage(db, []byte("peers"))
			peerMgr = (peers.Options{Storage: peerStore}).Build(api)
		}
	}
	if peerMgr == nil {
		peerMgr = (peers.Options{}).Build(api)
	}

	outbound := throttle.New(outboundRate,
		throttle.WithWaitExtractors(floodWaitExtractor),
		throttle.WithMaxRetries(3))
	outbound.Start(runCtx)

	g.client = client
	g.api = api
	g.peerMgr = peerMgr
	g.peerDB = peerDB
	g.outbound = outbound
	g.runCancel = cancel
	g.runDone = done

	return nil
}

func (g *Gateway) IsAuthorised(ctx context.Context) (bool, error) {
	g.mu.Lock()
	client := g.client
	g.mu.Unlock()

	if client == nil {
		return false, errors.New("gotdgw: not connected")
	}
	status, err := client.Auth().Status(ctx)
	if err != nil {
		return false, classify(err)
	}
	return status.Authorized, nil
}

// Close tears down the connection and releases the peer cache. Idempotent.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.outbound != nil {
		g.outbound.Stop()
		g.outbound = nil
	}
	if g.runCancel != nil {
		g.runCancel()
		g.runCancel = nil
	}
	if g.runDone != nil {
		<-g.runDone
		g.runDone = nil
	}
	if g.peerDB != nil {
		_ = g.peerDB.Close()
		g.peerDB = nil
	}
	return nil
}
