package relay

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"runtime/debug"
	"time"

	"github.com/zulandar/anonrelay/internal/config"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Daemon is the main relay process. It connects to a chat platform via an
// Adapter, pumps inbound events through the Router on a bounded set of
// workers, and sends the admin digest on schedule.
type Daemon struct {
	db      *gorm.DB
	cfg     *config.Config
	adapter Adapter
	routes  *RoutingTable
	metrics *Metrics
	now     func() time.Time
	out     io.Writer
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	DB      *gorm.DB
	Config  *config.Config
	Adapter Adapter
	Routes  *RoutingTable    // defaults to a new empty table
	Metrics *Metrics         // optional
	Now     func() time.Time // defaults to time.Now
	Out     io.Writer        // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("relay: db is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("relay: config is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("relay: adapter is required")
	}
	routes := opts.Routes
	if routes == nil {
		routes = NewRoutingTable()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Daemon{
		db:      opts.DB,
		cfg:     opts.Config,
		adapter: opts.Adapter,
		routes:  routes,
		metrics: opts.Metrics,
		now:     now,
		out:     out,
	}, nil
}

// Run starts the relay. It connects the adapter, builds the store, engine,
// console and router, and blocks until the context is cancelled or the
// adapter's event stream ends. In-flight events are allowed to finish
// before the adapter is closed.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Relay connecting to %s...\n", d.cfg.Platform)
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("relay: connect: %w", err)
	}

	var botUserID string
	if bui, ok := d.adapter.(BotUserIDer); ok {
		botUserID = bui.BotUserID()
	}

	store, err := NewDialogStore(DialogStoreOpts{DB: d.db, Now: d.now})
	if err != nil {
		d.adapter.Close()
		return err
	}
	engine, err := NewEngine(EngineOpts{
		Store:       store,
		Routes:      d.routes,
		Adapter:     d.adapter,
		AdminID:     d.cfg.AdminID,
		SendTimeout: d.cfg.Relay.SendTimeout(),
		Metrics:     d.metrics,
		Out:         d.out,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("relay: build engine: %w", err)
	}
	console, err := NewConsole(ConsoleOpts{
		Store:        store,
		Platform:     d.cfg.Platform,
		ListButtons:  d.cfg.Console.ListButtons,
		HistoryLimit: d.cfg.Console.HistoryLimit,
		PreviewLimit: d.cfg.Console.PreviewLimit,
		PreviewChars: d.cfg.Console.PreviewChars,
		ChunkSize:    d.cfg.Console.ChunkSize,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("relay: build console: %w", err)
	}
	router, err := NewRouter(RouterOpts{
		Engine:      engine,
		Console:     console,
		Adapter:     d.adapter,
		AdminID:     d.cfg.AdminID,
		BotUserID:   botUserID,
		WelcomeText: d.cfg.Relay.WelcomeText,
		SendTimeout: d.cfg.Relay.SendTimeout(),
		Metrics:     d.metrics,
		Out:         d.out,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("relay: build router: %w", err)
	}

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("relay: listen: %w", err)
	}

	if d.cfg.Digest.Enabled {
		go d.runDigestScheduler(ctx, store)
	}

	// Events run to completion even during shutdown; each adapter call is
	// still bounded by the send timeout.
	eventCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(max(d.cfg.Relay.Workers, 1))

	fmt.Fprintf(d.out, "Relay online\n")

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Relay shutting down...\n")
			g.Wait()
			if err := d.adapter.Close(); err != nil {
				log.Printf("relay: close adapter: %v", err)
			}
			fmt.Fprintf(d.out, "Relay stopped\n")
			return nil

		case ev, ok := <-inbound:
			if !ok {
				fmt.Fprintf(d.out, "Relay inbound channel closed\n")
				g.Wait()
				return nil
			}
			g.Go(func() error {
				d.handle(eventCtx, router, ev)
				return nil
			})
		}
	}
}

// handle routes one event, keeping a panic in any handler from taking the
// process down.
func (d *Daemon) handle(ctx context.Context, router *Router, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("relay: panic handling %s event %s: %v\n%s", ev.Kind, ev.MessageID, p, debug.Stack())
		}
	}()
	router.Handle(ctx, ev)
}

// runDigestScheduler sends the admin digest on every tick of the configured
// cron expression until ctx is cancelled.
func (d *Daemon) runDigestScheduler(ctx context.Context, store *DialogStore) {
	wait := nextCronDuration(d.cfg.Digest.Cron, d.now())
	if wait <= 0 {
		log.Printf("relay: digest: invalid cron %q, scheduler disabled", d.cfg.Digest.Cron)
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			d.fireDigest(ctx, store)
			if wait := nextCronDuration(d.cfg.Digest.Cron, d.now()); wait > 0 {
				timer.Reset(wait)
			}
		}
	}
}

// fireDigest builds and sends a single digest to the administrator.
func (d *Daemon) fireDigest(ctx context.Context, store *DialogStore) {
	report, err := BuildDigest(ctx, store, d.now())
	if err != nil {
		log.Printf("relay: digest: %v", err)
		return
	}
	if report == nil {
		return
	}
	send := newSender(d.adapter, d.cfg.Relay.SendTimeout())
	if _, err := send.text(ctx, d.cfg.AdminID, OutboundText{Text: FormatDigest(report), Markdown: true}); err != nil {
		log.Printf("relay: send digest: %v", err)
	}
}
