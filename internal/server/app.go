// Package server wires the OTPKeeper components together and runs them:
// the HTTP API with its WebSocket channel, the gRPC health server, the OTP
// poller and the optional share-invalidation listener and audit archiver.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/otpkeeper/internal/cryptox"
	"github.com/dmitrijs2005/otpkeeper/internal/logging"
	"github.com/dmitrijs2005/otpkeeper/internal/server/access"
	"github.com/dmitrijs2005/otpkeeper/internal/server/audit"
	"github.com/dmitrijs2005/otpkeeper/internal/server/config"
	"github.com/dmitrijs2005/otpkeeper/internal/server/httpapi"
	"github.com/dmitrijs2005/otpkeeper/internal/server/mailbox"
	"github.com/dmitrijs2005/otpkeeper/internal/server/otp"
	"github.com/dmitrijs2005/otpkeeper/internal/server/realtime"
	"github.com/dmitrijs2005/otpkeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/otpkeeper/internal/server/services"
	"github.com/dmitrijs2005/otpkeeper/internal/server/sharecache"
	"github.com/dmitrijs2005/otpkeeper/internal/server/tokens"
	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	oauth2api "google.golang.org/api/oauth2/v2"

	gs "github.com/dmitrijs2005/otpkeeper/internal/server/grpc"
)

const shutdownTimeout = 10 * time.Second

// App owns the server components and the database handle.
type App struct {
	config   *config.Config
	logger   logging.Logger
	db       *sql.DB
	http     *http.Server
	grpc     *gs.GRPCServer
	poller   *otp.Poller
	notifier *sharecache.Notifier
	archiver *audit.S3Archiver
}

// NewApp runs migrations and builds every component from c.
func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger, err := logging.New(c.LogFormat, c.LogLevel, os.Stdout)
	if err != nil {
		return nil, fmt.Errorf("logger init error: %w", err)
	}

	vault, err := cryptox.NewVault(c.EncryptionSecret)
	if err != nil {
		return nil, fmt.Errorf("vault init error: %w", err)
	}
	sealer, err := cryptox.NewStateSealer(c.OAuthStateSecret)
	if err != nil {
		return nil, fmt.Errorf("oauth state init error: %w", err)
	}

	db, err := sql.Open("pgx", c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations error: %w", err)
	}

	app := &App{config: c, logger: logger, db: db}

	// grant lookups
	shares := sharecache.New(rm.Grants(db), c.ShareCacheSize, c.ShareCacheTTL)
	if c.ShareNotify {
		app.notifier = sharecache.NewNotifier(db, c.DatabaseDSN, shares, logger)
		shares.SetBroadcaster(app.notifier)
	}

	// audit trail
	recorders := audit.Multi{audit.NewLogRecorder(logger)}
	if c.AuditS3Bucket != "" {
		client, err := audit.NewS3Client(ctx, c.AuditS3Region, c.AuditS3Endpoint, c.AuditS3AccessKey, c.AuditS3SecretKey)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("audit archive init error: %w", err)
		}
		app.archiver = audit.NewS3Archiver(client, c.AuditS3Bucket, c.AuditBatchSize, c.AuditFlushInterval, logger)
		recorders = append(recorders, app.archiver)
	}

	// mail access
	oauthCfg := &oauth2.Config{
		ClientID:     c.OAuthClientID,
		ClientSecret: c.OAuthClientSecret,
		RedirectURL:  c.OAuthRedirectURL,
		Endpoint:     google.Endpoint,
		Scopes:       scopesFor(c.MailProvider),
	}
	clients := tokens.NewClientCache(context.WithoutCancel(ctx), oauthCfg, rm.Mailboxes(db), vault,
		c.ClientCacheSize, c.ClientCacheTTL, logger)

	var searcher mailbox.Searcher
	switch c.MailProvider {
	case config.MailProviderIMAP:
		searcher = mailbox.NewIMAPSearcher(c.IMAPAddr, clients)
	default:
		searcher = mailbox.NewGmailSearcher(clients)
	}

	// realtime delivery
	hub := realtime.NewHub()
	dispatcher := realtime.NewDispatcher(hub, logger)
	ws := realtime.NewHandler(hub, []byte(c.JWTSecret), c.ClientURL, logger)

	app.grpc = gs.NewGRPCServer(c.GRPCAddr, logger)

	app.poller = otp.NewPoller(rm.Accounts(db), rm.Mailboxes(db), searcher, otp.DefaultChain(), vault, dispatcher,
		otp.Config{
			Interval:      c.PollInterval,
			Concurrency:   c.PollConcurrency,
			SearchTimeout: c.SearchTimeout,
			OTPTTL:        c.OTPTTL,
			Query:         mailbox.Query{Sender: c.OTPSender, Subject: c.OTPSubject, Max: c.MaxResults},
		}, logger)
	app.poller.OnCycle = app.grpc.ReportPoller

	credentials := services.NewCredentialService(db, rm, vault, access.NewResolver(shares), shares, recorders, logger)
	mailboxes := services.NewMailboxService(db, rm, oauthCfg, sealer, vault,
		services.NewGoogleProfileFetcher(oauthCfg), clients, logger)

	if !strings.EqualFold(c.LogLevel, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.NewRouter(httpapi.Deps{
		Credentials: credentials,
		Mailboxes:   mailboxes,
		JWTSecret:   []byte(c.JWTSecret),
		ClientURL:   c.ClientURL,
		Realtime:    ws.Serve,
		Logger:      logger,
	})
	app.http = &http.Server{
		Addr:              c.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return app, nil
}

// scopesFor returns the OAuth scopes the mail provider needs. IMAP rejects
// anything narrower than full mail access.
func scopesFor(provider string) []string {
	mail := gmail.GmailReadonlyScope
	if provider == config.MailProviderIMAP {
		mail = mailbox.IMAPScope
	}
	return []string{mail, oauth2api.UserinfoEmailScope, oauth2api.UserinfoProfileScope}
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// runHTTP serves until ctx is done and returns once in-flight requests have
// drained or shutdownTimeout has passed.
func (app *App) runHTTP(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		app.logger.Info(context.Background(), "Stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = app.http.Shutdown(shutdownCtx)
	}()

	app.logger.Info(ctx, "Starting HTTP server", "address", app.http.Addr)
	if err := app.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-drained
	return nil
}

type component struct {
	name string
	run  func(context.Context) error
}

func (app *App) components() []component {
	cs := []component{
		{"http server", app.runHTTP},
		{"grpc server", app.grpc.Run},
		{"otp poller", app.poller.Run},
	}
	if app.notifier != nil {
		cs = append(cs, component{"share notifier", app.notifier.Listen})
	}
	return cs
}

// Run blocks until a signal arrives or a component fails, then stops the
// rest and closes the database.
func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)
	app.run(ctx, cancelFunc, app.components())
}

// run starts every component and waits for them. The audit archiver is
// stopped last so records written by draining requests still get uploaded.
func (app *App) run(ctx context.Context, cancelFunc context.CancelFunc, components []component) {
	archiveCtx, stopArchive := context.WithCancel(context.WithoutCancel(ctx))
	defer stopArchive()
	archived := make(chan struct{})
	if app.archiver != nil {
		go func() {
			defer close(archived)
			if err := app.archiver.Run(archiveCtx); err != nil {
				app.logger.Error(context.Background(), "audit archiver stopped", "error", err)
			}
		}()
	} else {
		close(archived)
	}

	var wg sync.WaitGroup
	for _, c := range components {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.run(ctx); err != nil {
				app.logger.Error(ctx, c.name+" stopped", "error", err)
				cancelFunc()
			}
		}()
	}
	wg.Wait()

	stopArchive()
	<-archived

	if err := app.db.Close(); err != nil {
		app.logger.Error(context.Background(), "db close error", "error", err)
	}
	app.logger.Info(context.Background(), "App stopped")
}
