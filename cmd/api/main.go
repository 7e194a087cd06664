package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"relicflow/audit"
	"relicflow/catalog"
	"relicflow/config"
	"relicflow/db"
	"relicflow/dispute"
	"relicflow/escrow"
	"relicflow/identity"
	"relicflow/logger"
	"relicflow/order"
	"relicflow/outbox"
	"relicflow/payment"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		zl.Fatal("bootstrap database pool", zap.Error(err))
	}
	defer pool.Close()

	ledger := audit.NewLedger()
	gateway := payment.NewHTTPGateway(cfg.GatewayURL, cfg.GatewayTimeout)

	orderService := order.NewService(pool, order.NewRepository(pool), ledger, outbox.Writer{}, gateway)
	escrowCtrl := escrow.NewController(pool, escrow.NewRepository(pool), ledger, outbox.Writer{})
	disputeService := dispute.NewService(pool, dispute.NewRepository(pool), ledger, escrowCtrl)
	catalogService := catalog.NewService(pool, nil, ledger)

	server := &Server{
		orderService:   orderService,
		disputeService: disputeService,
		escrow:         escrowCtrl,
		catalogService: catalogService,
		auditLog:       auditLog{pool: pool, ledger: ledger},
		verifier:       identity.NewVerifier(cfg.TokenSecret),
		webhookSecret:  []byte(cfg.WebhookSecret),
		logger:         zl,
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	relay := outbox.NewRelay(pool, func(ctx context.Context, msg outbox.Message) error {
		// Downstream consumers plug in here; until then delivery is a log line.
		zl.Info("outbox message",
			zap.String("id", msg.ID),
			zap.String("topic", msg.Topic),
			zap.ByteString("payload", msg.Payload))
		return nil
	}, zl)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zl.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return relay.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		zl.Fatal("server exited", zap.Error(err))
	}
	zl.Info("shutdown complete")
}

// auditLog binds the ledger to the pool for the read path.
type auditLog struct {
	pool   *pgxpool.Pool
	ledger *audit.Ledger
}

func (a auditLog) List(ctx context.Context, limit int) ([]audit.Entry, error) {
	return a.ledger.List(ctx, a.pool, limit)
}
