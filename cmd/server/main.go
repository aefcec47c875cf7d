package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"weavebox/internal/api"
	"weavebox/internal/config"
	"weavebox/internal/drive"
	"weavebox/internal/logging"
	"weavebox/internal/staging"
	"weavebox/internal/store"
	"weavebox/internal/transport"
	"weavebox/internal/upload"
	"weavebox/internal/wallet"
)

func printStats(st store.Store) {
	stats, err := st.GetStats(context.Background())
	if err != nil {
		logging.Internal.Fatalf("failed to get stats: %v", err)
	}

	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║           WeaveBox Staging Area          ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Total Files:     %-22d║\n", stats.TotalFiles)
	fmt.Printf("║  ├─ Pending:      %-22d║\n", stats.PendingFiles)
	fmt.Printf("║  ├─ Uploading:    %-22d║\n", stats.UploadingFiles)
	fmt.Printf("║  └─ Uploaded:     %-22d║\n", stats.UploadedFiles)
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Total Storage:   %-22s║\n", humanize.IBytes(uint64(stats.TotalBytes)))
	fmt.Printf("║  ├─ Pending:      %-22s║\n", humanize.IBytes(uint64(stats.PendingBytes)))
	fmt.Printf("║  └─ Uploaded:     %-22s║\n", humanize.IBytes(uint64(stats.UploadedBytes)))
	fmt.Println("╠══════════════════════════════════════════╣")
	if !stats.OldestFile.IsZero() {
		fmt.Printf("║  Oldest File:     %-22s║\n", stats.OldestFile.Format("2006-01-02 15:04"))
		fmt.Printf("║  Newest File:     %-22s║\n", stats.NewestFile.Format("2006-01-02 15:04"))
	} else {
		fmt.Println("║  No files staged                         ║")
	}
	if len(stats.ByCategory) > 0 {
		fmt.Println("╠══════════════════════════════════════════╣")
		cats := make([]string, 0, len(stats.ByCategory))
		for c := range stats.ByCategory {
			cats = append(cats, string(c))
		}
		sort.Strings(cats)
		for _, c := range cats {
			fmt.Printf("║  %-16s %-23d║\n", c+":", stats.ByCategory[store.Category(c)])
		}
	}
	fmt.Println("╚══════════════════════════════════════════╝")
}

// newWallet returns the bridge when configured, since only the bridge can
// sign, and a fixed-address connector otherwise.
func newWallet(cfg *config.Config) (wallet.Connector, *wallet.Bridge) {
	if cfg.WalletBridgeURL == "" {
		logging.Internal.Printf("using static wallet address %q", cfg.WalletAddress)
		return wallet.NewStatic(cfg.WalletAddress), nil
	}
	bridge, err := wallet.NewBridge(wallet.BridgeConfig{
		URL:   cfg.WalletBridgeURL,
		Token: cfg.WalletBridgeToken,
	})
	if err != nil {
		logging.Internal.Fatalf("failed to initialize wallet bridge: %v", err)
	}
	logging.Internal.Printf("using wallet bridge at %s", cfg.WalletBridgeURL)
	return bridge, bridge
}

func newTransport(cfg *config.Config, signer *wallet.Bridge) transport.Transport {
	switch cfg.Transport {
	case config.TransportTurbo:
		if signer == nil {
			logging.Internal.Fatalf("turbo transport requires WALLET_BRIDGE_URL")
		}
		tr, err := transport.NewTurbo(transport.TurboConfig{
			UploadURL:  cfg.TurboUploadURL,
			PaymentURL: cfg.TurboPaymentURL,
		}, signer)
		if err != nil {
			logging.Internal.Fatalf("failed to initialize turbo transport: %v", err)
		}
		return tr
	case config.TransportBucket:
		tr, err := transport.NewBucket(transport.BucketConfig{
			Endpoint:  cfg.BucketEndpoint,
			AccessKey: cfg.BucketAccessKey,
			SecretKey: cfg.BucketSecretKey,
			Bucket:    cfg.BucketName,
			Prefix:    cfg.BucketPrefix,
			Region:    cfg.BucketRegion,
			Insecure:  cfg.BucketInsecure,
		})
		if err != nil {
			logging.Internal.Fatalf("failed to initialize bucket transport: %v", err)
		}
		logging.Internal.Printf("uploading to bucket %s at %s", cfg.BucketName, cfg.BucketEndpoint)
		return tr
	default:
		tr, err := transport.NewDir(cfg.UploadDir)
		if err != nil {
			logging.Internal.Fatalf("failed to initialize upload directory: %v", err)
		}
		logging.Internal.Printf("uploading to local directory %s", cfg.UploadDir)
		return tr
	}
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logging.Internal.Fatalf("invalid configuration: %v", err)
	}

	logCloser, err := logging.Configure(logging.Options{
		Level: cfg.LogLevel,
		JSON:  cfg.LogJSON,
		File:  cfg.LogFile,
	})
	if err != nil {
		logging.Internal.Fatalf("invalid logging configuration: %v", err)
	}
	defer logCloser.Close()

	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		logging.Internal.Fatalf("failed to open database: %v", err)
	}
	defer st.Close()

	if cfg.ShowStats {
		printStats(st)
		return
	}

	stagingSvc := staging.NewService(st)

	// A previous process may have died mid-run.
	if n, err := stagingSvc.RollbackBatch(context.Background()); err != nil {
		logging.Internal.Fatalf("failed to recover interrupted uploads: %v", err)
	} else if n > 0 {
		logging.Internal.Printf("recovered %d files left uploading by a previous run", n)
	}

	walletConn, bridge := newWallet(cfg)
	tr := newTransport(cfg, bridge)
	orchestrator := upload.NewOrchestrator(stagingSvc, tr, walletConn)

	deps := api.Deps{
		Staging:            stagingSvc,
		Uploader:           orchestrator,
		Wallet:             walletConn,
		Transactions:       transport.NewGateway(transport.GatewayConfig{URL: cfg.GatewayURL}),
		GoogleClientID:     cfg.GoogleClientID,
		GoogleClientSecret: cfg.GoogleClientSecret,
	}
	if dir, ok := tr.(*transport.Dir); ok {
		deps.LocalStore = dir
	}

	var thumbs *drive.ThumbCache
	if cfg.GoogleConfigured() {
		auth := drive.NewAuth(drive.AuthConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		})
		thumbs = drive.NewThumbCache(0, 0, 0)
		source := drive.NewSource(auth, drive.SourceOptions{
			MaxDownload: cfg.MaxDownloadMB << 20,
			Limiter:     rate.NewLimiter(rate.Limit(10), 20),
			Thumbs:      thumbs,
		})
		deps.DriveAuth = auth
		deps.DriveBrowser = source
		deps.DriveImporter = drive.NewImporter(source, stagingSvc)
		logging.Internal.Printf("google drive enabled (redirect %s)", cfg.GoogleRedirectURL)
	} else {
		logging.Internal.Println("google drive disabled (set GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Release idle display handles and expired thumbnails.
	go func() {
		ticker := time.NewTicker(cfg.JanitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := stagingSvc.SweepHandles(cfg.HandleIdle); n > 0 {
					logging.Internal.Printf("released %d idle display handles", n)
				}
				if thumbs != nil {
					if n := thumbs.Sweep(); n > 0 {
						logging.Internal.Printf("dropped %d expired thumbnails", n)
					}
				}
			}
		}
	}()

	handler := api.NewHandler(deps)

	corsOptions := cors.Options{
		AllowedMethods:   []string{"GET", "POST", "DELETE", "HEAD", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}
	if cfg.Dev {
		corsOptions.AllowedOrigins = []string{"*"}
		logging.Internal.Println("development mode: CORS allowing all origins")
	} else {
		corsOptions.AllowedOrigins = cfg.CORSOrigins
		logging.Internal.Printf("CORS restricted to origins: %v", cfg.CORSOrigins)
	}

	// Order: Logger -> RateLimit -> CORS -> handler
	var finalHandler http.Handler = handler
	finalHandler = cors.Handler(corsOptions)(finalHandler)
	var rateLimiter *api.RateLimiter
	if !cfg.Dev {
		rateLimiter = api.NewRateLimiter(api.DefaultRateLimitConfig())
		finalHandler = rateLimiter.Middleware(finalHandler)
		logging.Internal.Println("rate limiting enabled")
	}
	finalHandler = api.Logger(finalHandler)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           finalHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logging.Internal.Println("shutting down...")
		cancel()

		if rateLimiter != nil {
			rateLimiter.Stop()
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Internal.Printf("shutdown error: %v", err)
		}
	}()

	logging.Internal.Printf("starting server on %s", cfg.Addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logging.Internal.Fatalf("server error: %v", err)
	}
}
