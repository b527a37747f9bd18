package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/veldt-labs/mailwarden/internal/auth"
	"github.com/veldt-labs/mailwarden/internal/classify"
	"github.com/veldt-labs/mailwarden/internal/config"
	"github.com/veldt-labs/mailwarden/internal/dedupe"
	"github.com/veldt-labs/mailwarden/internal/engine"
	gmailgw "github.com/veldt-labs/mailwarden/internal/gateway/gmail"
	"github.com/veldt-labs/mailwarden/internal/natsjs"
	"github.com/veldt-labs/mailwarden/internal/notify"
	"github.com/veldt-labs/mailwarden/internal/pipeline"
	"github.com/veldt-labs/mailwarden/internal/store"
	"github.com/veldt-labs/mailwarden/internal/watch"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to yaml config")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	authMgr := auth.NewManager(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURI, st, log)

	gw, err := gmailgw.New(ctx, authMgr.TokenSource(ctx, cfg.Account), time.Duration(cfg.Google.TimeoutSeconds)*time.Second)
	if err != nil {
		log.Fatal("create gmail gateway", zap.Error(err))
	}

	classifier := classify.NewOpenAIClassifier(
		cfg.Classifier.Endpoint,
		cfg.Classifier.APIKey,
		cfg.Classifier.Model,
		time.Duration(cfg.Classifier.TimeoutSeconds)*time.Second,
		log,
	)

	pipe := pipeline.New(gw, classifier, cfg.Account, st, log)
	eng := engine.New(gw, st, pipe, cfg.Account, cfg.HistoryLookback, cfg.Parallelism, log)
	watcher := watch.NewManager(gw, st, cfg.Account, cfg.Google.PubSubTopic, log)

	// Event stream and dispatcher are optional; without NATS the outbox
	// still records events durably and a later deploy can drain it.
	if cfg.NATS.URL != "" {
		pub, err := natsjs.NewPublisher(cfg.NATS.URL)
		if err != nil {
			log.Fatal("connect nats", zap.Error(err))
		}
		defer pub.Close()
		if err := pub.EnsureStream(); err != nil {
			log.Fatal("ensure stream", zap.Error(err))
		}
		go engine.NewDispatcher(st, pub, log).Run(ctx)
	}

	var deduper *dedupe.Deduper
	if cfg.Redis.Addr != "" {
		deduper = dedupe.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, 10*time.Minute, log)
		defer deduper.Close()
	}

	var verifier *notify.Verifier
	if cfg.Google.PushAudience != "" {
		verifier, err = notify.NewVerifier(ctx, cfg.Google.PushAudience)
		if err != nil {
			log.Fatal("init push verifier", zap.Error(err))
		}
	}

	if cfg.Google.PubSubTopic != "" {
		go watcher.RunRenewal(ctx)
	}

	r := gin.Default()

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/auth", func(c *gin.Context) {
		c.Redirect(http.StatusFound, authMgr.AuthCodeURL(cfg.Account))
	})

	r.GET("/oauth2/callback", func(c *gin.Context) {
		code := c.Query("code")
		if code == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing code"})
			return
		}
		if _, err := authMgr.Exchange(c.Request.Context(), cfg.Account, code); err != nil {
			log.Error("oauth exchange", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "exchange failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "authorized", "account": cfg.Account})
	})

	r.POST("/auth/revoke", func(c *gin.Context) {
		if err := authMgr.Revoke(c.Request.Context(), cfg.Account); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "revoked"})
	})

	r.GET("/watch/start", func(c *gin.Context) {
		res, err := watcher.Start(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"history_id": res.HistoryID, "expiration_ms": res.ExpirationMS})
	})

	r.GET("/watch/renew", func(c *gin.Context) {
		res, err := watcher.Start(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"history_id": res.HistoryID, "expiration_ms": res.ExpirationMS})
	})

	r.GET("/watch/stop", func(c *gin.Context) {
		if err := watcher.Stop(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "stopped"})
	})

	// Push delivery endpoint. Anything that is not an authentication failure
	// is acknowledged with 200: a non-200 here only makes Pub/Sub redeliver,
	// and reconciliation already tolerates duplicates and losses.
	r.POST("/notifications", func(c *gin.Context) {
		if verifier != nil {
			if err := verifier.Verify(c.Request.Context(), c.Request); err != nil {
				log.Warn("push token rejected", zap.Error(err))
				c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
		if err != nil {
			c.JSON(http.StatusOK, gin.H{"status": "ack"})
			return
		}

		ev, err := notify.Decode(body)
		if err != nil {
			log.Warn("undecodable notification acked", zap.Error(err))
			c.JSON(http.StatusOK, gin.H{"status": "ack"})
			return
		}

		if deduper != nil && !deduper.FirstDelivery(c.Request.Context(), ev.PubSubID) {
			log.Info("duplicate delivery dropped", zap.String("pubsub_id", ev.PubSubID))
			c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
			return
		}

		go func() {
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if n, err := eng.Reconcile(rctx, ev); err != nil {
				log.Error("reconcile", zap.Error(err))
			} else if n > 0 {
				log.Info("reconcile complete", zap.Int("processed", n))
			}
		}()

		c.JSON(http.StatusOK, gin.H{"status": "ack"})
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Error("shutdown", zap.Error(err))
	}
}
