package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"

	"github.com/nimbusmail/mail-sync-infra/internal/auth"
	"github.com/nimbusmail/mail-sync-infra/internal/config"
	"github.com/nimbusmail/mail-sync-infra/internal/embed"
	natsjs "github.com/nimbusmail/mail-sync-infra/internal/nats"
	"github.com/nimbusmail/mail-sync-infra/internal/provider"
	"github.com/nimbusmail/mail-sync-infra/internal/reconcile"
	"github.com/nimbusmail/mail-sync-infra/internal/search"
	"github.com/nimbusmail/mail-sync-infra/internal/store"
	syncpkg "github.com/nimbusmail/mail-sync-infra/internal/sync"
)

type authorizeRequest struct {
	Code string `json:"code" binding:"required"`
}

type initialSyncRequest struct {
	AccountID string `json:"accountId" binding:"required"`
	UserID    string `json:"userId" binding:"required"`
}

type hybridSearchRequest struct {
	AccountID string  `json:"accountId" binding:"required"`
	Query     string  `json:"query" binding:"required"`
	Threshold float64 `json:"threshold"`
}

type sendRequest struct {
	AccountID string                   `json:"accountId" binding:"required"`
	Message   provider.OutgoingMessage `json:"message" binding:"required"`
}

func main() {
	if err := config.Load(); err != nil {
		log.Fatal(err)
	}

	st, err := store.Open(filepath.Join(viper.GetString("data.dir"), "mailbox.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	var publisher *natsjs.Publisher
	if url := viper.GetString("nats.url"); url != "" {
		publisher, err = natsjs.NewPublisher(url)
		if err != nil {
			log.Fatal(err)
		}
		defer publisher.Close()
	}

	embedder := embed.NewClient(
		viper.GetString("embedding.base_url"),
		viper.GetString("embedding.model"),
		viper.GetString("embedding.api_key"),
	)

	providerBaseURL := viper.GetString("provider.base_url")
	sources := func(ctx context.Context, accessToken string) syncpkg.ChangeSource {
		return provider.NewClient(ctx, providerBaseURL, accessToken)
	}

	runner := &syncpkg.Runner{
		Store:        st,
		Sources:      sources,
		Embedder:     embedder,
		Reconciler:   reconcile.New(st, viper.GetInt("sync.concurrency")),
		Publisher:    publisher,
		WindowDays:   viper.GetInt("provider.window_days"),
		BodyFormat:   viper.GetString("provider.body_format"),
		ReadyPollMax: viper.GetInt("sync.ready_poll_max"),
	}
	manager := syncpkg.NewManager(runner)

	verifier, err := auth.NewJWTVerifier(viper.GetString("auth.jwks_url"))
	if err != nil {
		log.Fatal(err)
	}

	r := gin.Default()

	authorized := r.Group("/")
	authorized.Use(authMiddleware(verifier))

	// Exchange an authorization code for a mailbox account.
	authorized.POST("/accounts/authorize", func(c *gin.Context) {
		var req authorizeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		user := currentUser(c)

		grant, err := provider.ExchangeCode(c.Request.Context(), providerBaseURL,
			viper.GetString("provider.client_id"), viper.GetString("provider.client_secret"), req.Code)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}

		client := provider.NewClient(c.Request.Context(), providerBaseURL, grant.AccessToken)
		info, err := client.AccountInfo(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}

		account := &store.Account{
			ID:           strconv.FormatInt(grant.AccountID, 10),
			UserID:       user.ID,
			EmailAddress: info.Email,
			DisplayName:  info.Name,
			AccessToken:  grant.AccessToken,
		}
		if err := st.CreateAccount(c.Request.Context(), account); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusCreated, gin.H{"accountId": account.ID, "email": account.EmailAddress})
	})

	// Trigger the full first sync for an account.
	authorized.POST("/sync/initial", func(c *gin.Context) {
		var req initialSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if _, err := st.GetAccountForUser(c.Request.Context(), req.AccountID, req.UserID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}

		if err := manager.InitialSync(c.Request.Context(), req.AccountID); err != nil {
			if errors.Is(err, syncpkg.ErrSyncRunning) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "synced"})
	})

	// Mailbox view; kicks an incremental sync as a side effect.
	authorized.GET("/mail/threads", func(c *gin.Context) {
		accountID := c.Query("accountId")
		folder := c.DefaultQuery("folder", "inbox")
		user := currentUser(c)

		if _, err := st.GetAccountForUser(c.Request.Context(), accountID, user.ID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}

		manager.KickIncremental(accountID)

		threads, err := st.ListThreads(c.Request.Context(), accountID, folder, 100)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"threads": threads})
	})

	// Lexical search over the account's index.
	authorized.GET("/search", func(c *gin.Context) {
		accountID := c.Query("accountId")
		term := c.Query("q")
		user := currentUser(c)

		if _, err := st.GetAccountForUser(c.Request.Context(), accountID, user.ID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}

		indexer := search.NewIndexer(st, accountID)
		if err := indexer.InitializeReadOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"hits": indexer.LexicalSearch(term)})
	})

	// Hybrid lexical + vector search.
	authorized.POST("/search/hybrid", func(c *gin.Context) {
		var req hybridSearchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		user := currentUser(c)

		if _, err := st.GetAccountForUser(c.Request.Context(), req.AccountID, user.ID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}

		threshold := req.Threshold
		if threshold <= 0 {
			threshold = viper.GetFloat64("search.similarity_threshold")
		}

		vector, err := embedder.Embed(c.Request.Context(), req.Query)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}

		indexer := search.NewIndexer(st, req.AccountID)
		if err := indexer.InitializeReadOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"hits": indexer.HybridSearch(req.Query, vector, threshold)})
	})

	// Send a message through the provider.
	authorized.POST("/mail/send", func(c *gin.Context) {
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		user := currentUser(c)

		account, err := st.GetAccountForUser(c.Request.Context(), req.AccountID, user.ID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}

		client := provider.NewClient(c.Request.Context(), providerBaseURL, account.AccessToken)
		result, err := client.SendMessage(c.Request.Context(), req.Message)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, result)
	})

	log.Fatal(r.Run(viper.GetString("http.addr")))
}

func authMiddleware(verifier *auth.JWTVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := verifier.UserFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}
		c.Set("user", user)
		c.Next()
	}
}

func currentUser(c *gin.Context) *auth.User {
	return c.MustGet("user").(*auth.User)
}
