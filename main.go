package main

import (
	"crypto/ecdsa"
	"log"
	"math/big"
	"os"
	"strconv"
	"time"

	"trade-club-engine/api"
	"trade-club-engine/config"
	"trade-club-engine/engine"
	"trade-club-engine/handlers"
	"trade-club-engine/middleware"
	"trade-club-engine/storage"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using defaults")
	}

	cfgPath := os.Getenv("TRADECLUB_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("failed to init storage: %v", err)
	}
	defer store.Close()

	delegationManager := common.HexToAddress(cfg.Chain.DelegationManager)
	entryPoint := common.HexToAddress(cfg.Chain.EntryPoint)

	chainClient, err := api.NewChainClient(cfg.Chain.RPCURL, delegationManager, entryPoint)
	if err != nil {
		log.Fatalf("failed to dial chain RPC: %v", err)
	}
	defer chainClient.Close()

	relay := api.NewBundlerClient(cfg.Relay.BundlerURL, entryPoint)

	signer, submitter := loadSubmitter()
	executor := engine.NewBatchExecutor(relay, chainClient, signer, engine.ExecutorConfig{
		Submitter:            submitter,
		DelegationManager:    delegationManager,
		EntryPoint:           entryPoint,
		ChainID:              big.NewInt(cfg.Chain.ChainID),
		CallGasLimit:         cfg.Relay.CallGasLimit,
		VerificationGasLimit: cfg.Relay.VerificationGasLimit,
		PreVerificationGas:   cfg.Relay.PreVerificationGas,
		MaxFeePerGas:         gweiToWei(cfg.Relay.MaxFeePerGasGwei),
		MaxPriorityFeePerGas: gweiToWei(cfg.Relay.MaxPriorityGwei),
		ReceiptTimeout:       time.Duration(cfg.Relay.ReceiptTimeoutMS) * time.Millisecond,
		ReceiptPollInterval:  time.Duration(cfg.Relay.ReceiptPollMS) * time.Millisecond,
	})

	validator := engine.NewValidator(store, chainClient)
	reconciler := engine.NewReconciler(store)
	router := engine.NewRouter(store, validator, executor, reconciler)

	// Set up HTTP routes
	r := gin.Default()
	h := handlers.NewHandler(store, router)

	r.POST("/webhook/events", middleware.WebhookAuth(os.Getenv("WEBHOOK_SECRET")), h.HandleWebhook)

	apiGroup := r.Group("/api", middleware.ValidateQueryParams())
	apiGroup.GET("/matches", h.ListMatches)
	apiGroup.GET("/matches/:id", h.GetMatch)
	apiGroup.GET("/matches/:id/participants", h.GetMatchParticipants)
	apiGroup.GET("/matches/:id/trades", h.GetMatchTrades)
	apiGroup.GET("/followers/:address/delegations", middleware.ValidateAddressParam("address"), h.GetFollowerDelegations)

	// Get port from environment or use default
	port := os.Getenv("PORT")
	if port == "" {
		port = strconv.Itoa(cfg.Server.Port)
	}

	log.Printf("Server starting on http://localhost:%s", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatal(err)
	}
}

// openStore selects the storage backend. DATABASE_URL or backend=postgres
// picks Postgres; anything else gets the embedded SQLite store.
func openStore(cfg *config.Config) (storage.DataStore, error) {
	if os.Getenv("DATABASE_URL") != "" || cfg.Data.Backend == "postgres" {
		log.Println("[main] Using Postgres storage backend")
		return storage.NewPostgres()
	}
	log.Printf("[main] Using SQLite storage backend at %s", cfg.Data.DBPath)
	return storage.New(cfg.Data.DBPath)
}

// loadSubmitter reads the batch submitter key from the environment. A missing
// key leaves operations unsigned, which only works against a local bundler.
func loadSubmitter() (signer *ecdsa.PrivateKey, submitter common.Address) {
	raw := os.Getenv("SUBMITTER_PRIVATE_KEY")
	if raw == "" {
		log.Println("[main] Warning: SUBMITTER_PRIVATE_KEY not set, operations will be unsigned")
		return nil, common.Address{}
	}
	key, err := crypto.HexToECDSA(trim0x(raw))
	if err != nil {
		log.Fatalf("invalid SUBMITTER_PRIVATE_KEY: %v", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	log.Printf("[main] Batch submitter account: %s", addr.Hex())
	return key, addr
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func gweiToWei(gwei int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(gwei), big.NewInt(1e9))
}
