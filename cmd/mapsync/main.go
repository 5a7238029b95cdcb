package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mindfold/mapsync/internal/httpapi"
	"github.com/mindfold/mapsync/internal/mapsync"
	"github.com/mindfold/mapsync/internal/s3drive"
	"github.com/mindfold/mapsync/internal/webdrive"
)

func main() {
	addr := os.Getenv("MAPSYNC_ADDR")
	if addr == "" {
		addr = ":8455"
	}

	docs, err := mapsync.NewDirDocumentStore(mapsDirFromEnv())
	if err != nil {
		log.Fatalf("failed to open maps directory: %v", err)
	}

	kv, err := buildStateStoreFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}
	persister, err := mapsync.NewPersister(kv)
	if err != nil {
		log.Fatalf("failed to initialize persistence: %v", err)
	}
	defer persister.Close()

	connectors, err := buildConnectorsFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize connectors: %v", err)
	}

	var monitor mapsync.ConnectivityMonitor
	if heartbeatURL := strings.TrimSpace(os.Getenv("MAPSYNC_HEARTBEAT_URL")); heartbeatURL != "" {
		monitor, err = mapsync.NewHeartbeatMonitor(heartbeatURL, log.Default())
		if err != nil {
			log.Fatalf("failed to start connectivity monitor: %v", err)
		}
		defer monitor.Close()
	}

	engine, err := mapsync.NewEngine(mapsync.Options{
		Connectors:   connectors,
		Persister:    persister,
		Documents:    docs,
		Connectivity: monitor,
		Logger:       log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize sync engine: %v", err)
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		log.Fatalf("failed to start sync engine: %v", err)
	}

	watcher, err := mapsync.WatchDocuments(docs,
		func(name, document string) {
			if err := engine.EnqueueUpdate(name, document); err != nil {
				log.Printf("queue update %s: %v", name, err)
			}
		},
		func(name string) {
			if err := engine.EnqueueDelete(name); err != nil {
				log.Printf("queue delete %s: %v", name, err)
			}
		},
		log.Default())
	if err != nil {
		log.Fatalf("failed to watch maps directory: %v", err)
	}
	defer watcher.Close()

	server := httpapi.NewServerWithConfig(engine, docs, httpapi.ServerConfig{
		JWTSecret:       os.Getenv("MAPSYNC_JWT_SECRET"),
		RateLimitMax:    intEnv("MAPSYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("MAPSYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("MAPSYNC_MAX_BODY_BYTES", 0),
	})
	httpServer := &http.Server{Addr: addr, Handler: server}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("mapsync listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

func mapsDirFromEnv() string {
	dir := strings.TrimSpace(os.Getenv("MAPSYNC_MAPS_DIR"))
	if dir == "" {
		dir = filepath.Join(dataDirFromEnv(), "maps")
	}
	return dir
}

func dataDirFromEnv() string {
	dataDir := strings.TrimSpace(os.Getenv("MAPSYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".mapsync"
	}
	return dataDir
}

func buildStateStoreFromEnv() (mapsync.KVStore, error) {
	profileDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, err
	}
	stateDSN := strings.TrimSpace(os.Getenv("MAPSYNC_STATE_DSN"))
	switch {
	case stateDSN != "":
		return mapsync.BuildKVStoreFromDSN(stateDSN)
	case profileDSN != "":
		return mapsync.BuildKVStoreFromDSN(profileDSN)
	default:
		return mapsync.BuildKVStoreFromDSN(filepath.Join(dataDirFromEnv(), "state.json"))
	}
}

func storageProfileDefaultsFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("MAPSYNC_STORAGE_PROFILE")))
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("MAPSYNC_POSTGRES_DSN"))
		if productionDSN == "" {
			return "", fmt.Errorf("MAPSYNC_POSTGRES_DSN is required when MAPSYNC_STORAGE_PROFILE=%s", profile)
		}
		return productionDSN, nil
	case "durable-local", "local-durable":
		return "badger://" + filepath.Join(dataDirFromEnv(), "state"), nil
	default:
		return "", fmt.Errorf("unsupported MAPSYNC_STORAGE_PROFILE: %s", profile)
	}
}

func buildConnectorsFromEnv() ([]mapsync.Connector, error) {
	var connectors []mapsync.Connector
	if baseURL := strings.TrimSpace(os.Getenv("MAPSYNC_WEBDRIVE_URL")); baseURL != "" {
		conn, err := webdrive.New(webdrive.Options{
			BaseURL: baseURL,
			Token:   os.Getenv("MAPSYNC_WEBDRIVE_TOKEN"),
			Logger:  log.Default(),
		})
		if err != nil {
			return nil, err
		}
		connectors = append(connectors, conn)
	}
	if bucket := strings.TrimSpace(os.Getenv("MAPSYNC_S3_BUCKET")); bucket != "" {
		conn, err := s3drive.New(s3drive.Options{
			Bucket: bucket,
			Prefix: os.Getenv("MAPSYNC_S3_PREFIX"),
			Region: os.Getenv("MAPSYNC_S3_REGION"),
			Logger: log.Default(),
		})
		if err != nil {
			return nil, err
		}
		connectors = append(connectors, conn)
	}
	return connectors, nil
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
