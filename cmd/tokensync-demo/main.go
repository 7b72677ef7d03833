// Command tokensync-demo runs a local auth server and two coordinators that
// share one store, then walks through login, cross-context sync, a
// scheduled refresh and logout.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "github.com/joho/godotenv/autoload"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	ts "github.com/panyam/tokensync"
	"github.com/panyam/tokensync/client"
	"github.com/panyam/tokensync/issuer"
	fsstore "github.com/panyam/tokensync/stores/fs"
	gormstore "github.com/panyam/tokensync/stores/gorm"
	"github.com/panyam/tokensync/stores/memory"
	redisstore "github.com/panyam/tokensync/stores/redis"
)

type closableStore interface {
	ts.Store
	Close() error
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	var (
		addr      = flag.String("addr", getenv("TOKENSYNC_ADDR", "127.0.0.1:0"), "address for the demo auth server")
		backend   = flag.String("store", getenv("TOKENSYNC_STORE", "memory"), "shared store: memory, fs, redis or sqlite")
		dataDir   = flag.String("data", getenv("TOKENSYNC_DATA", ""), "directory for the fs and sqlite stores (default: a temp dir)")
		redisAddr = flag.String("redis", getenv("REDIS_ADDR", "localhost:6379"), "redis address for -store=redis")
		secret    = flag.String("secret", getenv("JWT_SECRET", "demo-secret-change-me"), "HS256 signing secret")
		appKey    = flag.String("app", getenv("APP_KEY", "demo-app"), "app key / audience")
		ttl       = flag.Duration("ttl", 150*time.Second, "access token lifetime")
		lead      = flag.Duration("lead", ts.DefaultLeadTime, "refresh this long before expiry")
		wait      = flag.Duration("wait", 45*time.Second, "how long to wait for the scheduled refresh")
		verbose   = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(*addr, *backend, *dataDir, *redisAddr, *secret, *appKey, *ttl, *lead, *wait); err != nil {
		log.Fatal(err)
	}
}

func run(addr, backend, dataDir, redisAddr, secret, appKey string, ttl, lead, wait time.Duration) error {
	ctx := context.Background()

	iss := issuer.New(secret, appKey)
	iss.AccessTokenExpiry = ttl
	if err := iss.AddUser("demo@example.com", "password123"); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: iss.Handler()}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("auth server stopped", "err", err)
		}
	}()
	defer srv.Shutdown(ctx)
	serverURL := "http://" + ln.Addr().String()
	slog.Info("auth server listening", "url", serverURL)

	storeA, storeB, cleanup, err := openStores(backend, dataDir, redisAddr)
	if err != nil {
		return err
	}
	defer cleanup()

	cfg := ts.Config{Audience: []string{appKey}, LeadTime: lead}
	coordA, err := ts.NewCoordinator(ctx, cfg, client.NewHTTPTransport(serverURL), storeA)
	if err != nil {
		return err
	}
	defer coordA.Close()
	coordB, err := ts.NewCoordinator(ctx, cfg, client.NewHTTPTransport(serverURL), storeB)
	if err != nil {
		return err
	}
	defer coordB.Close()

	eventsB := make(chan ts.TokenEvent, 8)
	coordA.OnTokenChange(func(ev ts.TokenEvent) {
		slog.Info("context A token changed", "source", ev.Source, "valid", ev.Valid, "generation", ev.Generation)
	})
	coordB.OnTokenChange(func(ev ts.TokenEvent) {
		slog.Info("context B token changed", "source", ev.Source, "valid", ev.Valid, "generation", ev.Generation)
		eventsB <- ev
	})

	if err := coordA.Login(ctx, ts.Credentials{Username: "demo@example.com", Password: "password123"}); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if _, err := awaitEvent(eventsB, ts.SourceSync, 10*time.Second); err != nil {
		return fmt.Errorf("context B never saw the login: %w", err)
	}

	me, err := fetchMe(ctx, coordB.HTTPClient(nil), serverURL)
	if err != nil {
		return err
	}
	slog.Info("context B calls /api/me without logging in", "response", me)

	slog.Info("waiting for the scheduled refresh", "next_fire", coordA.Scheduler().NextFire(), "wait", wait)
	if _, err := awaitEvent(eventsB, ts.SourceSync, wait); err != nil {
		slog.Warn("no refresh seen yet, lower -ttl or raise -wait", "err", err)
	}
	slog.Info("server calls", "login", iss.Calls("login"), "refresh", iss.Calls("refresh"))

	if err := coordA.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	if ev, err := awaitEvent(eventsB, ts.SourceSync, 10*time.Second); err != nil || ev.Valid {
		return fmt.Errorf("context B is still logged in: %v", err)
	}
	slog.Info("both contexts logged out", "a", coordA.IsAuthenticated(), "b", coordB.IsAuthenticated())
	return nil
}

func openStores(backend, dataDir, redisAddr string) (a, b closableStore, cleanup func(), err error) {
	if dataDir == "" && (backend == "fs" || backend == "sqlite") {
		if dataDir, err = os.MkdirTemp("", "tokensync-demo"); err != nil {
			return nil, nil, nil, err
		}
	}
	closeBoth := func(extra func()) func() {
		return func() {
			a.Close()
			b.Close()
			if extra != nil {
				extra()
			}
		}
	}

	switch backend {
	case "memory":
		shared := memory.NewBackend()
		a, b = shared.NewStore(), shared.NewStore()
		return a, b, closeBoth(nil), nil

	case "fs":
		path := filepath.Join(dataDir, "tokens.json")
		opts := []fsstore.Option{fsstore.WithPollInterval(200 * time.Millisecond)}
		fa, err := fsstore.NewStore(path, "", opts...)
		if err != nil {
			return nil, nil, nil, err
		}
		fb, err := fsstore.NewStore(path, "", opts...)
		if err != nil {
			return nil, nil, nil, err
		}
		a, b = fa, fb
		return a, b, closeBoth(nil), nil

	case "redis":
		rdb := goredis.NewClient(&goredis.Options{Addr: redisAddr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return nil, nil, nil, fmt.Errorf("redis at %s: %w", redisAddr, err)
		}
		a, b = redisstore.NewStore(rdb), redisstore.NewStore(rdb)
		return a, b, closeBoth(func() { rdb.Close() }), nil

	case "sqlite":
		db, err := gorm.Open(sqlite.Open(filepath.Join(dataDir, "tokens.db")), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, nil, nil, err
		}
		opts := []gormstore.Option{gormstore.WithPollInterval(200 * time.Millisecond)}
		ga, err := gormstore.NewStore(db, opts...)
		if err != nil {
			return nil, nil, nil, err
		}
		gb, err := gormstore.NewStore(db, opts...)
		if err != nil {
			return nil, nil, nil, err
		}
		a, b = ga, gb
		return a, b, closeBoth(nil), nil
	}
	return nil, nil, nil, fmt.Errorf("unknown store %q", backend)
}

func awaitEvent(ch <-chan ts.TokenEvent, source ts.ChangeSource, timeout time.Duration) (ts.TokenEvent, error) {
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Source == source {
				return ev, nil
			}
		case <-deadline:
			return ts.TokenEvent{}, fmt.Errorf("timed out after %s", timeout)
		}
	}
}

func fetchMe(ctx context.Context, httpClient *http.Client, serverURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/api/me", nil)
	if err != nil {
		return "", err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("/api/me: %s: %s", resp.Status, body)
	}
	return string(body), nil
}
