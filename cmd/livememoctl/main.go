package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/a-essam23/livememo/internal/server/middleware"
	"github.com/a-essam23/livememo/pkg/config"
	"github.com/a-essam23/livememo/pkg/logging"
	"github.com/a-essam23/livememo/pkg/presence"
	"github.com/docopt/docopt-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

const LivememoCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Livememo control.

Settings not given on the command line are read from config.yaml and
LIVEMEMO_* environment variables, as the server does.

Usage:
    livememoctl sessions [--server=<url>] [--internal_token=<token>]
    livememoctl presence <document_id> [--redis_url=<url>]
    livememoctl refresh <document_id> [--server=<url>] [--internal_token=<token>]
    livememoctl token <user_id> [--name=<name>] [--ttl=<ttl>] [--jwt_secret=<secret>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --server=<url>             Server base url [default: http://localhost:8080].
    --internal_token=<token>   Token for the internal API.
    --redis_url=<url>          Redis holding the presence mirror.
    --name=<name>              Display name carried in the token.
    --ttl=<ttl>                Token lifetime [default: 24h].
    --jwt_secret=<secret>      Secret the server verifies session tokens with.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LivememoCtlVersion)
	if err != nil {
		panic(err)
	}

	cfg, err := config.Load(logging.Discard(), "config")
	if err != nil {
		Err.Fatalf("config: %v", err)
	}

	if sessions_, _ := opts.Bool("sessions"); sessions_ {
		sessions(opts, cfg)
	} else if presence_, _ := opts.Bool("presence"); presence_ {
		showPresence(opts, cfg)
	} else if refresh_, _ := opts.Bool("refresh"); refresh_ {
		refresh(opts, cfg)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts, cfg)
	}
}

func optString(opts docopt.Opts, key string, fallback string) string {
	if v, err := opts.String(key); err == nil && v != "" {
		return v
	}
	return fallback
}

func internalRequest(opts docopt.Opts, cfg *config.Config, method string, path string) *http.Response {
	base := strings.TrimRight(optString(opts, "--server", "http://localhost:8080"), "/")
	req, err := http.NewRequest(method, base+path, nil)
	if err != nil {
		Err.Fatalf("request: %v", err)
	}
	req.Header.Set(middleware.InternalTokenHeader, optString(opts, "--internal_token", cfg.Server.Auth.InternalToken))

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		Err.Fatalf("%s %s: %v", method, path, err)
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		Err.Fatalf("%s %s: %s %s", method, path, resp.Status, strings.TrimSpace(string(body)))
	}
	return resp
}

func sessions(opts docopt.Opts, cfg *config.Config) {
	resp := internalRequest(opts, cfg, http.MethodGet, "/api/sessions")
	defer resp.Body.Close()

	var out any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		Err.Fatalf("decode: %v", err)
	}
	printJSON(out)
}

func refresh(opts docopt.Opts, cfg *config.Config) {
	documentID, _ := opts.String("<document_id>")
	resp := internalRequest(opts, cfg, http.MethodPost, "/api/documents/"+documentID+"/share/refresh")
	resp.Body.Close()
	Out.Printf("permissions refreshed for %s", documentID)
}

func showPresence(opts docopt.Opts, cfg *config.Config) {
	documentID, _ := opts.String("<document_id>")
	redisURL := optString(opts, "--redis_url", cfg.Redis.URL)
	if redisURL == "" {
		Err.Fatalf("no redis url configured")
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		Err.Fatalf("redis url: %v", err)
	}
	client := redis.NewClient(redisOpts)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mirror := presence.NewRedisMirror(client, cfg.Redis.PresenceTTL, logging.Discard())
	entries, err := mirror.Read(ctx, documentID)
	if err != nil {
		Err.Fatalf("read presence: %v", err)
	}
	printJSON(entries)
}

func token(opts docopt.Opts, cfg *config.Config) {
	userID, _ := opts.String("<user_id>")
	ttl, err := time.ParseDuration(optString(opts, "--ttl", "24h"))
	if err != nil {
		Err.Fatalf("ttl: %v", err)
	}
	now := time.Now()
	claims := middleware.AppClaims{
		Name: optString(opts, "--name", ""),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	secret := optString(opts, "--jwt_secret", cfg.Server.Auth.JWTSecret)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		Err.Fatalf("sign: %v", err)
	}
	fmt.Println(signed)
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		Err.Fatalf("encode: %v", err)
	}
	Out.Println(string(out))
}
