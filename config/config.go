// Package config resolves LSNP peer configuration (spec.md §4.11):
// command-line flags override `.env` values, which override built-in
// defaults. Grounded on the teacher's getInfosFromCL flag parsing,
// generalized to also load a `.env` file the way the rest of the
// retrieval pack configures itself.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every value the peer controller and its collaborators
// need at startup.
type Config struct {
	UserID          string
	DisplayName     string
	ListenPort      int
	ControlPort     int
	BaseDir         string
	DefaultTTL      time.Duration
	Verbose         bool
	BroadcastAddr   string
	ProfileInterval time.Duration
}

func defaults() Config {
	return Config{
		UserID:          "",
		DisplayName:     "",
		ListenPort:      50999,
		ControlPort:     8080,
		BaseDir:         "./lsnp-data",
		DefaultTTL:      1 * time.Hour,
		Verbose:         false,
		BroadcastAddr:   "255.255.255.255:50999",
		ProfileInterval: 300 * time.Second,
	}
}

// Load resolves configuration from, in increasing priority, built-in
// defaults, a `.env` file at envPath (missing file is not an error), and
// command-line flags parsed from args (excluding argv[0]).
func Load(envPath string, args []string) (Config, error) {
	cfg := defaults()

	if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: load %q: %w", envPath, err)
	}
	applyEnv(&cfg)

	if err := applyFlags(&cfg, args); err != nil {
		return Config{}, err
	}
	if cfg.UserID == "" {
		return Config{}, fmt.Errorf("config: UserID is required (-user or LSNP_USER_ID)")
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = cfg.UserID
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LSNP_USER_ID"); v != "" {
		cfg.UserID = v
	}
	if v := os.Getenv("LSNP_DISPLAY_NAME"); v != "" {
		cfg.DisplayName = v
	}
	if v := os.Getenv("LSNP_LISTEN_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ListenPort = n
		}
	}
	if v := os.Getenv("LSNP_CONTROL_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ControlPort = n
		}
	}
	if v := os.Getenv("LSNP_BASE_DIR"); v != "" {
		cfg.BaseDir = v
	}
	if v := os.Getenv("LSNP_DEFAULT_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultTTL = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("LSNP_VERBOSE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Verbose = b
		}
	}
	if v := os.Getenv("LSNP_BROADCAST_ADDR"); v != "" {
		cfg.BroadcastAddr = v
	}
	if v := os.Getenv("LSNP_PROFILE_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ProfileInterval = time.Duration(n) * time.Second
		}
	}
}

func applyFlags(cfg *Config, args []string) error {
	fs := flag.NewFlagSet("lsnp-peer", flag.ContinueOnError)
	userID := fs.String("user", cfg.UserID, "local user id (e.g. alice)")
	displayName := fs.String("display-name", cfg.DisplayName, "display name advertised in PROFILE")
	listenPort := fs.Int("port", cfg.ListenPort, "UDP port to listen on")
	controlPort := fs.Int("control-port", cfg.ControlPort, "HTTP control surface port")
	baseDir := fs.String("data-dir", cfg.BaseDir, "base directory for received files")
	ttlSeconds := fs.Int("default-ttl", int(cfg.DefaultTTL.Seconds()), "default POST TTL in seconds")
	verbose := fs.Bool("verbose", cfg.Verbose, "enable verbose logging")
	broadcastAddr := fs.String("broadcast-addr", cfg.BroadcastAddr, "UDP broadcast address:port")
	profileInterval := fs.Int("profile-interval", int(cfg.ProfileInterval.Seconds()), "seconds between periodic PROFILE/PING broadcasts")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("config: parse flags: %w", err)
	}

	cfg.UserID = *userID
	cfg.DisplayName = *displayName
	cfg.ListenPort = *listenPort
	cfg.ControlPort = *controlPort
	cfg.BaseDir = *baseDir
	cfg.DefaultTTL = time.Duration(*ttlSeconds) * time.Second
	cfg.Verbose = *verbose
	cfg.BroadcastAddr = *broadcastAddr
	cfg.ProfileInterval = time.Duration(*profileInterval) * time.Second
	return nil
}
