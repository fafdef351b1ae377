// Command seed loads a YAML fixture of users, rides, packages and FAQ entries
// into the configured store through the same workflows the API uses.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/example/park-rides/internal/auth"
	"github.com/example/park-rides/internal/catalog"
	"github.com/example/park-rides/internal/config"
	"github.com/example/park-rides/internal/faq"
	"github.com/example/park-rides/internal/logging"
	"github.com/example/park-rides/internal/storage"
)

type Fixture struct {
	Users []struct {
		Name        string `yaml:"name"`
		Email       string `yaml:"email"`
		Password    string `yaml:"password"`
		DateOfBirth string `yaml:"dateOfBirth"`
		Role        string `yaml:"role"`
	} `yaml:"users"`
	Rides []struct {
		Name        string  `yaml:"name"`
		Description string  `yaml:"description"`
		Image       string  `yaml:"image"`
		Latitude    float64 `yaml:"latitude"`
		Longitude   float64 `yaml:"longitude"`
	} `yaml:"rides"`
	Packages []struct {
		Name        string   `yaml:"name"`
		Description string   `yaml:"description"`
		Price       float64  `yaml:"price"`
		Duration    string   `yaml:"duration"`
		Image       string   `yaml:"image"`
		Rides       []string `yaml:"rides"` // ride names
	} `yaml:"packages"`
	FAQ []struct {
		Question string `yaml:"question"`
		Answer   string `yaml:"answer"`
	} `yaml:"faq"`
}

type summary struct {
	Users, Rides, Packages, FAQ int
}

func main() {
	var (
		file    = flag.StringP("file", "f", "fixtures/park.yaml", "fixture file")
		envFile = flag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	)
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	fx, err := readFixture(*file)
	if err != nil {
		logger.Error("read fixture", "file", *file, "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	}
	store, err := storage.Open(ctx, storage.OpenOptions{
		Backend:     cfg.StoreBackend,
		MaxRetries:  cfg.TxMaxRetries,
		Redis:       rc,
		RedisPrefix: cfg.RedisPrefix,
		PGDSN:       cfg.PGDSN,
		Migrate:     true,
	}, logger)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	sum, err := seed(ctx, store, fx, logger)
	if err != nil {
		logger.Error("seed failed", "error", err)
		os.Exit(1)
	}
	logger.Info("seed complete", "users", sum.Users, "rides", sum.Rides, "packages", sum.Packages, "faq", sum.FAQ)
}

func readFixture(path string) (Fixture, error) {
	var fx Fixture
	b, err := os.ReadFile(path)
	if err != nil {
		return fx, err
	}
	if err := yaml.Unmarshal(b, &fx); err != nil {
		return fx, fmt.Errorf("parse %s: %w", path, err)
	}
	return fx, nil
}

// seeder acts with admin rights; no token is involved.
var seeder = auth.Principal{ID: "seed", Name: "seed", Role: auth.Admin}

func seed(ctx context.Context, store storage.Store, fx Fixture, logger *slog.Logger) (summary, error) {
	var sum summary
	users := &auth.Users{Store: store, Logger: logger}
	for _, u := range fx.Users {
		_, err := users.Register(ctx, seeder, auth.RegisterInput{
			Name: u.Name, Email: u.Email, DateOfBirth: u.DateOfBirth,
			Password: u.Password, ConfirmPassword: u.Password, Role: u.Role,
		})
		if err != nil {
			return sum, fmt.Errorf("user %s: %w", u.Email, err)
		}
		sum.Users++
	}

	// announcements are skipped while seeding
	cat := catalog.New(store, nil, nil, nil, logger)
	rideIDs := make(map[string]string, len(fx.Rides))
	for _, r := range fx.Rides {
		ride, _, err := cat.CreateRide(ctx, seeder, catalog.RideInput{
			Name: r.Name, Description: r.Description, Image: r.Image,
			Latitude:  numberOf(r.Latitude),
			Longitude: numberOf(r.Longitude),
		})
		if err != nil {
			return sum, fmt.Errorf("ride %s: %w", r.Name, err)
		}
		rideIDs[r.Name] = ride.ID
		sum.Rides++
	}

	for _, p := range fx.Packages {
		ids := make([]string, 0, len(p.Rides))
		for _, name := range p.Rides {
			id, ok := rideIDs[name]
			if !ok {
				return sum, fmt.Errorf("package %s: unknown ride %q", p.Name, name)
			}
			ids = append(ids, id)
		}
		_, _, err := cat.CreatePackage(ctx, seeder, catalog.PackageInput{
			Name: p.Name, Description: p.Description, Price: numberOf(p.Price),
			Duration: p.Duration, Image: p.Image, Rides: ids,
		})
		if err != nil {
			return sum, fmt.Errorf("package %s: %w", p.Name, err)
		}
		sum.Packages++
	}

	faqs := faq.NewService(store, logger)
	for _, f := range fx.FAQ {
		if _, err := faqs.Add(ctx, seeder, f.Question, f.Answer); err != nil {
			return sum, fmt.Errorf("faq %q: %w", f.Question, err)
		}
		sum.FAQ++
	}
	return sum, nil
}

func numberOf(f float64) json.Number {
	return json.Number(strconv.FormatFloat(f, 'f', -1, 64))
}
