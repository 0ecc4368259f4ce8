package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"github.com/DavidGasparyan/phishing-simulator/auth"
	"github.com/DavidGasparyan/phishing-simulator/config"
	"github.com/DavidGasparyan/phishing-simulator/gateway"
	"github.com/DavidGasparyan/phishing-simulator/notification"
	"github.com/DavidGasparyan/phishing-simulator/projection"
	"github.com/DavidGasparyan/phishing-simulator/relay"
	"github.com/DavidGasparyan/phishing-simulator/server"
	"github.com/DavidGasparyan/phishing-simulator/service"
	"github.com/DavidGasparyan/phishing-simulator/store"
	"github.com/DavidGasparyan/phishing-simulator/tracker"
)

// relayDriver is implemented by every relay transport.
type relayDriver interface {
	relay.Publisher
	relay.Consumer
}

type app struct {
	deps    server.Deps
	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
}

func build(ctx context.Context, mode server.Mode, cfg *config.Config) (*app, error) {
	a := &app{}

	if err := cfg.ValidateDeployment(mode != server.ModeSimulation, mode == server.ModeStandalone); err != nil {
		return nil, err
	}

	key, err := tracker.ParseKey(cfg.Tracking.Key)
	if err != nil {
		return nil, &config.ConfigurationError{Field: "tracking.key", Reason: err.Error()}
	}
	codec, err := tracker.NewCodec(key)
	if err != nil {
		return nil, &config.ConfigurationError{Field: "tracking.key", Reason: err.Error()}
	}

	st, err := openStore(ctx, cfg, a)
	if err != nil {
		a.close()
		return nil, err
	}
	a.deps.Store = st

	var notifier service.Notifier
	var clicks tracker.ClickNotifier

	if mode != server.ModeSimulation {
		issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TTL)
		if err != nil {
			a.close()
			return nil, &config.ConfigurationError{Field: "auth.jwt_secret", Reason: err.Error()}
		}
		policy, err := gateway.ParsePolicy(cfg.Realtime.Policy)
		if err != nil {
			a.close()
			return nil, &config.ConfigurationError{Field: "realtime.policy", Reason: err.Error()}
		}
		if policy == gateway.PolicyPermissive {
			slog.Warn("realtime access control disabled: every dashboard session is auto-authenticated")
		}

		gw := gateway.New(policy, identityVerifier(issuer))
		a.deps.Auth = issuer
		a.deps.Gateway = gw
		a.deps.WebSocket = gateway.NewWSHandler(gw, gateway.WSOptions{
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			SendBuffer:     cfg.Realtime.SendBuffer,
		})
		a.deps.Projector = projection.New(st, gw)
		notifier = gw
	}

	switch cfg.Relay.Driver {
	case "direct":
		clicks = projection.NewDirect(a.deps.Gateway)
	default:
		driver, err := openRelay(ctx, cfg, a)
		if err != nil {
			a.close()
			return nil, err
		}
		a.deps.Publisher = driver
		if mode != server.ModeManagement {
			clicks = relay.NewClickPublisher(driver)
		}
		if mode != server.ModeSimulation {
			a.deps.Consumer = driver
		}
	}

	var mailer notification.Mailer
	if mode != server.ModeManagement {
		mailer, err = openMailer(ctx, cfg)
		if err != nil {
			a.close()
			return nil, err
		}
		a.deps.Tracker = tracker.NewHandler(codec, st, clicks, tracker.Options{
			StoreTimeout:   cfg.Tracking.StoreTimeout,
			PublishTimeout: cfg.Tracking.PublishTimeout,
			ResponseFloor:  cfg.Tracking.ResponseFloor,
		})
	}

	a.deps.Attempts = service.NewAttemptService(st, codec, mailer, notifier, service.Options{
		BaseURL:     cfg.GetBaseURL(),
		Subject:     cfg.Mail.Subject,
		MailTimeout: cfg.Mail.Timeout,
	})
	return a, nil
}

func identityVerifier(issuer *auth.Issuer) gateway.Verifier {
	return gateway.VerifierFunc(func(credential string) (gateway.Identity, error) {
		claims, err := issuer.Verify(credential)
		if err != nil {
			return gateway.Identity{}, err
		}
		return gateway.Identity{UserID: claims.Subject, Role: claims.Role}, nil
	})
}

func openStore(ctx context.Context, cfg *config.Config, a *app) (store.AttemptStore, error) {
	if cfg.Database.Driver != "postgres" {
		slog.Warn("using in-memory attempt store; data is lost on restart", "driver", cfg.Database.Driver)
		return store.NewMemory(), nil
	}

	db, err := store.OpenPostgres(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)

	pg := store.NewPostgres(db)
	if err := pg.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return pg, nil
}

func openRelay(ctx context.Context, cfg *config.Config, a *app) (relayDriver, error) {
	switch cfg.Relay.Driver {
	case "memory":
		return relay.NewMemory(cfg.Relay.RetryDelay), nil

	case "sqs":
		awsCfg, err := loadAWSConfig(ctx, cfg.Relay.Region)
		if err != nil {
			return nil, err
		}
		return relay.NewSQS(sqs.NewFromConfig(awsCfg), relay.SQSOptions{
			QueueURL:   cfg.Relay.QueueURL,
			RetryDelay: cfg.Relay.RetryDelay,
		}), nil

	default:
		opt, err := redis.ParseURL(cfg.Relay.URL)
		if err != nil {
			return nil, &config.ConfigurationError{Field: "relay.url", Reason: err.Error()}
		}
		rdb := redis.NewClient(opt)
		a.closers = append(a.closers, rdb.Close)

		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis not reachable yet", "error", err)
		}
		return relay.NewRedisStream(rdb, relay.RedisOptions{
			Stream:       cfg.Relay.Queue,
			Group:        cfg.Relay.Group,
			Consumer:     cfg.Relay.Consumer,
			Durable:      cfg.Relay.Durable,
			Block:        cfg.Relay.Block,
			ClaimIdle:    cfg.Relay.ClaimIdle,
			RetryBackoff: cfg.Relay.RetryDelay,
		}), nil
	}
}

func openMailer(ctx context.Context, cfg *config.Config) (notification.Mailer, error) {
	switch cfg.Mail.Driver {
	case "log":
		return notification.LogMailer{}, nil
	case "ses":
		awsCfg, err := loadAWSConfig(ctx, cfg.Mail.Region)
		if err != nil {
			return nil, err
		}
		return notification.NewSESSender(sesv2.NewFromConfig(awsCfg), cfg.SMTP.From), nil
	default:
		return notification.NewSMTPSender(notification.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}), nil
	}
}

// loadAWSConfig uses static keys from the environment when both are set and
// the SDK default chain otherwise.
func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}

	accessKey, secretKey := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, os.Getenv("AWS_SESSION_TOKEN")),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}
