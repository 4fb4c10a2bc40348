package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/evalphobia/logrus_sentry"
	"github.com/gomodule/redigo/redis"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	_ "go.uber.org/automaxprocs"

	"github.com/waconsole/dispatch"
	"github.com/waconsole/dispatch/events"
	"github.com/waconsole/dispatch/store"
	"github.com/waconsole/dispatch/whatsapp"
)

var version = "Dev"

func main() {
	config := dispatch.LoadConfig("dispatch.toml")

	// if we have a custom version, use it
	if version != "Dev" {
		config.Version = version
	}

	// configure our logger
	logrus.SetOutput(os.Stdout)
	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level '%s'", level)
	}
	logrus.SetLevel(level)

	// if we have a DSN entry, try to initialize it
	if config.SentryDSN != "" {
		hook, err := logrus_sentry.NewSentryHook(config.SentryDSN, []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel})
		hook.Timeout = 0
		hook.StacktraceConfiguration.Enable = true
		hook.StacktraceConfiguration.Skip = 4
		hook.StacktraceConfiguration.Context = 5
		if err != nil {
			logrus.Fatalf("Invalid sentry DSN: '%s': %s", config.SentryDSN, err)
		}
		logrus.StandardLogger().Hooks.Add(hook)
	}

	// open our message log db
	db, err := sqlx.Open("postgres", config.DB)
	if err != nil {
		logrus.Fatalf("Error connecting to message log db: %s", err)
	}

	redisPool := newRedisPool(config.Redis)
	logStore := store.NewStore(db, redisPool, config.HistoryDepth)

	client := whatsapp.NewClient(config)

	server := dispatch.NewServer(config, client, logStore, client, client, logStore)
	server.SetRecorder(logStore)

	if config.RabbitmqURL != "" {
		eventsClient, err := events.NewRMQEventsClient(
			config.RabbitmqURL,
			config.RabbitmqRetryPubAttempts,
			config.RabbitmqRetryPubDelay,
			config.DispatchExchangeName,
		)
		if err != nil {
			logrus.Fatalf("Error creating events client: %s", err)
		}
		defer eventsClient.Close()
		server.SetEvents(eventsClient)
	}

	err = server.Start()
	if err != nil {
		logrus.Fatalf("Error starting server: %s", err)
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	logrus.WithField("comp", "main").WithField("signal", <-ch).Info("stopping")

	server.Stop()
	db.Close()
	if redisPool != nil {
		redisPool.Close()
	}
}

func newRedisPool(redisURL string) *redis.Pool {
	if redisURL == "" {
		return nil
	}
	return &redis.Pool{
		MaxIdle:   4,
		MaxActive: 8,
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(redisURL)
		},
	}
}
