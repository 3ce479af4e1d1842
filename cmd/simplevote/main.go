package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/jellypudding/simplevote"
	"github.com/jellypudding/simplevote/utilities"
	"github.com/jellypudding/simplevote/utilities/keyring"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/sirupsen/logrus"
)

func main() {
	configPtr := flag.String("config", getEnv("SIMPLEVOTE_CONFIG", ""), "path to config.yml (optional)")
	dataDirPtr := flag.String("data-dir", getEnv("DATA_DIR", ""), "directory for keys and the token database")
	portPtr := flag.Int("port", getEnvInt("VOTIFIER_PORT", 0), "votifier port (default from config, 8192)")
	httpAddrPtr := flag.String("http-addr", getEnv("HTTP_ADDR", ""), "http server address (e.g. :8080)")
	mqttHostPtr := flag.String("mqtt-host", getEnv("MQTT_HOST", ""), "mqtt broker for vote broadcasts (e.g. tcp://localhost:1883)")
	mqttUserPtr := flag.String("mqtt-user", getEnv("MQTT_USER", ""), "mqtt username")
	mqttPassPtr := flag.String("mqtt-pass", getEnv("MQTT_PASS", ""), "mqtt password")
	strictPtr := flag.Bool("strict-challenge", false, "reject v2 votes whose challenge does not match")
	showSitesPtr := flag.Bool("show-sites", true, "print the voting sites table on startup")
	verbosePtr := flag.Bool("verbose", false, "log debug stuff")

	flag.Parse()

	cfg, err := simplevote.LoadConfig(*configPtr)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}

	// Flags win over the config file, but only when given.
	if *dataDirPtr != "" {
		cfg.DataDir = *dataDirPtr
	}
	if *portPtr != 0 {
		cfg.Votifier.Port = *portPtr
	}
	if *httpAddrPtr != "" {
		cfg.HTTPAddr = *httpAddrPtr
	}
	if *mqttHostPtr != "" {
		cfg.MQTT.Host = *mqttHostPtr
		cfg.MQTT.User = *mqttUserPtr
		cfg.MQTT.Pass = *mqttPassPtr
	}
	if *strictPtr {
		cfg.Votifier.StrictChallenge = true
	}
	if *verbosePtr || cfg.Debug {
		cfg.Debug = true
		logrus.SetLevel(logrus.DebugLevel)
	}

	utilities.ConfigureReporting(getEnv("BUGSNAG_API_KEY", cfg.BugsnagAPIKey), getEnv("RELEASE_STAGE", "production"))

	if info, err := host.Info(); err == nil {
		logrus.Infof("🖥️  %s (%s %s)", getHostname(info.Hostname), info.Platform, info.PlatformVersion)
	}

	app, err := simplevote.NewApp(cfg)
	if err != nil {
		utilities.Report(err, map[string]interface{}{"stage": "startup"})
		if errors.Is(err, keyring.ErrKeyInitialization) {
			logrus.WithError(err).Fatal("cannot start vote listener without RSA keys")
		}
		logrus.WithError(err).Fatal("failed to start simplevote")
	}
	logrus.Infof("🗳️  %s", app)

	if *showSitesPtr && len(cfg.VotingSites) > 0 {
		simplevote.PrintVotingSites(os.Stdout, cfg.VotingSites)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		utilities.Report(err, map[string]interface{}{"stage": "run"})
		logrus.WithError(err).Fatal("simplevote stopped with an error")
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		logrus.Warnf("ignoring %s=%q: not a number", key, value)
		return fallback
	}
	return n
}

func getHostname(hostname string) string {
	return strings.Split(hostname, ".")[0]
}
