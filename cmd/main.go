package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"logcollector/internal/config"
	"logcollector/internal/supervisor"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "", "Path to configuration file")
	flag.Parse()

	if configFile == "" {
		if envConfigFile := os.Getenv("LOGCOLLECTOR_CONFIG_FILE"); envConfigFile != "" {
			configFile = envConfigFile
		} else {
			configFile = "/etc/logcollector/config.yaml"
		}
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	sup, err := supervisor.New(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize supervisor")
	}

	if err := sup.Run(); err != nil {
		logger.WithError(err).Fatal("supervisor exited with error")
	}
}