package main

import (
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/pipecount/server"
)

func main() {
	parser := argparse.NewParser("pipecount", "Count pipes in photos of pipe stacks")
	configFilePath := parser.String("c", "config", &argparse.Options{Help: "Config file path. If omitted, defaults and environment variables are used", Default: ""})
	listen := parser.String("l", "listen", &argparse.Options{Help: "HTTP listen address, eg :8080. Overrides the config file", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		panic(err)
	}

	cfg, err := server.LoadConfig(*configFilePath)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	s, err := server.NewServer(logger, cfg)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	s.ListenForKillSignals()
	if err := s.ListenHTTP(cfg.Listen); err != nil {
		logger.Errorf("%v", err)
		s.Shutdown()
		os.Exit(1)
	}
	logger.Close()
}
