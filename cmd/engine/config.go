package main

import (
	"encoding/json"
	"os"

	"github.com/omeid/uconfig"
)

// configFilename is the filename of the config file automatically loaded.
var configFilename = "config.json"

type config struct {
	DB struct {
		Path string `default:"engine.db"`
	}
	Chains struct {
		// Endpoints is a comma separated list of chainID=endpoint pairs
		// (e.g. "1=https://rpc.example,137=https://polygon.example").
		Endpoints string `default:""`
	}
	Signers struct {
		// PrivateKeys is a comma separated list of hex private keys.
		PrivateKeys string `default:""`
	}
	Send struct {
		MaxInFlight int64 `default:"100"`
	}
	Mine struct {
		MaxResends       int64 `default:"10"`
		MinElapsedBlocks int64 `default:"10"`
		// MaxGasPrice caps escalated fees, in wei. Zero means uncapped.
		MaxGasPrice string `default:"0"`
	}
	Monitor struct {
		CheckInterval string `default:"1m"`
	}
	Jobs struct {
		ReapInterval string `default:"1m"`
		ReapGrace    string `default:"5m"`
	}
	Webhook struct {
		URL string `default:""`
	}
	Metrics struct {
		Port string `default:"9090"`
	}
	Log struct {
		Human bool `default:"false"`
		Debug bool `default:"false"`
	}
}

func setupConfig() *config {
	conf := &config{}
	confFiles := uconfig.Files{
		{configFilename, json.Unmarshal},
	}

	c, err := uconfig.Classic(&conf, confFiles)
	if err != nil {
		c.Usage()
		os.Exit(1)
	}

	return conf
}
