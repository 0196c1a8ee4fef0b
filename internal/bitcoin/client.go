package bitcoin

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/charmbracelet/log"
)

type Client struct {
	RPC    *rpcclient.Client
	Config Config
	logger *log.Logger
}

type Config struct {
	Host    string
	User    string
	Pass    string
	Network string // mainnet, testnet3, signet, regtest
}

// Params maps the configured network name to chain parameters
func (c Config) Params() (*chaincfg.Params, error) {
	switch c.Network {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3", "testnet":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	}
	return nil, fmt.Errorf("unknown bitcoin network %q", c.Network)
}

func NewClient(cfg Config, logger *log.Logger) (*Client, error) {
	if _, err := cfg.Params(); err != nil {
		return nil, err
	}
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true, // Bitcoin Core only supports HTTP POST mode
		DisableTLS:   true,
	}

	logger.Info("[Bitcoin] connecting to RPC", "host", cfg.Host)
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, err
	}

	blockCount, err := client.GetBlockCount()
	if err != nil {
		client.Shutdown()
		return nil, err
	}
	logger.Info("[Bitcoin] connected", "height", blockCount)

	return &Client{RPC: client, Config: cfg, logger: logger}, nil
}

func (c *Client) Shutdown() {
	c.RPC.Shutdown()
}

// Source returns a record source reading blocks through this client
func (c *Client) Source() *Source {
	params, _ := c.Config.Params()
	return NewSource(c.RPC, params, c.logger)
}
