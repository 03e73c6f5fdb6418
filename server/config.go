/******************************************************************************
 *
 *  Description :
 *
 *    Config file loading: comment-tolerant JSON via tinode/jsonco, flags
 *    for the file path, same shape the source repo's seed tool uses.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"os"

	jcr "github.com/tinode/jsonco"
)

type configType struct {
	Listen             string          `json:"listen"`
	StoreAdapter       string          `json:"store_adapter"`
	StoreConfig        json.RawMessage `json:"store_config"`
	Token              json.RawMessage `json:"token"`
	CookieHashKeyB64   string          `json:"cookie_hash_key"`
	CookieBlockKeyB64  string          `json:"cookie_block_key"`
	IdleTimeoutDefault int             `json:"idle_timeout_default"`
	ColdownGraceSecs   int             `json:"coldown_grace"`
	WorkerID           uint            `json:"worker_id"`
}

func loadConfig(path string) (*configType, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var cfg configType
	if err := json.NewDecoder(jcr.New(file)).Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg.IdleTimeoutDefault <= 0 {
		cfg.IdleTimeoutDefault = 600
	}
	if cfg.ColdownGraceSecs <= 0 {
		cfg.ColdownGraceSecs = 60
	}
	if cfg.StoreAdapter == "" {
		cfg.StoreAdapter = "rethinkdb"
	}
	return &cfg, nil
}
