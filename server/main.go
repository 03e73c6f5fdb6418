/******************************************************************************
 *
 *  Description :
 *
 *    Entry point: load config, open the store, wire the coordinator/
 *    registry/broadcaster/identity, and serve until a termination
 *    signal arrives.
 *
 *****************************************************************************/

package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"log"
	"time"

	"github.com/fleetdesk/broker/server/auth"
	_ "github.com/fleetdesk/broker/server/auth/token"
	"github.com/fleetdesk/broker/server/store"
	_ "github.com/fleetdesk/broker/server/store/db/mongodb"
	_ "github.com/fleetdesk/broker/server/store/db/rethinkdb"
)

func main() {
	configPath := flag.String("config", "./fleetdesk.conf", "path to the config file")
	reset := flag.Bool("reset", false, "drop and recreate the database before starting")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	if err := store.Open(cfg.StoreAdapter, string(cfg.StoreConfig)); err != nil {
		log.Fatal("failed to open store: ", err)
	}
	defer store.Close()
	log.Println("store adapter:", store.GetAdapterName())

	if *reset {
		if err := store.InitDb(true); err != nil {
			log.Fatal("failed to initialize database: ", err)
		}
		log.Println("database reset")
	}

	if err := initTokenAuth(cfg.Token); err != nil {
		log.Fatal("failed to initialize token auth: ", err)
	}

	if err := initGidGen(cfg.WorkerID); err != nil {
		log.Fatal("failed to initialize group id generator: ", err)
	}

	hashKey, err := decodeKeyOrRandom(cfg.CookieHashKeyB64, 32)
	if err != nil {
		log.Fatal("failed to decode cookie_hash_key: ", err)
	}
	blockKey, err := decodeKeyOrRandom(cfg.CookieBlockKeyB64, 32)
	if err != nil {
		log.Fatal("failed to decode cookie_block_key: ", err)
	}

	globals.registry = NewProviderRegistry()
	globals.broadcaster = NewChangeBroadcaster()
	globals.coordinator = NewCoordinator(
		time.Duration(cfg.IdleTimeoutDefault)*time.Second,
		time.Duration(cfg.ColdownGraceSecs)*time.Second,
		globals.broadcaster,
		globals.registry,
	)
	globals.identity = NewIdentity(hashKey, blockKey)

	if err := globals.coordinator.RearmAll(); err != nil {
		log.Println("failed to rearm idle watchers:", err)
	}

	listen := cfg.Listen
	if listen == "" {
		listen = ":6060"
	}

	stop := signalHandler()
	log.Println("listening on", listen)
	if err := listenAndServe(listen, newRouter(), stop); err != nil {
		log.Fatal("server error: ", err)
	}
}

func initTokenAuth(jsonconf []byte) error {
	scheme := auth.GetScheme("token")
	if scheme == nil {
		return nil
	}
	if len(jsonconf) == 0 {
		key, err := randomBytes(32)
		if err != nil {
			return err
		}
		jsonconf = []byte(`{"key":"` + base64.StdEncoding.EncodeToString(key) + `","serial_num":1,"expire_in":1209600}`)
	}
	return scheme.Init(string(jsonconf))
}

func decodeKeyOrRandom(b64 string, n int) ([]byte, error) {
	if b64 == "" {
		return randomBytes(n)
	}
	return base64.StdEncoding.DecodeString(b64)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
