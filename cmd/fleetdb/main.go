// Command fleetdb bootstraps and optionally seeds the broker's
// database: create the schema, and load a JSON fixture of devices,
// users and groups for local development, the same role the source
// project's own db-seeding tool plays for its dataset.
package main

import (
	"encoding/json"
	"flag"
	"io/ioutil"
	"log"
	"os"
	"time"

	jcr "github.com/tinode/jsonco"

	"github.com/fleetdesk/broker/server/store"
	_ "github.com/fleetdesk/broker/server/store/db/mongodb"
	_ "github.com/fleetdesk/broker/server/store/db/rethinkdb"
	t "github.com/fleetdesk/broker/server/store/types"
)

type configType struct {
	StoreAdapter string          `json:"store_adapter"`
	StoreConfig  json.RawMessage `json:"store_config"`
}

// fixture mirrors a small JSON seed file for local development.
type fixture struct {
	Devices []t.Device `json:"devices"`
	Users   []t.User   `json:"users"`
	Groups  []t.Group  `json:"groups"`
}

func main() {
	var reset = flag.Bool("reset", false, "force database reset")
	var datafile = flag.String("data", "", "name of file with sample data to load")
	var conffile = flag.String("config", "./fleetdesk.conf", "config of the database connection")
	flag.Parse()

	var cfg configType
	file, err := os.Open(*conffile)
	if err != nil {
		log.Fatal("failed to read config file:", err)
	}
	defer file.Close()
	if err := json.NewDecoder(jcr.New(file)).Decode(&cfg); err != nil {
		log.Fatal("failed to parse config file:", err)
	}
	if cfg.StoreAdapter == "" {
		cfg.StoreAdapter = "rethinkdb"
	}

	if err := store.Open(cfg.StoreAdapter, string(cfg.StoreConfig)); err != nil {
		log.Fatal("failed to open store adapter:", err)
	}
	defer store.Close()

	log.Println("initializing", store.GetAdapterName())
	if err := store.InitDb(*reset); err != nil {
		log.Fatal("failed to init database:", err)
	}

	if *datafile == "" {
		log.Println("database ready, no sample data requested")
		return
	}

	raw, err := ioutil.ReadFile(*datafile)
	if err != nil {
		log.Fatal("failed to read data file:", err)
	}
	var data fixture
	if err := json.Unmarshal(raw, &data); err != nil {
		log.Fatal("failed to parse data file:", err)
	}

	seed(&data)
}

func seed(data *fixture) {
	now := time.Now().UTC()
	for i, u := range data.Users {
		u := u
		if u.CreatedAt.IsZero() {
			u.CreatedAt = now
		}
		u.Uid = t.Uid(i + 1)
		if _, err := store.Users.Upsert(u.Email, &u, map[string]interface{}{"username": u.Username}); err != nil {
			log.Printf("seed: user %s: %v", u.Email, err)
		}
	}
	for i := range data.Groups {
		if err := store.Groups.Save(&data.Groups[i]); err != nil {
			log.Printf("seed: group %s: %v", data.Groups[i].Gid, err)
		}
	}
	for i := range data.Devices {
		d := &data.Devices[i]
		if d.Sources == nil {
			d.Sources = map[string]t.Source{}
		}
		if err := store.Devices.Save(d); err != nil {
			log.Printf("seed: device %s: %v", d.Udid, err)
		}
	}
	log.Printf("seeded %d users, %d groups, %d devices", len(data.Users), len(data.Groups), len(data.Devices))
}
