package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/provision/pkg/apply"
	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_Put demonstrates storing and listing install records.
func ExampleSQLiteStore_Put() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	tenant := engine.Tenant{Env: "prod", Tenant: "acme"}
	err := store.Put(ctx, apply.InstallRecord{
		Tenant:           tenant,
		ProviderID:       "graph",
		InstallID:        "install-1",
		ConfigNamespace:  apply.Namespace(tenant, "graph", "install-1"),
		SecretsNamespace: apply.SecretsNamespace(tenant, "graph", "install-1"),
	})
	if err != nil {
		log.Fatal(err)
	}

	records, _ := store.List(ctx, tenant)
	for _, r := range records {
		fmt.Println(r.ConfigNamespace)
	}
	// Output: provision:prod:acme:unknown:graph:install-1
}
